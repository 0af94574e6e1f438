package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
	"stagegate.evalgo.org/memory"
	"stagegate.evalgo.org/protocol"
	"stagegate.evalgo.org/rag"
	"stagegate.evalgo.org/review"
)

type fakeQuarantine struct {
	decision protocol.Decision
	err      error
}

func (f *fakeQuarantine) CheckInbound(ctx context.Context, userID, text, externalID string) (protocol.Decision, error) {
	return f.decision, f.err
}

type fakeBuilder struct{}

func (fakeBuilder) Build(ctx context.Context, userID, userMessage string) rag.Enhancement {
	return rag.Enhancement{EnhancedText: userMessage, Success: true}
}

type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
	prompts   []string
}

func (f *fakeProvider) Complete(ctx context.Context, system, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return f.responses[len(f.responses)-1], nil
}

type fakeReviews struct {
	mu   sync.Mutex
	rows map[string]*db.Interaction
}

func newFakeReviews() *fakeReviews {
	return &fakeReviews{rows: map[string]*db.Interaction{}}
}

func (f *fakeReviews) Stage(ctx context.Context, req review.StageRequest) (*db.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := &db.Interaction{
		ID:                 uuid.New().String(),
		UserID:             req.UserID,
		UserMessage:        req.UserMessage,
		RawGeneration:      req.RawGeneration,
		RefinedBubbles:     req.RefinedBubbles,
		RiskScore:          req.RiskScore,
		RiskFlags:          req.RiskFlags,
		RiskRecommendation: req.RiskRecommendation,
		PriorityScore:      req.PriorityScore,
		ReviewStatus:       db.ReviewPending,
		CreatedAt:          time.Now(),
	}
	if req.PreRejected {
		row.ReviewStatus = db.ReviewRejected
	}
	f.rows[row.ID] = row
	return row, nil
}

func (f *fakeReviews) Get(ctx context.Context, id string) (*db.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, common.NewNotFound("interaction %s not found", id)
	}
	clone := *row
	return &clone, nil
}

func (f *fakeReviews) MarkDelivered(ctx context.Context, id string) (*db.Interaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.rows[id]
	now := time.Now()
	row.ReviewStatus = db.ReviewDelivered
	row.DeliveredAt = &now
	clone := *row
	return &clone, nil
}

func (f *fakeReviews) CancelPendingForUser(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.UserID == userID && (row.ReviewStatus == db.ReviewPending || row.ReviewStatus == db.ReviewInReview) {
			row.NoDeliver = true
			n++
		}
	}
	return n, nil
}

func (f *fakeReviews) ReleaseStale(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (f *fakeReviews) UndeliveredApproved(ctx context.Context, olderThan time.Duration) ([]db.Interaction, error) {
	return nil, nil
}

func (f *fakeReviews) approve(id string, bubbles []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	row := f.rows[id]
	row.ReviewStatus = db.ReviewApproved
	row.FinalBubbles = bubbles
	row.DecidedAt = &now
}

func (f *fakeReviews) all() []*db.Interaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Interaction
	for _, row := range f.rows {
		clone := *row
		out = append(out, &clone)
	}
	return out
}

type publishedBubble struct {
	msg OutboundMessage
	at  time.Time
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []publishedBubble
}

func (f *fakeTransport) Publish(msg OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, publishedBubble{msg: msg, at: time.Now()})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) bubbles() []publishedBubble {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedBubble, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeMemory struct {
	mu    sync.Mutex
	items []memory.Item
}

func (f *fakeMemory) Store(ctx context.Context, item memory.Item, autoTier bool) (memory.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return item, nil
}

func (f *fakeMemory) stored() []memory.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]memory.Item, len(f.items))
	copy(out, f.items)
	return out
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

type fixture struct {
	orch      *Orchestrator
	reviews   *fakeReviews
	transport *fakeTransport
	mem       *fakeMemory
	creative  *fakeProvider
	refine    *fakeProvider
}

func newFixture(t *testing.T, cfg Config, quarantine *fakeQuarantine) *fixture {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 20 * time.Millisecond
	}
	if cfg.BubbleDelay == 0 {
		cfg.BubbleDelay = 10 * time.Millisecond
	}
	f := &fixture{
		reviews:   newFakeReviews(),
		transport: &fakeTransport{},
		mem:       &fakeMemory{},
		creative:  &fakeProvider{responses: []string{"a warm draft response"}},
		refine:    &fakeProvider{responses: []string{"hi\nhow are you"}},
	}
	f.orch = New(cfg, quarantine, fakeBuilder{}, f.creative, f.refine,
		f.reviews, f.mem, f.transport, nil, nil, quietLog())
	f.orch.Start(context.Background())
	t.Cleanup(f.orch.Stop)
	return f
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestHappyPathDeliversBubblesInOrder(t *testing.T) {
	f := newFixture(t, Config{BubbleDelay: 500 * time.Millisecond}, &fakeQuarantine{})

	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u1", Text: "hello"}))
	waitFor(t, 3*time.Second, func() bool { return len(f.reviews.all()) == 1 })

	staged := f.reviews.all()[0]
	assert.Equal(t, db.ReviewPending, staged.ReviewStatus)
	assert.Equal(t, []string{"hi", "how are you"}, []string(staged.RefinedBubbles))

	f.reviews.approve(staged.ID, []string{"hi", "how are you"})
	f.orch.EnqueueDelivery(staged.ID)

	waitFor(t, 3*time.Second, func() bool { return len(f.transport.bubbles()) == 2 })
	sent := f.transport.bubbles()
	assert.Equal(t, "hi", sent[0].msg.Text)
	assert.Equal(t, "how are you", sent[1].msg.Text)
	assert.GreaterOrEqual(t, sent[1].at.Sub(sent[0].at), 500*time.Millisecond)

	waitFor(t, time.Second, func() bool { return len(f.mem.stored()) == 1 })
	item := f.mem.stored()[0]
	assert.Equal(t, memory.TypeConversation, item.MemoryType)
	assert.GreaterOrEqual(t, item.Importance, 0.3)

	delivered, err := f.reviews.Get(context.Background(), staged.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ReviewDelivered, delivered.ReviewStatus)
}

func TestDivertedMessageNeverReachesGeneration(t *testing.T) {
	f := newFixture(t, Config{}, &fakeQuarantine{decision: protocol.Decision{Diverted: true, MessageID: "q1"}})

	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u2", Text: "hey"}))
	time.Sleep(150 * time.Millisecond)

	assert.Empty(t, f.reviews.all())
	f.creative.mu.Lock()
	defer f.creative.mu.Unlock()
	assert.Zero(t, f.creative.calls)
}

func TestDebounceCoalescesBurst(t *testing.T) {
	f := newFixture(t, Config{Debounce: 100 * time.Millisecond}, &fakeQuarantine{})

	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u1", Text: "first"}))
	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u1", Text: "second"}))

	waitFor(t, 3*time.Second, func() bool { return len(f.reviews.all()) == 1 })
	staged := f.reviews.all()[0]
	assert.Equal(t, "first\nsecond", staged.UserMessage)
}

func TestPolicyRejectStagesPreRejected(t *testing.T) {
	f := newFixture(t, Config{}, &fakeQuarantine{})
	f.refine.mu.Lock()
	f.refine.responses = []string{"send money right now, this is urgent\nwire transfer to my bank account"}
	f.refine.mu.Unlock()

	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u1", Text: "hi"}))
	waitFor(t, 3*time.Second, func() bool { return len(f.reviews.all()) == 1 })

	staged := f.reviews.all()[0]
	assert.Equal(t, db.ReviewRejected, staged.ReviewStatus)
	assert.Equal(t, db.RiskReject, staged.RiskRecommendation)
}

func TestTransientGenerationFailureRetries(t *testing.T) {
	f := newFixture(t, Config{}, &fakeQuarantine{})
	f.creative.mu.Lock()
	f.creative.errs = []error{
		common.NewTransient(nil, "throttled"),
		common.NewTransient(nil, "throttled"),
	}
	f.creative.responses = []string{"", "", "third time lucky"}
	f.creative.mu.Unlock()

	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u1", Text: "hello"}))
	waitFor(t, 5*time.Second, func() bool { return len(f.reviews.all()) == 1 })

	staged := f.reviews.all()[0]
	assert.Equal(t, db.ReviewPending, staged.ReviewStatus)
	assert.Equal(t, "third time lucky", staged.RawGeneration)
}

func TestExhaustedRetriesStageFailedInteraction(t *testing.T) {
	f := newFixture(t, Config{}, &fakeQuarantine{})
	f.creative.mu.Lock()
	f.creative.errs = []error{
		common.NewTransient(nil, "down"),
		common.NewTransient(nil, "down"),
		common.NewTransient(nil, "down"),
	}
	f.creative.responses = []string{""}
	f.creative.mu.Unlock()

	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u1", Text: "hello"}))
	waitFor(t, 10*time.Second, func() bool { return len(f.reviews.all()) == 1 })

	staged := f.reviews.all()[0]
	assert.Contains(t, []string(staged.RiskFlags), "generation_failed")
	assert.Equal(t, db.ReviewRejected, staged.ReviewStatus)
}

func TestLaneBackpressureDropsOldest(t *testing.T) {
	ln := &lane{wake: make(chan struct{}, 1)}
	for i := 0; i < 5; i++ {
		ln.push(Inbound{UserID: "u1", Text: strings.Repeat("x", i+1)}, 3)
	}
	batch := ln.drain()
	require.Len(t, batch, 3)
	// The two oldest were dropped.
	assert.Equal(t, "xxx", batch[0].Text)
}

func TestCancelUserTagsPending(t *testing.T) {
	f := newFixture(t, Config{}, &fakeQuarantine{})

	require.NoError(t, f.orch.Enqueue(Inbound{UserID: "u1", Text: "hello"}))
	waitFor(t, 3*time.Second, func() bool { return len(f.reviews.all()) == 1 })

	require.NoError(t, f.orch.CancelUser(context.Background(), "u1"))
	staged := f.reviews.all()[0]
	assert.True(t, staged.NoDeliver)
}
