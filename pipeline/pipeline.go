// Package pipeline orchestrates the message flow from inbound user
// message to staged, reviewed and delivered response. Messages are
// serialized per user through debounced lanes; different users proceed
// in parallel up to the worker limit. Nothing reaches a user without an
// approved interaction.
package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
	"stagegate.evalgo.org/memory"
	"stagegate.evalgo.org/protocol"
	"stagegate.evalgo.org/rag"
	"stagegate.evalgo.org/ratelimit"
	"stagegate.evalgo.org/review"
)

const backpressureKey = "pipeline:backpressure_drops"

// Config tunes the orchestrator.
type Config struct {
	Workers       int           // concurrent lane batches; default NumCPU
	LaneCapacity  int           // queued messages per user; default 100
	Debounce      time.Duration // burst coalescing window; default 2s
	BubbleDelay   time.Duration // inter-bubble delivery delay; default 500ms
	StepDeadline  time.Duration // end-to-end budget per batch; default 60s
	LaneIdle      time.Duration // lane GC after inactivity; default 5m
	StaleReview   time.Duration // in_review recovery threshold; default 30m
	DeliveryLag   time.Duration // approved-without-delivery threshold; default 10s
	ShutdownGrace time.Duration // drain budget on Stop; default 30s
	Attempts      int           // provider calls per stage, transient failures only; default 3
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.LaneCapacity <= 0 {
		c.LaneCapacity = 100
	}
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.BubbleDelay <= 0 {
		c.BubbleDelay = 500 * time.Millisecond
	}
	if c.StepDeadline <= 0 {
		c.StepDeadline = 60 * time.Second
	}
	if c.LaneIdle <= 0 {
		c.LaneIdle = 5 * time.Minute
	}
	if c.StaleReview <= 0 {
		c.StaleReview = 30 * time.Minute
	}
	if c.DeliveryLag <= 0 {
		c.DeliveryLag = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
}

// Inbound is one user message entering the pipeline.
type Inbound struct {
	UserID     string
	Text       string
	ExternalID string
	ReceivedAt time.Time
}

// QuarantineChecker is the protocol gate the pipeline consults per
// inbound message.
type QuarantineChecker interface {
	CheckInbound(ctx context.Context, userID, text, externalID string) (protocol.Decision, error)
}

// ContextBuilder produces the generation context.
type ContextBuilder interface {
	Build(ctx context.Context, userID, userMessage string) rag.Enhancement
}

// ReviewStore is the subset of the review state machine the pipeline
// drives.
type ReviewStore interface {
	Stage(ctx context.Context, req review.StageRequest) (*db.Interaction, error)
	Get(ctx context.Context, id string) (*db.Interaction, error)
	MarkDelivered(ctx context.Context, id string) (*db.Interaction, error)
	CancelPendingForUser(ctx context.Context, userID string) (int, error)
	ReleaseStale(ctx context.Context, maxAge time.Duration) (int, error)
	UndeliveredApproved(ctx context.Context, olderThan time.Duration) ([]db.Interaction, error)
}

// MemoryWriter records delivered conversations.
type MemoryWriter interface {
	Store(ctx context.Context, item memory.Item, autoTier bool) (memory.Item, error)
}

// ProviderGuard throttles outbound AI calls. Nil disables the guard.
type ProviderGuard interface {
	Allow(ctx context.Context, identity ratelimit.Identity, endpoint string, meta ratelimit.RequestMeta) ratelimit.Decision
}

// Counter tracks the backpressure metric. The KV client satisfies it.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
}

// Orchestrator runs the pipeline.
type Orchestrator struct {
	cfg        Config
	quarantine QuarantineChecker
	builder    ContextBuilder
	creative   Provider
	refine     Provider
	reviews    ReviewStore
	mem        MemoryWriter
	transport  Transport
	guard      ProviderGuard
	counter    Counter
	log        *logrus.Entry

	rootCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	lanes   map[string]*lane
	closing bool

	workerSem  chan struct{}
	deliveries chan string
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// New wires an orchestrator. guard and counter may be nil.
func New(cfg Config, quarantine QuarantineChecker, builder ContextBuilder, creative, refine Provider,
	reviews ReviewStore, mem MemoryWriter, transport Transport, guard ProviderGuard, counter Counter,
	log *logrus.Logger) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg:        cfg,
		quarantine: quarantine,
		builder:    builder,
		creative:   creative,
		refine:     refine,
		reviews:    reviews,
		mem:        mem,
		transport:  transport,
		guard:      guard,
		counter:    counter,
		log:        log.WithField("component", "pipeline"),
		lanes:      map[string]*lane{},
		workerSem:  make(chan struct{}, cfg.Workers),
		deliveries: make(chan string, 256),
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the delivery worker and the startup recovery scan.
func (o *Orchestrator) Start(ctx context.Context) {
	o.rootCtx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.deliveryLoop()
	}()

	o.Recover(o.rootCtx)
}

// Stop refuses new work, drains lanes within the grace budget, then
// aborts what is left. Staged interactions stay as the durable record.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	close(o.shutdownCh)

	done := make(chan struct{})
	go func() {
		o.laneWait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.ShutdownGrace):
		o.log.Warn("shutdown grace expired, aborting in-flight lanes")
	}

	o.cancel()
	close(o.deliveries)
	o.wg.Wait()
}

func (o *Orchestrator) laneWait() {
	for {
		o.mu.Lock()
		n := len(o.lanes)
		o.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Enqueue adds an inbound message to the user's lane. Lane overflow
// drops the oldest queued message and counts it.
func (o *Orchestrator) Enqueue(msg Inbound) error {
	if msg.UserID == "" {
		return common.NewValidation("user id is required")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return common.NewConflict("pipeline is shutting down")
	}
	ln, ok := o.lanes[msg.UserID]
	if !ok {
		laneCtx, laneCancel := context.WithCancel(o.rootCtx)
		ln = &lane{
			userID: msg.UserID,
			ctx:    laneCtx,
			cancel: laneCancel,
			wake:   make(chan struct{}, 1),
		}
		o.lanes[msg.UserID] = ln
		go o.runLane(ln)
	}
	o.mu.Unlock()

	if dropped := ln.push(msg, o.cfg.LaneCapacity); dropped {
		o.countDrop(msg.UserID)
	}
	return nil
}

// CancelUser aborts in-flight work for a user and tags their staged
// interactions for non-delivery.
func (o *Orchestrator) CancelUser(ctx context.Context, userID string) error {
	o.mu.Lock()
	if ln, ok := o.lanes[userID]; ok {
		ln.cancel()
		delete(o.lanes, userID)
	}
	o.mu.Unlock()

	_, err := o.reviews.CancelPendingForUser(ctx, userID)
	return err
}

// EnqueueDelivery schedules an approved interaction for delivery. Called
// by the approve handler and the recovery scan.
func (o *Orchestrator) EnqueueDelivery(interactionID string) {
	select {
	case o.deliveries <- interactionID:
	default:
		o.log.WithField("interaction_id", interactionID).
			Warn("delivery queue full, recovery scan will retry")
	}
}

// Recover requeues work orphaned by a crash: stale claims go back to
// pending, approved-but-undelivered interactions re-enter delivery.
func (o *Orchestrator) Recover(ctx context.Context) {
	released, err := o.reviews.ReleaseStale(ctx, o.cfg.StaleReview)
	if err != nil {
		o.log.WithError(err).Error("failed to release stale reviews")
	} else if released > 0 {
		o.log.WithField("released", released).Info("stale reviews returned to pending")
	}

	rows, err := o.reviews.UndeliveredApproved(ctx, o.cfg.DeliveryLag)
	if err != nil {
		o.log.WithError(err).Error("failed to scan undelivered approvals")
		return
	}
	for _, row := range rows {
		o.EnqueueDelivery(row.ID)
	}
	if len(rows) > 0 {
		o.log.WithField("requeued", len(rows)).Info("undelivered approvals requeued")
	}
}

func (o *Orchestrator) countDrop(userID string) {
	if o.counter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := o.counter.Incr(ctx, backpressureKey); err == nil {
		o.log.WithField("user_id", userID).Warn("backpressure drop")
	}
}

// lane serializes one user's messages.
type lane struct {
	userID string
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	mu    sync.Mutex
	queue []Inbound
}

// push appends a message, dropping the oldest when full. Reports whether
// a drop happened.
func (l *lane) push(msg Inbound, capacity int) (dropped bool) {
	l.mu.Lock()
	if len(l.queue) >= capacity {
		l.queue = l.queue[1:]
		dropped = true
	}
	l.queue = append(l.queue, msg)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return dropped
}

func (l *lane) drain() []Inbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

func (l *lane) empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0
}

// runLane is the per-user goroutine: debounce a burst into one batch,
// take a worker slot, process, repeat. Idle lanes exit and are GCed.
func (o *Orchestrator) runLane(ln *lane) {
	defer func() {
		o.mu.Lock()
		if current, ok := o.lanes[ln.userID]; ok && current == ln {
			delete(o.lanes, ln.userID)
		}
		o.mu.Unlock()
		ln.cancel()
	}()

	idle := time.NewTimer(o.cfg.LaneIdle)
	defer idle.Stop()

	for {
		select {
		case <-ln.ctx.Done():
			return
		case <-o.shutdownCh:
			// Drain what is queued, then exit.
			if batch := ln.drain(); len(batch) > 0 {
				o.workerSem <- struct{}{}
				o.processBatch(ln.ctx, batch)
				<-o.workerSem
			}
			return
		case <-idle.C:
			if ln.empty() {
				return
			}
			idle.Reset(o.cfg.LaneIdle)
		case <-ln.wake:
			// Debounce: let the burst settle into one logical turn.
			select {
			case <-ln.ctx.Done():
				return
			case <-time.After(o.cfg.Debounce):
			}

			batch := ln.drain()
			if len(batch) == 0 {
				continue
			}

			select {
			case o.workerSem <- struct{}{}:
			case <-ln.ctx.Done():
				return
			}
			o.processBatch(ln.ctx, batch)
			<-o.workerSem

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(o.cfg.LaneIdle)
		}
	}
}

// processBatch runs the per-message flow for one coalesced user turn.
func (o *Orchestrator) processBatch(laneCtx context.Context, batch []Inbound) {
	userID := batch[0].UserID
	texts := make([]string, 0, len(batch))
	for _, msg := range batch {
		texts = append(texts, msg.Text)
	}
	userMessage := strings.Join(texts, "\n")
	externalID := batch[len(batch)-1].ExternalID

	ctx, cancel := context.WithTimeout(laneCtx, o.cfg.StepDeadline)
	defer cancel()

	log := o.log.WithField("user_id", userID)

	decision, err := o.quarantine.CheckInbound(ctx, userID, userMessage, externalID)
	if err != nil {
		log.WithError(err).Error("quarantine check failed")
		return
	}
	if decision.Diverted {
		log.WithField("message_id", decision.MessageID).Info("message diverted to quarantine")
		return
	}

	enhancement := o.builder.Build(ctx, userID, userMessage)

	draft, err := o.generate(ctx, "creative", o.creative,
		"You draft warm, in-character chat responses.", enhancement.EnhancedText)
	if err != nil {
		log.WithError(err).Error("generation failed, staging failed interaction")
		o.stageFailed(ctx, userID, userMessage, err)
		return
	}

	refined, err := o.generate(ctx, "refine", o.refine,
		"Split the draft into short chat bubbles, one per line.", draft)
	if err != nil {
		log.WithError(err).Error("refinement failed, staging failed interaction")
		o.stageFailed(ctx, userID, userMessage, err)
		return
	}
	bubbles := SplitBubbles(refined)
	if len(bubbles) == 0 {
		o.stageFailed(ctx, userID, userMessage, common.NewFailure(nil, "refinement produced no bubbles"))
		return
	}

	verdict := Evaluate(userMessage, bubbles)

	req := review.StageRequest{
		UserID:             userID,
		UserMessage:        userMessage,
		RawGeneration:      draft,
		RefinedBubbles:     bubbles,
		RiskScore:          verdict.RiskScore,
		RiskFlags:          verdict.RiskFlags,
		RiskRecommendation: verdict.Recommendation,
		PriorityScore:      verdict.PriorityScore,
	}
	if verdict.Recommendation == db.RiskReject {
		req.PreRejected = true
		req.ReviewerNotes = "policy filter rejection"
	}

	staged, err := o.reviews.Stage(ctx, req)
	if err != nil {
		log.WithError(err).Error("failed to stage interaction")
		return
	}
	log.WithFields(logrus.Fields{
		"interaction_id": staged.ID,
		"status":         staged.ReviewStatus,
		"risk_score":     verdict.RiskScore,
	}).Info("interaction staged")
}

// generate calls one provider under the rate limit guard with a bounded
// retry budget for transient failures.
func (o *Orchestrator) generate(ctx context.Context, name string, provider Provider, system, prompt string) (string, error) {
	var lastErr error
	backoff := 500 * time.Millisecond

	for attempt := 0; attempt < o.cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", common.NewTransient(ctx.Err(), "%s generation canceled", name)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if o.guard != nil {
			decision := o.guard.Allow(ctx,
				ratelimit.Identity{Key: "provider:" + name, Role: ratelimit.RoleAdmin},
				"/provider/"+name, ratelimit.RequestMeta{})
			if !decision.Allowed {
				lastErr = common.NewRateLimited(decision.RetryAfter)
				continue
			}
		}

		text, err := provider.Complete(ctx, system, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !common.Retryable(err) {
			return "", err
		}
	}
	return "", common.NewFailure(lastErr, "%s generation retry budget exhausted", name)
}

// stageFailed records a failed attempt so reviewers can see it.
func (o *Orchestrator) stageFailed(ctx context.Context, userID, userMessage string, cause error) {
	_, err := o.reviews.Stage(ctx, review.StageRequest{
		UserID:             userID,
		UserMessage:        userMessage,
		RiskFlags:          []string{"generation_failed"},
		RiskRecommendation: db.RiskReview,
		PriorityScore:      0.9,
		PreRejected:        true,
		ReviewerNotes:      fmt.Sprintf("generation failed: %v", cause),
	})
	if err != nil {
		o.log.WithError(err).Error("failed to stage failed interaction")
	}
}

// deliveryLoop consumes approved interactions and emits their bubbles.
// A single consumer keeps delivery in approval order.
func (o *Orchestrator) deliveryLoop() {
	for interactionID := range o.deliveries {
		if err := o.deliver(interactionID); err != nil {
			o.log.WithError(err).WithField("interaction_id", interactionID).
				Error("delivery failed")
		}
	}
}

func (o *Orchestrator) deliver(interactionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StepDeadline)
	defer cancel()

	row, err := o.reviews.Get(ctx, interactionID)
	if err != nil {
		return err
	}
	if row.ReviewStatus == db.ReviewDelivered {
		return nil
	}
	if row.ReviewStatus != db.ReviewApproved {
		return common.NewConflict("interaction %s is %s, not approved", interactionID, row.ReviewStatus)
	}
	if row.NoDeliver {
		o.log.WithField("interaction_id", interactionID).Info("skipping canceled interaction")
		return nil
	}

	total := len(row.FinalBubbles)
	for i, bubble := range row.FinalBubbles {
		if i > 0 {
			select {
			case <-ctx.Done():
				return common.NewTransient(ctx.Err(), "delivery interrupted")
			case <-time.After(o.cfg.BubbleDelay):
			}
		}
		msg := OutboundMessage{
			UserID:        row.UserID,
			InteractionID: row.ID,
			Text:          bubble,
			Sequence:      i + 1,
			Total:         total,
			SentAt:        time.Now(),
		}
		if err := o.transport.Publish(msg); err != nil {
			return err
		}
	}

	if _, err := o.reviews.MarkDelivered(ctx, interactionID); err != nil {
		return err
	}

	o.writeConversationMemory(ctx, row)
	return nil
}

func (o *Orchestrator) writeConversationMemory(ctx context.Context, row *db.Interaction) {
	content := fmt.Sprintf("User: %s\nAssistant: %s", row.UserMessage, strings.Join(row.FinalBubbles, " "))
	item := memory.Item{
		UserID:     row.UserID,
		Content:    content,
		MemoryType: memory.TypeConversation,
		Importance: Importance(row.UserMessage),
		Metadata:   db.Metadata{"interaction_id": row.ID},
	}
	if _, err := o.mem.Store(ctx, item, true); err != nil {
		o.log.WithError(err).WithField("interaction_id", row.ID).
			Warn("failed to write conversation memory")
	}
}
