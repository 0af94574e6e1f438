//go:build integration

package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
)

func setupStore(t *testing.T) *Store {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pg, err := db.NewPostgres(db.PostgresConfig{URL: fmt.Sprintf(
		"host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable",
		host, port.Port())})
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewStore(pg, log)
}

func stageOne(t *testing.T, s *Store, userID string, priority float64) *db.Interaction {
	row, err := s.Stage(context.Background(), StageRequest{
		UserID:             userID,
		UserMessage:        "how are you",
		RawGeneration:      "raw response",
		RefinedBubbles:     []string{"hey!", "doing great"},
		RiskScore:          0.1,
		RiskRecommendation: db.RiskApprove,
		PriorityScore:      priority,
	})
	require.NoError(t, err)
	return row
}

func TestReview_Integration_Lifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	row := stageOne(t, s, "u1", 0.5)
	assert.Equal(t, db.ReviewPending, row.ReviewStatus)

	claimed, err := s.Claim(ctx, row.ID, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, db.ReviewInReview, claimed.ReviewStatus)
	require.NotNil(t, claimed.ReviewStartedAt)

	// Re-claim by the same reviewer is idempotent.
	again, err := s.Claim(ctx, row.ID, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, db.ReviewInReview, again.ReviewStatus)

	approved, err := s.Approve(ctx, ApproveRequest{
		InteractionID: row.ID,
		ReviewerID:    "rev-1",
		FinalBubbles:  []string{"hey!", "doing great, you?"},
		EditTags:      []string{"tone"},
		QualityScore:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, db.ReviewApproved, approved.ReviewStatus)

	delivered, err := s.MarkDelivered(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ReviewDelivered, delivered.ReviewStatus)
	require.NotNil(t, delivered.DeliveredAt)

	// Retrying delivery succeeds without touching the timestamp.
	again2, err := s.MarkDelivered(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, delivered.DeliveredAt.Unix(), again2.DeliveredAt.Unix())
}

func TestReview_Integration_ClaimConflicts(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := stageOne(t, s, "u1", 0.5)
	second := stageOne(t, s, "u1", 0.7)

	_, err := s.Claim(ctx, first.ID, "rev-1")
	require.NoError(t, err)

	// Another reviewer cannot claim the same row.
	_, err = s.Claim(ctx, first.ID, "rev-2")
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.Kind(err))

	// Nor a second interaction of the same user while one is in review.
	_, err = s.Claim(ctx, second.ID, "rev-2")
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.Kind(err))

	// A different user's interaction is fine.
	other := stageOne(t, s, "u2", 0.5)
	_, err = s.Claim(ctx, other.ID, "rev-2")
	require.NoError(t, err)
}

func TestReview_Integration_ClaimAfterDecision(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	first := stageOne(t, s, "u1", 0.5)
	second := stageOne(t, s, "u1", 0.7)

	// A plain claim of a pending interaction succeeds; the per-user
	// serialization guard must not reject the empty in_review set.
	claimed, err := s.Claim(ctx, first.ID, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, db.ReviewInReview, claimed.ReviewStatus)

	_, err = s.Claim(ctx, second.ID, "rev-2")
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.Kind(err))

	// Once the first interaction is decided the user's next one is
	// claimable again.
	_, err = s.Reject(ctx, first.ID, "rev-1", "superseded")
	require.NoError(t, err)

	claimed, err = s.Claim(ctx, second.ID, "rev-2")
	require.NoError(t, err)
	assert.Equal(t, db.ReviewInReview, claimed.ReviewStatus)
}

func TestReview_Integration_ApproveGuards(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	row := stageOne(t, s, "u1", 0.5)

	// Approving before claiming is a conflict.
	_, err := s.Approve(ctx, ApproveRequest{
		InteractionID: row.ID, ReviewerID: "rev-1", FinalBubbles: []string{"x"},
	})
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.Kind(err))

	_, err = s.Claim(ctx, row.ID, "rev-1")
	require.NoError(t, err)

	// Only the claiming reviewer may decide.
	_, err = s.Approve(ctx, ApproveRequest{
		InteractionID: row.ID, ReviewerID: "rev-2", FinalBubbles: []string{"x"},
	})
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.Kind(err))

	_, err = s.Reject(ctx, row.ID, "rev-1", "off brand")
	require.NoError(t, err)

	// Delivery from rejected is impossible.
	_, err = s.MarkDelivered(ctx, row.ID)
	require.Error(t, err)
	assert.Equal(t, common.KindConflict, common.Kind(err))
}

func TestReview_Integration_QueueAndRecovery(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	low := stageOne(t, s, "u1", 0.2)
	high := stageOne(t, s, "u2", 0.9)
	stageOne(t, s, "u3", 0.05)

	queue, err := s.ListPending(ctx, 10, 0.1)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, high.ID, queue[0].ID)
	assert.Equal(t, low.ID, queue[1].ID)

	// Stale claims return to pending.
	_, err = s.Claim(ctx, high.ID, "rev-1")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(45 * time.Minute) }
	released, err := s.ReleaseStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	refreshed, err := s.Get(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ReviewPending, refreshed.ReviewStatus)
	assert.Nil(t, refreshed.ReviewerID)
}
