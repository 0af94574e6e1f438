// Package review implements the human review state machine. Every
// generated response is staged as an interaction and must pass through
// pending, in_review and approved before delivery. All transitions are
// single transactions over row locks and are safe to retry.
package review

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
)

// Store owns interaction rows and their review transitions.
type Store struct {
	pg  *db.Postgres
	log *logrus.Entry
	now func() time.Time
}

// NewStore creates a review store.
func NewStore(pg *db.Postgres, log *logrus.Logger) *Store {
	return &Store{
		pg:  pg,
		log: log.WithField("component", "review"),
		now: time.Now,
	}
}

// StageRequest carries everything the pipeline knows about a generated
// response when it stages it for review.
type StageRequest struct {
	UserID             string
	UserMessage        string
	RawGeneration      string
	RefinedBubbles     []string
	RiskScore          float64
	RiskFlags          []string
	RiskRecommendation db.RiskRecommendation
	PriorityScore      float64
	// PreRejected stages the interaction directly in rejected, used when
	// the policy filter vetoes a response before any human sees it.
	PreRejected   bool
	ReviewerNotes string
}

// Stage inserts a new pending interaction and returns it.
func (s *Store) Stage(ctx context.Context, req StageRequest) (*db.Interaction, error) {
	if req.UserID == "" {
		return nil, common.NewValidation("user id is required")
	}
	row := db.Interaction{
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
	}
	if req.PreRejected {
		now := s.now()
		row.ReviewStatus = db.ReviewRejected
		row.DecidedAt = &now
		if req.ReviewerNotes != "" {
			row.ReviewerNotes = &req.ReviewerNotes
		}
	}
	if err := s.pg.DB(ctx).Create(&row).Error; err != nil {
		return nil, db.Translate(err)
	}
	return &row, nil
}

// Get loads one interaction.
func (s *Store) Get(ctx context.Context, id string) (*db.Interaction, error) {
	var row db.Interaction
	err := s.pg.DB(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NewNotFound("interaction %s not found", id)
	}
	if err != nil {
		return nil, db.Translate(err)
	}
	return &row, nil
}

// ListPending returns the review queue ordered by priority then age.
func (s *Store) ListPending(ctx context.Context, limit int, minPriority float64) ([]db.Interaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []db.Interaction
	err := s.pg.DB(ctx).
		Where("review_status = ? AND priority_score >= ?", db.ReviewPending, minPriority).
		Order("priority_score DESC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, db.Translate(err)
	}
	return rows, nil
}

// Claim moves an interaction from pending to in_review for a reviewer.
// A reviewer re-claiming their own in_review row gets success; any other
// state mismatch is a conflict. At most one of a user's interactions may
// be in_review at a time.
func (s *Store) Claim(ctx context.Context, interactionID, reviewerID string) (*db.Interaction, error) {
	var claimed db.Interaction
	err := s.pg.WithTx(ctx, func(tx *gorm.DB) error {
		row, err := lockInteraction(tx, interactionID)
		if err != nil {
			return err
		}

		if row.ReviewStatus == db.ReviewInReview && row.ReviewerID != nil && *row.ReviewerID == reviewerID {
			claimed = *row
			return nil
		}
		if row.ReviewStatus != db.ReviewPending {
			return common.NewConflict("interaction %s is %s, not pending", interactionID, row.ReviewStatus)
		}

		// The lock on the user's rows serializes concurrent claims for
		// the same user. Postgres forbids FOR UPDATE on aggregates, so the
		// ids are locked and counted here.
		var inReview []string
		err = tx.Raw(
			"SELECT id FROM interactions WHERE user_id = ? AND review_status = ? FOR UPDATE",
			row.UserID, db.ReviewInReview,
		).Scan(&inReview).Error
		if err != nil {
			return db.Translate(err)
		}
		if len(inReview) > 0 {
			return common.NewConflict("user %s already has an interaction in review", row.UserID)
		}

		now := s.now()
		row.ReviewStatus = db.ReviewInReview
		row.ReviewerID = &reviewerID
		row.ReviewStartedAt = &now
		if err := tx.Save(row).Error; err != nil {
			return db.Translate(err)
		}
		claimed = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// ApproveRequest carries the reviewer's decision payload.
type ApproveRequest struct {
	InteractionID string
	ReviewerID    string
	FinalBubbles  []string
	EditTags      []string
	QualityScore  int
	ReviewerNotes string
}

// Approve moves in_review to approved and records the reviewer's edit as
// a human_edits row. Retrying an already approved interaction by the
// same reviewer succeeds without a second edit row.
func (s *Store) Approve(ctx context.Context, req ApproveRequest) (*db.Interaction, error) {
	if len(req.FinalBubbles) == 0 {
		return nil, common.NewValidation("final bubbles are required")
	}

	var approved db.Interaction
	err := s.pg.WithTx(ctx, func(tx *gorm.DB) error {
		row, err := lockInteraction(tx, req.InteractionID)
		if err != nil {
			return err
		}

		if row.ReviewStatus == db.ReviewApproved && row.ReviewerID != nil && *row.ReviewerID == req.ReviewerID {
			approved = *row
			return nil
		}
		if row.ReviewStatus != db.ReviewInReview {
			return common.NewConflict("interaction %s is %s, not in_review", req.InteractionID, row.ReviewStatus)
		}
		if row.ReviewerID == nil || *row.ReviewerID != req.ReviewerID {
			return common.NewConflict("interaction %s is claimed by another reviewer", req.InteractionID)
		}

		now := s.now()
		original := row.RefinedBubbles
		row.ReviewStatus = db.ReviewApproved
		row.FinalBubbles = req.FinalBubbles
		row.EditTags = req.EditTags
		row.QualityScore = &req.QualityScore
		row.ReviewerNotes = &req.ReviewerNotes
		row.DecidedAt = &now
		if err := tx.Save(row).Error; err != nil {
			return db.Translate(err)
		}

		edit := db.HumanEdit{
			ID:              uuid.New().String(),
			InteractionID:   row.ID,
			ReviewerID:      req.ReviewerID,
			EditTags:        req.EditTags,
			OriginalBubbles: original,
			FinalBubbles:    req.FinalBubbles,
			QualityScore:    req.QualityScore,
		}
		if err := tx.Create(&edit).Error; err != nil {
			return db.Translate(err)
		}
		approved = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &approved, nil
}

// Reject moves in_review to rejected. Final bubbles stay null.
func (s *Store) Reject(ctx context.Context, interactionID, reviewerID, notes string) (*db.Interaction, error) {
	var rejected db.Interaction
	err := s.pg.WithTx(ctx, func(tx *gorm.DB) error {
		row, err := lockInteraction(tx, interactionID)
		if err != nil {
			return err
		}

		if row.ReviewStatus == db.ReviewRejected && row.ReviewerID != nil && *row.ReviewerID == reviewerID {
			rejected = *row
			return nil
		}
		if row.ReviewStatus != db.ReviewInReview {
			return common.NewConflict("interaction %s is %s, not in_review", interactionID, row.ReviewStatus)
		}
		if row.ReviewerID == nil || *row.ReviewerID != reviewerID {
			return common.NewConflict("interaction %s is claimed by another reviewer", interactionID)
		}

		now := s.now()
		row.ReviewStatus = db.ReviewRejected
		row.ReviewerNotes = &notes
		row.DecidedAt = &now
		if err := tx.Save(row).Error; err != nil {
			return db.Translate(err)
		}
		rejected = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rejected, nil
}

// MarkDelivered moves approved to delivered. Retries succeed.
func (s *Store) MarkDelivered(ctx context.Context, interactionID string) (*db.Interaction, error) {
	var delivered db.Interaction
	err := s.pg.WithTx(ctx, func(tx *gorm.DB) error {
		row, err := lockInteraction(tx, interactionID)
		if err != nil {
			return err
		}

		if row.ReviewStatus == db.ReviewDelivered {
			delivered = *row
			return nil
		}
		if row.ReviewStatus != db.ReviewApproved {
			return common.NewConflict("interaction %s is %s, not approved", interactionID, row.ReviewStatus)
		}

		now := s.now()
		row.ReviewStatus = db.ReviewDelivered
		row.DeliveredAt = &now
		if err := tx.Save(row).Error; err != nil {
			return db.Translate(err)
		}
		delivered = *row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &delivered, nil
}

// CancelPendingForUser tags a user's undecided interactions so they are
// never delivered. Used when newer input supersedes a staged response.
func (s *Store) CancelPendingForUser(ctx context.Context, userID string) (int, error) {
	res := s.pg.DB(ctx).Model(&db.Interaction{}).
		Where("user_id = ? AND review_status IN ?", userID,
			[]db.ReviewStatus{db.ReviewPending, db.ReviewInReview}).
		Update("no_deliver", true)
	if res.Error != nil {
		return 0, db.Translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// ReleaseStale returns interactions stuck in_review longer than maxAge
// to the pending queue. Run by the recovery scan.
func (s *Store) ReleaseStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge)
	res := s.pg.DB(ctx).Model(&db.Interaction{}).
		Where("review_status = ? AND review_started_at < ?", db.ReviewInReview, cutoff).
		Updates(map[string]interface{}{
			"review_status":     db.ReviewPending,
			"reviewer_id":       nil,
			"review_started_at": nil,
		})
	if res.Error != nil {
		return 0, db.Translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// UndeliveredApproved lists approved interactions that never got
// delivered, decided before the cutoff. Feeds delivery recovery.
func (s *Store) UndeliveredApproved(ctx context.Context, olderThan time.Duration) ([]db.Interaction, error) {
	cutoff := s.now().Add(-olderThan)
	var rows []db.Interaction
	err := s.pg.DB(ctx).
		Where("review_status = ? AND delivered_at IS NULL AND decided_at < ? AND no_deliver = ?",
			db.ReviewApproved, cutoff, false).
		Order("decided_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, db.Translate(err)
	}
	return rows, nil
}

func lockInteraction(tx *gorm.DB, id string) (*db.Interaction, error) {
	var row db.Interaction
	err := tx.Raw("SELECT * FROM interactions WHERE id = ? FOR UPDATE", id).Scan(&row).Error
	if err != nil {
		return nil, db.Translate(err)
	}
	if row.ID == "" {
		return nil, common.NewNotFound("interaction %s not found", id)
	}
	return &row, nil
}
