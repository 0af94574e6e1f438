// Package protocol implements the per-user quarantine protocol. While a
// user's protocol is ACTIVE their inbound messages are diverted into a
// quarantine table instead of entering the pipeline, saving generation
// spend. A one-time pass lets exactly one message through.
package protocol

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

const (
	otpTTL           = 24 * time.Hour
	maxBatch         = 100
	quarantineExpiry = 7 * 24 * time.Hour
	sweepInterval    = time.Hour
)

func otpKey(userID string) string { return "protocol:otp:" + userID }

// Decision is the outcome of an inbound-message check.
type Decision struct {
	Diverted    bool   `json:"diverted"`
	OneTimePass bool   `json:"one_time_pass"`
	MessageID   string `json:"message_id,omitempty"` // quarantine row id when diverted
}

// Manager owns protocol state, the quarantine store and the audit trail.
type Manager struct {
	pg         *db.Postgres
	kv         *db.KV
	costPerMsg float64
	msgTTL     time.Duration
	sweepEvery time.Duration
	log        *logrus.Entry
	now        func() time.Time
}

// NewManager creates a protocol manager. costPerMsg is the per-message
// spend estimate used for the cost-saved counters.
func NewManager(pg *db.Postgres, kv *db.KV, costPerMsg float64, log *logrus.Logger) *Manager {
	return &Manager{
		pg:         pg,
		kv:         kv,
		costPerMsg: costPerMsg,
		msgTTL:     quarantineExpiry,
		sweepEvery: sweepInterval,
		log:        log.WithField("component", "protocol"),
		now:        time.Now,
	}
}

// SetRetention overrides the quarantine TTL and sweep cadence.
// Non-positive values keep the defaults.
func (m *Manager) SetRetention(ttl, every time.Duration) {
	if ttl > 0 {
		m.msgTTL = ttl
	}
	if every > 0 {
		m.sweepEvery = every
	}
}

// Activate turns the protocol on for a user. Activating an already
// active protocol only refreshes the reason.
func (m *Manager) Activate(ctx context.Context, userID, by, reason string) error {
	return m.pg.WithTx(ctx, func(tx *gorm.DB) error {
		state, err := lockState(tx, userID)
		if err != nil {
			return err
		}
		previous := state.Status

		now := m.now()
		state.Status = db.ProtocolActive
		state.ActivatedBy = by
		state.ActivatedAt = &now
		state.Reason = reason
		if err := tx.Save(state).Error; err != nil {
			return db.Translate(err)
		}

		return appendAudit(tx, userID, db.ActionActivate, by, reason, previous, db.ProtocolActive)
	})
}

// Deactivate turns the protocol off.
func (m *Manager) Deactivate(ctx context.Context, userID, by, reason string) error {
	return m.pg.WithTx(ctx, func(tx *gorm.DB) error {
		state, err := lockState(tx, userID)
		if err != nil {
			return err
		}
		previous := state.Status

		state.Status = db.ProtocolInactive
		state.Reason = reason
		if err := tx.Save(state).Error; err != nil {
			return db.Translate(err)
		}

		return appendAudit(tx, userID, db.ActionDeactivate, by, reason, previous, db.ProtocolInactive)
	})
}

// GrantOneTimePass arms a single-message bypass. The pass lives in the
// KV store and expires unused after 24 hours.
func (m *Manager) GrantOneTimePass(ctx context.Context, userID, by string) error {
	if err := m.kv.Set(ctx, otpKey(userID), "1", otpTTL); err != nil {
		return err
	}
	err := m.pg.WithTx(ctx, func(tx *gorm.DB) error {
		state, err := lockState(tx, userID)
		if err != nil {
			return err
		}
		return appendAudit(tx, userID, db.ActionOneTimePass, by, "", state.Status, state.Status)
	})
	if err != nil {
		// Roll the pass back so audit and effect stay in step.
		if _, _, delErr := m.kv.GetDel(ctx, otpKey(userID)); delErr != nil {
			m.log.WithError(delErr).Warn("failed to revoke one-time pass after audit failure")
		}
		return err
	}
	return nil
}

// Status returns the current protocol state for a user, defaulting to
// INACTIVE when no row exists.
func (m *Manager) Status(ctx context.Context, userID string) (db.UserProtocolStatus, error) {
	var state db.UserProtocolStatus
	err := m.pg.DB(ctx).First(&state, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.UserProtocolStatus{UserID: userID, Status: db.ProtocolInactive}, nil
	}
	if err != nil {
		return state, db.Translate(err)
	}
	return state, nil
}

// CheckInbound decides whether an inbound message enters the pipeline.
// The read is always consistent; state is never cached. Any failure
// diverts the message, so an outage never burns generation spend.
func (m *Manager) CheckInbound(ctx context.Context, userID, text, externalID string) (Decision, error) {
	state, err := m.Status(ctx, userID)
	if err != nil {
		m.log.WithError(err).WithField("user_id", userID).Error("protocol check failed, diverting")
		id, qErr := m.quarantine(ctx, userID, text, externalID)
		if qErr != nil {
			return Decision{Diverted: true}, qErr
		}
		return Decision{Diverted: true, MessageID: id}, nil
	}

	if state.Status != db.ProtocolActive {
		return Decision{}, nil
	}

	// GETDEL consumes the pass atomically so concurrent messages cannot
	// both claim it.
	_, ok, err := m.kv.GetDel(ctx, otpKey(userID))
	if err == nil && ok {
		m.log.WithField("user_id", userID).Info("one-time pass consumed")
		return Decision{OneTimePass: true}, nil
	}

	id, err := m.quarantine(ctx, userID, text, externalID)
	if err != nil {
		return Decision{Diverted: true}, err
	}
	return Decision{Diverted: true, MessageID: id}, nil
}

func (m *Manager) quarantine(ctx context.Context, userID, text, externalID string) (string, error) {
	now := m.now()
	msg := db.QuarantineMessage{
		ID:                uuid.New().String(),
		UserID:            userID,
		Text:              text,
		ExternalMessageID: externalID,
		ReceivedAt:        now,
		ExpiresAt:         now.Add(m.msgTTL),
	}

	err := m.pg.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&msg).Error; err != nil {
			return db.Translate(err)
		}
		state, err := lockState(tx, userID)
		if err != nil {
			return err
		}
		state.MessagesQuarantined++
		state.CostSaved += m.costPerMsg
		state.LastMessageAt = &now
		if err := tx.Save(state).Error; err != nil {
			return db.Translate(err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return msg.ID, nil
}

// Messages lists quarantined messages for a user, newest first.
func (m *Manager) Messages(ctx context.Context, userID string, includeProcessed bool, limit int) ([]db.QuarantineMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := m.pg.DB(ctx).Where("user_id = ?", userID)
	if !includeProcessed {
		query = query.Where("processed = ?", false)
	}
	var msgs []db.QuarantineMessage
	if err := query.Order("received_at DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, db.Translate(err)
	}
	return msgs, nil
}

// Message loads one quarantined message by id.
func (m *Manager) Message(ctx context.Context, id string) (*db.QuarantineMessage, error) {
	var msg db.QuarantineMessage
	err := m.pg.DB(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.NewNotFound("quarantine message %s not found", id)
	}
	if err != nil {
		return nil, db.Translate(err)
	}
	return &msg, nil
}

// Process marks a batch of quarantined messages as handled. Batches are
// capped at 100 ids per call.
func (m *Manager) Process(ctx context.Context, messageIDs []string, by string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	if len(messageIDs) > maxBatch {
		return 0, common.NewValidation("batch exceeds %d message ids", maxBatch)
	}

	now := m.now()
	var updated int64
	err := m.pg.WithTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&db.QuarantineMessage{}).
			Where("id IN ? AND processed = ?", messageIDs, false).
			Updates(map[string]interface{}{
				"processed":    true,
				"processed_at": now,
				"processed_by": by,
			})
		if res.Error != nil {
			return db.Translate(res.Error)
		}
		updated = res.RowsAffected
		return nil
	})
	return int(updated), err
}

// Delete removes a batch of quarantined messages outright.
func (m *Manager) Delete(ctx context.Context, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	if len(messageIDs) > maxBatch {
		return 0, common.NewValidation("batch exceeds %d message ids", maxBatch)
	}

	res := m.pg.DB(ctx).Delete(&db.QuarantineMessage{}, "id IN ?", messageIDs)
	if res.Error != nil {
		return 0, db.Translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// CleanupExpired removes unprocessed messages whose retention window has
// passed.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	res := m.pg.DB(ctx).Delete(&db.QuarantineMessage{},
		"expires_at < ? AND processed = ?", m.now(), false)
	if res.Error != nil {
		return 0, db.Translate(res.Error)
	}
	return int(res.RowsAffected), nil
}

// RunSweeper loops the expiry cleanup until the context ends.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := m.CleanupExpired(ctx)
			if err != nil {
				m.log.WithError(err).Error("quarantine sweep failed")
				continue
			}
			if removed > 0 {
				m.log.WithField("removed", removed).Info("expired quarantine messages removed")
			}
		}
	}
}

// Stats is the aggregate protocol report.
type Stats struct {
	ActiveUsers             int64   `json:"active_users"`
	TotalQuarantined        int64   `json:"total_quarantined"`
	TotalCostSaved          float64 `json:"total_cost_saved"`
	Quarantined24h          int64   `json:"quarantined_24h"`
	CostSaved24h            float64 `json:"cost_saved_24h"`
	EstimatedMonthlySavings float64 `json:"estimated_monthly_savings"`
}

// GetStats aggregates protocol totals plus 24-hour deltas.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	dbc := m.pg.DB(ctx)

	if err := dbc.Model(&db.UserProtocolStatus{}).
		Where("status = ?", db.ProtocolActive).
		Count(&stats.ActiveUsers).Error; err != nil {
		return stats, db.Translate(err)
	}

	row := dbc.Model(&db.UserProtocolStatus{}).
		Select("COALESCE(SUM(messages_quarantined), 0), COALESCE(SUM(cost_saved), 0)").
		Row()
	if err := row.Scan(&stats.TotalQuarantined, &stats.TotalCostSaved); err != nil {
		return stats, db.Translate(err)
	}

	since := m.now().Add(-24 * time.Hour)
	if err := dbc.Model(&db.QuarantineMessage{}).
		Where("received_at >= ?", since).
		Count(&stats.Quarantined24h).Error; err != nil {
		return stats, db.Translate(err)
	}

	stats.CostSaved24h = float64(stats.Quarantined24h) * m.costPerMsg
	stats.EstimatedMonthlySavings = stats.CostSaved24h * 30
	return stats, nil
}

// AuditTrail returns the newest audit entries for a user. An empty
// userID returns the trail across all users.
func (m *Manager) AuditTrail(ctx context.Context, userID string, limit int) ([]db.ProtocolAuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []db.ProtocolAuditLog
	query := m.pg.DB(ctx)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, db.Translate(err)
	}
	return entries, nil
}

// lockState loads the protocol row FOR UPDATE, creating the default
// INACTIVE row on first touch.
func lockState(tx *gorm.DB, userID string) (*db.UserProtocolStatus, error) {
	var state db.UserProtocolStatus
	err := tx.Raw(
		"SELECT * FROM user_protocol_status WHERE user_id = ? FOR UPDATE", userID,
	).Scan(&state).Error
	if err != nil {
		return nil, db.Translate(err)
	}
	if state.UserID == "" {
		state = db.UserProtocolStatus{UserID: userID, Status: db.ProtocolInactive}
		if err := tx.Create(&state).Error; err != nil {
			return nil, db.Translate(err)
		}
	}
	return &state, nil
}

func appendAudit(tx *gorm.DB, userID string, action db.ProtocolAction, by, reason string, previous, next db.ProtocolStatus) error {
	entry := db.ProtocolAuditLog{
		UserID:         userID,
		Action:         action,
		PerformedBy:    by,
		Reason:         reason,
		PreviousStatus: previous,
		NewStatus:      next,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return db.Translate(err)
	}
	return nil
}
