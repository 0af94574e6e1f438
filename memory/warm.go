package memory

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stagegate.evalgo.org/db"
)

// PostgresWarmStore persists warm-tier items as relational rows. It also
// carries cold rows while the document store is unavailable.
type PostgresWarmStore struct {
	pg *db.Postgres
}

// NewPostgresWarmStore creates the warm store over an open connection.
func NewPostgresWarmStore(pg *db.Postgres) *PostgresWarmStore {
	return &PostgresWarmStore{pg: pg}
}

// List implements WarmStore. An empty tier returns all rows for the user.
func (s *PostgresWarmStore) List(ctx context.Context, userID string, tier Tier) ([]Item, error) {
	query := s.pg.DB(ctx).Where("user_id = ?", userID)
	if tier != "" {
		query = query.Where("tier = ?", string(tier))
	}

	var rows []db.MemoryInteractionMetadata
	if err := query.Order("timestamp DESC").Find(&rows).Error; err != nil {
		return nil, db.Translate(err)
	}

	items := make([]Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, fromRow(row))
	}
	return items, nil
}

// Upsert implements WarmStore.
func (s *PostgresWarmStore) Upsert(ctx context.Context, item Item) error {
	row := toRow(item)
	err := s.pg.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"content", "memory_type", "importance", "tier", "meta",
			"retrieval_count", "last_retrieved", "timestamp", "updated_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return db.Translate(err)
	}
	return nil
}

// Delete implements WarmStore. Deleting a missing row is not an error.
func (s *PostgresWarmStore) Delete(ctx context.Context, id string) error {
	err := s.pg.DB(ctx).Delete(&db.MemoryInteractionMetadata{}, "id = ?", id).Error
	if err != nil {
		return db.Translate(err)
	}
	return nil
}

// MarkRetrieved implements WarmStore.
func (s *PostgresWarmStore) MarkRetrieved(ctx context.Context, id string, at time.Time) error {
	err := s.pg.DB(ctx).Model(&db.MemoryInteractionMetadata{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retrieval_count": gorm.Expr("retrieval_count + 1"),
			"last_retrieved":  at,
		}).Error
	if err != nil {
		return db.Translate(err)
	}
	return nil
}

// TouchConsolidation implements WarmStore, creating the profile row on
// first use.
func (s *PostgresWarmStore) TouchConsolidation(ctx context.Context, userID string, at time.Time) error {
	var profile db.MemoryUserProfile
	err := s.pg.DB(ctx).First(&profile, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = db.MemoryUserProfile{UserID: userID}
	} else if err != nil {
		return db.Translate(err)
	}
	profile.LastConsolidationAt = &at
	if err := s.pg.DB(ctx).Save(&profile).Error; err != nil {
		return db.Translate(err)
	}
	return nil
}

// ActiveUsers lists users with warm memories, feeding the consolidation
// sweeper.
func (s *PostgresWarmStore) ActiveUsers(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	var users []string
	err := s.pg.DB(ctx).Model(&db.MemoryInteractionMetadata{}).
		Distinct("user_id").
		Limit(limit).
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, db.Translate(err)
	}
	return users, nil
}

// Profile loads a user's memory profile, returning an empty profile when
// none exists yet.
func (s *PostgresWarmStore) Profile(ctx context.Context, userID string) (db.MemoryUserProfile, error) {
	var profile db.MemoryUserProfile
	err := s.pg.DB(ctx).First(&profile, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.MemoryUserProfile{UserID: userID}, nil
	}
	if err != nil {
		return profile, db.Translate(err)
	}
	return profile, nil
}

func toRow(item Item) db.MemoryInteractionMetadata {
	return db.MemoryInteractionMetadata{
		ID:             item.ID,
		UserID:         item.UserID,
		Content:        item.Content,
		MemoryType:     string(item.MemoryType),
		Importance:     item.Importance,
		Tier:           string(item.Tier),
		Meta:           item.Metadata,
		RetrievalCount: item.RetrievalCount,
		LastRetrieved:  item.LastRetrieved,
		Timestamp:      item.Timestamp,
	}
}

func fromRow(row db.MemoryInteractionMetadata) Item {
	tier := Tier(row.Tier)
	if tier == "" {
		tier = TierWarm
	}
	return Item{
		ID:             row.ID,
		UserID:         row.UserID,
		Content:        row.Content,
		MemoryType:     MemoryType(row.MemoryType),
		Importance:     row.Importance,
		Tier:           tier,
		Metadata:       row.Meta,
		RetrievalCount: row.RetrievalCount,
		LastRetrieved:  row.LastRetrieved,
		Timestamp:      row.Timestamp,
	}
}
