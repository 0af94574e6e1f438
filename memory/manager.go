package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stagegate.evalgo.org/common"
	"stagegate.evalgo.org/db"
	"stagegate.evalgo.org/embedding"
)

const (
	hotTTL      = 7 * 24 * time.Hour
	hotMaxAge   = 7 * 24 * time.Hour
	warmMaxAge  = 30 * 24 * time.Hour
	coldMaxAge  = 90 * 24 * time.Hour
	hotMinScore = 0.3

	// Never-retrieved warm items get this long before archival, so an
	// item freshly demoted from hot is not archived on the next pass.
	warmNeverReadAge = 14 * 24 * time.Hour
)

// WarmStore is the warm-tier persistence interface. The Postgres
// implementation lives in warm.go; tests substitute an in-memory fake.
type WarmStore interface {
	List(ctx context.Context, userID string, tier Tier) ([]Item, error)
	Upsert(ctx context.Context, item Item) error
	Delete(ctx context.Context, id string) error
	MarkRetrieved(ctx context.Context, id string, at time.Time) error
	TouchConsolidation(ctx context.Context, userID string, at time.Time) error
}

// Manager is the authoritative placement and retrieval layer for memory
// items across the three tiers.
type Manager struct {
	kv    *db.KV
	warm  WarmStore
	docs  db.DocumentStore
	embed embedding.Embedder
	log   *logrus.Entry
	now   func() time.Time
}

// NewManager wires the tier backends together.
func NewManager(kv *db.KV, warm WarmStore, docs db.DocumentStore, embed embedding.Embedder, log *logrus.Logger) *Manager {
	return &Manager{
		kv:    kv,
		warm:  warm,
		docs:  docs,
		embed: embed,
		log:   log.WithField("component", "memory"),
		now:   time.Now,
	}
}

func hotKey(userID string) string { return "memory:hot:" + userID }

// Store places an item in its tier. With autoTier the placement rule
// decides; otherwise the item's own Tier field is honored. The stored
// item (with assigned id and tier) is returned.
func (m *Manager) Store(ctx context.Context, item Item, autoTier bool) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = m.now()
	}
	if item.Importance < 0 {
		item.Importance = 0
	}
	if item.Importance > 1 {
		item.Importance = 1
	}
	if autoTier {
		item.Tier = AssignTier(item.Timestamp, item.Importance, m.now())
	}
	if item.Tier == "" {
		item.Tier = TierWarm
	}

	switch item.Tier {
	case TierHot:
		if err := m.writeHot(ctx, item); err != nil {
			return item, err
		}
	case TierWarm:
		if err := m.warm.Upsert(ctx, item); err != nil {
			return item, err
		}
	case TierCold, TierArchived:
		if !m.docs.Available() {
			// Warm absorbs cold writes while the document store is down.
			item.Tier = TierCold
			if err := m.warm.Upsert(ctx, item); err != nil {
				return item, err
			}
			return item, nil
		}
		if err := m.ensureEmbedding(ctx, &item); err != nil {
			return item, err
		}
		if err := m.docs.Upsert(ctx, toDocument(item)); err != nil {
			return item, err
		}
	}

	return item, nil
}

func (m *Manager) writeHot(ctx context.Context, item Item) error {
	encoded, err := json.Marshal(item)
	if err != nil {
		return common.NewFailure(err, "failed to encode memory item")
	}
	key := hotKey(item.UserID)
	if err := m.kv.HSet(ctx, key, item.ID, string(encoded)); err != nil {
		return err
	}
	return m.kv.Expire(ctx, key, hotTTL)
}

func (m *Manager) ensureEmbedding(ctx context.Context, item *Item) error {
	if len(item.Embedding) > 0 {
		return nil
	}
	vec, err := m.embed.Embed(ctx, item.Content)
	if err != nil {
		return err
	}
	item.Embedding = vec
	return nil
}

// Retrieve searches all tiers concurrently and merges the results. When
// some tiers fail the merged items are returned together with a
// *PartialResult error describing which tiers succeeded.
func (m *Manager) Retrieve(ctx context.Context, q RetrieveQuery) ([]Item, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		items    []Item
		tierErrs = map[Tier]error{}
	)

	collect := func(tier Tier, fetch func() ([]Item, error)) {
		defer wg.Done()
		fetched, err := fetch()
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			tierErrs[tier] = err
			return
		}
		items = append(items, fetched...)
	}

	wg.Add(3)
	go collect(TierHot, func() ([]Item, error) { return m.listHot(ctx, q.UserID) })
	go collect(TierWarm, func() ([]Item, error) { return m.warm.List(ctx, q.UserID, "") })
	go collect(TierCold, func() ([]Item, error) { return m.searchCold(ctx, q) })
	wg.Wait()

	merged := mergeItems(items, q)

	// Write-through retrieval stats for every returned item.
	now := m.now()
	for i := range merged {
		merged[i].RetrievalCount++
		merged[i].LastRetrieved = &now
		if err := m.markRetrieved(ctx, merged[i]); err != nil {
			m.log.WithError(err).WithField("memory_id", merged[i].ID).Warn("failed to update retrieval stats")
		}
	}

	if len(tierErrs) > 0 {
		return merged, &PartialResult{TierErrors: tierErrs, Items: merged}
	}
	return merged, nil
}

func (m *Manager) listHot(ctx context.Context, userID string) ([]Item, error) {
	fields, err := m.kv.HGetAll(ctx, hotKey(userID))
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(fields))
	for _, raw := range fields {
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		item.Tier = TierHot
		items = append(items, item)
	}
	return items, nil
}

func (m *Manager) searchCold(ctx context.Context, q RetrieveQuery) ([]Item, error) {
	selector := map[string]interface{}{"user_id": q.UserID}

	if q.Query == "" {
		docs, err := m.docs.Find(ctx, selector, q.Limit*3)
		if err != nil {
			return nil, err
		}
		items := make([]Item, 0, len(docs))
		for _, doc := range docs {
			items = append(items, fromDocument(doc))
		}
		return items, nil
	}

	vec, err := m.embed.Embed(ctx, q.Query)
	if err != nil || vec == nil {
		return nil, err
	}
	scored, err := m.docs.TopKByDotProduct(ctx, selector, vec, q.Limit)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(scored))
	for _, s := range scored {
		items = append(items, fromDocument(s.Doc))
	}
	return items, nil
}

// mergeItems applies the merge policy: filter, dedupe by (user_id,
// timestamp), sort by importance then recency, truncate.
func mergeItems(items []Item, q RetrieveQuery) []Item {
	typeSet := map[MemoryType]bool{}
	for _, t := range q.Types {
		typeSet[t] = true
	}
	needle := strings.ToLower(q.Query)

	seen := map[string]bool{}
	var merged []Item
	for _, item := range items {
		if item.Importance < q.MinImportance {
			continue
		}
		if len(typeSet) > 0 && !typeSet[item.MemoryType] {
			continue
		}
		// Hot and warm tiers use substring containment; the cold tier
		// was already filtered semantically.
		if needle != "" && item.Tier != TierCold && item.Tier != TierArchived {
			if !strings.Contains(strings.ToLower(item.Content), needle) {
				continue
			}
		}
		key := item.dedupeKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, item)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Importance != merged[j].Importance {
			return merged[i].Importance > merged[j].Importance
		}
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})

	if len(merged) > q.Limit {
		merged = merged[:q.Limit]
	}
	return merged
}

func (m *Manager) markRetrieved(ctx context.Context, item Item) error {
	switch item.Tier {
	case TierHot:
		return m.writeHot(ctx, item)
	case TierWarm:
		return m.warm.MarkRetrieved(ctx, item.ID, *item.LastRetrieved)
	case TierCold, TierArchived:
		return m.docs.Upsert(ctx, toDocument(item))
	}
	return nil
}

// Consolidate runs one tier-maintenance pass for a user. Movement writes
// the destination first and deletes the source second, so a concurrent
// retrieval may briefly see both copies; the merge dedupe handles that.
// Running consolidate twice in a row without intervening writes moves
// nothing on the second pass.
func (m *Manager) Consolidate(ctx context.Context, userID string) (ConsolidationResult, error) {
	var result ConsolidationResult
	tierErrs := map[Tier]error{}
	now := m.now()

	// The warm snapshot is taken before the hot pass so items demoted in
	// this pass are not re-examined until the next one.
	warmItems, warmListErr := m.warm.List(ctx, userID, TierWarm)

	// Hot pass: age out or drop low-importance items to warm.
	hotItems, err := m.listHot(ctx, userID)
	if err != nil {
		tierErrs[TierHot] = err
	} else {
		for _, item := range hotItems {
			if now.Sub(item.Timestamp) <= hotMaxAge && item.Importance >= hotMinScore {
				continue
			}
			item.Tier = TierWarm
			if err := m.warm.Upsert(ctx, item); err != nil {
				tierErrs[TierWarm] = err
				break
			}
			if err := m.kv.HDel(ctx, hotKey(userID), item.ID); err != nil {
				tierErrs[TierHot] = err
				break
			}
			result.Demoted++
		}
	}

	// Warm pass: promote recently-retrieved important items, archive the
	// stale or long-unread rest to cold.
	if warmListErr != nil {
		tierErrs[TierWarm] = warmListErr
	} else {
		for _, item := range warmItems {
			switch {
			case item.Importance >= hotMinScore &&
				item.LastRetrieved != nil &&
				now.Sub(*item.LastRetrieved) < hotMaxAge &&
				now.Sub(item.Timestamp) < hotMaxAge:
				item.Tier = TierHot
				if err := m.writeHot(ctx, item); err != nil {
					tierErrs[TierHot] = err
					break
				}
				if err := m.warm.Delete(ctx, item.ID); err != nil {
					tierErrs[TierWarm] = err
					break
				}
				result.Promoted++

			case now.Sub(item.Timestamp) > warmMaxAge ||
				(item.RetrievalCount == 0 && now.Sub(item.Timestamp) > warmNeverReadAge):
				item.Tier = TierCold
				if m.docs.Available() {
					if err := m.ensureEmbedding(ctx, &item); err != nil {
						tierErrs[TierCold] = err
						break
					}
					if err := m.docs.Upsert(ctx, toDocument(item)); err != nil {
						tierErrs[TierCold] = err
						break
					}
					if err := m.warm.Delete(ctx, item.ID); err != nil {
						tierErrs[TierWarm] = err
						break
					}
				} else {
					// Warm absorbs the cold tier; the row stays but is
					// re-tagged so the warm pass skips it next time.
					if err := m.warm.Upsert(ctx, item); err != nil {
						tierErrs[TierWarm] = err
						break
					}
				}
				result.Archived++
			}
		}
	}

	// Cold pass: mark very old documents archived in place.
	if m.docs.Available() {
		docs, err := m.docs.Find(ctx, map[string]interface{}{"user_id": userID, "tier": string(TierCold)}, 0)
		if err != nil {
			tierErrs[TierCold] = err
		} else {
			for _, doc := range docs {
				if now.Sub(doc.Timestamp) <= coldMaxAge {
					continue
				}
				item := fromDocument(doc)
				item.Tier = TierArchived
				// Archived items must carry an embedding.
				if err := m.ensureEmbedding(ctx, &item); err != nil {
					tierErrs[TierCold] = err
					break
				}
				if err := m.docs.Upsert(ctx, toDocument(item)); err != nil {
					tierErrs[TierCold] = err
					break
				}
				result.Compressed++
			}
		}
	}

	if err := m.warm.TouchConsolidation(ctx, userID, now); err != nil {
		m.log.WithError(err).WithField("user_id", userID).Warn("failed to record consolidation time")
	}

	if len(tierErrs) > 0 {
		return result, &PartialResult{TierErrors: tierErrs}
	}
	return result, nil
}

// UserLister enumerates users with stored memories.
type UserLister interface {
	ActiveUsers(ctx context.Context, limit int) ([]string, error)
}

// RunConsolidator periodically consolidates every active user's tiers
// until the context ends.
func (m *Manager) RunConsolidator(ctx context.Context, users UserLister, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := users.ActiveUsers(ctx, 0)
			if err != nil {
				m.log.WithError(err).Warn("failed to list users for consolidation")
				continue
			}
			for _, userID := range ids {
				result, err := m.Consolidate(ctx, userID)
				if err != nil {
					m.log.WithError(err).WithField("user_id", userID).Warn("consolidation pass incomplete")
				}
				if !result.Zero() {
					m.log.WithFields(logrus.Fields{
						"user_id":  userID,
						"demoted":  result.Demoted,
						"promoted": result.Promoted,
						"archived": result.Archived,
					}).Info("memory consolidation")
				}
			}
		}
	}
}

// Cleanup removes cold documents older than the retention age.
func (m *Manager) Cleanup(ctx context.Context, userID string, retention time.Duration) (int, error) {
	if !m.docs.Available() {
		return 0, nil
	}
	docs, err := m.docs.Find(ctx, map[string]interface{}{"user_id": userID}, 0)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-retention)
	removed := 0
	for _, doc := range docs {
		if doc.Timestamp.Before(cutoff) {
			if err := m.docs.Delete(ctx, doc.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

func toDocument(item Item) db.MemoryDocument {
	return db.MemoryDocument{
		ID:             item.ID,
		UserID:         item.UserID,
		Content:        item.Content,
		Timestamp:      item.Timestamp,
		MemoryType:     string(item.MemoryType),
		Importance:     item.Importance,
		Tier:           string(item.Tier),
		Meta:           item.Metadata,
		Embedding:      item.Embedding,
		RetrievalCount: item.RetrievalCount,
		LastRetrieved:  item.LastRetrieved,
	}
}

func fromDocument(doc db.MemoryDocument) Item {
	tier := Tier(doc.Tier)
	if tier == "" {
		tier = TierCold
	}
	return Item{
		ID:             doc.ID,
		UserID:         doc.UserID,
		Content:        doc.Content,
		Timestamp:      doc.Timestamp,
		MemoryType:     MemoryType(doc.MemoryType),
		Importance:     doc.Importance,
		Tier:           tier,
		Metadata:       doc.Meta,
		Embedding:      doc.Embedding,
		RetrievalCount: doc.RetrievalCount,
		LastRetrieved:  doc.LastRetrieved,
	}
}
