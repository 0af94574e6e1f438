// Package memory implements the tiered memory subsystem. Memory items
// live in one of three physical tiers — the hot key-value store, the warm
// relational store or the cold document store — and migrate between them
// based on age, importance and retrieval activity. Retrieval fans out to
// all tiers concurrently and merges the results.
package memory

import (
	"fmt"
	"time"

	"stagegate.evalgo.org/db"
)

// Tier is the physical placement category of a memory item.
type Tier string

const (
	TierHot      Tier = "HOT"
	TierWarm     Tier = "WARM"
	TierCold     Tier = "COLD"
	TierArchived Tier = "ARCHIVED"
)

// MemoryType categorizes what a memory item records.
type MemoryType string

const (
	TypeConversation MemoryType = "conversation"
	TypePreference   MemoryType = "preference"
	TypeEmotional    MemoryType = "emotional"
	TypeFactual      MemoryType = "factual"
	TypeTest         MemoryType = "test"
)

// Item is a single memory record. Tier always reflects the item's actual
// storage location; retrieval_count only ever increases.
type Item struct {
	ID             string      `json:"id"`
	UserID         string      `json:"user_id"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	MemoryType     MemoryType  `json:"memory_type"`
	Importance     float64     `json:"importance"`
	Tier           Tier        `json:"tier"`
	Metadata       db.Metadata `json:"metadata,omitempty"`
	Embedding      []float32   `json:"embedding,omitempty"`
	RetrievalCount int64       `json:"retrieval_count"`
	LastRetrieved  *time.Time  `json:"last_retrieved,omitempty"`
}

// dedupeKey identifies an item across tiers during move overlap.
func (i Item) dedupeKey() string {
	return i.UserID + "|" + i.Timestamp.UTC().Format(time.RFC3339Nano)
}

// AssignTier applies the automatic tier placement rule.
//
//	age < 7d  and importance >= 0.3  -> HOT
//	age < 30d and importance >= 0.2  -> WARM
//	otherwise                        -> COLD
func AssignTier(timestamp time.Time, importance float64, now time.Time) Tier {
	age := now.Sub(timestamp)
	switch {
	case age < 7*24*time.Hour && importance >= 0.3:
		return TierHot
	case age < 30*24*time.Hour && importance >= 0.2:
		return TierWarm
	default:
		return TierCold
	}
}

// RetrieveQuery parameterizes a retrieval across tiers.
type RetrieveQuery struct {
	UserID        string
	Query         string // optional; substring filter for hot/warm, semantic for cold
	Types         []MemoryType
	Limit         int
	MinImportance float64
}

// ConsolidationResult counts the items moved by one consolidation pass.
type ConsolidationResult struct {
	Promoted   int `json:"promoted"`   // WARM -> HOT (recently retrieved, still important)
	Demoted    int `json:"demoted"`    // HOT -> WARM (aged out or low importance)
	Archived   int `json:"archived"`   // WARM -> COLD (aged out or never retrieved)
	Compressed int `json:"compressed"` // COLD -> ARCHIVED mark in place
}

// Zero reports whether the pass moved nothing.
func (r ConsolidationResult) Zero() bool {
	return r.Promoted == 0 && r.Demoted == 0 && r.Archived == 0 && r.Compressed == 0
}

// PartialResult reports a multi-tier operation where some tiers failed.
// Callers may accept the items that did arrive.
type PartialResult struct {
	TierErrors map[Tier]error
	Items      []Item
}

func (p *PartialResult) Error() string {
	return fmt.Sprintf("partial result: %d tier(s) failed", len(p.TierErrors))
}

// Failed reports whether a given tier failed.
func (p *PartialResult) Failed(t Tier) bool {
	_, ok := p.TierErrors[t]
	return ok
}
