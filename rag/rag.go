// Package rag builds retrieval-augmented context for outbound message
// generation. It combines semantically similar documents, user
// preference signals and recent conversation history into a bounded
// context summary with a confidence score.
package rag

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"stagegate.evalgo.org/db"
	"stagegate.evalgo.org/embedding"
	"stagegate.evalgo.org/memory"
)

const (
	defaultTopK       = 3
	historyLimit      = 3
	historyThreshold  = 0.6
	maxSummaryChars   = 2000
	maxInterests      = 5
	maxTopics         = 2
	previewChars      = 200
	minConfidence     = 0.3
	candidateFanLimit = 20
)

// Enhancement is the builder's output. Success is false only when the
// query itself could not be embedded; every other sub-failure degrades
// to the original message with zero confidence.
type Enhancement struct {
	EnhancedText   string     `json:"enhanced_text"`
	Documents      []Document `json:"relevant_documents"`
	ContextSummary string     `json:"context_summary,omitempty"`
	Confidence     float64    `json:"confidence"`
	Success        bool       `json:"success"`
}

// Document is a matched knowledge document with its similarity score.
type Document struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Preview    string  `json:"preview"`
	Similarity float64 `json:"similarity"`
}

// ProfileSource supplies user preference signals.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (db.MemoryUserProfile, error)
}

// HistorySource supplies recent conversation memory items.
type HistorySource interface {
	Retrieve(ctx context.Context, q memory.RetrieveQuery) ([]memory.Item, error)
}

// Builder assembles context enhancements. The similarity threshold tau
// depends on the embedding backend; remote provider scores cluster much
// higher than the local model's.
type Builder struct {
	embed    embedding.Embedder
	docs     db.DocumentStore
	profiles ProfileSource
	history  HistorySource
	tau      float64
	topK     int
	maxChars int
	log      *logrus.Entry
}

// NewBuilder creates a context builder with the given similarity
// threshold.
func NewBuilder(embed embedding.Embedder, docs db.DocumentStore, profiles ProfileSource, history HistorySource, tau float64, log *logrus.Logger) *Builder {
	return &Builder{
		embed:    embed,
		docs:     docs,
		profiles: profiles,
		history:  history,
		tau:      tau,
		topK:     defaultTopK,
		maxChars: maxSummaryChars,
		log:      log.WithField("component", "rag"),
	}
}

// SetBounds overrides the document cutoff and the summary character
// budget. Non-positive values keep the defaults.
func (b *Builder) SetBounds(topK, summaryChars int) {
	if topK > 0 {
		b.topK = topK
	}
	if summaryChars > 0 {
		b.maxChars = summaryChars
	}
}

// Build produces an enhancement for one inbound message.
func (b *Builder) Build(ctx context.Context, userID, userMessage string) Enhancement {
	query, err := b.embed.Embed(ctx, userMessage)
	if err != nil || query == nil {
		if err != nil {
			b.log.WithError(err).Warn("failed to embed user message")
		}
		return Enhancement{EnhancedText: userMessage, Confidence: 0, Success: false}
	}

	docs := b.matchDocuments(ctx, userID, query)
	interests, topics := b.loadPreferences(ctx, userID)
	historySims, historyTexts := b.matchHistory(ctx, userID, userMessage, query)

	confidence := Confidence(docSims(docs), len(interests) > 0, historySims)

	summary := b.assembleSummary(docs, interests, topics, historyTexts)

	out := Enhancement{
		Documents:      docs,
		ContextSummary: summary,
		Confidence:     confidence,
		Success:        true,
	}
	if confidence < minConfidence || summary == "" {
		out.EnhancedText = userMessage
		return out
	}

	out.EnhancedText = fmt.Sprintf(
		"User Message: %s\n\nRelevant Context:\n%s\n\nInstructions: Use the context above when it is relevant to the user's message. Stay consistent with the user's known interests and prior conversations.",
		userMessage, summary)
	return out
}

// Confidence implements the scoring formula. Mean document similarity
// dominates; preference presence and history similarity each contribute
// a fixed slice. Capped at 1.
func Confidence(docSims []float64, hasPreferences bool, historySims []float64) float64 {
	score := 0.6 * mean(docSims)
	if hasPreferences {
		score += 0.2
	}
	score += 0.2 * mean(historySims)
	if score > 1 {
		score = 1
	}
	return score
}

func (b *Builder) matchDocuments(ctx context.Context, userID string, query []float32) []Document {
	var candidates []db.ScoredDocument
	selectors := []map[string]interface{}{
		{"user_id": userID},
		{"category": "global"},
	}
	for _, selector := range selectors {
		scored, err := b.docs.TopKByDotProduct(ctx, selector, query, candidateFanLimit)
		if err != nil {
			b.log.WithError(err).Warn("document lookup failed")
			continue
		}
		candidates = append(candidates, scored...)
	}

	var out []Document
	seen := map[string]bool{}
	for _, s := range candidates {
		if s.Score < b.tau || seen[s.Doc.ID] {
			continue
		}
		seen[s.Doc.ID] = true
		out = append(out, Document{
			ID:         s.Doc.ID,
			Title:      docTitle(s.Doc),
			Preview:    truncate(s.Doc.Content, previewChars),
			Similarity: s.Score,
		})
	}

	// Candidates from each selector arrive sorted; the merged set needs
	// one more ordering pass before truncation.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Similarity > out[j-1].Similarity; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if len(out) > b.topK {
		out = out[:b.topK]
	}
	return out
}

func (b *Builder) loadPreferences(ctx context.Context, userID string) ([]string, []string) {
	if b.profiles == nil {
		return nil, nil
	}
	profile, err := b.profiles.Profile(ctx, userID)
	if err != nil {
		b.log.WithError(err).Warn("preference lookup failed")
		return nil, nil
	}
	return profile.Interests, profile.ConversationTopics
}

func (b *Builder) matchHistory(ctx context.Context, userID, userMessage string, query []float32) ([]float64, []string) {
	if b.history == nil {
		return nil, nil
	}
	items, err := b.history.Retrieve(ctx, memory.RetrieveQuery{
		UserID: userID,
		Types:  []memory.MemoryType{memory.TypeConversation},
		Limit:  10,
	})
	if err != nil {
		b.log.WithError(err).Warn("history lookup failed")
		if len(items) == 0 {
			return nil, nil
		}
	}

	var sims []float64
	var texts []string
	for _, item := range items {
		vec := item.Embedding
		if vec == nil {
			vec, err = b.embed.Embed(ctx, item.Content)
			if err != nil || vec == nil {
				continue
			}
		}
		sim := embedding.Cosine(query, vec)
		if sim < historyThreshold {
			continue
		}
		sims = append(sims, sim)
		texts = append(texts, truncate(item.Content, previewChars))
		if len(sims) >= historyLimit {
			break
		}
	}
	return sims, texts
}

func (b *Builder) assembleSummary(docs []Document, interests, topics, history []string) string {
	var sb strings.Builder

	if len(docs) > 0 {
		sb.WriteString("Relevant Knowledge:\n")
		for _, doc := range docs {
			sb.WriteString("- ")
			if doc.Title != "" {
				sb.WriteString(doc.Title)
				sb.WriteString(": ")
			}
			sb.WriteString(doc.Preview)
			sb.WriteString("\n")
		}
	}

	if len(interests) > 0 {
		if len(interests) > maxInterests {
			interests = interests[:maxInterests]
		}
		sb.WriteString("User Interests: ")
		sb.WriteString(strings.Join(interests, ", "))
		sb.WriteString("\n")
	}

	related := topics
	if len(related) == 0 {
		related = history
	}
	if len(related) > maxTopics {
		related = related[:maxTopics]
	}
	if len(related) > 0 {
		sb.WriteString("Related Previous Topics: ")
		sb.WriteString(strings.Join(related, "; "))
		sb.WriteString("\n")
	}

	return truncate(strings.TrimRight(sb.String(), "\n"), b.maxChars)
}

func docTitle(doc db.MemoryDocument) string {
	if doc.Title != "" {
		return doc.Title
	}
	return doc.Category
}

// truncate shortens s to at most max bytes, backing off to the nearest
// rune boundary so multi-byte characters are never split.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	if cut > 3 {
		cut -= 3
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if max <= 3 {
		return s[:cut]
	}
	return s[:cut] + "..."
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func docSims(docs []Document) []float64 {
	sims := make([]float64, 0, len(docs))
	for _, d := range docs {
		sims = append(sims, d.Similarity)
	}
	return sims
}
