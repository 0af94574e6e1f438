package pipeline

import (
	"strings"

	"stagegate.evalgo.org/db"
)

// Verdict is the deterministic policy filter's output for one candidate
// response.
type Verdict struct {
	RiskScore      float64
	RiskFlags      []string
	Recommendation db.RiskRecommendation
	PriorityScore  float64
}

// riskRules maps a flag to its trigger keywords and score weight. The
// filter is intentionally deterministic; anything probabilistic belongs
// in the human review step.
var riskRules = []struct {
	flag     string
	weight   float64
	keywords []string
}{
	{"financial_request", 0.5, []string{"send money", "bank account", "wire transfer", "payment details", "credit card"}},
	{"meeting_request", 0.4, []string{"meet in person", "meet up", "come over", "my address", "your address"}},
	{"explicit_content", 0.8, []string{"explicit", "nsfw"}},
	{"urgency_pressure", 0.3, []string{"right now", "immediately", "urgent", "last chance", "act fast"}},
	{"contact_exchange", 0.3, []string{"phone number", "whatsapp", "telegram", "email me"}},
}

const (
	rejectThreshold = 0.8
	reviewThreshold = 0.4
	maxBubbleRunes  = 500
)

// Evaluate scores a candidate response. The user's message feeds the
// priority heuristic; the bubbles feed the risk rules.
func Evaluate(userMessage string, bubbles []string) Verdict {
	joined := strings.ToLower(strings.Join(bubbles, "\n"))

	var verdict Verdict
	for _, rule := range riskRules {
		for _, keyword := range rule.keywords {
			if strings.Contains(joined, keyword) {
				verdict.RiskScore += rule.weight
				verdict.RiskFlags = append(verdict.RiskFlags, rule.flag)
				break
			}
		}
	}

	for _, bubble := range bubbles {
		if len([]rune(bubble)) > maxBubbleRunes {
			verdict.RiskScore += 0.2
			verdict.RiskFlags = append(verdict.RiskFlags, "overlong_bubble")
			break
		}
	}

	if verdict.RiskScore > 1 {
		verdict.RiskScore = 1
	}

	switch {
	case verdict.RiskScore >= rejectThreshold:
		verdict.Recommendation = db.RiskReject
	case verdict.RiskScore >= reviewThreshold:
		verdict.Recommendation = db.RiskReview
	default:
		verdict.Recommendation = db.RiskApprove
	}

	// Risky responses and long user messages go to the front of the
	// review queue.
	verdict.PriorityScore = verdict.RiskScore
	if len(userMessage) > 200 {
		verdict.PriorityScore += 0.1
	}
	if verdict.PriorityScore > 1 {
		verdict.PriorityScore = 1
	}
	return verdict
}

// emotionalKeywords feed the memory importance heuristic.
var emotionalKeywords = []string{
	"love", "miss", "hate", "excited", "worried", "scared",
	"happy", "sad", "angry", "lonely", "anxious", "grateful",
}

// entityMarkers are cheap signals that a message carries concrete facts
// worth remembering.
var entityMarkers = []string{
	"my name", "i live", "i work", "my job", "my birthday",
	"my family", "my wife", "my husband", "my kids", "i'm from",
}

// Importance computes the memory-write importance for one conversation
// turn: base 0.3, up to +0.5 from length and entity signals, up to +0.2
// from emotional keywords, clamped to [0, 1].
func Importance(userMessage string) float64 {
	lower := strings.ToLower(userMessage)
	score := 0.3

	signal := 0.0
	if len(userMessage) > 100 {
		signal += 0.15
	}
	if len(userMessage) > 300 {
		signal += 0.15
	}
	for _, marker := range entityMarkers {
		if strings.Contains(lower, marker) {
			signal += 0.2
			break
		}
	}
	if signal > 0.5 {
		signal = 0.5
	}
	score += signal

	emotional := 0.0
	for _, keyword := range emotionalKeywords {
		if strings.Contains(lower, keyword) {
			emotional += 0.1
		}
	}
	if emotional > 0.2 {
		emotional = 0.2
	}
	score += emotional

	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}
