package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"stagegate.evalgo.org/db"
)

const (
	windowTTL       = 120 * time.Second
	violationWindow = 24 * time.Hour
	violationTrim   = 7 * 24 * time.Hour
	monitorListKey  = "rate_limit_violation"
	monitorListCap  = 1000
	monitorListTTL  = 24 * time.Hour
	statsTTL        = 20 * time.Minute
)

// Identity is the throttling subject: "user:{id}" when authenticated,
// "ip:{addr}" otherwise.
type Identity struct {
	Key  string
	Role Role
}

// UserIdentity builds an identity for an authenticated caller.
func UserIdentity(userID string, role Role) Identity {
	return Identity{Key: "user:" + userID, Role: role}
}

// IPIdentity builds an identity for an anonymous caller.
func IPIdentity(addr string) Identity {
	return Identity{Key: "ip:" + addr, Role: RoleAnon}
}

// Decision is the limiter's verdict for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Duration
	RetryAfter time.Duration
}

// Limiter enforces per-identity request windows backed by the KV store.
// When the store is unreachable the limiter allows the request: being
// unavailable must never take the service down with it.
type Limiter struct {
	kv    *db.KV
	rules *RuleSource
	log   *logrus.Entry
	now   func() time.Time
}

// NewLimiter creates a limiter over the given rule source.
func NewLimiter(kv *db.KV, rules *RuleSource, log *logrus.Logger) *Limiter {
	return &Limiter{
		kv:    kv,
		rules: rules,
		log:   log.WithField("component", "ratelimit"),
		now:   time.Now,
	}
}

func windowKey(identity string, minute int64) string {
	return fmt.Sprintf("rate_limit:%s:window:%d", identity, minute)
}

func blockedKey(identity string) string {
	return "rate_limit:" + identity + ":blocked_until"
}

func violationsKey(identity string) string {
	return "rate_limit:" + identity + ":violations"
}

// ViolationRecord is one entry in the shared violation stream read by
// the monitor and the admin surface.
type ViolationRecord struct {
	Identity  string `json:"identity"`
	Endpoint  string `json:"endpoint"`
	Timestamp string `json:"timestamp"`
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip,omitempty"`
}

// RequestMeta carries the request attributes recorded with a violation.
type RequestMeta struct {
	UserAgent string
	IP        string
}

// Allow runs the limiter algorithm for one request.
func (l *Limiter) Allow(ctx context.Context, identity Identity, endpoint string, meta RequestMeta) Decision {
	limit := l.rules.Current().Resolve(identity.Role, endpoint)
	now := l.now()

	// An active block short-circuits before any counting.
	if until, ok := l.blockedUntil(ctx, identity.Key); ok && now.Before(until) {
		return Decision{
			Allowed:    false,
			Limit:      limit.RequestsPerMinute,
			RetryAfter: until.Sub(now),
		}
	}

	minute := now.Unix() / 60
	count, err := l.kv.IncrWithExpiry(ctx, windowKey(identity.Key, minute), windowTTL)
	if err != nil {
		// Fail open: a throttling outage must not become a service outage.
		l.log.WithError(err).Error("rate limit store unavailable, allowing request")
		return Decision{Allowed: true, Limit: limit.RequestsPerMinute, Remaining: limit.RequestsPerMinute}
	}
	l.countRequest(ctx, now, false)

	threshold := int64(limit.RequestsPerMinute + limit.Burst)
	if count > threshold {
		retryAfter := l.punish(ctx, identity, endpoint, limit, meta, now)
		l.countRequest(ctx, now, true)
		return Decision{
			Allowed:    false,
			Limit:      limit.RequestsPerMinute,
			RetryAfter: retryAfter,
		}
	}

	remaining := limit.RequestsPerMinute - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     limit.RequestsPerMinute,
		Remaining: remaining,
		Reset:     time.Duration(60-now.Unix()%60) * time.Second,
	}
}

func (l *Limiter) blockedUntil(ctx context.Context, identity string) (time.Time, bool) {
	raw, ok, err := l.kv.Get(ctx, blockedKey(identity))
	if err != nil || !ok {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}

// punish records the violation and sets the progressive block.
func (l *Limiter) punish(ctx context.Context, identity Identity, endpoint string, limit RoleLimit, meta RequestMeta, now time.Time) time.Duration {
	penalty := time.Duration(limit.PenaltyMinutes) * time.Minute
	if limit.Progressive {
		since := now.Add(-violationWindow)
		violations, err := l.kv.ZCount(ctx, violationsKey(identity.Key), float64(since.Unix()), db.PosInf)
		if err == nil && violations > 0 {
			scaled := penalty << uint(violations)
			maxPenalty := time.Duration(limit.MaxPenaltyMinutes) * time.Minute
			if scaled > maxPenalty || scaled < penalty {
				scaled = maxPenalty
			}
			penalty = scaled
		}
	}

	until := now.Add(penalty)
	if err := l.kv.Set(ctx, blockedKey(identity.Key), strconv.FormatInt(until.Unix(), 10), penalty); err != nil {
		l.log.WithError(err).Warn("failed to persist block")
	}

	member := fmt.Sprintf("%d:%s", now.UnixNano(), endpoint)
	if err := l.kv.ZAdd(ctx, violationsKey(identity.Key), float64(now.Unix()), member); err != nil {
		l.log.WithError(err).Warn("failed to record violation")
	}
	trimBefore := now.Add(-violationTrim)
	if err := l.kv.ZRemRangeByScore(ctx, violationsKey(identity.Key), db.NegInf, float64(trimBefore.Unix())); err != nil {
		l.log.WithError(err).Warn("failed to trim violations")
	}

	record, _ := json.Marshal(ViolationRecord{
		Identity:  identity.Key,
		Endpoint:  endpoint,
		Timestamp: now.UTC().Format(time.RFC3339),
		UserAgent: meta.UserAgent,
		IP:        meta.IP,
	})
	if err := l.kv.PushCapped(ctx, monitorListKey, string(record), monitorListCap, monitorListTTL); err != nil {
		l.log.WithError(err).Warn("failed to publish violation record")
	}

	l.log.WithFields(logrus.Fields{
		"identity": identity.Key,
		"endpoint": endpoint,
		"penalty":  penalty.String(),
	}).Warn("rate limit violation")

	return penalty
}

// countRequest feeds the per-minute totals the monitor's block-rate
// check reads. Failures are ignored; stats are best-effort.
func (l *Limiter) countRequest(ctx context.Context, now time.Time, blocked bool) {
	minute := now.Unix() / 60
	key := fmt.Sprintf("rate_limit:stats:requests:%d", minute)
	if blocked {
		key = fmt.Sprintf("rate_limit:stats:blocked:%d", minute)
	}
	if _, err := l.kv.IncrWithExpiry(ctx, key, statsTTL); err != nil {
		return
	}
}

// Unblock clears an identity's active block and violation history.
func (l *Limiter) Unblock(ctx context.Context, identityKey string) error {
	return l.kv.Delete(ctx, blockedKey(identityKey), violationsKey(identityKey))
}

// Status reports an identity's current block state.
func (l *Limiter) Status(ctx context.Context, identityKey string) (blocked bool, until time.Time, violations int64) {
	now := l.now()
	if t, ok := l.blockedUntil(ctx, identityKey); ok && now.Before(t) {
		blocked = true
		until = t
	}
	since := now.Add(-violationWindow)
	violations, _ = l.kv.ZCount(ctx, violationsKey(identityKey), float64(since.Unix()), db.PosInf)
	return blocked, until, violations
}

// Violations returns the newest entries of the shared violation stream.
func (l *Limiter) Violations(ctx context.Context, limit int) ([]ViolationRecord, error) {
	if limit <= 0 || limit > monitorListCap {
		limit = monitorListCap
	}
	raw, err := l.kv.LRange(ctx, monitorListKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	records := make([]ViolationRecord, 0, len(raw))
	for _, item := range raw {
		var rec ViolationRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// UsageStats summarizes limiter traffic over a trailing window.
type UsageStats struct {
	WindowMinutes    int64   `json:"window_minutes"`
	TotalRequests    int64   `json:"total_requests"`
	BlockedRequests  int64   `json:"blocked_requests"`
	BlockRate        float64 `json:"block_rate"`
	RecentViolations int     `json:"recent_violations"`
}

// Stats aggregates the per-minute request counters for the admin
// surface.
func (l *Limiter) Stats(ctx context.Context, window time.Duration) (UsageStats, error) {
	if window <= 0 {
		window = statsTTL
	}
	now := l.now()
	requests, blocked := windowTotals(ctx, l.kv, now, window)
	records, err := l.Violations(ctx, 0)
	if err != nil {
		return UsageStats{}, err
	}
	stats := UsageStats{
		WindowMinutes:    int64(window / time.Minute),
		TotalRequests:    requests,
		BlockedRequests:  blocked,
		RecentViolations: len(records),
	}
	if requests > 0 {
		stats.BlockRate = float64(blocked) / float64(requests)
	}
	return stats, nil
}

func windowTotals(ctx context.Context, kv *db.KV, now time.Time, window time.Duration) (requests, blocked int64) {
	minutes := int64(window / time.Minute)
	current := now.Unix() / 60
	for i := int64(0); i < minutes; i++ {
		minute := current - i
		if raw, ok, err := kv.Get(ctx, fmt.Sprintf("rate_limit:stats:requests:%d", minute)); err == nil && ok {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				requests += n
			}
		}
		if raw, ok, err := kv.Get(ctx, fmt.Sprintf("rate_limit:stats:blocked:%d", minute)); err == nil && ok {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				blocked += n
			}
		}
	}
	return requests, blocked
}
