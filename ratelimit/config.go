// Package ratelimit implements the sliding-window rate limiter with
// progressive penalties. Counters and block state live in the KV store;
// limits come from a role table with per-endpoint multipliers that can
// be overridden by a YAML file, hot-reloaded when its mtime changes.
package ratelimit

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"stagegate.evalgo.org/common"
)

// Role is the caller's access level as seen by the limiter.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
	RoleAnon     Role = "unauthenticated"
)

// RoleLimit is one row of the role table.
type RoleLimit struct {
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
	PenaltyMinutes    int  `yaml:"penalty_minutes"`
	MaxPenaltyMinutes int  `yaml:"max_penalty_minutes"`
	Progressive       bool `yaml:"progressive"`
}

// Rules is the full limiter configuration.
type Rules struct {
	Roles map[Role]RoleLimit `yaml:"roles"`
	// Endpoints maps an endpoint pattern to a multiplier applied to both
	// the request limit and the burst. Exact match wins over a trailing
	// wildcard pattern.
	Endpoints map[string]float64 `yaml:"endpoints"`
}

// DefaultRules returns the built-in role table and endpoint modifiers.
func DefaultRules() Rules {
	return Rules{
		Roles: map[Role]RoleLimit{
			RoleAdmin:    {RequestsPerMinute: 120, Burst: 20, PenaltyMinutes: 5, MaxPenaltyMinutes: 60, Progressive: true},
			RoleReviewer: {RequestsPerMinute: 60, Burst: 15, PenaltyMinutes: 10, MaxPenaltyMinutes: 120, Progressive: true},
			RoleViewer:   {RequestsPerMinute: 30, Burst: 10, PenaltyMinutes: 15, MaxPenaltyMinutes: 240, Progressive: true},
			RoleAnon:     {RequestsPerMinute: 20, Burst: 5, PenaltyMinutes: 30, MaxPenaltyMinutes: 480, Progressive: true},
		},
		Endpoints: map[string]float64{
			"/auth/login":      0.1,
			"/reviews/pending": 2.0,
			"/health":          5.0,
			"/admin/*":         0.1,
		},
	}
}

// Resolve computes the effective limit for a role and endpoint. The
// multiplier applies to both the request limit (floor 1) and the burst
// (floor 0).
func (r Rules) Resolve(role Role, endpoint string) RoleLimit {
	limit, ok := r.Roles[role]
	if !ok {
		limit = r.Roles[RoleAnon]
	}

	mult, ok := r.Endpoints[endpoint]
	if !ok {
		// Trailing-wildcard patterns; exact match above wins.
		for pattern, m := range r.Endpoints {
			if strings.HasSuffix(pattern, "*") && strings.HasPrefix(endpoint, strings.TrimSuffix(pattern, "*")) {
				mult = m
				ok = true
				break
			}
		}
	}
	if !ok || mult <= 0 {
		return limit
	}

	limit.RequestsPerMinute = int(float64(limit.RequestsPerMinute) * mult)
	if limit.RequestsPerMinute < 1 {
		limit.RequestsPerMinute = 1
	}
	limit.Burst = int(float64(limit.Burst) * mult)
	if limit.Burst < 0 {
		limit.Burst = 0
	}
	return limit
}

// RuleSource serves the current rules, reloading the YAML override file
// when its modification time changes.
type RuleSource struct {
	path string
	log  *logrus.Entry

	mu      sync.RWMutex
	rules   Rules
	modTime time.Time
}

// NewRuleSource loads the optional override file on top of the defaults.
// A missing file is not an error; the defaults apply.
func NewRuleSource(path string, log *logrus.Logger) *RuleSource {
	s := &RuleSource{
		path:  path,
		log:   log.WithField("component", "ratelimit"),
		rules: DefaultRules(),
	}
	if path != "" {
		if err := s.reload(); err != nil {
			s.log.WithError(err).Warn("failed to load rate limit overrides, using defaults")
		}
	}
	return s
}

// Current returns the active rules, reloading first if the override file
// changed on disk.
func (s *RuleSource) Current() Rules {
	if s.path != "" {
		s.maybeReload()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

func (s *RuleSource) maybeReload() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mu.RLock()
	changed := info.ModTime() != s.modTime
	s.mu.RUnlock()
	if !changed {
		return
	}
	if err := s.reload(); err != nil {
		s.log.WithError(err).Warn("failed to reload rate limit overrides")
	}
}

func (s *RuleSource) reload() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return common.NewFailure(err, "failed to read rate limit file")
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return common.NewFailure(err, "failed to stat rate limit file")
	}

	var overrides Rules
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return common.NewValidation("invalid rate limit file: %v", err)
	}

	merged := DefaultRules()
	for role, limit := range overrides.Roles {
		merged.Roles[role] = limit
	}
	for endpoint, mult := range overrides.Endpoints {
		merged.Endpoints[endpoint] = mult
	}

	s.mu.Lock()
	s.rules = merged
	s.modTime = info.ModTime()
	s.mu.Unlock()
	s.log.WithField("path", s.path).Info("rate limit rules reloaded")
	return nil
}
