package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"stagegate.evalgo.org/db"
)

const (
	alertListKey = "health_alerts"
	alertListCap = 100
	alertTTL     = 24 * time.Hour

	monitorInterval = 60 * time.Second

	spikeThreshold     = 10
	spikeWindow        = 5 * time.Minute
	attackThreshold    = 50
	attackWindow       = 15 * time.Minute
	blockRateThreshold = 0.20
	blockRateWindow    = 10 * time.Minute
)

// Alert is one monitoring finding.
type Alert struct {
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Message   string  `json:"message"`
	Endpoint  string  `json:"endpoint,omitempty"`
	Count     int64   `json:"count,omitempty"`
	BlockRate float64 `json:"block_rate,omitempty"`
	Timestamp string  `json:"timestamp"`
}

// Monitor periodically inspects the limiter's violation stream and
// emits alerts. It reads the KV store directly and never routes through
// the limiter itself, so alerting cannot be throttled away.
type Monitor struct {
	kv  *db.KV
	log *logrus.Entry
	now func() time.Time
}

// NewMonitor creates a monitor over the limiter's KV keys.
func NewMonitor(kv *db.KV, log *logrus.Logger) *Monitor {
	return &Monitor{
		kv:  kv,
		log: log.WithField("component", "ratelimit-monitor"),
		now: time.Now,
	}
}

// Run loops the check until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one monitoring pass.
func (m *Monitor) Check(ctx context.Context) {
	records, err := m.recentViolations(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to read violation stream")
		return
	}
	now := m.now()

	// Violation spike across all identities.
	var spike int64
	perEndpoint := map[string]int64{}
	for _, rec := range records {
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			continue
		}
		if now.Sub(ts) <= spikeWindow {
			spike++
		}
		if now.Sub(ts) <= attackWindow {
			perEndpoint[rec.Endpoint]++
		}
	}
	if spike >= spikeThreshold {
		m.emit(ctx, Alert{
			Type:     "violation_spike",
			Severity: "warning",
			Message:  fmt.Sprintf("%d rate limit violations in the last %s", spike, spikeWindow),
			Count:    spike,
		})
	}
	for endpoint, count := range perEndpoint {
		if count >= attackThreshold {
			m.emit(ctx, Alert{
				Type:     "endpoint_attack",
				Severity: "critical",
				Message:  fmt.Sprintf("%d violations against %s in the last %s", count, endpoint, attackWindow),
				Endpoint: endpoint,
				Count:    count,
			})
		}
	}

	// Sustained block rate over the last ten minutes.
	requests, blocked := windowTotals(ctx, m.kv, now, blockRateWindow)
	if requests > 0 {
		rate := float64(blocked) / float64(requests)
		if rate >= blockRateThreshold {
			m.emit(ctx, Alert{
				Type:      "sustained_block_rate",
				Severity:  "critical",
				Message:   fmt.Sprintf("%.0f%% of requests blocked over the last %s", rate*100, blockRateWindow),
				BlockRate: rate,
			})
		}
	}
}

func (m *Monitor) recentViolations(ctx context.Context) ([]ViolationRecord, error) {
	raw, err := m.kv.LRange(ctx, monitorListKey, 0, monitorListCap-1)
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

func (m *Monitor) emit(ctx context.Context, alert Alert) {
	alert.Timestamp = m.now().UTC().Format(time.RFC3339)
	encoded, err := json.Marshal(alert)
	if err != nil {
		return
	}
	if err := m.kv.PushCapped(ctx, alertListKey, string(encoded), alertListCap, alertTTL); err != nil {
		m.log.WithError(err).Warn("failed to publish alert")
	}
	entry := m.log.WithFields(logrus.Fields{"type": alert.Type, "message": alert.Message})
	if alert.Severity == "critical" {
		entry.Error("rate limit alert")
	} else {
		entry.Warn("rate limit alert")
	}
}

// Alerts returns the newest alerts for the health endpoint.
func (m *Monitor) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 || limit > alertListCap {
		limit = alertListCap
	}
	raw, err := m.kv.LRange(ctx, alertListKey, 0, int64(limit-1))
	if err != nil {
		return nil, err
	}
	alerts := make([]Alert, 0, len(raw))
	for _, item := range raw {
		var alert Alert
		if err := json.Unmarshal([]byte(item), &alert); err != nil {
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
