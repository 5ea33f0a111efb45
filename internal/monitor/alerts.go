package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/wwwzy/vhostlog/internal/model"
)

const AlertHighErrorRate = "high_error_rate"

type errorWindow struct {
	start    time.Time
	requests int
	errors   int
	lastSent time.Time
}

// AlertRules evaluates the built-in heuristics over freshly ingested batches.
type AlertRules struct {
	cfg AlertConfig
	now func() time.Time

	mu      sync.Mutex
	windows map[uint64]*errorWindow
}

func NewAlertRules(cfg AlertConfig) *AlertRules {
	return &AlertRules{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		windows: make(map[uint64]*errorWindow),
	}
}

// Observe folds entries into the domain's current window and returns an alert
// to raise, or nil. Only entries with a status take part.
func (r *AlertRules) Observe(domainID uint64, entries []model.LogEntry) *model.Alert {
	if r == nil {
		return nil
	}
	now := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windows[domainID]
	if w == nil {
		w = &errorWindow{start: now}
		r.windows[domainID] = w
	}
	if now.Sub(w.start) >= r.cfg.Window {
		w.start, w.requests, w.errors = now, 0, 0
	}
	for _, e := range entries {
		if e.Status == nil {
			continue
		}
		w.requests++
		if e.IsError() {
			w.errors++
		}
	}

	if w.requests < r.cfg.MinRequests {
		return nil
	}
	rate := float64(w.errors) / float64(w.requests)
	if rate <= r.cfg.ErrorRateThreshold {
		return nil
	}
	if !w.lastSent.IsZero() && now.Sub(w.lastSent) < r.cfg.Cooldown {
		return nil
	}
	w.lastSent = now

	return &model.Alert{
		DomainID:  domainID,
		Type:      AlertHighErrorRate,
		Message:   fmt.Sprintf("%.1f%% of %d requests returned 5xx since %s", rate*100, w.requests, w.start.Format(time.RFC3339)),
		Severity:  severityForRate(rate),
		Source:    "core",
		Timestamp: now,
	}
}

// Forget drops the window of a domain.
func (r *AlertRules) Forget(domainID uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.windows, domainID)
	r.mu.Unlock()
}

func severityForRate(rate float64) model.Severity {
	switch {
	case rate >= 0.75:
		return model.SeverityCritical
	case rate >= 0.5:
		return model.SeverityHigh
	default:
		return model.SeverityMedium
	}
}
