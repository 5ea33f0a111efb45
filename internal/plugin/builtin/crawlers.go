// Package builtin holds plugins compiled into the binary. A plugin directory
// selects one through its metadata main key.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cast"

	"github.com/wwwzy/vhostlog/internal/model"
	"github.com/wwwzy/vhostlog/internal/plugin"
)

const CrawlersMain = "builtin:crawlers"

// Factories returns the built-in plugins keyed by their main value.
func Factories() map[string]plugin.Factory {
	return map[string]plugin.Factory{
		CrawlersMain: func() plugin.Plugin { return NewCrawlers() },
	}
}

var defaultCrawlerMarkers = []string{"bot", "crawler", "spider", "slurp", "curl", "wget", "python-requests"}

// CrawlerReport is the AnalyzeTraffic result of the crawlers plugin.
type CrawlerReport struct {
	Total    int            `json:"total"`
	Crawlers int            `json:"crawlers"`
	Share    float64        `json:"share"`
	ByMarker map[string]int `json:"byMarker"`
}

func (r CrawlerReport) String() string {
	return fmt.Sprintf("%d/%d requests from crawlers (%.1f%%)", r.Crawlers, r.Total, r.Share*100)
}

// Crawlers classifies user agents by substring markers and raises an alert
// when the crawler share of a batch exceeds alert_share.
type Crawlers struct {
	mu         sync.RWMutex
	markers    []string
	alertShare float64
	host       plugin.Host
}

func NewCrawlers() *Crawlers {
	return &Crawlers{markers: defaultCrawlerMarkers}
}

func (c *Crawlers) OnLoad(_ context.Context, h plugin.Host) error {
	c.mu.Lock()
	c.host = h
	c.mu.Unlock()
	return nil
}

func (c *Crawlers) AnalyzeTraffic(ctx context.Context, domainID uint64, entries []model.LogEntry) (any, error) {
	c.mu.RLock()
	markers, share, host := c.markers, c.alertShare, c.host
	c.mu.RUnlock()

	r := CrawlerReport{Total: len(entries), ByMarker: map[string]int{}}
	for _, e := range entries {
		if m := match(e.UserAgent, markers); m != "" {
			r.Crawlers++
			r.ByMarker[m]++
		}
	}
	if r.Total > 0 {
		r.Share = float64(r.Crawlers) / float64(r.Total)
	}
	if share > 0 && r.Share > share && host != nil {
		msg := fmt.Sprintf("crawler share %.1f%% exceeds %.1f%%", r.Share*100, share*100)
		if _, err := host.RaiseAlert(ctx, domainID, "crawler_share", msg, model.SeverityLow); err != nil {
			host.Logger().WithError(err).Warn("raise crawler alert")
		}
	}
	return r, nil
}

func match(ua string, markers []string) string {
	ua = strings.ToLower(ua)
	if ua == "" {
		return ""
	}
	for _, m := range markers {
		if strings.Contains(ua, m) {
			return m
		}
	}
	return ""
}

func (c *Crawlers) GetConfig() (map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"markers":     append([]string(nil), c.markers...),
		"alert_share": c.alertShare,
	}, nil
}

// SetConfig accepts "markers" (list of substrings) and "alert_share" (0..1).
// Values are coerced, so YAML and JSON decoded maps both work.
func (c *Crawlers) SetConfig(cfg map[string]any) error {
	markers := c.currentMarkers()
	if v, ok := cfg["markers"]; ok {
		list, err := cast.ToStringSliceE(v)
		if err != nil {
			return fmt.Errorf("markers: %w", err)
		}
		markers = markers[:0:0]
		for _, m := range list {
			if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
				markers = append(markers, m)
			}
		}
		sort.Strings(markers)
	}

	c.mu.RLock()
	share := c.alertShare
	c.mu.RUnlock()
	if v, ok := cfg["alert_share"]; ok {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("alert_share: %w", err)
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("alert_share must be within [0,1], got %v", f)
		}
		share = f
	}

	c.mu.Lock()
	c.markers, c.alertShare = markers, share
	c.mu.Unlock()
	return nil
}

func (c *Crawlers) currentMarkers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.markers
}
