package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/wwwzy/vhostlog/internal/model"
)

const topN = 10

// ParseWindow accepts Go durations plus a day suffix ("7d"). Empty and "all"
// mean no window.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "all" {
		return 0, nil
	}
	var (
		d   time.Duration
		err error
	)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		var n float64
		n, err = strconv.ParseFloat(days, 64)
		d = time.Duration(n * float64(24*time.Hour))
	} else {
		d, err = time.ParseDuration(s)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid window %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid window %q: negative", s)
	}
	return d, nil
}

// GetDomainStats aggregates a domain's entries over the last window (all
// time when window <= 0). It returns nil when nothing falls in range.
func (s *Storage) GetDomainStats(ctx context.Context, domainID uint64, window time.Duration) (*model.DomainStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &model.DomainStats{
		DomainID:      domainID,
		To:            now,
		StatusCodes:   map[int]int64{},
		StatusClasses: map[string]int64{},
		Methods:       map[string]int64{},
	}
	if window > 0 {
		stats.From = now.Add(-window)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			db := tx.Model(&model.LogEntry{}).Where("domain_id = ?", domainID)
			if window > 0 {
				db = db.Where("timestamp >= ?", stats.From)
			}
			return db
		}

		var totals struct {
			Total    int64
			Bytes    int64
			Clients  int64
			Inferred int64
			Errors   int64
		}
		err := scope().Select(
			"COUNT(*) AS total, " +
				"COALESCE(SUM(bytes), 0) AS bytes, " +
				"COUNT(DISTINCT NULLIF(client_ip, '')) AS clients, " +
				"COALESCE(SUM(CASE WHEN timestamp_inferred THEN 1 ELSE 0 END), 0) AS inferred, " +
				"COALESCE(SUM(CASE WHEN status >= 500 THEN 1 ELSE 0 END), 0) AS errors",
		).Scan(&totals).Error
		if err != nil {
			return fmt.Errorf("aggregate totals: %w", err)
		}
		if totals.Total == 0 {
			stats = nil
			return nil
		}
		stats.TotalRequests = totals.Total
		stats.TotalBytes = totals.Bytes
		stats.UniqueClients = totals.Clients
		stats.InferredTimestamps = totals.Inferred
		stats.ErrorRate = float64(totals.Errors) / float64(totals.Total)

		var codes []struct {
			Code int
			N    int64
		}
		err = scope().Select("status AS code, COUNT(*) AS n").
			Where("status IS NOT NULL").Group("status").Scan(&codes).Error
		if err != nil {
			return fmt.Errorf("aggregate status codes: %w", err)
		}
		for _, c := range codes {
			stats.StatusCodes[c.Code] = c.N
			stats.StatusClasses[statusClass(c.Code)] += c.N
		}

		var methods []struct {
			Name string
			N    int64
		}
		err = scope().Select("method AS name, COUNT(*) AS n").
			Where("method <> ''").Group("method").Scan(&methods).Error
		if err != nil {
			return fmt.Errorf("aggregate methods: %w", err)
		}
		for _, m := range methods {
			stats.Methods[m.Name] = m.N
		}

		if stats.TopClients, err = topCounts(scope(), "client_ip"); err != nil {
			return err
		}
		if stats.TopPaths, err = topCounts(scope(), "path"); err != nil {
			return err
		}

		var first, last model.LogEntry
		if err := scope().Order("timestamp ASC").Order("id ASC").Limit(1).Find(&first).Error; err != nil {
			return fmt.Errorf("first entry: %w", err)
		}
		if err := scope().Order("timestamp DESC").Order("id DESC").Limit(1).Find(&last).Error; err != nil {
			return fmt.Errorf("last entry: %w", err)
		}
		stats.FirstEntry = first.Timestamp
		stats.LastEntry = last.Timestamp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("domain stats: %w", err)
	}
	return stats, nil
}

func topCounts(db *gorm.DB, column string) ([]model.Count, error) {
	var out []model.Count
	err := db.Select(column+` AS "key", COUNT(*) AS "count"`).
		Where(column + " <> ''").
		Group(column).
		Order(`"count" DESC`).Order(column + " ASC").
		Limit(topN).
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("top %s: %w", column, err)
	}
	return out, nil
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
