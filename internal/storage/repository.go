package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wwwzy/vhostlog/internal/model"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900

	insertBatchSize = 200
)

// EnsureDomain returns the domain named name, creating it if needed.
// created is true only for the call that inserted the row.
func (s *Storage) EnsureDomain(ctx context.Context, name string) (model.Domain, bool, error) {
	if err := s.ready(); err != nil {
		return model.Domain{}, false, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Domain{}, false, errors.New("domain name is required")
	}

	now := time.Now().UTC()
	d := model.Domain{Name: name, FirstSeen: now, LastSeen: now}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
		Create(&d)
	if res.Error != nil {
		return model.Domain{}, false, fmt.Errorf("insert domain: %w", res.Error)
	}
	created := res.RowsAffected == 1

	var out model.Domain
	if err := s.db.WithContext(ctx).Where("name = ?", name).Take(&out).Error; err != nil {
		return model.Domain{}, false, fmt.Errorf("get domain: %w", err)
	}
	return out, created, nil
}

// AddDomain is EnsureDomain returning only the id.
func (s *Storage) AddDomain(ctx context.Context, name string) (uint64, error) {
	d, _, err := s.EnsureDomain(ctx, name)
	if err != nil {
		return 0, err
	}
	return d.ID, nil
}

func (s *Storage) GetDomain(ctx context.Context, name string) (*model.Domain, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var d model.Domain
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("domain", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return &d, nil
}

func (s *Storage) GetDomainByID(ctx context.Context, id uint64) (*model.Domain, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var d model.Domain
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("domain", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return &d, nil
}

func (s *Storage) GetDomains(ctx context.Context) ([]model.Domain, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []model.Domain
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return out, nil
}

func (s *Storage) UpdateDomainLastSeen(ctx context.Context, domainID uint64) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&model.Domain{}).
		Where("id = ?", domainID).
		Update("last_seen", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("update domain last seen: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return gormNotFoundError("domain", domainID)
	}
	return nil
}

// InsertLogs appends entries in one transaction: either every entry is stored,
// in input order, or none is. IDs are filled in on success. Entries must
// belong to an existing domain.
func (s *Storage) InsertLogs(ctx context.Context, entries []model.LogEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := prepareLogs(entries); err != nil {
		return fmt.Errorf("insert logs: %w", err)
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertLogs(tx, entries)
	})
	if err != nil {
		clearIDs(entries)
		return fmt.Errorf("insert logs: %w", err)
	}
	return nil
}

// InsertLogsAt stores entries and the read position they were read up to in
// the same transaction, so a position never runs ahead of or behind the rows
// it covers. entries may be empty.
func (s *Storage) InsertLogsAt(ctx context.Context, entries []model.LogEntry, pos WatchPosition) error {
	if err := s.ready(); err != nil {
		return err
	}
	if pos.Path == "" {
		return errors.New("watch position path is required")
	}
	if err := prepareLogs(entries); err != nil {
		return fmt.Errorf("insert logs: %w", err)
	}
	pos.ModTime = pos.ModTime.UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(entries) > 0 {
			if err := insertLogs(tx, entries); err != nil {
				return err
			}
		}
		return savePosition(tx, &pos)
	})
	if err != nil {
		clearIDs(entries)
		return fmt.Errorf("insert logs at %s: %w", pos.Path, err)
	}
	return nil
}

func prepareLogs(entries []model.LogEntry) error {
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].DomainID == 0 {
			return fmt.Errorf("entry %d has no domain", i)
		}
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = now
			entries[i].TimestampInferred = true
		}
		entries[i].Timestamp = entries[i].Timestamp.UTC()
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}
	return nil
}

func insertLogs(tx *gorm.DB, entries []model.LogEntry) error {
	if err := checkDomains(tx, entries); err != nil {
		return err
	}
	return tx.CreateInBatches(entries, insertBatchSize).Error
}

// checkDomains fails with ErrNotFound when an entry names an unknown domain.
func checkDomains(tx *gorm.DB, entries []model.LogEntry) error {
	missing := make(map[uint64]struct{})
	for i := range entries {
		missing[entries[i].DomainID] = struct{}{}
	}
	ids := make([]uint64, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	var found []uint64
	if err := tx.Model(&model.Domain{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return fmt.Errorf("check domains: %w", err)
	}
	for _, id := range found {
		delete(missing, id)
	}
	for i := range entries {
		if _, ok := missing[entries[i].DomainID]; ok {
			return gormNotFoundError("domain", entries[i].DomainID)
		}
	}
	return nil
}

func clearIDs(entries []model.LogEntry) {
	for i := range entries {
		entries[i].ID = 0
	}
}

// GetLogs pages through a domain's entries by timestamp, ties in insertion
// order. limit <= 0 returns every entry from offset on.
func (s *Storage) GetLogs(ctx context.Context, domainID uint64, limit, offset int) ([]model.LogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&model.LogEntry{}).
		Where("domain_id = ?", domainID).
		Order("timestamp ASC").Order("id ASC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	if offset > 0 {
		db = db.Offset(offset)
	}

	var out []model.LogEntry
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return out, nil
}

// GetLogsByTimeRange returns entries with start <= timestamp <= end.
func (s *Storage) GetLogsByTimeRange(ctx context.Context, domainID uint64, start, end time.Time) ([]model.LogEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, nil
	}
	var out []model.LogEntry
	err := s.db.WithContext(ctx).Model(&model.LogEntry{}).
		Where("domain_id = ?", domainID).
		Where("timestamp >= ? AND timestamp <= ?", start.UTC(), end.UTC()).
		Order("timestamp ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query logs by range: %w", err)
	}
	return out, nil
}

// DeleteLogsBeforeLimited removes at most limit entries older than before.
// domainID 0 spans all domains.
func (s *Storage) DeleteLogsBeforeLimited(ctx context.Context, domainID uint64, before time.Time, limit int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}

	limit = normalizeDeleteLimit(limit)

	db := s.db.WithContext(ctx).Model(&model.LogEntry{}).
		Select("id").
		Where("timestamp < ?", before.UTC())
	if domainID != 0 {
		db = db.Where("domain_id = ?", domainID)
	}

	var ids []uint64
	if err := db.Order("id ASC").Limit(limit).Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select log ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.LogEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CleanupOldLogs deletes entries older than retentionDays across all domains
// and reports how many were removed. Alerts and domains are kept.
func (s *Storage) CleanupOldLogs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, fmt.Errorf("cleanup logs: negative retention %d", retentionDays)
	}
	return s.CleanupDomainLogs(ctx, 0, time.Now().Add(-time.Duration(retentionDays)*24*time.Hour))
}

// CleanupDomainLogs deletes a domain's entries older than cutoff in bounded
// batches. domainID 0 spans all domains.
func (s *Storage) CleanupDomainLogs(ctx context.Context, domainID uint64, cutoff time.Time) (int64, error) {
	var total int64
	for {
		n, err := s.DeleteLogsBeforeLimited(ctx, domainID, cutoff, maxDeleteLimit)
		total += n
		if err != nil {
			return total, err
		}
		if n < maxDeleteLimit {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// AddAlert records an alert raised by the core.
func (s *Storage) AddAlert(ctx context.Context, domainID uint64, alertType, message string, severity model.Severity) (uint64, error) {
	a := model.Alert{
		DomainID: domainID,
		Type:     alertType,
		Message:  message,
		Severity: severity,
		Source:   "core",
	}
	if err := s.InsertAlert(ctx, &a); err != nil {
		return 0, err
	}
	return a.ID, nil
}

// InsertAlert validates and appends a. The domain must exist.
func (s *Storage) InsertAlert(ctx context.Context, a *model.Alert) error {
	if err := s.ready(); err != nil {
		return err
	}
	if a == nil {
		return errors.New("alert is nil")
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("insert alert: invalid severity %q", a.Severity)
	}
	if strings.TrimSpace(a.Type) == "" {
		return errors.New("insert alert: type is required")
	}
	if _, err := s.GetDomainByID(ctx, a.DomainID); err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(a).Error; err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetAlerts returns the newest alerts first. domainID 0 spans all domains.
func (s *Storage) GetAlerts(ctx context.Context, domainID uint64, limit int) ([]model.Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&model.Alert{})
	if domainID != 0 {
		db = db.Where("domain_id = ?", domainID)
	}
	var out []model.Alert
	err := db.Order("timestamp DESC").Order("id DESC").Limit(normalizeLimit(limit)).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return out, nil
}

// SaveWatchPosition upserts the position of p.Path.
func (s *Storage) SaveWatchPosition(ctx context.Context, p WatchPosition) error {
	if err := s.ready(); err != nil {
		return err
	}
	if p.Path == "" {
		return errors.New("watch position path is required")
	}
	p.ModTime = p.ModTime.UTC()
	return savePosition(s.db.WithContext(ctx), &p)
}

func savePosition(db *gorm.DB, p *WatchPosition) error {
	err := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "path"}}, UpdateAll: true}).
		Create(p).Error
	if err != nil {
		return fmt.Errorf("save watch position: %w", err)
	}
	return nil
}

func (s *Storage) GetWatchPosition(ctx context.Context, path string) (*WatchPosition, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var p WatchPosition
	err := s.db.WithContext(ctx).Where("path = ?", path).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gormNotFoundError("watch position", path)
	}
	if err != nil {
		return nil, fmt.Errorf("get watch position: %w", err)
	}
	return &p, nil
}

func (s *Storage) DeleteWatchPosition(ctx context.Context, path string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("path = ?", path).Delete(&WatchPosition{}).Error; err != nil {
		return fmt.Errorf("delete watch position: %w", err)
	}
	return nil
}

func (s *Storage) ListWatchPositions(ctx context.Context) ([]WatchPosition, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []WatchPosition
	if err := s.db.WithContext(ctx).Order("path ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list watch positions: %w", err)
	}
	return out, nil
}

// CountLogs counts a domain's entries, or all entries for domainID 0.
func (s *Storage) CountLogs(ctx context.Context, domainID uint64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx).Model(&model.LogEntry{})
	if domainID != 0 {
		db = db.Where("domain_id = ?", domainID)
	}
	var n int64
	if err := db.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

func (s *Storage) CountDomains(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Domain{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count domains: %w", err)
	}
	return n, nil
}

func (s *Storage) CountAlerts(ctx context.Context) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Alert{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count alerts: %w", err)
	}
	return n, nil
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

type notFoundError struct {
	Entity string
	Key    any
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Entity, e.Key)
}

func (e notFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func gormNotFoundError(entity string, key any) error {
	return notFoundError{Entity: entity, Key: key}
}
