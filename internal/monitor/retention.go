package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wwwzy/vhostlog/internal/model"
)

// RetentionStore is what the retention collector needs from storage.
type RetentionStore interface {
	GetDomains(ctx context.Context) ([]model.Domain, error)
	DeleteLogsBeforeLimited(ctx context.Context, domainID uint64, before time.Time, limit int) (int64, error)
}

// RetentionCollector periodically deletes log entries older than
// RetentionDays, one domain per task, in small batches.
type RetentionCollector struct {
	cfg RetentionConfig

	store RetentionStore

	deleted atomic.Int64
}

func NewRetentionCollector(store RetentionStore, cfg RetentionConfig) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &RetentionCollector{store: store, cfg: cfg.withDefaults()}, nil
}

// Deleted is the number of entries removed since start.
func (c *RetentionCollector) Deleted() int64 {
	return c.deleted.Load()
}

// Run cleans up once at start and then every Interval. Failures go to
// OnError and do not stop the loop.
func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}

	_, _ = c.RunOnce(ctx, time.Now().UTC())

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = c.RunOnce(ctx, time.Now().UTC())
		}
	}
}

// RunOnce removes every entry older than now-RetentionDays and reports how
// many were deleted.
func (c *RetentionCollector) RunOnce(ctx context.Context, now time.Time) (int64, error) {
	if c == nil || c.store == nil {
		return 0, errors.New("retention collector not initialized")
	}

	domains, err := c.store.GetDomains(ctx)
	if err != nil {
		err = fmt.Errorf("retention: list domains: %w", err)
		if !errors.Is(err, context.Canceled) {
			c.cfg.OnError(err)
		}
		return 0, err
	}
	cutoff := now.Add(-time.Duration(c.cfg.RetentionDays) * 24 * time.Hour)

	var total atomic.Int64
	tasks := make([]func(context.Context) error, 0, len(domains))
	for _, d := range domains {
		domainID := d.ID
		tasks = append(tasks, func(ctx context.Context) error {
			n, err := c.deleteLogsBefore(ctx, domainID, cutoff)
			total.Add(n)
			if err != nil {
				return fmt.Errorf("retention for domain %d: %w", domainID, err)
			}
			return nil
		})
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	workers := c.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan func(context.Context) error)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			c.deleted.Add(total.Load())
			return total.Load(), ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)
	c.deleted.Add(total.Load())

	var joined []error
	for err := range errs {
		c.cfg.OnError(err)
		joined = append(joined, err)
	}
	return total.Load(), errors.Join(joined...)
}

func (c *RetentionCollector) deleteLogsBefore(ctx context.Context, domainID uint64, before time.Time) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		affected, err := c.store.DeleteLogsBeforeLimited(ctx, domainID, before, c.cfg.BatchRows)
		total += affected
		if err != nil {
			return total, err
		}
		if affected == 0 {
			return total, nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return total, err
		}
	}
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
