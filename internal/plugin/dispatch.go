package plugin

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/wwwzy/vhostlog/internal/model"
)

// OnLogEntry hands entry to every LogEntryObserver. Failures are isolated.
func (m *Manager) OnLogEntry(ctx context.Context, entry model.LogEntry) {
	broadcast(ctx, m, m.snapshot().entries, "onLogEntry", func(ctx context.Context, o LogEntryObserver) error {
		return o.OnLogEntry(ctx, entry)
	})
}

func (m *Manager) OnDomainAdded(ctx context.Context, domain model.Domain) {
	broadcast(ctx, m, m.snapshot().domains, "onDomainAdded", func(ctx context.Context, o DomainObserver) error {
		return o.OnDomainAdded(ctx, domain)
	})
}

func (m *Manager) OnAlert(ctx context.Context, alert model.Alert) {
	m.dispatchAlert(ctx, alert, "")
}

// dispatchAlert skips the plugin named except, so a plugin never receives
// the alerts it raised itself.
func (m *Manager) dispatchAlert(ctx context.Context, alert model.Alert, except string) {
	hooks := m.snapshot().alerts
	if except != "" {
		filtered := make([]hook[AlertObserver], 0, len(hooks))
		for _, h := range hooks {
			if h.plugin != except {
				filtered = append(filtered, h)
			}
		}
		hooks = filtered
	}
	broadcast(ctx, m, hooks, "onAlert", func(ctx context.Context, o AlertObserver) error {
		return o.OnAlert(ctx, alert)
	})
}

// ProcessLogLine asks every LineProcessor and returns the non-nil answers in
// load order. Failing plugins are left out.
func (m *Manager) ProcessLogLine(ctx context.Context, line string, domainID uint64) []LineResult {
	hooks := m.snapshot().processors
	if len(hooks) == 0 {
		return nil
	}
	entries := make([]*model.LogEntry, len(hooks))
	p := pool.New().WithMaxGoroutines(m.cfg.MaxConcurrency)
	for i, h := range hooks {
		p.Go(func() {
			e, err := callValue(ctx, m, h.plugin, "processLogLine", func(ctx context.Context) (*model.LogEntry, error) {
				return h.impl.ProcessLogLine(ctx, line, domainID)
			})
			if err == nil {
				entries[i] = e
			}
		})
	}
	p.Wait()

	var out []LineResult
	for i, e := range entries {
		if e != nil {
			out = append(out, LineResult{Plugin: hooks[i].plugin, Entry: e})
		}
	}
	return out
}

// ProcessFirst returns the first non-nil ProcessLogLine answer in load order.
// Later plugins are not asked once one has answered.
func (m *Manager) ProcessFirst(ctx context.Context, line string, domainID uint64) *model.LogEntry {
	for _, h := range m.snapshot().processors {
		e, err := callValue(ctx, m, h.plugin, "processLogLine", func(ctx context.Context) (*model.LogEntry, error) {
			return h.impl.ProcessLogLine(ctx, line, domainID)
		})
		if err == nil && e != nil {
			return e
		}
	}
	return nil
}

// AnalyzeTraffic collects each TrafficAnalyzer's result keyed by plugin name.
// Results are kept apart, never merged; failing plugins are left out.
func (m *Manager) AnalyzeTraffic(ctx context.Context, domainID uint64, entries []model.LogEntry) map[string]any {
	hooks := m.snapshot().analyzers
	results := make([]any, len(hooks))
	ok := make([]bool, len(hooks))
	p := pool.New().WithMaxGoroutines(m.cfg.MaxConcurrency)
	for i, h := range hooks {
		p.Go(func() {
			r, err := callValue(ctx, m, h.plugin, "analyzeTraffic", func(ctx context.Context) (any, error) {
				return h.impl.AnalyzeTraffic(ctx, domainID, entries)
			})
			results[i], ok[i] = r, err == nil
		})
	}
	p.Wait()

	out := make(map[string]any, len(hooks))
	for i, h := range hooks {
		if ok[i] {
			out[h.plugin] = results[i]
		}
	}
	return out
}

func broadcast[T any](ctx context.Context, m *Manager, hooks []hook[T], name string, fn func(context.Context, T) error) {
	if len(hooks) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(m.cfg.MaxConcurrency)
	for _, h := range hooks {
		p.Go(func() {
			_ = m.call(ctx, h.plugin, name, func(ctx context.Context) error {
				return fn(ctx, h.impl)
			})
		})
	}
	p.Wait()
}

func (m *Manager) call(ctx context.Context, plugin, name string, fn func(context.Context) error) error {
	_, err := callValue(ctx, m, plugin, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type outcome[T any] struct {
	v   T
	err error
}

// callValue runs fn in its own goroutine with the hook timeout and turns an
// error, a panic or a timeout into a reported HookError. A timed out hook keeps
// running in the background; its late result is discarded.
func callValue[T any](ctx context.Context, m *Manager, plugin, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HookTimeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		var o outcome[T]
		var pc panics.Catcher
		pc.Try(func() { o.v, o.err = fn(ctx) })
		if r := pc.Recovered(); r != nil {
			o.err = fmt.Errorf("panic: %v", r.Value)
		}
		done <- o
	}()

	var zero T
	select {
	case o := <-done:
		if o.err != nil {
			err := &HookError{Plugin: plugin, Hook: name, Err: o.err}
			m.report(err)
			return zero, err
		}
		return o.v, nil
	case <-ctx.Done():
		err := &HookError{Plugin: plugin, Hook: name, Err: ctx.Err()}
		m.report(err)
		return zero, err
	}
}
