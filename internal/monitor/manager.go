package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/wwwzy/vhostlog/internal/model"
)

// Dispatcher receives ingestion events, typically the plugin manager.
type Dispatcher interface {
	OnLogEntry(ctx context.Context, entry model.LogEntry)
	OnDomainAdded(ctx context.Context, domain model.Domain)
	OnAlert(ctx context.Context, alert model.Alert)
}

// DomainStore resolves domain names to ids.
type DomainStore interface {
	EnsureDomain(ctx context.Context, name string) (model.Domain, bool, error)
}

// Target is a discovered file keyed by domain name.
type Target struct {
	Path       string
	Domain     string
	FormatHint string
}

type Manager struct {
	cfg Config

	files      *FileMonitor
	retention  *RetentionCollector
	domains    DomainStore
	dispatcher Dispatcher
	log        logrus.FieldLogger

	sub *Subscription

	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runErrMu sync.Mutex
	runErr   error
}

func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Watch = cfg.Watch.withDefaults()
	cfg.Retention = cfg.Retention.withDefaults()
	cfg.Alerts = cfg.Alerts.withDefaults()
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Manager{cfg: cfg, log: l}, nil
}

func (m *Manager) WithFiles(files *FileMonitor) *Manager {
	if m == nil {
		return nil
	}
	m.files = files
	return m
}

func (m *Manager) WithRetention(retention *RetentionCollector) *Manager {
	if m == nil {
		return nil
	}
	m.retention = retention
	return m
}

func (m *Manager) WithDomains(domains DomainStore) *Manager {
	if m == nil {
		return nil
	}
	m.domains = domains
	return m
}

func (m *Manager) WithDispatcher(d Dispatcher) *Manager {
	if m == nil {
		return nil
	}
	m.dispatcher = d
	return m
}

func (m *Manager) WithLogger(l logrus.FieldLogger) *Manager {
	if m == nil {
		return nil
	}
	if l != nil {
		m.log = l
	}
	return m
}

func (m *Manager) Files() *FileMonitor {
	return m.files
}

func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	if m.files == nil {
		return errors.New("file monitor is required")
	}
	if m.cfg.Retention.Enabled && m.retention == nil {
		return errors.New("retention collector is required when retention enabled")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.dispatcher != nil {
		m.sub = m.files.Bus().Subscribe(m.cfg.Watch.EventBuffer)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.pump(runCtx, m.sub)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.setErr(m.files.Run(runCtx))
	}()

	if m.cfg.Retention.Enabled {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.setErr(m.retention.Run(runCtx))
		}()
	}

	return nil
}

// AddTargets resolves each target's domain, announces new domains and starts
// watching the files. It keeps going past individual failures.
func (m *Manager) AddTargets(ctx context.Context, targets []Target) error {
	if m.files == nil || m.domains == nil {
		return errors.New("manager requires a file monitor and a domain store")
	}
	var errs []error
	for _, t := range targets {
		d, created, err := m.domains.EnsureDomain(ctx, t.Domain)
		if err != nil {
			errs = append(errs, fmt.Errorf("domain %q: %w", t.Domain, err))
			continue
		}
		if created {
			m.log.WithField("domain", d.Name).Info("new domain")
			dc := d
			m.files.Bus().Publish(Event{Kind: EventDomainAdded, DomainID: d.ID, Domain: &dc})
		}
		if err := m.files.WatchFile(ctx, WatchTarget{Path: t.Path, DomainID: d.ID, FormatHint: t.FormatHint}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) pump(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventLogEntry:
				if ev.Entry != nil {
					m.dispatcher.OnLogEntry(ctx, *ev.Entry)
				}
			case EventDomainAdded:
				if ev.Domain != nil {
					m.dispatcher.OnDomainAdded(ctx, *ev.Domain)
				}
			case EventAlert:
				if ev.Alert != nil {
					m.dispatcher.OnAlert(ctx, *ev.Alert)
				}
			case EventError:
				m.log.WithField("path", ev.Path).WithError(ev.Err).Debug("monitor error event")
			}
		}
	}
}

func (m *Manager) setErr(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	m.runErrMu.Lock()
	if m.runErr == nil {
		m.runErr = err
	}
	m.runErrMu.Unlock()
	m.cancel()
}

func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

// Wait blocks until every loop has exited, then releases the observer.
func (m *Manager) Wait() error {
	if m == nil {
		return nil
	}
	m.wg.Wait()
	if m.sub != nil {
		m.sub.Close()
	}
	if m.files != nil {
		if err := m.files.Close(); err != nil {
			m.setErr(err)
		}
	}
	m.runErrMu.Lock()
	defer m.runErrMu.Unlock()
	return m.runErr
}
