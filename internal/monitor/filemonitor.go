package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wwwzy/vhostlog/internal/model"
	"github.com/wwwzy/vhostlog/internal/parser"
	"github.com/wwwzy/vhostlog/internal/storage"
)

// Store is the part of storage the monitor writes through.
type Store interface {
	// InsertLogsAt stores a batch together with the position it was read up to.
	InsertLogsAt(ctx context.Context, entries []model.LogEntry, pos storage.WatchPosition) error
	UpdateDomainLastSeen(ctx context.Context, domainID uint64) error
	InsertAlert(ctx context.Context, a *model.Alert) error
	GetWatchPosition(ctx context.Context, path string) (*storage.WatchPosition, error)
	DeleteWatchPosition(ctx context.Context, path string) error
}

// LineProcessor may turn a line the file's format rejected into an entry.
type LineProcessor func(ctx context.Context, line string, domainID uint64) *model.LogEntry

// WatchTarget is one file handed over by discovery.
type WatchTarget struct {
	Path       string
	DomainID   uint64
	FormatHint string
}

// WatchState is a snapshot of one watched file.
type WatchState struct {
	Path         string    `json:"path"`
	DomainID     uint64    `json:"domainId"`
	LastPosition int64     `json:"lastPosition"`
	LastSize     int64     `json:"lastSize"`
	LastModified time.Time `json:"lastModified"`
	Format       string    `json:"format,omitempty"`
}

// Stats are cumulative counters since the monitor was created.
type Stats struct {
	WatchedFiles  int    `json:"watchedFiles"`
	Cycles        uint64 `json:"cycles"`
	Coalesced     uint64 `json:"coalesced"`
	Entries       uint64 `json:"entries"`
	BytesRead     uint64 `json:"bytesRead"`
	SkippedLines  uint64 `json:"skippedLines"`
	Rotations     uint64 `json:"rotations"`
	Removals      uint64 `json:"removals"`
	Errors        uint64 `json:"errors"`
	Alerts        uint64 `json:"alerts"`
	EventsDropped uint64 `json:"eventsDropped"`
}

// FileError attributes an I/O or storage failure to a file.
type FileError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

func (e *FileError) Fields() logrus.Fields {
	return logrus.Fields{"path": e.Path, "op": e.Op}
}

type fileState struct {
	path     string
	domainID uint64

	// cycleMu is held for a whole read/parse/insert cycle.
	cycleMu sync.Mutex

	// mu guards everything below.
	mu       sync.Mutex
	reading  bool
	pending  bool
	closed   bool
	position int64
	size     int64
	modTime  time.Time
	format   *parser.LogFormat
}

func (st *fileState) snapshot() WatchState {
	st.mu.Lock()
	defer st.mu.Unlock()
	ws := WatchState{
		Path:         st.path,
		DomainID:     st.domainID,
		LastPosition: st.position,
		LastSize:     st.size,
		LastModified: st.modTime,
	}
	if st.format != nil {
		ws.Format = st.format.Name
	}
	return ws
}

func (st *fileState) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}

// FileMonitor tails watched files into Storage. Every file has at most one
// read cycle in flight; notifications that arrive meanwhile are folded into a
// single follow-up cycle.
type FileMonitor struct {
	cfg      WatchConfig
	store    Store
	parser   *parser.Parser
	observer FileObserver
	bus      *Bus
	alerts   *AlertRules
	process  LineProcessor
	log      logrus.FieldLogger

	mu    sync.RWMutex
	files map[string]*fileState
	// starting holds paths whose WatchFile is still setting up.
	starting map[string]chan struct{}

	wg sync.WaitGroup

	cycles, coalesced, entries, bytesRead, skipped atomic.Uint64
	rotations, removals, errs, alertsRaised        atomic.Uint64
}

type Option func(*FileMonitor)

func WithBus(b *Bus) Option {
	return func(m *FileMonitor) {
		if b != nil {
			m.bus = b
		}
	}
}

func WithAlertRules(r *AlertRules) Option {
	return func(m *FileMonitor) {
		m.alerts = r
	}
}

func WithLineProcessor(p LineProcessor) Option {
	return func(m *FileMonitor) {
		m.process = p
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *FileMonitor) {
		if l != nil {
			m.log = l
		}
	}
}

func NewFileMonitor(store Store, p *parser.Parser, observer FileObserver, cfg WatchConfig, opts ...Option) (*FileMonitor, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	if observer == nil {
		return nil, errors.New("file observer is required")
	}
	if p == nil {
		p = parser.New(nil, parser.WithMaxLineBytes(cfg.MaxLineBytes))
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	m := &FileMonitor{
		cfg:      cfg.withDefaults(),
		store:    store,
		parser:   p,
		observer: observer,
		bus:      NewBus(),
		log:      discard,
		files:    make(map[string]*fileState),
		starting: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *FileMonitor) Bus() *Bus {
	return m.bus
}

// Run forwards observer notifications until ctx is done, then waits for the
// read cycles it started.
func (m *FileMonitor) Run(ctx context.Context) error {
	if m == nil || m.observer == nil {
		return errors.New("file monitor not initialized")
	}
	defer m.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-m.observer.Changes():
			if !ok {
				return nil
			}
			m.Notify(ctx, ch.Path)
		case err, ok := <-m.observer.Errors():
			if !ok {
				return nil
			}
			m.report("", 0, err)
		}
	}
}

// Close stops the observer and waits for in-flight cycles.
func (m *FileMonitor) Close() error {
	err := m.observer.Close()
	m.wg.Wait()
	return err
}

// WatchFile starts tailing t.Path from its current end, or from the persisted
// position when resuming is enabled and that position is still valid. A
// format hint applies to the first read only; after a rotation the format is
// detected again. Watching a path twice is a no-op.
func (m *FileMonitor) WatchFile(ctx context.Context, t WatchTarget) error {
	if t.DomainID == 0 {
		return fmt.Errorf("watch %s: domain is required", t.Path)
	}
	path, err := filepath.Abs(t.Path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", t.Path, err)
	}

	m.mu.Lock()
	if _, ok := m.files[path]; ok {
		m.mu.Unlock()
		return nil
	}
	if wait, ok := m.starting[path]; ok {
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		return m.WatchFile(ctx, t)
	}
	done := make(chan struct{})
	m.starting[path] = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.starting, path)
		m.mu.Unlock()
		close(done)
	}()

	// m.mu is not held again until st is published
	info, err := os.Stat(path)
	if err != nil {
		return &FileError{Path: path, Op: "stat", Err: err}
	}
	if info.IsDir() {
		return &FileError{Path: path, Op: "watch", Err: errors.New("is a directory")}
	}

	st := &fileState{
		path:     path,
		domainID: t.DomainID,
		position: info.Size(),
		size:     info.Size(),
		modTime:  info.ModTime(),
	}
	if t.FormatHint != "" {
		if f, ok := m.parser.Registry().Format(t.FormatHint); ok {
			st.format = f
		} else {
			m.log.WithField("path", path).WithField("format", t.FormatHint).Warn("unknown format hint, detecting instead")
		}
	}
	if m.cfg.ResumePositions {
		if pos, err := m.store.GetWatchPosition(ctx, path); err == nil {
			if pos.DomainID == t.DomainID && pos.Position <= info.Size() {
				st.position = pos.Position
				if st.format == nil && pos.Format != "" {
					st.format, _ = m.parser.Registry().Format(pos.Format)
				}
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			m.report(path, t.DomainID, &FileError{Path: path, Op: "load position", Err: err})
		}
	}

	if err := m.observer.Add(path); err != nil {
		return &FileError{Path: path, Op: "observe", Err: err}
	}
	m.mu.Lock()
	m.files[path] = st
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"path": path, "domain_id": t.DomainID, "position": st.position}).Info("watching file")
	m.bus.Publish(Event{Kind: EventFileAdded, Path: path, DomainID: t.DomainID})

	if st.position < info.Size() {
		m.Notify(ctx, path)
	}
	return nil
}

// UnwatchFile stops tailing path. When it returns, no further entries from
// path reach Storage. Unknown paths are a no-op.
func (m *FileMonitor) UnwatchFile(ctx context.Context, path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.mu.Lock()
	st, ok := m.files[path]
	delete(m.files, path)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	// wait for a cycle already past its closed check
	st.cycleMu.Lock()
	st.cycleMu.Unlock()

	var errs []error
	if err := m.observer.Remove(path); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.DeleteWatchPosition(ctx, path); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WatchDomain watches every path for domainID and reports the failures.
func (m *FileMonitor) WatchDomain(ctx context.Context, domainID uint64, paths []string, formatHint string) error {
	var errs []error
	for _, p := range paths {
		if err := m.WatchFile(ctx, WatchTarget{Path: p, DomainID: domainID, FormatHint: formatHint}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnwatchDomain unwatches every file of domainID.
func (m *FileMonitor) UnwatchDomain(ctx context.Context, domainID uint64) error {
	m.mu.RLock()
	var paths []string
	for p, st := range m.files {
		if st.domainID == domainID {
			paths = append(paths, p)
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, p := range paths {
		if err := m.UnwatchFile(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if m.alerts != nil {
		m.alerts.Forget(domainID)
	}
	return errors.Join(errs...)
}

func (m *FileMonitor) GetWatchedFiles() []WatchState {
	m.mu.RLock()
	states := make([]*fileState, 0, len(m.files))
	for _, st := range m.files {
		states = append(states, st)
	}
	m.mu.RUnlock()

	out := make([]WatchState, 0, len(states))
	for _, st := range states {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (m *FileMonitor) IsWatching(path string) bool {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[path]
	return ok
}

func (m *FileMonitor) GetStats() Stats {
	m.mu.RLock()
	n := len(m.files)
	m.mu.RUnlock()
	return Stats{
		WatchedFiles:  n,
		Cycles:        m.cycles.Load(),
		Coalesced:     m.coalesced.Load(),
		Entries:       m.entries.Load(),
		BytesRead:     m.bytesRead.Load(),
		SkippedLines:  m.skipped.Load(),
		Rotations:     m.rotations.Load(),
		Removals:      m.removals.Load(),
		Errors:        m.errs.Load(),
		Alerts:        m.alertsRaised.Load(),
		EventsDropped: m.bus.Dropped(),
	}
}

// Notify schedules a read cycle for path. If one is already running the
// request is folded into a single follow-up cycle.
func (m *FileMonitor) Notify(ctx context.Context, path string) {
	m.mu.RLock()
	st := m.files[path]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	if st.reading {
		st.pending = true
		st.mu.Unlock()
		m.coalesced.Add(1)
		return
	}
	st.reading = true
	st.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if err := m.cycle(ctx, st); err != nil {
				m.report(st.path, st.domainID, err)
			}
			st.mu.Lock()
			if !st.pending || st.closed || ctx.Err() != nil {
				st.reading = false
				st.pending = false
				st.mu.Unlock()
				return
			}
			st.pending = false
			st.mu.Unlock()
		}
	}()
}

// Sync runs one read cycle for path in the caller's goroutine.
func (m *FileMonitor) Sync(ctx context.Context, path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.mu.RLock()
	st := m.files[path]
	m.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("sync %s: not watched", path)
	}
	return m.cycle(ctx, st)
}

func (m *FileMonitor) cycle(ctx context.Context, st *fileState) error {
	st.cycleMu.Lock()
	defer st.cycleMu.Unlock()

	if st.isClosed() {
		return nil
	}
	m.cycles.Add(1)

	info, err := os.Stat(st.path)
	if errors.Is(err, fs.ErrNotExist) {
		m.removed(ctx, st)
		return nil
	}
	if err != nil {
		return &FileError{Path: st.path, Op: "stat", Err: err}
	}

	st.mu.Lock()
	pos := st.position
	format := st.format
	st.mu.Unlock()

	if info.Size() < pos {
		pos = 0
		format = nil
		st.mu.Lock()
		st.position = 0
		st.format = nil
		st.mu.Unlock()
		m.rotations.Add(1)
		m.log.WithFields(logrus.Fields{"path": st.path, "size": info.Size()}).Info("file rotated, reading from start")
		m.bus.Publish(Event{Kind: EventFileRotated, Path: st.path, DomainID: st.domainID})
	}
	if info.Size() == pos {
		st.mu.Lock()
		st.size, st.modTime = info.Size(), info.ModTime()
		st.mu.Unlock()
		return nil
	}

	opts := []parser.StreamOption{}
	if format != nil {
		opts = append(opts, parser.WithFormat(format))
	}
	if m.process != nil {
		opts = append(opts, parser.WithLineHandler(func(line string) (*model.LogEntry, bool) {
			e := m.process(ctx, line, st.domainID)
			if e == nil {
				return nil, false
			}
			e.DomainID = st.domainID
			if e.Raw == "" {
				e.Raw = line
			}
			if e.RawFormat == "" {
				e.RawFormat = "plugin"
			}
			if e.Timestamp.IsZero() {
				e.Timestamp, e.TimestampInferred = m.parser.ParseTimestamp("")
			}
			return e, true
		}))
	}

	stream, err := m.parser.StreamFile(st.path, st.domainID, pos, opts...)
	if err != nil {
		return &FileError{Path: st.path, Op: "open", Err: err}
	}
	defer stream.Close()

	batch := make([]model.LogEntry, 0, m.cfg.BatchSize)
	for stream.Next() {
		batch = append(batch, stream.Entry())
		if len(batch) < m.cfg.BatchSize {
			continue
		}
		if err := m.commit(ctx, st, batch, stream, info); err != nil {
			return err
		}
		batch = make([]model.LogEntry, 0, m.cfg.BatchSize)
	}
	if err := m.commit(ctx, st, batch, stream, info); err != nil {
		return err
	}
	m.skipped.Add(uint64(stream.Skipped()))
	if err := stream.Err(); err != nil {
		return &FileError{Path: st.path, Op: "read", Err: err}
	}
	return nil
}

// commit stores a batch and the offset it ends at in one write, then
// advances the file's in-memory position.
func (m *FileMonitor) commit(ctx context.Context, st *fileState, batch []model.LogEntry, stream *parser.Stream, info os.FileInfo) error {
	if st.isClosed() {
		return nil
	}

	offset := stream.Offset()
	st.mu.Lock()
	prev := st.position
	format := st.format
	st.mu.Unlock()
	if f := stream.Format(); f != nil {
		format = f
	}
	formatName := ""
	if format != nil {
		formatName = format.Name
	}

	err := m.store.InsertLogsAt(ctx, batch, storage.WatchPosition{
		Path:     st.path,
		DomainID: st.domainID,
		Position: offset,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Format:   formatName,
	})
	if err != nil {
		return &FileError{Path: st.path, Op: "insert", Err: err}
	}
	if len(batch) > 0 {
		if err := m.store.UpdateDomainLastSeen(ctx, st.domainID); err != nil {
			m.report(st.path, st.domainID, &FileError{Path: st.path, Op: "touch domain", Err: err})
		}
	}

	st.mu.Lock()
	st.position = offset
	st.size, st.modTime = info.Size(), info.ModTime()
	st.format = format
	st.mu.Unlock()

	m.entries.Add(uint64(len(batch)))
	if offset > prev {
		m.bytesRead.Add(uint64(offset - prev))
	}

	for i := range batch {
		m.bus.Publish(Event{Kind: EventLogEntry, Path: st.path, DomainID: st.domainID, Entry: &batch[i]})
	}

	if m.alerts != nil && len(batch) > 0 {
		if a := m.alerts.Observe(st.domainID, batch); a != nil {
			m.raise(ctx, st.path, a)
		}
	}
	return nil
}

func (m *FileMonitor) raise(ctx context.Context, path string, a *model.Alert) {
	if err := m.store.InsertAlert(ctx, a); err != nil {
		m.report(path, a.DomainID, fmt.Errorf("store alert: %w", err))
		return
	}
	m.alertsRaised.Add(1)
	m.log.WithFields(logrus.Fields{"domain_id": a.DomainID, "type": a.Type, "severity": a.Severity}).Warn(a.Message)
	m.bus.Publish(Event{Kind: EventAlert, Path: path, DomainID: a.DomainID, Alert: a})
}

func (m *FileMonitor) removed(ctx context.Context, st *fileState) {
	m.mu.Lock()
	if m.files[st.path] == st {
		delete(m.files, st.path)
	}
	m.mu.Unlock()

	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()

	m.removals.Add(1)
	if err := m.observer.Remove(st.path); err != nil {
		m.report(st.path, st.domainID, err)
	}
	if err := m.store.DeleteWatchPosition(ctx, st.path); err != nil {
		m.report(st.path, st.domainID, err)
	}
	m.log.WithField("path", st.path).Info("file removed")
	m.bus.Publish(Event{Kind: EventFileRemoved, Path: st.path, DomainID: st.domainID})
}

func (m *FileMonitor) report(path string, domainID uint64, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	m.errs.Add(1)
	m.cfg.OnError(err)
	m.bus.Publish(Event{Kind: EventError, Path: path, DomainID: domainID, Err: err})
}
