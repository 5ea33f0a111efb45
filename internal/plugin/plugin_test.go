package plugin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/vhostlog/internal/model"
)

type recorder struct {
	name string

	mu      sync.Mutex
	host    Host
	loads   int
	unloads int
	entries []model.LogEntry
	domains []model.Domain
	alerts  []model.Alert
	cfg     map[string]any
	prefix  string
	served  int
}

func (r *recorder) OnLoad(_ context.Context, h Host) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.host = h
	r.loads++
	return nil
}

func (r *recorder) OnUnload(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unloads++
	return nil
}

func (r *recorder) OnLogEntry(_ context.Context, e model.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorder) OnDomainAdded(_ context.Context, d model.Domain) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains = append(r.domains, d)
	return nil
}

func (r *recorder) OnAlert(_ context.Context, a model.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) ProcessLogLine(_ context.Context, line string, domainID uint64) (*model.LogEntry, error) {
	if r.prefix == "" || !strings.HasPrefix(line, r.prefix) {
		return nil, nil
	}
	return &model.LogEntry{DomainID: domainID, Path: r.name}, nil
}

func (r *recorder) AnalyzeTraffic(_ context.Context, _ uint64, entries []model.LogEntry) (any, error) {
	return fmt.Sprintf("%s:%d", r.name, len(entries)), nil
}

func (r *recorder) Routes() []Route {
	return []Route{
		{Method: "get", Path: "hello", Handler: func(c echo.Context) error {
			r.mu.Lock()
			r.served++
			r.mu.Unlock()
			return c.String(http.StatusOK, "hello from "+r.name)
		}},
		{Method: http.MethodPost, Path: "/boom", Handler: func(echo.Context) error {
			panic("boom")
		}},
		{Path: "/nil"},
	}
}

func (r *recorder) GetConfig() (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, nil
}

func (r *recorder) SetConfig(cfg map[string]any) error {
	if _, ok := cfg["invalid"]; ok {
		return errors.New("invalid key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	return nil
}

func (r *recorder) counts() (loads, unloads, entries, alerts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads, r.unloads, len(r.entries), len(r.alerts)
}

type failing struct {
	panics bool
}

func (f *failing) OnAlert(context.Context, model.Alert) error {
	if f.panics {
		panic("alert hook exploded")
	}
	return errors.New("cannot handle alerts")
}

func (f *failing) ProcessLogLine(context.Context, string, uint64) (*model.LogEntry, error) {
	return nil, errors.New("cannot process")
}

func (f *failing) AnalyzeTraffic(context.Context, uint64, []model.LogEntry) (any, error) {
	return nil, errors.New("cannot analyze")
}

type slow struct {
	release chan struct{}
}

func (s *slow) OnAlert(context.Context, model.Alert) error {
	<-s.release
	return nil
}

type badLoader struct{}

func (badLoader) OnLoad(context.Context, Host) error { return errors.New("no database") }

type bare struct{}

// registry hands out the instances created by factories so tests can inspect them.
type registry struct {
	mu        sync.Mutex
	recorders map[string][]*recorder
}

func (r *registry) recorderFactory(name, prefix string) Factory {
	return func() Plugin {
		rec := &recorder{name: name, prefix: prefix}
		r.mu.Lock()
		if r.recorders == nil {
			r.recorders = make(map[string][]*recorder)
		}
		r.recorders[name] = append(r.recorders[name], rec)
		r.mu.Unlock()
		return rec
	}
}

func (r *registry) latest(name string) *recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.recorders[name]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (r *registry) created(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.recorders[name])
}

func writePlugin(t *testing.T, root, name, main, core, extra string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := fmt.Sprintf("name: %s\nversion: 1.2.0\ndescription: test plugin\nmain: %s\ncoreVersion: %q\n%s", name, main, core, extra)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(content), 0o644))
	return dir
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(Config{Dir: root, HookTimeout: time.Second}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, root
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		version, constraint string
		want                bool
	}{
		{"1.0.0", "*", true},
		{"1.0.0", ">=1.0.0", true},
		{"1.0.0", ">1.0.0", false},
		{"1.4.2", "^1.2", true},
		{"2.0.0", "^1.2", false},
		{"0.3.1", "^0.3.0", true},
		{"0.4.0", "^0.3.0", false},
		{"1.3.9", "~1.3", true},
		{"1.4.0", "~1.3", false},
		{"1.9.0", "~1", true},
		{"1.2.0", ">=1.0.0 <2.0.0", true},
		{"2.1.0", ">=1.0.0, <2.0.0", false},
		{"2.1.0", "<1.0.0 || >=2.0.0", true},
		{"v1.2.3", "=1.2.3", true},
		{"1.2.3", "1.2", false},
	}
	for _, tt := range tests {
		got, err := Satisfies(tt.version, tt.constraint)
		require.NoError(t, err, "%s %s", tt.version, tt.constraint)
		assert.Equal(t, tt.want, got, "%s %s", tt.version, tt.constraint)
	}

	_, err := Satisfies("1.0.0", ">=banana")
	assert.Error(t, err)
	_, err = Satisfies("latest", "*")
	assert.Error(t, err)
	_, err = Satisfies("1.0.0", "")
	assert.Error(t, err)
}

func TestMetadataValidate(t *testing.T) {
	base := Metadata{Name: "geo", Version: "1.0.0", Main: "geo", CoreVersion: ">=1.0.0"}

	m := base
	require.NoError(t, m.Validate("1.0.0"))

	m = base
	m.Version = ""
	err := m.Validate("1.0.0")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Equal(t, "version", ve.Field)

	m = base
	m.CoreVersion = ""
	assert.ErrorIs(t, m.Validate("1.0.0"), ErrMissingField)

	m = base
	m.CoreVersion = ">=2.0.0"
	assert.ErrorIs(t, m.Validate("1.0.0"), ErrVersionIncompatible)

	m = base
	m.Name = "../escape"
	assert.ErrorIs(t, m.Validate("1.0.0"), ErrInvalidField)

	m = base
	m.Version = "one"
	assert.ErrorIs(t, m.Validate("1.0.0"), ErrInvalidField)
}

func TestParseMetadataReadsJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"),
		[]byte(`{"name": "geo", "version": "0.1.0", "main": "geo", "coreVersion": "^1.0", "dependencies": {"base": ">=1.0.0"}}`), 0o644))

	m, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, "geo", m.Name)
	assert.Equal(t, "^1.0", m.CoreVersion)
	assert.Equal(t, ">=1.0.0", m.Dependencies["base"])
	assert.Equal(t, dir, m.Dir)

	_, err = ReadMetadata(t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidPackage)
}

func TestLoadPluginRejectsIncompatibleCoreBeforeOnLoad(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	dir := writePlugin(t, root, "rec", "rec", ">=2.0.0", "")

	_, err := m.LoadPlugin(context.Background(), dir)
	assert.ErrorIs(t, err, ErrVersionIncompatible)
	assert.Equal(t, 0, reg.created("rec"))
	assert.Empty(t, m.ListPlugins())
	assert.Equal(t, uint64(1), m.Errors()["rec"])
}

func TestLoadPluginValidation(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t,
		WithFactory("rec", reg.recorderFactory("rec", "")),
		WithFactory("bad", func() Plugin { return badLoader{} }),
	)
	ctx := context.Background()

	dir := filepath.Join(root, "nocore")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte("name: nocore\nversion: 1.0.0\nmain: rec\n"), 0o644))
	_, err := m.LoadPlugin(ctx, dir)
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = m.LoadPlugin(ctx, writePlugin(t, root, "unknown", "does-not-exist", "*", ""))
	assert.ErrorIs(t, err, ErrInvalidPackage)

	_, err = m.LoadPlugin(ctx, writePlugin(t, root, "bad", "bad", "*", ""))
	var he *HookError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "onLoad", he.Hook)
	assert.False(t, m.IsActive("bad"))

	meta, err := m.LoadPlugin(ctx, writePlugin(t, root, "rec", "rec", ">=1.0.0", ""))
	require.NoError(t, err)
	assert.Equal(t, "rec", meta.Name)

	_, err = m.LoadPlugin(ctx, writePlugin(t, t.TempDir(), "rec", "rec", "*", ""))
	assert.ErrorIs(t, err, ErrDuplicateName)

	plugins := m.ListPlugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, StateActive, plugins[0].State)
	assert.Contains(t, plugins[0].Capabilities, "onLogEntry")
	assert.Contains(t, plugins[0].Capabilities, "config")
	assert.Equal(t, 1, reg.latest("rec").loads)
}

func TestUnloadPlugin(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	ctx := context.Background()

	_, err := m.LoadPlugin(ctx, writePlugin(t, root, "rec", "rec", "*", ""))
	require.NoError(t, err)
	rec := reg.latest("rec")

	require.NoError(t, m.UnloadPlugin(ctx, "rec"))
	_, unloads, _, _ := rec.counts()
	assert.Equal(t, 1, unloads)
	assert.False(t, m.IsActive("rec"))

	m.OnLogEntry(ctx, model.LogEntry{Raw: "after unload"})
	_, _, entries, _ := rec.counts()
	assert.Equal(t, 0, entries)

	assert.ErrorIs(t, m.UnloadPlugin(ctx, "rec"), ErrNotLoaded)
}

func TestFailingPluginDoesNotStopOthers(t *testing.T) {
	reg := &registry{}
	var reported []error
	var mu sync.Mutex
	m, root := newTestManager(t,
		WithFactory("rec", reg.recorderFactory("rec", "")),
		WithFactory("failing", func() Plugin { return &failing{} }),
		WithFactory("panicky", func() Plugin { return &failing{panics: true} }),
		WithErrorHandler(func(err error) {
			mu.Lock()
			reported = append(reported, err)
			mu.Unlock()
		}),
	)
	ctx := context.Background()
	for _, name := range []string{"failing", "panicky", "rec"} {
		_, err := m.LoadPlugin(ctx, writePlugin(t, root, name, name, "*", ""))
		require.NoError(t, err)
	}

	m.OnAlert(ctx, model.Alert{DomainID: 1, Type: "spike", Severity: model.SeverityHigh})

	_, _, _, alerts := reg.latest("rec").counts()
	assert.Equal(t, 1, alerts)

	errs := m.Errors()
	assert.Equal(t, uint64(1), errs["failing"])
	assert.Equal(t, uint64(1), errs["panicky"])
	assert.Zero(t, errs["rec"])

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 2)
	for _, err := range reported {
		var he *HookError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, "onAlert", he.Hook)
	}
}

func TestSlowPluginTimesOut(t *testing.T) {
	reg := &registry{}
	s := &slow{release: make(chan struct{})}
	defer close(s.release)

	root := t.TempDir()
	var timedOut atomic.Bool
	m, err := NewManager(Config{Dir: root, HookTimeout: 50 * time.Millisecond},
		WithFactory("rec", reg.recorderFactory("rec", "")),
		WithFactory("slow", func() Plugin { return s }),
		WithErrorHandler(func(err error) {
			if errors.Is(err, context.DeadlineExceeded) {
				timedOut.Store(true)
			}
		}),
	)
	require.NoError(t, err)
	ctx := context.Background()
	for _, name := range []string{"slow", "rec"} {
		_, err := m.LoadPlugin(ctx, writePlugin(t, root, name, name, "*", ""))
		require.NoError(t, err)
	}

	start := time.Now()
	m.OnAlert(ctx, model.Alert{Type: "x", Severity: model.SeverityLow})
	assert.Less(t, time.Since(start), 2*time.Second)

	_, _, _, alerts := reg.latest("rec").counts()
	assert.Equal(t, 1, alerts)
	assert.True(t, timedOut.Load())
	assert.Equal(t, uint64(1), m.Errors()["slow"])
}

func TestProcessLogLineKeepsLoadOrder(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t,
		WithFactory("first", reg.recorderFactory("first", "x")),
		WithFactory("failing", func() Plugin { return &failing{} }),
		WithFactory("second", reg.recorderFactory("second", "x")),
		WithFactory("bare", func() Plugin { return bare{} }),
	)
	ctx := context.Background()
	for _, name := range []string{"first", "failing", "second", "bare"} {
		_, err := m.LoadPlugin(ctx, writePlugin(t, root, name, name, "*", ""))
		require.NoError(t, err)
	}

	results := m.ProcessLogLine(ctx, "x-custom line", 9)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Plugin)
	assert.Equal(t, "second", results[1].Plugin)
	assert.Equal(t, uint64(9), results[0].Entry.DomainID)

	e := m.ProcessFirst(ctx, "x-custom line", 9)
	require.NotNil(t, e)
	assert.Equal(t, "first", e.Path)

	assert.Empty(t, m.ProcessLogLine(ctx, "nothing matches", 9))
	assert.Nil(t, m.ProcessFirst(ctx, "nothing matches", 9))
}

func TestAnalyzeTrafficIsKeyedByPlugin(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t,
		WithFactory("a", reg.recorderFactory("a", "")),
		WithFactory("b", reg.recorderFactory("b", "")),
		WithFactory("failing", func() Plugin { return &failing{} }),
	)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "failing"} {
		_, err := m.LoadPlugin(ctx, writePlugin(t, root, name, name, "*", ""))
		require.NoError(t, err)
	}

	got := m.AnalyzeTraffic(ctx, 1, make([]model.LogEntry, 3))
	assert.Equal(t, map[string]any{"a": "a:3", "b": "b:3"}, got)
}

func TestReloadPluginSwapsInstance(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	ctx := context.Background()
	dir := writePlugin(t, root, "rec", "rec", "*", "")

	_, err := m.LoadPlugin(ctx, dir)
	require.NoError(t, err)
	old := reg.latest("rec")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"),
		[]byte("name: rec\nversion: 1.3.0\nmain: rec\ncoreVersion: \"*\"\n"), 0o644))
	meta, err := m.ReloadPlugin(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", meta.Version)

	fresh := reg.latest("rec")
	require.NotSame(t, old, fresh)
	_, oldUnloads, _, _ := old.counts()
	assert.Equal(t, 1, oldUnloads)

	m.OnLogEntry(ctx, model.LogEntry{Raw: "x"})
	_, _, oldEntries, _ := old.counts()
	_, _, freshEntries, _ := fresh.counts()
	assert.Equal(t, 0, oldEntries)
	assert.Equal(t, 1, freshEntries)

	// a broken replacement keeps the running instance
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"),
		[]byte("name: rec\nversion: 1.4.0\nmain: rec\ncoreVersion: \">=9.0.0\"\n"), 0o644))
	_, err = m.ReloadPlugin(ctx, "rec")
	assert.ErrorIs(t, err, ErrVersionIncompatible)
	assert.True(t, m.IsActive("rec"))
	assert.Equal(t, "1.3.0", m.ListPlugins()[0].Version)

	_, err = m.ReloadPlugin(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestReloadDuringDispatchLosesNothing(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	ctx := context.Background()
	_, err := m.LoadPlugin(ctx, writePlugin(t, root, "rec", "rec", "*", ""))
	require.NoError(t, err)

	stop := make(chan struct{})
	var sent atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			m.OnLogEntry(ctx, model.LogEntry{Raw: "x"})
			sent.Add(1)
		}
	}()

	for i := 0; i < 20; i++ {
		_, err := m.ReloadPlugin(ctx, "rec")
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	var received int64
	reg.mu.Lock()
	for _, rec := range reg.recorders["rec"] {
		received += int64(len(rec.entries))
	}
	reg.mu.Unlock()

	assert.Equal(t, sent.Load(), received)
	assert.Empty(t, m.Errors())
}

func TestDependencies(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t,
		WithFactory("base", reg.recorderFactory("base", "")),
		WithFactory("addon", reg.recorderFactory("addon", "")),
	)
	ctx := context.Background()

	// "addon" sorts before "base" but needs it
	writePlugin(t, root, "addon", "addon", "*", "dependencies:\n  base: \"^1.0.0\"\n")
	writePlugin(t, root, "base", "base", "*", "")

	loaded, err := m.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.True(t, m.IsActive("addon"))

	assert.ErrorIs(t, m.UnloadPlugin(ctx, "base"), ErrDependency)
	require.NoError(t, m.UnloadPlugin(ctx, "addon"))
	require.NoError(t, m.UnloadPlugin(ctx, "base"))

	_, err = m.LoadPlugin(ctx, filepath.Join(root, "addon"))
	assert.ErrorIs(t, err, ErrDependency)
}

func TestDiscoverPlugins(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))

	writePlugin(t, root, "rec", "rec", "*", "")
	writePlugin(t, root, "future", "rec", ">=3.0.0", "")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".data", "rec"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	_, err := m.LoadPlugin(context.Background(), filepath.Join(root, "rec"))
	require.NoError(t, err)

	found, err := m.DiscoverPlugins()
	require.NoError(t, err)
	require.Len(t, found, 3)

	byPath := map[string]Discovered{}
	for _, d := range found {
		byPath[filepath.Base(d.Path)] = d
	}
	assert.Equal(t, StateActive, byPath["rec"].State)
	assert.ErrorIs(t, byPath["future"].Err, ErrVersionIncompatible)
	assert.ErrorIs(t, byPath["empty"].Err, ErrInvalidPackage)
	assert.Equal(t, 1, reg.created("rec"))

	missing, err := NewManager(Config{Dir: filepath.Join(root, "nope")})
	require.NoError(t, err)
	found, err = missing.DiscoverPlugins()
	require.NoError(t, err)
	assert.Empty(t, found)
}

type alertSink struct {
	mu     sync.Mutex
	stored []model.Alert
}

func (s *alertSink) InsertAlert(_ context.Context, a *model.Alert) error {
	if !a.Severity.Valid() {
		return fmt.Errorf("invalid severity %q", a.Severity)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = uint64(len(s.stored) + 1)
	s.stored = append(s.stored, *a)
	return nil
}

func TestHostRaiseAlert(t *testing.T) {
	reg := &registry{}
	sink := &alertSink{}
	m, root := newTestManager(t,
		WithAlertStore(sink),
		WithFactory("raiser", reg.recorderFactory("raiser", "")),
		WithFactory("listener", reg.recorderFactory("listener", "")),
	)
	ctx := context.Background()
	for _, name := range []string{"raiser", "listener"} {
		_, err := m.LoadPlugin(ctx, writePlugin(t, root, name, name, "*", ""))
		require.NoError(t, err)
	}

	h := reg.latest("raiser").host
	require.NotNil(t, h)
	a, err := h.RaiseAlert(ctx, 4, "bot_traffic", "too many crawlers", model.SeverityMedium)
	require.NoError(t, err)
	assert.Equal(t, "raiser", a.Source)
	assert.Equal(t, uint64(1), a.ID)

	_, _, _, raiserAlerts := reg.latest("raiser").counts()
	_, _, _, listenerAlerts := reg.latest("listener").counts()
	assert.Equal(t, 0, raiserAlerts)
	assert.Equal(t, 1, listenerAlerts)

	_, err = h.RaiseAlert(ctx, 4, "bot_traffic", "x", model.Severity("urgent"))
	assert.Error(t, err)
	require.Len(t, sink.stored, 1)

	dir, err := h.DataDir()
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(root, ".data", "raiser"), dir)
	assert.NotNil(t, h.Logger())
}

func TestRaiseAlertWithoutStore(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	_, err := m.LoadPlugin(context.Background(), writePlugin(t, root, "rec", "rec", "*", ""))
	require.NoError(t, err)

	_, err = reg.latest("rec").host.RaiseAlert(context.Background(), 1, "x", "y", model.SeverityLow)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestPluginConfig(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t,
		WithFactory("rec", reg.recorderFactory("rec", "")),
		WithFactory("bare", func() Plugin { return bare{} }),
	)
	ctx := context.Background()
	for _, name := range []string{"rec", "bare"} {
		_, err := m.LoadPlugin(ctx, writePlugin(t, root, name, name, "*", ""))
		require.NoError(t, err)
	}

	require.NoError(t, m.SetPluginConfig(ctx, "rec", map[string]any{"threshold": 3}))
	cfg, err := m.GetPluginConfig(ctx, "rec")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg["threshold"])

	var he *HookError
	require.ErrorAs(t, m.SetPluginConfig(ctx, "rec", map[string]any{"invalid": true}), &he)

	_, err = m.GetPluginConfig(ctx, "bare")
	assert.ErrorIs(t, err, ErrUnsupported)
	assert.ErrorIs(t, m.SetPluginConfig(ctx, "bare", nil), ErrUnsupported)
	_, err = m.GetPluginConfig(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestRoutes(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	ctx := context.Background()
	_, err := m.LoadPlugin(ctx, writePlugin(t, root, "rec", "rec", "*", ""))
	require.NoError(t, err)

	routes := m.GetAllRoutes()
	require.Len(t, routes, 2)
	assert.Equal(t, "rec", routes[0].Plugin)
	assert.Equal(t, http.MethodGet, routes[0].Method)
	assert.Equal(t, "/hello", routes[0].Path)

	e := echo.New()
	assert.Equal(t, 2, m.MountRoutes(e.Group("/plugins")))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/rec/hello", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello from rec", rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/plugins/rec/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, uint64(1), m.Errors()["rec"])

	require.NoError(t, m.UnloadPlugin(ctx, "rec"))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/rec/hello", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, m.GetAllRoutes())
}

func TestRoutesFollowReload(t *testing.T) {
	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	ctx := context.Background()
	_, err := m.LoadPlugin(ctx, writePlugin(t, root, "rec", "rec", "*", ""))
	require.NoError(t, err)
	old := reg.latest("rec")

	e := echo.New()
	m.MountRoutes(e.Group("/plugins"))

	_, err = m.ReloadPlugin(ctx, "rec")
	require.NoError(t, err)
	fresh := reg.latest("rec")
	require.NotSame(t, old, fresh)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plugins/rec/hello", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	old.mu.Lock()
	oldServed := old.served
	old.mu.Unlock()
	fresh.mu.Lock()
	freshServed := fresh.served
	fresh.mu.Unlock()
	assert.Equal(t, 0, oldServed)
	assert.Equal(t, 1, freshServed)
}

func TestNewManagerRequiresDir(t *testing.T) {
	_, err := NewManager(Config{})
	assert.Error(t, err)

	_, err = NewManager(Config{Dir: t.TempDir()}, WithCoreVersion("banana"))
	assert.Error(t, err)

	assert.Error(t, Config{Enabled: true}.Validate())
	assert.NoError(t, DefaultConfig().Validate())
}
