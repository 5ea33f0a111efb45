package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type instance struct {
	meta     Metadata
	plugin   Plugin
	loadedAt time.Time
}

// Info describes an active plugin.
type Info struct {
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Description  string    `json:"description,omitempty"`
	Author       string    `json:"author,omitempty"`
	State        State     `json:"state"`
	Dir          string    `json:"dir"`
	LoadedAt     time.Time `json:"loadedAt"`
	Capabilities []string  `json:"capabilities"`
	Errors       uint64    `json:"errors"`
}

// Discovered is a plugin package found on disk. Err is set when its metadata
// is unusable.
type Discovered struct {
	Path     string
	Metadata *Metadata
	State    State
	Err      error
}

// Manager owns the set of active plugins rooted at one directory.
//
// Lifecycle changes are serialized by lifecycleMu. Dispatch only takes a read
// snapshot of the capability lists, so plugin hooks never run under a lock.
type Manager struct {
	cfg         Config
	coreVersion string
	factories   map[string]Factory
	alerts      AlertStore
	client      *http.Client
	log         logrus.FieldLogger
	onError     func(error)

	lifecycleMu sync.Mutex

	mu     sync.RWMutex
	active []*instance
	caps   capabilities

	errMu    sync.Mutex
	failures map[string]uint64
}

type Option func(*Manager)

// WithFactory registers a built-in plugin under the metadata main key.
func WithFactory(main string, f Factory) Option {
	return func(m *Manager) {
		m.factories[main] = f
	}
}

func WithFactories(fs map[string]Factory) Option {
	return func(m *Manager) {
		for k, f := range fs {
			m.factories[k] = f
		}
	}
}

func WithAlertStore(s AlertStore) Option {
	return func(m *Manager) {
		m.alerts = s
	}
}

func WithCoreVersion(v string) Option {
	return func(m *Manager) {
		if v != "" {
			m.coreVersion = v
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithErrorHandler receives every isolated plugin failure.
func WithErrorHandler(h func(error)) Option {
	return func(m *Manager) {
		m.onError = h
	}
}

func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("plugins dir is required")
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	m := &Manager{
		cfg:         cfg.withDefaults(),
		coreVersion: DefaultCoreVersion,
		factories:   make(map[string]Factory),
		client:      http.DefaultClient,
		log:         discard,
		onError:     func(error) {},
		failures:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !ValidVersion(m.coreVersion) {
		return nil, fmt.Errorf("invalid core version %q", m.coreVersion)
	}
	return m, nil
}

func (m *Manager) Dir() string {
	return m.cfg.Dir
}

func (m *Manager) CoreVersion() string {
	return m.coreVersion
}

// DiscoverPlugins lists the plugin packages under the plugins directory
// without loading any code.
func (m *Manager) DiscoverPlugins() ([]Discovered, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var out []Discovered
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(m.cfg.Dir, e.Name())
		d := Discovered{Path: path, State: StateDiscovered}
		d.Metadata, d.Err = ReadMetadata(path)
		if d.Err == nil {
			d.Err = d.Metadata.Validate(m.coreVersion)
		}
		if d.Err == nil {
			if inst := m.find(d.Metadata.Name); inst != nil && sameDir(inst.meta.Dir, path) {
				d.State = StateActive
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadAll loads every valid, not yet active plugin under the plugins
// directory. Plugins whose dependencies load later in the same call are
// retried.
func (m *Manager) LoadAll(ctx context.Context) ([]*Metadata, error) {
	found, err := m.DiscoverPlugins()
	if err != nil {
		return nil, err
	}

	var (
		loaded  []*Metadata
		errs    []error
		pending []Discovered
	)
	for _, d := range found {
		switch {
		case d.Err != nil:
			m.report(d.Err)
			errs = append(errs, d.Err)
		case d.State == StateDiscovered:
			pending = append(pending, d)
		}
	}

	for len(pending) > 0 {
		var retry []Discovered
		var retryErrs []error
		for _, d := range pending {
			meta, err := m.LoadPlugin(ctx, d.Path)
			switch {
			case err == nil:
				loaded = append(loaded, meta)
			case errors.Is(err, ErrDependency):
				retry = append(retry, d)
				retryErrs = append(retryErrs, err)
			default:
				errs = append(errs, err)
			}
		}
		if len(retry) == len(pending) {
			errs = append(errs, retryErrs...)
			break
		}
		pending = retry
	}
	return loaded, errors.Join(errs...)
}

// LoadPlugin validates and activates the plugin package in dir. Nothing is
// left behind when any step fails.
func (m *Manager) LoadPlugin(ctx context.Context, dir string) (*Metadata, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	meta, err := m.prepare(dir, "")
	if err != nil {
		return nil, err
	}
	inst, err := m.instantiate(ctx, meta)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = append(m.active, inst)
	m.rebuildLocked()
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{"plugin": meta.Name, "version": meta.Version}).Info("plugin loaded")
	out := inst.meta
	return &out, nil
}

// UnloadPlugin deactivates name and then calls its OnUnload. A failing
// OnUnload is reported but does not keep the plugin active.
func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	idx := m.indexLocked(name)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("unload %q: %w", name, ErrNotLoaded)
	}
	for _, other := range m.active {
		if _, ok := other.meta.Dependencies[name]; ok {
			m.mu.Unlock()
			return invalid(name, ErrDependency, "", fmt.Sprintf("required by %q", other.meta.Name))
		}
	}
	inst := m.active[idx]
	m.active = append(m.active[:idx:idx], m.active[idx+1:]...)
	m.rebuildLocked()
	m.mu.Unlock()

	m.finalize(ctx, inst)
	m.log.WithField("plugin", name).Info("plugin unloaded")
	return nil
}

// ReloadPlugin re-reads name from its directory. The replacement is loaded
// first and swapped in with a single update, so dispatch always sees exactly
// one instance of the plugin. If the replacement fails, the running instance
// stays active.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) (*Metadata, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	old := m.find(name)
	if old == nil {
		return nil, fmt.Errorf("reload %q: %w", name, ErrNotLoaded)
	}
	meta, err := m.prepare(old.meta.Dir, name)
	if err != nil {
		return nil, err
	}
	if meta.Name != name {
		return nil, invalid(name, ErrInvalidField, "name", fmt.Sprintf("changed to %q", meta.Name))
	}
	inst, err := m.instantiate(ctx, meta)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if idx := m.indexLocked(name); idx >= 0 {
		m.active[idx] = inst
	} else {
		m.active = append(m.active, inst)
	}
	m.rebuildLocked()
	m.mu.Unlock()

	m.finalize(ctx, old)
	m.log.WithFields(logrus.Fields{"plugin": name, "version": meta.Version}).Info("plugin reloaded")
	out := inst.meta
	return &out, nil
}

// Close unloads every plugin in reverse load order.
func (m *Manager) Close(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	active := m.active
	m.active = nil
	m.rebuildLocked()
	m.mu.Unlock()

	for i := len(active) - 1; i >= 0; i-- {
		m.finalize(ctx, active[i])
	}
}

func (m *Manager) ListPlugins() []Info {
	m.mu.RLock()
	active := append([]*instance(nil), m.active...)
	m.mu.RUnlock()

	out := make([]Info, 0, len(active))
	for _, inst := range active {
		out = append(out, Info{
			Name:         inst.meta.Name,
			Version:      inst.meta.Version,
			Description:  inst.meta.Description,
			Author:       inst.meta.Author,
			State:        StateActive,
			Dir:          inst.meta.Dir,
			LoadedAt:     inst.loadedAt,
			Capabilities: capabilityNames(inst.plugin),
			Errors:       m.errorCount(inst.meta.Name),
		})
	}
	return out
}

func (m *Manager) GetPlugin(name string) (Plugin, bool) {
	inst := m.find(name)
	if inst == nil {
		return nil, false
	}
	return inst.plugin, true
}

func (m *Manager) IsActive(name string) bool {
	return m.find(name) != nil
}

// Errors returns the number of isolated failures per plugin name.
func (m *Manager) Errors() map[string]uint64 {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	out := make(map[string]uint64, len(m.failures))
	for k, v := range m.failures {
		out[k] = v
	}
	return out
}

func (m *Manager) GetPluginConfig(ctx context.Context, name string) (map[string]any, error) {
	inst := m.find(name)
	if inst == nil {
		return nil, fmt.Errorf("get config of %q: %w", name, ErrNotLoaded)
	}
	c, ok := inst.plugin.(Configurable)
	if !ok {
		return nil, fmt.Errorf("get config of %q: %w", name, ErrUnsupported)
	}
	return callValue(ctx, m, name, "getConfig", func(context.Context) (map[string]any, error) {
		return c.GetConfig()
	})
}

func (m *Manager) SetPluginConfig(ctx context.Context, name string, cfg map[string]any) error {
	inst := m.find(name)
	if inst == nil {
		return fmt.Errorf("set config of %q: %w", name, ErrNotLoaded)
	}
	c, ok := inst.plugin.(Configurable)
	if !ok {
		return fmt.Errorf("set config of %q: %w", name, ErrUnsupported)
	}
	return m.call(ctx, name, "setConfig", func(context.Context) error {
		return c.SetConfig(cfg)
	})
}

// prepare reads and validates the package in dir. replacing names a plugin
// that is allowed to be active already.
func (m *Manager) prepare(dir, replacing string) (*Metadata, error) {
	meta, err := ReadMetadata(dir)
	if err != nil {
		m.report(err)
		return nil, err
	}
	if err := meta.Validate(m.coreVersion); err != nil {
		m.report(err)
		return nil, err
	}
	if meta.Name != replacing && m.find(meta.Name) != nil {
		return nil, invalid(meta.Name, ErrDuplicateName, "", "already loaded")
	}
	if err := m.checkDependencies(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Manager) checkDependencies(meta *Metadata) error {
	names := make([]string, 0, len(meta.Dependencies))
	for dep := range meta.Dependencies {
		names = append(names, dep)
	}
	sort.Strings(names)
	for _, dep := range names {
		inst := m.find(dep)
		if inst == nil {
			return invalid(meta.Name, ErrDependency, dep, "not loaded")
		}
		ok, err := Satisfies(inst.meta.Version, meta.Dependencies[dep])
		if err != nil {
			return invalid(meta.Name, ErrInvalidField, "dependencies."+dep, err.Error())
		}
		if !ok {
			return invalid(meta.Name, ErrDependency, dep, fmt.Sprintf("version %s does not satisfy %s", inst.meta.Version, meta.Dependencies[dep]))
		}
	}
	return nil
}

// instantiate creates the plugin and runs OnLoad; the result is not yet
// visible to dispatch.
func (m *Manager) instantiate(ctx context.Context, meta *Metadata) (*instance, error) {
	p, err := m.newPlugin(meta)
	if err != nil {
		m.report(err)
		return nil, err
	}
	if l, ok := p.(Loader); ok {
		h := &host{m: m, name: meta.Name}
		if err := m.call(ctx, meta.Name, "onLoad", func(ctx context.Context) error {
			return l.OnLoad(ctx, h)
		}); err != nil {
			return nil, err
		}
	}
	return &instance{meta: *meta, plugin: p, loadedAt: time.Now().UTC()}, nil
}

func (m *Manager) newPlugin(meta *Metadata) (Plugin, error) {
	if strings.HasSuffix(meta.Main, ".so") {
		if !filepath.IsLocal(meta.Main) {
			return nil, invalid(meta.Name, ErrInvalidField, "main", "must be a path inside the plugin directory")
		}
		p, err := openShared(filepath.Join(meta.Dir, meta.Main))
		if err != nil {
			return nil, invalid(meta.Name, ErrInvalidPackage, "main", err.Error())
		}
		return p, nil
	}
	f, ok := m.factories[meta.Main]
	if !ok {
		return nil, invalid(meta.Name, ErrInvalidPackage, "main", fmt.Sprintf("no built-in plugin %q", meta.Main))
	}
	p, err := callValue(context.Background(), m, meta.Name, "new", func(context.Context) (Plugin, error) {
		return f(), nil
	})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, invalid(meta.Name, ErrInvalidPackage, "main", "factory returned nil")
	}
	return p, nil
}

// finalize runs OnUnload of an instance already removed from dispatch.
func (m *Manager) finalize(ctx context.Context, inst *instance) {
	if u, ok := inst.plugin.(Unloader); ok {
		_ = m.call(ctx, inst.meta.Name, "onUnload", u.OnUnload)
	}
}

func (m *Manager) find(name string) *instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i := m.indexLocked(name); i >= 0 {
		return m.active[i]
	}
	return nil
}

func (m *Manager) indexLocked(name string) int {
	for i, inst := range m.active {
		if inst.meta.Name == name {
			return i
		}
	}
	return -1
}

// rebuildLocked recomputes the dispatch lists. The old lists are never
// modified, so snapshots taken earlier stay valid.
func (m *Manager) rebuildLocked() {
	var c capabilities
	for _, inst := range m.active {
		c.add(inst.meta.Name, inst.plugin)
	}
	m.caps = c
}

func (m *Manager) snapshot() capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caps
}

func (m *Manager) report(err error) {
	if err == nil {
		return
	}
	name := ""
	var he *HookError
	var ve *ValidationError
	switch {
	case errors.As(err, &he):
		name = he.Plugin
	case errors.As(err, &ve):
		name = ve.Plugin
	}
	if name != "" {
		m.errMu.Lock()
		m.failures[name]++
		m.errMu.Unlock()
	}
	m.onError(err)
}

func (m *Manager) errorCount(name string) uint64 {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.failures[name]
}

func sameDir(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	return aa == bb
}
