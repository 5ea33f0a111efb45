package plugin

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/wwwzy/vhostlog/internal/model"
)

// Plugin is a runtime plugin instance. It implements any subset of the
// capability interfaces in this file; the manager dispatches to each plugin
// only the hooks it implements.
type Plugin = any

// Factory creates a fresh plugin instance.
type Factory func() Plugin

type Loader interface {
	OnLoad(ctx context.Context, host Host) error
}

type Unloader interface {
	OnUnload(ctx context.Context) error
}

type LogEntryObserver interface {
	OnLogEntry(ctx context.Context, entry model.LogEntry) error
}

type DomainObserver interface {
	OnDomainAdded(ctx context.Context, domain model.Domain) error
}

type AlertObserver interface {
	OnAlert(ctx context.Context, alert model.Alert) error
}

// LineProcessor turns a line into an entry, or returns nil when the line is
// not its concern.
type LineProcessor interface {
	ProcessLogLine(ctx context.Context, line string, domainID uint64) (*model.LogEntry, error)
}

// TrafficAnalyzer computes a plugin specific result over a set of entries.
type TrafficAnalyzer interface {
	AnalyzeTraffic(ctx context.Context, domainID uint64, entries []model.LogEntry) (any, error)
}

type RouteProvider interface {
	Routes() []Route
}

type Configurable interface {
	GetConfig() (map[string]any, error)
	SetConfig(cfg map[string]any) error
}

// Route is an HTTP endpoint a plugin offers. Path is relative to the
// plugin's own prefix.
type Route struct {
	Method  string
	Path    string
	Handler echo.HandlerFunc
}

// RouteDescriptor is a Route tagged with its owner.
type RouteDescriptor struct {
	Plugin string
	Route
}

// LineResult is one plugin's answer to ProcessLogLine.
type LineResult struct {
	Plugin string
	Entry  *model.LogEntry
}

type State string

const (
	StateDiscovered State = "discovered"
	StateLoaded     State = "loaded"
	StateActive     State = "active"
	StateUnloaded   State = "unloaded"
)

// hook pairs a capability with the name of the plugin providing it.
type hook[T any] struct {
	plugin string
	impl   T
}

// capabilities are the typed dispatch lists, in load order.
type capabilities struct {
	entries    []hook[LogEntryObserver]
	domains    []hook[DomainObserver]
	alerts     []hook[AlertObserver]
	processors []hook[LineProcessor]
	analyzers  []hook[TrafficAnalyzer]
	routes     []hook[RouteProvider]
}

func (c *capabilities) add(name string, p Plugin) {
	if v, ok := p.(LogEntryObserver); ok {
		c.entries = append(c.entries, hook[LogEntryObserver]{name, v})
	}
	if v, ok := p.(DomainObserver); ok {
		c.domains = append(c.domains, hook[DomainObserver]{name, v})
	}
	if v, ok := p.(AlertObserver); ok {
		c.alerts = append(c.alerts, hook[AlertObserver]{name, v})
	}
	if v, ok := p.(LineProcessor); ok {
		c.processors = append(c.processors, hook[LineProcessor]{name, v})
	}
	if v, ok := p.(TrafficAnalyzer); ok {
		c.analyzers = append(c.analyzers, hook[TrafficAnalyzer]{name, v})
	}
	if v, ok := p.(RouteProvider); ok {
		c.routes = append(c.routes, hook[RouteProvider]{name, v})
	}
}

// capabilityNames lists the hooks p implements, for display.
func capabilityNames(p Plugin) []string {
	var out []string
	if _, ok := p.(Loader); ok {
		out = append(out, "onLoad")
	}
	if _, ok := p.(Unloader); ok {
		out = append(out, "onUnload")
	}
	if _, ok := p.(LogEntryObserver); ok {
		out = append(out, "onLogEntry")
	}
	if _, ok := p.(DomainObserver); ok {
		out = append(out, "onDomainAdded")
	}
	if _, ok := p.(AlertObserver); ok {
		out = append(out, "onAlert")
	}
	if _, ok := p.(LineProcessor); ok {
		out = append(out, "processLogLine")
	}
	if _, ok := p.(TrafficAnalyzer); ok {
		out = append(out, "analyzeTraffic")
	}
	if _, ok := p.(RouteProvider); ok {
		out = append(out, "routes")
	}
	if _, ok := p.(Configurable); ok {
		out = append(out, "config")
	}
	return out
}
