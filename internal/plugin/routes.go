package plugin

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sourcegraph/conc/panics"
)

// GetAllRoutes collects the routes of every active RouteProvider in load
// order. Routes without a handler are dropped; paths are cleaned and methods
// upper-cased (GET when empty).
func (m *Manager) GetAllRoutes() []RouteDescriptor {
	var out []RouteDescriptor
	for _, h := range m.snapshot().routes {
		out = append(out, m.routesOf(h)...)
	}
	return out
}

func (m *Manager) routesOf(h hook[RouteProvider]) []RouteDescriptor {
	routes, err := callValue(context.Background(), m, h.plugin, "routes", func(context.Context) ([]Route, error) {
		return h.impl.Routes(), nil
	})
	if err != nil {
		return nil
	}
	out := make([]RouteDescriptor, 0, len(routes))
	for _, r := range routes {
		if r.Handler == nil {
			continue
		}
		r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
		if r.Method == "" {
			r.Method = http.MethodGet
		}
		r.Path = path.Clean("/" + r.Path)
		out = append(out, RouteDescriptor{Plugin: h.plugin, Route: r})
	}
	return out
}

// currentRoute finds the handler the active instance of plugin serves for
// method and path.
func (m *Manager) currentRoute(plugin, method, p string) (RouteDescriptor, bool) {
	for _, h := range m.snapshot().routes {
		if h.plugin != plugin {
			continue
		}
		for _, rd := range m.routesOf(h) {
			if rd.Method == method && rd.Path == p {
				return rd, true
			}
		}
	}
	return RouteDescriptor{}, false
}

// MountRoutes registers every plugin route on g under /<plugin><path>. Each
// request is served by the plugin's current instance, so reloads take effect
// without remounting; a route that instance no longer has, or whose plugin
// was unloaded, answers 404. A panicking handler answers 500 without taking
// the server down. It returns the number of routes mounted.
func (m *Manager) MountRoutes(g *echo.Group) int {
	routes := m.GetAllRoutes()
	for _, rd := range routes {
		g.Add(rd.Method, "/"+rd.Plugin+strings.TrimSuffix(rd.Path, "/"), m.guard(rd.Plugin, rd.Method, rd.Path))
	}
	return len(routes)
}

func (m *Manager) guard(plugin, method, p string) echo.HandlerFunc {
	return func(c echo.Context) error {
		rd, ok := m.currentRoute(plugin, method, p)
		if !ok {
			return echo.ErrNotFound
		}
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = rd.Handler(c) })
		if r := pc.Recovered(); r != nil {
			m.report(&HookError{Plugin: plugin, Hook: "route " + method + " " + p, Err: fmt.Errorf("panic: %v", r.Value)})
			return echo.NewHTTPError(http.StatusInternalServerError, "plugin handler failed")
		}
		return err
	}
}
