package plugin

import (
	"fmt"
	goplugin "plugin"
)

// openShared loads a Go plugin built with -buildmode=plugin. It must export
//
//	func New() any
func openShared(path string) (Plugin, error) {
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sym, err := so.Lookup("New")
	if err != nil {
		return nil, fmt.Errorf("lookup New in %s: %w", path, err)
	}
	switch f := sym.(type) {
	case func() any:
		return f(), nil
	case *Factory:
		return (*f)(), nil
	default:
		return nil, fmt.Errorf("symbol New in %s has type %T, want func() any", path, sym)
	}
}
