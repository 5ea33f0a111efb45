package plugin

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	ErrMissingField        = errors.New("missing required field")
	ErrInvalidField        = errors.New("invalid field")
	ErrVersionIncompatible = errors.New("core version incompatible")
	ErrDuplicateName       = errors.New("duplicate plugin name")
	ErrDependency          = errors.New("unsatisfied dependency")
	ErrNotLoaded           = errors.New("plugin not loaded")
	ErrUnsupported         = errors.New("unsupported")
	ErrInvalidPackage      = errors.New("invalid plugin package")
)

// ValidationError rejects a plugin at load or install time. Err is one of the
// sentinels above.
type ValidationError struct {
	Plugin string
	Field  string
	Detail string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Err.Error()
	if e.Field != "" {
		msg = fmt.Sprintf("%s %q", msg, e.Field)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Plugin == "" {
		return "plugin: " + msg
	}
	return fmt.Sprintf("plugin %q: %s", e.Plugin, msg)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Fields() logrus.Fields {
	return logrus.Fields{"plugin": e.Plugin}
}

// HookError attributes a failed, panicking or timed out hook to its plugin.
type HookError struct {
	Plugin string
	Hook   string
	Err    error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("plugin %q: %s: %v", e.Plugin, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

func (e *HookError) Fields() logrus.Fields {
	return logrus.Fields{"plugin": e.Plugin, "hook": e.Hook}
}

func invalid(name string, err error, field, detail string) error {
	return &ValidationError{Plugin: name, Field: field, Detail: detail, Err: err}
}
