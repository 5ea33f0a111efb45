package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wwwzy/vhostlog/internal/model"
)

// AlertStore persists alerts raised by plugins.
type AlertStore interface {
	InsertAlert(ctx context.Context, a *model.Alert) error
}

// Host is what a plugin may call back into. Each plugin gets its own Host.
type Host interface {
	// RaiseAlert stores an alert attributed to the plugin and hands it to the
	// other plugins' OnAlert.
	RaiseAlert(ctx context.Context, domainID uint64, alertType, message string, severity model.Severity) (*model.Alert, error)
	Logger() logrus.FieldLogger
	// DataDir is a per-plugin directory that survives reinstalls.
	DataDir() (string, error)
}

type host struct {
	m    *Manager
	name string
}

func (h *host) RaiseAlert(ctx context.Context, domainID uint64, alertType, message string, severity model.Severity) (*model.Alert, error) {
	if h.m.alerts == nil {
		return nil, fmt.Errorf("raise alert: %w", ErrUnsupported)
	}
	if strings.TrimSpace(alertType) == "" {
		return nil, fmt.Errorf("raise alert: type is required")
	}
	a := &model.Alert{
		DomainID:  domainID,
		Type:      alertType,
		Message:   message,
		Severity:  severity,
		Source:    h.name,
		Timestamp: time.Now().UTC(),
	}
	if err := h.m.alerts.InsertAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("raise alert: %w", err)
	}
	h.m.dispatchAlert(ctx, *a, h.name)
	return a, nil
}

func (h *host) Logger() logrus.FieldLogger {
	return h.m.log.WithField("plugin", h.name)
}

func (h *host) DataDir() (string, error) {
	dir := filepath.Join(h.m.cfg.Dir, ".data", h.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}
