package discovery

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/sirupsen/logrus"

	"github.com/wwwzy/vhostlog/internal/docker"
	"github.com/wwwzy/vhostlog/internal/monitor"
	"github.com/wwwzy/vhostlog/internal/parser"
)

const (
	DomainFromFile = "file"
	DomainFromDir  = "dir"
)

type DockerConfig struct {
	// Enabled 为 true 时把运行中容器的 json-file 日志加入监控，域名取容器名。
	Enabled bool `mapstructure:"enabled"`
}

type Config struct {
	// Paths 为待监控文件的 glob 列表，支持 ** 递归匹配，例如 /var/log/nginx/**/*.log。
	Paths []string `mapstructure:"paths"`
	// DomainFrom 决定域名来源：file 取文件名（example.com.access.log → example.com），dir 取父目录名。
	DomainFrom string       `mapstructure:"domain_from"`
	Docker     DockerConfig `mapstructure:"docker"`
}

func DefaultConfig() Config {
	return Config{DomainFrom: DomainFromFile}
}

func (c Config) Validate() error {
	switch c.DomainFrom {
	case "", DomainFromFile, DomainFromDir:
	default:
		return fmt.Errorf("discovery.domain_from: want %q or %q, got %q", DomainFromFile, DomainFromDir, c.DomainFrom)
	}
	for _, p := range c.Paths {
		if !doublestar.ValidatePathPattern(p) {
			return fmt.Errorf("discovery.paths: bad pattern %q", p)
		}
	}
	return nil
}

// Discover runs glob discovery and, when enabled, Docker discovery. An
// unreachable Docker daemon is logged and does not hide the glob results.
func Discover(ctx context.Context, cfg Config, log logrus.FieldLogger) ([]monitor.Target, error) {
	targets, err := Glob(cfg.Paths, cfg.DomainFrom)
	if err != nil {
		return nil, err
	}
	if cfg.Docker.Enabled {
		dt, err := Docker(ctx)
		if err != nil {
			log.WithError(err).Warn("docker discovery failed")
		}
		targets = append(targets, dt...)
	}
	log.WithField("targets", len(targets)).Debug("discovery finished")
	return targets, nil
}

// Glob expands doublestar patterns to regular files. A path matched by more
// than one pattern is returned once; results are sorted by path.
func Glob(patterns []string, domainFrom string) ([]monitor.Target, error) {
	seen := make(map[string]struct{})
	var out []monitor.Target
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, path := range matches {
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			if _, ok := seen[path]; ok {
				continue
			}
			seen[path] = struct{}{}
			domain := DomainForPath(path, domainFrom)
			if domain == "" {
				continue
			}
			out = append(out, monitor.Target{Path: path, Domain: domain, FormatHint: FormatHint(path)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

var roleSuffixes = []string{".access", ".error", "-access", "-error", "_access", "_error", ".ssl", "-ssl"}

// DomainForPath derives the domain a log file belongs to. With domainFrom
// "dir" it is the parent directory's name. Otherwise the file name is used
// with its log extensions and role suffixes removed; names that carry no
// domain (access.log, error.log) fall back to the parent directory.
func DomainForPath(path, domainFrom string) string {
	dir := filepath.Base(filepath.Dir(path))
	if domainFrom == DomainFromDir {
		return cleanDir(dir)
	}

	name := filepath.Base(path)
	for _, ext := range []string{".gz", ".json", ".log", ".txt"} {
		name = strings.TrimSuffix(name, ext)
	}
	for _, s := range roleSuffixes {
		name = strings.TrimSuffix(name, s)
	}
	switch strings.ToLower(name) {
	case "", "access", "error", "ssl_access", "ssl_error", "other_vhosts_access":
		return cleanDir(dir)
	}
	return name
}

func cleanDir(dir string) string {
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}

// FormatHint guesses the parser format from the file name. An empty hint
// leaves detection to the parser.
func FormatHint(path string) string {
	name := strings.ToLower(filepath.Base(path))
	switch {
	case strings.Contains(name, ".json"):
		return parser.FormatJSON
	case strings.Contains(name, "access"):
		return parser.FormatAccess
	}
	return ""
}

// Docker lists running containers whose logs are readable json-file logs.
func Docker(ctx context.Context) ([]monitor.Target, error) {
	containers, err := docker.ListContainers(ctx, docker.ListContainersOptions{Status: "running"})
	if err != nil {
		return nil, fmt.Errorf("docker discovery: %w", err)
	}
	targets := ContainerTargets(containers)
	if len(targets) == 0 && len(containers) > 0 {
		return nil, errors.New("docker discovery: no container uses the json-file log driver")
	}
	return targets, nil
}

// ContainerTargets keeps containers with a host log file. The domain is the
// container name.
func ContainerTargets(containers []docker.ContainerSummary) []monitor.Target {
	var out []monitor.Target
	for _, c := range containers {
		if c.LogPath == "" || c.Name == "" {
			continue
		}
		out = append(out, monitor.Target{Path: c.LogPath, Domain: c.Name, FormatHint: parser.FormatJSON})
	}
	return out
}
