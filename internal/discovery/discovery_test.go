package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/vhostlog/internal/docker"
	"github.com/wwwzy/vhostlog/internal/logging"
	"github.com/wwwzy/vhostlog/internal/monitor"
	"github.com/wwwzy/vhostlog/internal/parser"
)

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return path
}

func TestDomainForPath(t *testing.T) {
	tests := []struct {
		path, from, want string
	}{
		{"/var/log/nginx/example.com.access.log", DomainFromFile, "example.com"},
		{"/var/log/nginx/shop.example.org-error.log", DomainFromFile, "shop.example.org"},
		{"/var/log/nginx/api.example.com.log.gz", DomainFromFile, "api.example.com"},
		{"/srv/sites/blog.example.net/access.log", DomainFromFile, "blog.example.net"},
		{"/srv/sites/blog.example.net/app.json", DomainFromDir, "blog.example.net"},
		{"access.log", DomainFromFile, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DomainForPath(tt.path, tt.from), tt.path)
	}
}

func TestFormatHint(t *testing.T) {
	assert.Equal(t, parser.FormatAccess, FormatHint("/var/log/example.com.access.log"))
	assert.Equal(t, parser.FormatJSON, FormatHint("/var/log/app.json.log"))
	assert.Equal(t, "", FormatHint("/var/log/example.com.log"))
}

func TestGlob(t *testing.T) {
	root := t.TempDir()
	a := touch(t, filepath.Join(root, "nginx", "example.com.access.log"))
	b := touch(t, filepath.Join(root, "nginx", "sites", "shop.example.org.access.log"))
	touch(t, filepath.Join(root, "nginx", "example.com.access.log.1"))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nginx", "dir.log"), 0o755))

	patterns := []string{
		filepath.Join(root, "nginx", "**", "*.log"),
		filepath.Join(root, "nginx", "*.access.log"),
	}
	got, err := Glob(patterns, DomainFromFile)
	require.NoError(t, err)

	want := []monitor.Target{
		{Path: a, Domain: "example.com", FormatHint: parser.FormatAccess},
		{Path: b, Domain: "shop.example.org", FormatHint: parser.FormatAccess},
	}
	assert.Equal(t, want, got)

	got, err = Glob([]string{filepath.Join(root, "missing", "*.log")}, DomainFromFile)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{DomainFrom: "header"}.Validate())
	assert.Error(t, Config{Paths: []string{"/var/log/[.log"}}.Validate())
}

func TestContainerTargets(t *testing.T) {
	got := ContainerTargets([]docker.ContainerSummary{
		{ID: "aaa", Name: "web", LogDriver: docker.LogDriverJSONFile, LogPath: "/var/lib/docker/containers/aaa/aaa-json.log"},
		{ID: "bbb", Name: "worker", LogDriver: "journald"},
		{ID: "ccc", LogDriver: docker.LogDriverJSONFile, LogPath: "/var/lib/docker/containers/ccc/ccc-json.log"},
	})
	assert.Equal(t, []monitor.Target{
		{Path: "/var/lib/docker/containers/aaa/aaa-json.log", Domain: "web", FormatHint: parser.FormatJSON},
	}, got)
}

func TestDiscoverWithoutDocker(t *testing.T) {
	root := t.TempDir()
	p := touch(t, filepath.Join(root, "example.com", "access.log"))

	got, err := Discover(context.Background(), Config{
		Paths:      []string{filepath.Join(root, "**", "*.log")},
		DomainFrom: DomainFromFile,
	}, logging.Discard())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p, got[0].Path)
	assert.Equal(t, "example.com", got[0].Domain)
}
