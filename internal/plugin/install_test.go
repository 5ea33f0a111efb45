package plugin

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveFile struct {
	name string
	body string
	typ  byte
}

func buildArchive(t *testing.T, files ...archiveFile) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	for _, f := range files {
		typ := f.typ
		if typ == 0 {
			typ = tar.TypeReg
		}
		hdr := &tar.Header{Name: f.name, Mode: 0o644, Size: int64(len(f.body)), Typeflag: typ}
		switch typ {
		case tar.TypeDir:
			hdr.Mode, hdr.Size = 0o755, 0
		case tar.TypeSymlink:
			hdr.Linkname, hdr.Size = f.body, 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typ == tar.TypeReg {
			_, err := tw.Write([]byte(f.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func serveArchives(t *testing.T, archives map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// leftovers lists non-hidden entries and staging directories under root.
func leftovers(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), ".staging-") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestInstallPlugin(t *testing.T) {
	srv := serveArchives(t, map[string][]byte{
		"/geo.tar.gz": buildArchive(t,
			archiveFile{name: "geo/", typ: tar.TypeDir},
			archiveFile{name: "geo/plugin.yaml", body: "name: geo\nversion: 0.2.0\nmain: rec\ncoreVersion: \"^1.0.0\"\n"},
			archiveFile{name: "geo/data/cities.txt", body: "hangzhou\n"},
		),
		"/flat.tar.gz": buildArchive(t,
			archiveFile{name: "./plugin.json", body: `{"name": "flat", "version": "1.0.0", "main": "rec", "coreVersion": "*"}`},
		),
	})

	reg := &registry{}
	m, root := newTestManager(t, WithFactory("rec", reg.recorderFactory("rec", "")))
	ctx := context.Background()

	meta, err := m.InstallPlugin(ctx, srv.URL+"/geo.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "geo", meta.Name)
	assert.Equal(t, filepath.Join(root, "geo"), meta.Dir)
	assert.FileExists(t, filepath.Join(root, "geo", "data", "cities.txt"))
	assert.False(t, m.IsActive("geo"))

	meta, err = m.InstallPlugin(ctx, srv.URL+"/flat.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "flat", meta.Name)

	assert.ElementsMatch(t, []string{"geo", "flat"}, leftovers(t, root))

	_, err = m.LoadPlugin(ctx, filepath.Join(root, "geo"))
	require.NoError(t, err)
	_, err = m.InstallPlugin(ctx, srv.URL+"/geo.tar.gz")
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestInstallPluginRejectsBadPackages(t *testing.T) {
	srv := serveArchives(t, map[string][]byte{
		"/future.tar.gz": buildArchive(t,
			archiveFile{name: "plugin.yaml", body: "name: future\nversion: 1.0.0\nmain: rec\ncoreVersion: \">=5.0.0\"\n"},
		),
		"/escape.tar.gz": buildArchive(t,
			archiveFile{name: "plugin.yaml", body: "name: escape\nversion: 1.0.0\nmain: rec\ncoreVersion: \"*\"\n"},
			archiveFile{name: "../../outside.txt", body: "pwned"},
		),
		"/link.tar.gz": buildArchive(t,
			archiveFile{name: "plugin.yaml", body: "name: link\nversion: 1.0.0\nmain: rec\ncoreVersion: \"*\"\n"},
			archiveFile{name: "passwd", body: "/etc/passwd", typ: tar.TypeSymlink},
		),
		"/nometa.tar.gz": buildArchive(t,
			archiveFile{name: "README.md", body: "hello"},
		),
		"/plain.tar.gz": []byte("this is not gzip"),
	})

	m, root := newTestManager(t)
	ctx := context.Background()

	_, err := m.InstallPlugin(ctx, srv.URL+"/future.tar.gz")
	assert.ErrorIs(t, err, ErrVersionIncompatible)

	for _, name := range []string{"escape", "link", "nometa", "plain"} {
		_, err := m.InstallPlugin(ctx, srv.URL+"/"+name+".tar.gz")
		assert.ErrorIs(t, err, ErrInvalidPackage, name)
	}

	_, err = m.InstallPlugin(ctx, srv.URL+"/missing.tar.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	assert.Empty(t, leftovers(t, root))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(root), "outside.txt"))
}

func TestInstallPluginEnforcesSizeLimit(t *testing.T) {
	big := strings.Repeat("a", 4096)
	srv := serveArchives(t, map[string][]byte{
		"/big.tar.gz": buildArchive(t,
			archiveFile{name: "plugin.yaml", body: "name: big\nversion: 1.0.0\nmain: rec\ncoreVersion: \"*\"\n"},
			archiveFile{name: "blob.bin", body: big},
		),
	})

	root := t.TempDir()
	m, err := NewManager(Config{Dir: root, MaxPackageBytes: 1024})
	require.NoError(t, err)

	_, err = m.InstallPlugin(context.Background(), srv.URL+"/big.tar.gz")
	assert.ErrorIs(t, err, ErrInvalidPackage)
	assert.Empty(t, leftovers(t, root))
}
