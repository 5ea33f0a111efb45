package plugin

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// InstallPlugin downloads a .tar.gz plugin package from url, validates it like
// LoadPlugin does and moves it to <dir>/<name>. The package is unpacked into a
// hidden staging directory first, so a failed or invalid download never
// becomes loadable. The plugin is not loaded.
func (m *Manager) InstallPlugin(ctx context.Context, url string) (*Metadata, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create plugins dir: %w", err)
	}
	staging := filepath.Join(m.cfg.Dir, ".staging-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.InstallTimeout)
	defer cancel()

	if err := m.download(ctx, url, staging); err != nil {
		return nil, err
	}

	root, err := packageRoot(staging)
	if err != nil {
		return nil, err
	}
	meta, err := ReadMetadata(root)
	if err != nil {
		return nil, err
	}
	if err := meta.Validate(m.coreVersion); err != nil {
		return nil, err
	}
	if m.find(meta.Name) != nil {
		return nil, invalid(meta.Name, ErrDuplicateName, "", "unload it before reinstalling")
	}

	target := filepath.Join(m.cfg.Dir, meta.Name)
	if err := os.RemoveAll(target); err != nil {
		return nil, fmt.Errorf("remove previous install: %w", err)
	}
	if err := os.Rename(root, target); err != nil {
		return nil, fmt.Errorf("install %s: %w", meta.Name, err)
	}
	meta.Dir = target

	m.log.WithFields(logrus.Fields{"plugin": meta.Name, "version": meta.Version, "url": url}).Info("plugin installed")
	return meta, nil
}

func (m *Manager) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}
	if resp.ContentLength > m.cfg.MaxPackageBytes {
		return invalid("", ErrInvalidPackage, "", fmt.Sprintf("package is %d bytes, limit %d", resp.ContentLength, m.cfg.MaxPackageBytes))
	}
	return extractTarGz(io.LimitReader(resp.Body, m.cfg.MaxPackageBytes+1), dest, m.cfg.MaxPackageBytes)
}

// extractTarGz unpacks regular files and directories into dest. Links, device
// files and entries escaping dest are rejected, as is more than limit bytes
// of content.
func extractTarGz(r io.Reader, dest string, limit int64) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return invalid("", ErrInvalidPackage, "", fmt.Sprintf("not gzip: %v", err))
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return invalid("", ErrInvalidPackage, "", fmt.Sprintf("read archive: %v", err))
		}

		name := filepath.FromSlash(strings.TrimPrefix(hdr.Name, "./"))
		if name == "" || name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return invalid("", ErrInvalidPackage, "", fmt.Sprintf("entry %q escapes the package", hdr.Name))
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > limit {
				return invalid("", ErrInvalidPackage, "", fmt.Sprintf("package content exceeds %d bytes", limit))
			}
			if err := writeEntry(target, tr, hdr); err != nil {
				return err
			}
		default:
			return invalid("", ErrInvalidPackage, "", fmt.Sprintf("entry %q has unsupported type %q", hdr.Name, hdr.Typeflag))
		}
	}
}

func writeEntry(target string, r io.Reader, hdr *tar.Header) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}
	mode := os.FileMode(hdr.Mode).Perm() | 0o600
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}
	if _, err := io.CopyN(f, r, hdr.Size); err != nil {
		_ = f.Close()
		return invalid("", ErrInvalidPackage, "", fmt.Sprintf("truncated entry %q: %v", hdr.Name, err))
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("extract %s: %w", hdr.Name, err)
	}
	return nil
}

// packageRoot is the staging directory itself when it holds the metadata
// file, or its single top-level directory otherwise.
func packageRoot(staging string) (string, error) {
	for _, name := range metadataFiles {
		if _, err := os.Stat(filepath.Join(staging, name)); err == nil {
			return staging, nil
		}
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", fmt.Errorf("read staging dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(staging, entries[0].Name()), nil
	}
	return "", invalid("", ErrInvalidPackage, "", "no plugin metadata at the package root")
}
