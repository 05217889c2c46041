// Package image produces per-VM writable root filesystems from immutable base
// images and removes per-VM scratch files when instances go away.
package image

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// copyBufferSize is the buffer used for the plain-copy fallback.
const copyBufferSize = 1 << 20

// errReflinkUnsupported marks a clone attempt the backing filesystem rejected;
// the caller falls back to a byte copy.
var errReflinkUnsupported = errors.New("reflink unsupported")

// Manager prepares and disposes of per-VM image files.
type Manager struct {
	fs     afero.Fs
	logger *slog.Logger
}

// NewManager creates a Manager over the given filesystem. Production callers
// pass afero.NewOsFs(); tests pass an in-memory filesystem.
func NewManager(fsys afero.Fs, logger *slog.Logger) *Manager {
	return &Manager{fs: fsys, logger: logger}
}

// PrepareRootfs produces a writable copy of the base image at outPath.
// A reflink clone is attempted first so the copy shares extents with the base
// until written; filesystems without reflink support get a plain byte copy.
// Any failure is fatal for the VM being created.
func (m *Manager) PrepareRootfs(basePath, outPath string) error {
	if err := m.fs.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create rootfs dir: %w", err)
	}

	err := m.reflink(basePath, outPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errReflinkUnsupported) {
		return fmt.Errorf("clone rootfs %s: %w", basePath, err)
	}

	m.logger.Debug("reflink unavailable, falling back to plain copy", "base", basePath)
	if err := m.plainCopy(basePath, outPath); err != nil {
		return fmt.Errorf("copy rootfs %s: %w", basePath, err)
	}
	return nil
}

// reflink clones src to dst with FICLONE. Only meaningful on the real
// filesystem; in-memory filesystems report unsupported.
func (m *Manager) reflink(src, dst string) error {
	if _, ok := m.fs.(*afero.OsFs); !ok {
		return errReflinkUnsupported
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		out.Close()
		_ = m.fs.Remove(dst)
		if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) ||
			errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) {
			return errReflinkUnsupported
		}
		return err
	}

	return out.Close()
}

func (m *Manager) plainCopy(src, dst string) error {
	in, err := m.fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		_ = m.fs.Remove(dst)
		return err
	}
	return out.Close()
}

// Cleanup removes the listed files. Missing entries are ignored; other
// removal failures are logged and the first one is returned so callers can
// count the leak.
func (m *Manager) Cleanup(paths ...string) error {
	var firstErr error
	for _, path := range paths {
		if path == "" {
			continue
		}
		err := m.fs.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			continue
		}
		m.logger.Warn("cleanup failed", "path", path, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return firstErr
}

// RemoveAll removes a directory tree (the per-VM shared directory).
func (m *Manager) RemoveAll(path string) error {
	if path == "" {
		return nil
	}
	return m.fs.RemoveAll(path)
}

// Checksum returns the hex SHA-256 of the file at path. Used as snapshot
// provenance metadata only; failures are the caller's to ignore.
func (m *Manager) Checksum(path string) (string, error) {
	f, err := m.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
