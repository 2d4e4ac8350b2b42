// Package exportsink stores data portability artifacts on disk or in S3.
package exportsink

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"trustcore/internal/domain"
)

// FileSink writes artifacts into a directory readable only by the owner.
type FileSink struct {
	dir string
}

// NewFileSink creates dir with 0700 permissions if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("export dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve export dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0700); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &FileSink{dir: abs}, nil
}

// Put writes data atomically with 0600 permissions and returns its path.
func (s *FileSink) Put(ctx context.Context, name, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	base, err := objectName(name)
	if err != nil {
		return "", err
	}
	final := filepath.Join(s.dir, base)

	tmp, err := os.CreateTemp(s.dir, "."+base+".*")
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return "", fmt.Errorf("chmod export file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", fmt.Errorf("publish export file: %w", err)
	}
	return final, nil
}

// objectName rejects names that would escape the sink.
func objectName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid export name %q: %w", name, domain.ErrValidation)
	}
	return name, nil
}

var _ domain.ExportSink = (*FileSink)(nil)
