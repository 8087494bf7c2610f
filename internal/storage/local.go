package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// LocalArchive Implementation
// =============================================================================

// LocalArchive implements Archive on the local filesystem. Writes go
// through a temp file and rename so a crashed export never leaves a
// half-written archive behind.
type LocalArchive struct {
	basePath string
	logger   *slog.Logger
}

// NewLocalArchive creates a LocalArchive rooted at cfg.BasePath, creating
// the directory if needed.
func NewLocalArchive(cfg LocalConfig, logger *slog.Logger) (*LocalArchive, error) {
	absPath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	logger.Info("initialized local archive", "base_path", absPath)

	return &LocalArchive{
		basePath: absPath,
		logger:   logger,
	}, nil
}

// =============================================================================
// Interface Implementation
// =============================================================================

func (a *LocalArchive) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	path, err := a.resolvePath(key)
	if err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: err}
	}
	if _, err := os.Stat(path); err == nil {
		return &ArchiveError{Op: "Put", Key: key, Err: ErrKeyExists}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to create directory: %w", err)}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to create temp file: %w", err)}
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to write: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to close: %w", err)}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return &ArchiveError{Op: "Put", Key: key, Err: fmt.Errorf("failed to finalize: %w", err)}
	}

	a.logger.Debug("stored archive object",
		"key", key,
		"size", len(body),
		"content_type", contentType,
	)
	return nil
}

func (a *LocalArchive) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	if ctx.Err() != nil {
		return nil, ObjectInfo{}, ctx.Err()
	}
	path, err := a.resolvePath(key)
	if err != nil {
		return nil, ObjectInfo{}, &ArchiveError{Op: "Get", Key: key, Err: err}
	}
	stat, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, ObjectInfo{}, &ArchiveError{Op: "Get", Key: key, Err: ErrNotFound}
	}
	if err != nil {
		return nil, ObjectInfo{}, &ArchiveError{Op: "Get", Key: key, Err: err}
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, ObjectInfo{}, &ArchiveError{Op: "Get", Key: key, Err: err}
	}
	return body, ObjectInfo{
		Key:          key,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
	}, nil
}

func (a *LocalArchive) Exists(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	path, err := a.resolvePath(key)
	if err != nil {
		return false, &ArchiveError{Op: "Exists", Key: key, Err: err}
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, &ArchiveError{Op: "Exists", Key: key, Err: err}
	}
	return true, nil
}

// =============================================================================
// Internal Helpers
// =============================================================================

// resolvePath maps a key to an absolute path under basePath and rejects
// traversal outside it.
func (a *LocalArchive) resolvePath(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", ErrInvalidKey
	}
	path := filepath.Join(a.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(path, a.basePath+string(os.PathSeparator)) {
		return "", ErrInvalidKey
	}
	return path, nil
}
