// Package storage is the local filesystem backend for synthesized audio.
// Writes go to a temporary file that is renamed into place, so a cancelled or
// failed save never leaves a partial clip behind.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/narration-service/internal/core"
)

const (
	defaultDirPermissions  = 0o750
	tempFilePattern        = ".partial-*"
	errFmtFailedToCreate   = "failed to create directory %s: %w"
	errFmtInvalidPath      = "%w: %w: %q"
	errFmtStorageOperation = "%w: %s %s: %w"
)

// ErrInvalidPath is returned for absolute paths or paths escaping the root.
var ErrInvalidPath = errors.New("invalid storage path")

// FileStore stores files under a root directory. It implements core.LocalStore.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve absolute path for %q: %w", root, err)
	}

	mkdirErr := os.MkdirAll(absRoot, defaultDirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf(errFmtFailedToCreate, absRoot, mkdirErr)
	}

	return &FileStore{root: absRoot}, nil
}

// Root returns the absolute root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Save writes r to path atomically.
func (s *FileStore) Save(ctx context.Context, path string, r io.Reader) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	dir := filepath.Dir(fullPath)

	mkdirErr := os.MkdirAll(dir, defaultDirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("%w: "+errFmtFailedToCreate, core.ErrStorageTransient, dir, mkdirErr)
	}

	tempFile, createErr := os.CreateTemp(dir, tempFilePattern)
	if createErr != nil {
		return storageError("create", path, createErr)
	}

	tempPath := tempFile.Name()

	_, copyErr := io.Copy(tempFile, &contextReader{ctx: ctx, reader: r})
	closeErr := tempFile.Close()

	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tempPath)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return storageError("write", path, errors.Join(copyErr, closeErr))
	}

	renameErr := os.Rename(tempPath, fullPath)
	if renameErr != nil {
		_ = os.Remove(tempPath)

		return storageError("rename", path, renameErr)
	}

	return nil
}

// Open returns a reader for path. A missing file is a fatal error wrapping
// core.ErrNotFound.
func (s *FileStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	file, openErr := os.Open(fullPath) //nolint:gosec // path is confined to the root
	if openErr != nil {
		return nil, storageError("open", path, openErr)
	}

	return file, nil
}

// Exists reports whether path exists.
func (s *FileStore) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return false, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}

	_, statErr := os.Stat(fullPath)
	if statErr == nil {
		return true, nil
	}

	if errors.Is(statErr, fs.ErrNotExist) {
		return false, nil
	}

	return false, storageError("stat", path, statErr)
}

// Read returns the whole content of path.
func (s *FileStore) Read(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	data, readErr := os.ReadFile(fullPath) //nolint:gosec // path is confined to the root
	if readErr != nil {
		return nil, storageError("read", path, readErr)
	}

	return data, nil
}

// Delete removes path. Deleting a missing file is not an error.
func (s *FileStore) Delete(ctx context.Context, path string) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	removeErr := os.Remove(fullPath)
	if removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return storageError("delete", path, removeErr)
	}

	return nil
}

func (s *FileStore) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", fmt.Errorf(errFmtInvalidPath, core.ErrStorageFatal, ErrInvalidPath, path)
	}

	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf(errFmtInvalidPath, core.ErrStorageFatal, ErrInvalidPath, path)
	}

	return filepath.Join(s.root, cleaned), nil
}

// storageError classifies a filesystem error. A missing file is fatal, anything
// else may succeed on retry.
func storageError(operation, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s %s: %w", core.ErrStorageFatal, operation, path, core.ErrNotFound)
	}

	return fmt.Errorf(errFmtStorageOperation, core.ErrStorageTransient, operation, path, err)
}

type contextReader struct {
	ctx    context.Context //nolint:containedctx // scoped to a single copy
	reader io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}

	return r.reader.Read(p)
}
