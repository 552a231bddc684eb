// Package artifact stores task output artifacts as files under the outputs
// root. It implements core.ArtifactStore.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/voice-service/internal/core"
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
	tempPrefix      = "."
)

// ErrInvalidKey indicates a key that is not a plain file name.
var ErrInvalidKey = errors.New("artifact key must be a plain file name")

// FileStore keeps one file per artifact key.
type FileStore struct {
	root string
}

// NewFileStore creates the outputs root if needed.
func NewFileStore(root string) (*FileStore, error) {
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory %s: %w", root, err)
	}

	err = os.MkdirAll(absolute, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", absolute, err)
	}

	return &FileStore{root: absolute}, nil
}

// Put writes data atomically and returns the artifact's absolute path.
func (s *FileStore) Put(_ context.Context, key string, data []byte) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(s.root, tempPrefix+key+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for artifact %s: %w", key, err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	err = errors.Join(writeErr, closeErr)
	if err == nil {
		err = os.Chmod(tmpName, filePermissions)
	}

	if err == nil {
		err = os.Rename(tmpName, path)
	}

	if err != nil {
		_ = os.Remove(tmpName)

		return "", fmt.Errorf("failed to write artifact %s: %w", key, err)
	}

	return path, nil
}

// Get reads an artifact.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: artifact %s", core.ErrNotFound, key)
		}

		return nil, fmt.Errorf("failed to read artifact %s: %w", key, err)
	}

	return data, nil
}

// Delete removes an artifact. Deleting a missing artifact is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", key, err)
	}

	return nil
}

// List returns every artifact key, skipping in-progress temp files.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	keys := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}

		keys = append(keys, entry.Name())
	}

	return keys, nil
}

func (s *FileStore) path(key string) (string, error) {
	if key == "" || filepath.Base(key) != key || strings.HasPrefix(key, tempPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	return filepath.Join(s.root, key), nil
}
