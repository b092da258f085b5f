package testutils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/spoold/storage"
)

// FileBasedS3Mock is a storage.BodyStore that keeps objects as plain files
// in a directory. Errors can be injected per key.
type FileBasedS3Mock struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error // key -> error returned by every operation on it
	puts    int
}

var (
	_ storage.BodyStore = (*FileBasedS3Mock)(nil)
	_ storage.Toucher   = (*FileBasedS3Mock)(nil)
)

// NewFileBasedS3Mock creates a mock storing files below baseDir.
func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBasedS3Mock{
		baseDir: baseDir,
		errors:  make(map[string]error),
	}, nil
}

func (m *FileBasedS3Mock) injected(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

func (m *FileBasedS3Mock) Put(ctx context.Context, key string, reader io.Reader, size int64) error {
	if err := m.injected(key); err != nil {
		return err
	}

	filePath := m.keyToFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	written, err := io.Copy(file, reader)
	if err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}

	m.mu.Lock()
	m.puts++
	m.mu.Unlock()
	return nil
}

func (m *FileBasedS3Mock) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := m.injected(key); err != nil {
		return nil, err
	}
	file, err := os.Open(m.keyToFilePath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrBodyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

func (m *FileBasedS3Mock) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.injected(key); err != nil {
		return false, err
	}
	_, err := os.Stat(m.keyToFilePath(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat file: %w", err)
	}
}

func (m *FileBasedS3Mock) Delete(ctx context.Context, key string) error {
	if err := m.injected(key); err != nil {
		return err
	}
	err := os.Remove(m.keyToFilePath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (m *FileBasedS3Mock) List(ctx context.Context) iter.Seq2[storage.ObjectInfo, error] {
	return func(yield func(storage.ObjectInfo, error) bool) {
		for _, key := range m.GetStoredKeys() {
			info, err := os.Stat(m.keyToFilePath(key))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				yield(storage.ObjectInfo{}, err)
				return
			}
			if !yield(storage.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil) {
				return
			}
		}
	}
}

// Test helper methods

// SetError makes every operation on key fail with err.
func (m *FileBasedS3Mock) SetError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// ClearError removes any configured error for a specific key
func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

// GetStoredKeys returns all stored keys in sorted order.
func (m *FileBasedS3Mock) GetStoredKeys() []string {
	var keys []string
	err := filepath.WalkDir(m.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			keys = append(keys, m.filePathToKey(path))
		}
		return nil
	})
	if err != nil {
		return []string{}
	}
	sort.Strings(keys)
	return keys
}

// GetStoredData returns the data for a specific key (for testing)
func (m *FileBasedS3Mock) GetStoredData(key string) ([]byte, bool) {
	data, err := os.ReadFile(m.keyToFilePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

// ObjectCount returns the number of stored objects
func (m *FileBasedS3Mock) ObjectCount() int {
	return len(m.GetStoredKeys())
}

// PutCount returns how many Put calls succeeded.
func (m *FileBasedS3Mock) PutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Touch refreshes the modification time like a copy-onto-itself would.
func (m *FileBasedS3Mock) Touch(ctx context.Context, key string) error {
	if err := m.injected(key); err != nil {
		return err
	}
	now := time.Now()
	err := os.Chtimes(m.keyToFilePath(key), now, now)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrBodyNotFound, key)
	}
	return err
}

// Chtimes sets the modification time of a stored object, for tests of age
// based cleanup.
func (m *FileBasedS3Mock) Chtimes(key string, mtime time.Time) error {
	return os.Chtimes(m.keyToFilePath(key), mtime, mtime)
}

func (m *FileBasedS3Mock) keyToFilePath(key string) string {
	safePath := strings.ReplaceAll(key, "/", string(os.PathSeparator))
	return filepath.Join(m.baseDir, safePath)
}

func (m *FileBasedS3Mock) filePathToKey(filePath string) string {
	relPath, err := filepath.Rel(m.baseDir, filePath)
	if err != nil {
		return filePath
	}
	return strings.ReplaceAll(relPath, string(os.PathSeparator), "/")
}
