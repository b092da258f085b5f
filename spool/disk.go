package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/spoold/consts"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
)

const envelopeExt = ".json"

// listBatch is how many directory entries List reads at a time.
const listBatch = 256

// DiskRepository stores each envelope as <id>.json in one directory.
// Writes go to a temp file that is renamed into place, so a crash never
// leaves a half-written envelope behind.
type DiskRepository struct {
	dir   string
	locks *lockTable
}

func NewDiskRepository(dir string) (*DiskRepository, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
	}

	// Temp files left over from a crash are never renamed; drop them.
	if stale, err := filepath.Glob(filepath.Join(dir, ".tmp-*")); err == nil {
		for _, p := range stale {
			os.Remove(p)
		}
	}

	return &DiskRepository{dir: dir, locks: newLockTable()}, nil
}

func (r *DiskRepository) path(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid envelope id %q", key)
	}
	return filepath.Join(r.dir, key+envelopeExt), nil
}

func (r *DiskRepository) Store(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	err := r.store(env)
	observe("store", start, err)
	return err
}

func (r *DiskRepository) store(env *envelope.Envelope) error {
	p, err := r.path(env.ID)
	if err != nil {
		return err
	}
	env.LastUpdated = time.Now()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: envelope %s: %w", consts.ErrSerializationFailed, env.ID, err)
	}
	if err := writeFileAtomic(p, data); err != nil {
		return fmt.Errorf("failed to write envelope %s: %w", env.ID, err)
	}
	return nil
}

func (r *DiskRepository) Retrieve(ctx context.Context, key string) (*envelope.Envelope, error) {
	start := time.Now()
	env, err := r.retrieve(key)
	observe("retrieve", start, err)
	return env, err
}

func (r *DiskRepository) retrieve(key string) (*envelope.Envelope, error) {
	p, err := r.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read envelope %s: %w", key, err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope %s: %w", consts.ErrSerializationFailed, key, err)
	}
	return &env, nil
}

func (r *DiskRepository) Remove(ctx context.Context, key string) error {
	start := time.Now()
	p, err := r.path(key)
	if err == nil {
		err = r.locks.removeLocked(key, func() error {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to remove envelope %s: %w", key, err)
			}
			return nil
		})
	}
	observe("remove", start, err)
	return err
}

func (r *DiskRepository) Lock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok := r.locks.lock(key)
	observeLock("lock", start, ok, nil)
	return ok, nil
}

func (r *DiskRepository) Unlock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok := r.locks.unlock(key)
	observeLock("unlock", start, ok, nil)
	return ok, nil
}

// List reads the directory in batches, so a large spool is never loaded
// into memory at once.
func (r *DiskRepository) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		start := time.Now()
		d, err := os.Open(r.dir)
		if err != nil {
			observe("list", start, err)
			yield("", fmt.Errorf("failed to open spool directory: %w", err))
			return
		}
		defer d.Close()

		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			entries, err := d.ReadDir(listBatch)
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != envelopeExt {
					continue
				}
				if !yield(strings.TrimSuffix(name, envelopeExt), nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				observe("list", start, nil)
				return
			}
			if err != nil {
				observe("list", start, err)
				yield("", fmt.Errorf("failed to read spool directory: %w", err))
				return
			}
		}
	}
}

func (r *DiskRepository) Close() error {
	return nil
}

// writeFileAtomic writes data to a file atomically using temp file + rename
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		logger.Error("Spool: failed to rename envelope into place", "path", path, "error", err)
		return err
	}
	return nil
}
