package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/spoold/pkg/metrics"
)

// DiskStorage keeps bodies as files under a two-level fan-out directory
// (ab/cd/abcd...) below its root.
type DiskStorage struct {
	root string
}

func NewDiskStorage(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create body store directory %s: %w", root, err)
	}
	return &DiskStorage{root: root}, nil
}

func (d *DiskStorage) Root() string {
	return d.root
}

func (d *DiskStorage) path(key string) (string, error) {
	if len(key) < 4 || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("invalid body key %q", key)
	}
	return filepath.Join(d.root, key[:2], key[2:4], key), nil
}

// Put writes the body to a temp file in the target directory and renames
// it into place, so readers never see a partial body.
func (d *DiskStorage) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	start := time.Now()
	err := d.put(key, r, size)
	observeBodyOp("put", start, err)
	return err
}

func (d *DiskStorage) put(key string, r io.Reader, size int64) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, r)
	if err == nil && size >= 0 && written != size {
		err = fmt.Errorf("size mismatch: expected %d, wrote %d", size, written)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write body %s: %w", key, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move body %s into place: %w", key, err)
	}
	return nil
}

func (d *DiskStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	p, err := d.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		err = fmt.Errorf("%w: %s", ErrBodyNotFound, key)
	}
	observeBodyOp("get", start, err)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *DiskStorage) Exists(ctx context.Context, key string) (bool, error) {
	p, err := d.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("failed to stat body %s: %w", key, err)
	}
}

func (d *DiskStorage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	p, err := d.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	observeBodyOp("delete", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete body %s: %w", key, err)
	}
	return nil
}

// Touch sets the modification time of a stored body to now.
func (d *DiskStorage) Touch(ctx context.Context, key string) error {
	p, err := d.path(key)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(p, now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrBodyNotFound, key)
		}
		return fmt.Errorf("failed to touch body %s: %w", key, err)
	}
	return nil
}

// List walks the fan-out directories lazily. Leftover temp files from
// interrupted writes are skipped.
func (d *DiskStorage) List(ctx context.Context) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		stop := errors.New("stop")
		err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
				return nil
			}
			info, err := entry.Info()
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
			obj := ObjectInfo{Key: entry.Name(), Size: info.Size(), LastModified: info.ModTime()}
			if !yield(obj, nil) {
				return stop
			}
			return nil
		})
		if err != nil && err != stop {
			yield(ObjectInfo{}, fmt.Errorf("failed to list bodies: %w", err))
		}
	}
}

func observeBodyOp(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrBodyNotFound) {
			status = "not_found"
		}
	}
	metrics.BodyStoreOperations.WithLabelValues(op, status).Inc()
	metrics.BodyStoreDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
