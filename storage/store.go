// Package storage holds message bodies outside the spool.
//
// Envelopes only carry a BodyRef. The bytes live in a BodyStore under the
// hex BLAKE3 digest of the content, so an envelope that is split into
// several derived envelopes keeps pointing at a single stored copy, and a
// message injected twice is stored once.
//
// Two stores are provided: DiskStorage for single-node deployments and
// S3Storage for any S3-compatible object store, with optional client-side
// AES-256-GCM encryption. Resilient wraps either one with retries and
// circuit breakers.
//
// Removing an envelope never deletes its body. Unreferenced bodies are
// collected by the cleaner once they are older than its grace period.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/helpers"
)

// ErrBodyNotFound is returned by Get for a key that is not stored.
var ErrBodyNotFound = errors.New("message body not found")

// ObjectInfo describes one stored body.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// BodyStore stores message bodies by key.
type BodyStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete is idempotent: deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
	// List yields every stored body. The listing is a best-effort
	// snapshot and may or may not include concurrent writes.
	List(ctx context.Context) iter.Seq2[ObjectInfo, error]
}

// Toucher is implemented by stores that can reset the modification time
// of a stored body without rewriting it. Stores returning
// errors.ErrUnsupported from Touch get the body uploaded again instead.
type Toucher interface {
	Touch(ctx context.Context, key string) error
}

// PutContent stores the content read from r under its BLAKE3 digest and
// returns a reference to it. The content is spooled through a temporary
// file while hashing, so it is never held in memory as a whole.
//
// If a body with the same digest already exists its modification time is
// refreshed, so the cleaner treats it as new for a full grace period and
// cannot collect it before the caller stores an envelope referencing it.
func PutContent(ctx context.Context, store BodyStore, r io.Reader) (envelope.BodyRef, error) {
	tmp, err := os.CreateTemp("", "spoold-body-*")
	if err != nil {
		return envelope.BodyRef{}, fmt.Errorf("failed to create temp file for body: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := helpers.NewContentHasher()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return envelope.BodyRef{}, fmt.Errorf("failed to read message body: %w", err)
	}
	ref := envelope.BodyRef{Key: helpers.ContentKey(hasher), Size: size}

	exists, err := store.Exists(ctx, ref.Key)
	if err != nil {
		return envelope.BodyRef{}, fmt.Errorf("failed to check body %s: %w", ref.Key, err)
	}
	if exists {
		err := touch(ctx, store, ref.Key)
		if err == nil {
			return ref, nil
		}
		// A body deleted since Exists is simply uploaded again.
		if !errors.Is(err, errors.ErrUnsupported) && !errors.Is(err, ErrBodyNotFound) {
			return envelope.BodyRef{}, fmt.Errorf("failed to refresh body %s: %w", ref.Key, err)
		}
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return envelope.BodyRef{}, fmt.Errorf("failed to rewind body temp file: %w", err)
	}
	if err := store.Put(ctx, ref.Key, tmp, size); err != nil {
		return envelope.BodyRef{}, fmt.Errorf("failed to store body %s: %w", ref.Key, err)
	}
	return ref, nil
}

func touch(ctx context.Context, store BodyStore, key string) error {
	t, ok := store.(Toucher)
	if !ok {
		return errors.ErrUnsupported
	}
	return t.Touch(ctx, key)
}

// ReadContent returns the whole body referenced by ref. Meant for small
// bodies and tests; mailets should stream from Get.
func ReadContent(ctx context.Context, store BodyStore, ref envelope.BodyRef) ([]byte, error) {
	rc, err := store.Get(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
