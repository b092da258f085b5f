package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/consts"
	"github.com/migadu/spoold/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type repoFactory struct {
	name string
	open func(t *testing.T) Repository
}

func localBackends() []repoFactory {
	return []repoFactory{
		{"memory", func(t *testing.T) Repository { return NewMemoryRepository() }},
		{"disk", func(t *testing.T) Repository {
			r, err := NewDiskRepository(t.TempDir())
			require.NoError(t, err)
			return r
		}},
		{"sqlite", func(t *testing.T) Repository {
			r, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "spool.db"))
			require.NoError(t, err)
			t.Cleanup(func() { r.Close() })
			return r
		}},
	}
}

func testEnvelope(id string, rcpts ...string) *envelope.Envelope {
	sender := envelope.MustParseAddress("sender@example.com")
	var addrs []envelope.Address
	for _, r := range rcpts {
		addrs = append(addrs, envelope.MustParseAddress(r))
	}
	return envelope.New(id, &sender, addrs, envelope.StateRoot, envelope.BodyRef{Key: "body-" + id, Size: 42})
}

func collectKeys(t *testing.T, repo Repository) []string {
	t.Helper()
	var keys []string
	for key, err := range repo.List(context.Background()) {
		require.NoError(t, err)
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// runRepositoryContract checks the behaviour every backend must share.
func runRepositoryContract(t *testing.T, open func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("StoreRetrieve", func(t *testing.T) {
		repo := open(t)
		env := testEnvelope("m1", "x@d.org", "y@d.org")
		env.SetAttribute("tag", "blue")
		env.RemoteHost = "mx.example.net"
		before := time.Now()
		require.NoError(t, repo.Store(ctx, env))
		assert.False(t, env.LastUpdated.Before(before), "store must refresh LastUpdated")

		got, err := repo.Retrieve(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "m1", got.ID)
		assert.Equal(t, "sender@example.com", got.SenderString())
		assert.Len(t, got.Recipients, 2)
		assert.Equal(t, envelope.StateRoot, got.State)
		assert.Equal(t, "body-m1", got.Body.Key)
		assert.Equal(t, "mx.example.net", got.RemoteHost)
		v, ok := got.Attribute("tag")
		assert.True(t, ok)
		assert.Equal(t, "blue", v)
	})

	t.Run("StoreIsUpsert", func(t *testing.T) {
		repo := open(t)
		env := testEnvelope("m1", "x@d.org")
		require.NoError(t, repo.Store(ctx, env))
		env.State = "transport"
		require.NoError(t, repo.Store(ctx, env))

		assert.Equal(t, []string{"m1"}, collectKeys(t, repo))
		got, err := repo.Retrieve(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, "transport", got.State)
	})

	t.Run("RetrieveMissing", func(t *testing.T) {
		repo := open(t)
		_, err := repo.Retrieve(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RetrievedCopyIsDetached", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Store(ctx, testEnvelope("m1", "x@d.org")))
		got, err := repo.Retrieve(ctx, "m1")
		require.NoError(t, err)
		got.State = envelope.StateGhost

		again, err := repo.Retrieve(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, envelope.StateRoot, again.State)
	})

	t.Run("LockIsExclusive", func(t *testing.T) {
		repo := open(t)
		ok, err := repo.Lock(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Lock(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, ok, "second lock must not succeed")

		ok, err = repo.Unlock(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Unlock(ctx, "m1")
		require.NoError(t, err)
		assert.False(t, ok, "unlocking a free key reports false")
	})

	t.Run("RemoveRequiresLock", func(t *testing.T) {
		repo := open(t)
		require.NoError(t, repo.Store(ctx, testEnvelope("m1", "x@d.org")))

		err := repo.Remove(ctx, "m1")
		assert.ErrorIs(t, err, ErrNotLocked)
		_, err = repo.Retrieve(ctx, "m1")
		assert.NoError(t, err, "failed remove must keep the envelope")

		ok, err := repo.Lock(ctx, "m1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, repo.Remove(ctx, "m1"))

		_, err = repo.Retrieve(ctx, "m1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Remove releases the lock.
		ok, err = repo.Lock(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("RemoveLockedMissingKey", func(t *testing.T) {
		repo := open(t)
		ok, err := repo.Lock(ctx, "ghost")
		require.NoError(t, err)
		require.True(t, ok)
		assert.NoError(t, repo.Remove(ctx, "ghost"))
	})

	t.Run("ListIsRestartable", func(t *testing.T) {
		repo := open(t)
		for i := range 5 {
			require.NoError(t, repo.Store(ctx, testEnvelope(fmt.Sprintf("m%d", i), "x@d.org")))
		}
		want := []string{"m0", "m1", "m2", "m3", "m4"}
		assert.Equal(t, want, collectKeys(t, repo))
		assert.Equal(t, want, collectKeys(t, repo))
	})

	t.Run("ListStopsEarly", func(t *testing.T) {
		repo := open(t)
		for i := range 3 {
			require.NoError(t, repo.Store(ctx, testEnvelope(fmt.Sprintf("m%d", i), "x@d.org")))
		}
		n := 0
		for _, err := range repo.List(ctx) {
			require.NoError(t, err)
			n++
			break
		}
		assert.Equal(t, 1, n)
	})

	t.Run("CountByState", func(t *testing.T) {
		repo := open(t)
		a := testEnvelope("a", "x@d.org")
		b := testEnvelope("b", "x@d.org")
		c := testEnvelope("c", "x@d.org")
		c.Fail("root", fmt.Errorf("boom"))
		for _, env := range []*envelope.Envelope{a, b, c} {
			require.NoError(t, repo.Store(ctx, env))
		}
		counts, err := CountByState(ctx, repo)
		require.NoError(t, err)
		assert.Equal(t, int64(2), counts[envelope.StateRoot])
		assert.Equal(t, int64(1), counts[envelope.StateError])
	})

	t.Run("CandidatesCarryFailure", func(t *testing.T) {
		repo := open(t)
		env := testEnvelope("m1", "x@d.org")
		env.Fail("transport", fmt.Errorf("timeout"))
		require.NoError(t, repo.Store(ctx, env))

		var got []Candidate
		for c, err := range candidates(ctx, repo) {
			require.NoError(t, err)
			got = append(got, c)
		}
		require.Len(t, got, 1)
		assert.Equal(t, envelope.StateError, got[0].State)
		assert.Equal(t, "transport", got[0].FailedState)
		assert.Equal(t, "timeout", got[0].ErrorMessage)
		assert.Equal(t, 1, got[0].RetryCount)
	})

	t.Run("BodyKeys", func(t *testing.T) {
		repo := open(t)
		a := testEnvelope("a", "x@d.org")
		b := a.Clone("b")
		none := testEnvelope("c", "x@d.org")
		none.Body = envelope.BodyRef{}
		for _, env := range []*envelope.Envelope{a, b, none} {
			require.NoError(t, repo.Store(ctx, env))
		}
		keys := make(map[string]bool)
		for key, err := range BodyKeys(ctx, repo) {
			require.NoError(t, err)
			keys[key] = true
		}
		assert.Equal(t, map[string]bool{"body-a": true}, keys)
	})
}

func TestRepositoryContract(t *testing.T) {
	for _, backend := range localBackends() {
		t.Run(backend.name, func(t *testing.T) {
			runRepositoryContract(t, backend.open)
		})
	}
}

func TestDiskRepositoryRejectsBadIDs(t *testing.T) {
	repo, err := NewDiskRepository(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		env := testEnvelope("x", "x@d.org")
		env.ID = id
		assert.Error(t, repo.Store(context.Background(), env), "id %q", id)
	}
}

func TestDiskRepositoryCorruptEnvelope(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewDiskRepository(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m1"+envelopeExt), []byte("{not json"), 0o600))

	_, err = repo.Retrieve(context.Background(), "m1")
	assert.ErrorIs(t, err, consts.ErrSerializationFailed)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDiskRepositoryDropsStaleTempFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewDiskRepository(dir)
	require.NoError(t, err)
	require.NoError(t, repo.Store(context.Background(), testEnvelope("m1", "x@d.org")))

	stale := filepath.Join(dir, ".tmp-crashed")
	require.NoError(t, writeFileAtomic(stale, []byte("partial")))

	repo, err = NewDiskRepository(dir)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)
	assert.Equal(t, []string{"m1"}, collectKeys(t, repo))
}

func TestSQLiteRepositorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.Store(context.Background(), testEnvelope("m1", "x@d.org")))
	require.NoError(t, repo.Close())

	repo, err = NewSQLiteRepository(path)
	require.NoError(t, err)
	defer repo.Close()
	got, err := repo.Retrieve(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
}

func TestNewFromConfigUnknownBackend(t *testing.T) {
	cfg := configWithBackend("cassandra", "")
	_, err := NewFromConfig(context.Background(), &cfg)
	assert.Error(t, err)
}

func TestNewQueueFromConfigDisk(t *testing.T) {
	cfg := configWithBackend("disk", t.TempDir())
	cfg.Spool.PollInterval = "2s"
	q, err := NewQueueFromConfig(context.Background(), &cfg)
	require.NoError(t, err)
	defer q.Close()
	assert.Equal(t, 2*time.Second, q.pollInterval)
	_, isDisk := q.Repository.(*DiskRepository)
	assert.True(t, isDisk)
}

func configWithBackend(backend, path string) config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Spool.Backend = backend
	cfg.Spool.Path = path
	return cfg
}
