package spoolmanager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/spool"
	"github.com/migadu/spoold/storage"
	"github.com/migadu/spoold/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMessage = "From: alice@example.org\r\n" +
	"To: x@d.example\r\n" +
	"Subject: Quarterly report\r\n" +
	"Message-Id: <report-1@example.org>\r\n" +
	"\r\n" +
	"Hi,\r\nthe report is attached.\r\n"

type testEnv struct {
	repo    spool.Repository
	queue   *spool.Queue
	bodies  *testutils.FileBasedS3Mock
	manager *Manager
	errCh   chan error
}

func newTestEnv(t *testing.T, repo spool.Repository) *testEnv {
	t.Helper()
	if repo == nil {
		repo = spool.NewMemoryRepository()
	}
	bodies, err := testutils.NewFileBasedS3Mock(t.TempDir())
	require.NoError(t, err)

	queue := spool.NewQueue(repo, 20*time.Millisecond)
	errCh := make(chan error, 16)
	m := New(queue, bodies, Options{
		Threads:        4,
		RetryDelay:     time.Minute,
		MaxRetries:     3,
		ShutdownGrace:  5 * time.Second,
		ServerName:     "mx.example.com",
		Postmaster:     envelope.MustParseAddress("postmaster@example.com"),
		LocalDomains:   []string{"D.example"},
		MaxBounceBytes: 1024,
	}, errCh)
	return &testEnv{repo: repo, queue: queue, bodies: bodies, manager: m, errCh: errCh}
}

func (e *testEnv) setChains(t *testing.T, chains ...*mailet.Chain) {
	t.Helper()
	cs, err := mailet.NewChains(chains...)
	require.NoError(t, err)
	e.manager.SetChains(cs)
}

func (e *testEnv) spool(t *testing.T, id, state string, rcpts ...string) *envelope.Envelope {
	t.Helper()
	ref, err := storage.PutContent(context.Background(), e.bodies, strings.NewReader(sampleMessage))
	require.NoError(t, err)
	sender := envelope.MustParseAddress("alice@example.org")
	env := envelope.New(id, &sender, addrs(rcpts...), state, ref)
	require.NoError(t, e.queue.Store(context.Background(), env))
	return env
}

// processOnce locks id and runs it through the manager like a worker would.
func (e *testEnv) processOnce(t *testing.T, id string) {
	t.Helper()
	ok, err := e.repo.Lock(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	env, err := e.repo.Retrieve(context.Background(), id)
	require.NoError(t, err)
	e.manager.Process(context.Background(), env)
}

func (e *testEnv) retrieve(t *testing.T, id string) *envelope.Envelope {
	t.Helper()
	env, err := e.repo.Retrieve(context.Background(), id)
	require.NoError(t, err)
	return env
}

func (e *testEnv) stored(t *testing.T) []*envelope.Envelope {
	t.Helper()
	var out []*envelope.Envelope
	for env, err := range spool.Envelopes(context.Background(), e.repo) {
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func addrs(list ...string) []envelope.Address {
	out := make([]envelope.Address, 0, len(list))
	for _, s := range list {
		out = append(out, envelope.MustParseAddress(s))
	}
	return out
}

func all() mailet.Matcher {
	return mailet.MatcherFunc(func(_ context.Context, env *envelope.Envelope) ([]envelope.Address, error) {
		return env.Recipients, nil
	})
}

func recipient(addr string) mailet.Matcher {
	want := addrs(addr)
	return mailet.MatcherFunc(func(_ context.Context, env *envelope.Envelope) ([]envelope.Address, error) {
		return envelope.Intersect(env.Recipients, want), nil
	})
}

func step(m mailet.Matcher, name string, fn mailet.MailetFunc) mailet.Step {
	return mailet.Step{MatcherSpec: "test", MailetName: name, Matcher: m, Mailet: fn}
}

func ghost(_ context.Context, env *envelope.Envelope) error {
	env.State = envelope.StateGhost
	return nil
}

func TestEndToEndGhostIsRemoved(t *testing.T) {
	e := newTestEnv(t, nil)

	var seen atomic.Int32
	e.setChains(t, mailet.NewChain("root", step(all(), "Counting", func(_ context.Context, env *envelope.Envelope) error {
		seen.Store(int32(len(env.Recipients)))
		env.State = envelope.StateGhost
		return nil
	})))

	e.spool(t, "m1", "root", "x@d.example", "y@d.example")
	require.NoError(t, e.manager.Start(context.Background()))
	defer e.manager.Stop()

	require.Eventually(t, func() bool {
		_, err := e.repo.Retrieve(context.Background(), "m1")
		return errors.Is(err, spool.ErrNotFound)
	}, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, seen.Load())
}

func TestFanOut(t *testing.T) {
	e := newTestEnv(t, nil)

	type ghosted struct {
		id     string
		rcpts  []string
		tagged bool
	}
	var mu sync.Mutex
	var out []ghosted

	e.setChains(t, mailet.NewChain("root",
		step(recipient("x@d.example"), "Tag", func(_ context.Context, env *envelope.Envelope) error {
			env.SetAttribute("tag", true)
			return nil
		}),
		step(all(), "Ghost", func(_ context.Context, env *envelope.Envelope) error {
			_, tagged := env.Attribute("tag")
			var rcpts []string
			for _, r := range env.Recipients {
				rcpts = append(rcpts, r.String())
			}
			mu.Lock()
			out = append(out, ghosted{id: env.ID, rcpts: rcpts, tagged: tagged})
			mu.Unlock()
			env.State = envelope.StateGhost
			return nil
		}),
	))

	e.spool(t, "m2", "root", "x@d.example", "y@d.example")
	e.processOnce(t, "m2")

	assert.Empty(t, e.stored(t))
	require.Len(t, out, 2)
	byRcpt := map[string]ghosted{}
	for _, g := range out {
		require.Len(t, g.rcpts, 1)
		byRcpt[g.rcpts[0]] = g
	}
	assert.True(t, byRcpt["x@d.example"].tagged)
	assert.NotEqual(t, "m2", byRcpt["x@d.example"].id)
	assert.False(t, byRcpt["y@d.example"].tagged)
	assert.Equal(t, "m2", byRcpt["y@d.example"].id)
}

func TestRerouteStoresAndUnlocks(t *testing.T) {
	e := newTestEnv(t, nil)
	e.setChains(t,
		mailet.NewChain("root",
			step(recipient("x@d.example"), "ToRemote", func(_ context.Context, env *envelope.Envelope) error {
				env.State = "remote"
				return nil
			}),
			step(all(), "ToLocal", func(_ context.Context, env *envelope.Envelope) error {
				env.State = "local"
				return nil
			}),
		),
		mailet.NewChain("remote", step(all(), "Ghost", ghost)),
		mailet.NewChain("local", step(all(), "Ghost", ghost)),
	)

	e.spool(t, "m3", "root", "x@d.example", "y@d.example")
	e.processOnce(t, "m3")

	states := map[string][]envelope.Address{}
	for _, env := range e.stored(t) {
		states[env.State] = env.Recipients
	}
	assert.Equal(t, addrs("x@d.example"), states["remote"])
	assert.Equal(t, addrs("y@d.example"), states["local"])

	ok, err := e.repo.Lock(context.Background(), "m3")
	require.NoError(t, err)
	assert.True(t, ok, "original must be unlocked after filing")
}

func TestUnknownProcessorGoesToErrorProcessor(t *testing.T) {
	e := newTestEnv(t, nil)
	var bounced atomic.Bool
	e.setChains(t,
		mailet.NewChain("root", step(all(), "Ghost", ghost)),
		mailet.NewChain("error", step(all(), "Record", func(_ context.Context, env *envelope.Envelope) error {
			bounced.Store(true)
			env.State = envelope.StateGhost
			return nil
		})),
	)

	e.spool(t, "m4", "nowhere", "x@d.example")
	e.processOnce(t, "m4")

	env := e.retrieve(t, "m4")
	assert.Equal(t, "error", env.State)
	assert.Contains(t, env.ErrorMessage, "nowhere")
	assert.Empty(t, env.FailedState)
	assert.Equal(t, 1, env.RetryCount)
	assert.True(t, e.manager.newFilter().Accept(spool.CandidateOf(env)))

	e.processOnce(t, "m4")
	assert.True(t, bounced.Load())
	assert.Empty(t, e.stored(t))
}

func TestFailuresAreParkedWithoutErrorProcessor(t *testing.T) {
	e := newTestEnv(t, nil)
	e.setChains(t, mailet.NewChain("root", step(all(), "Broken", func(context.Context, *envelope.Envelope) error {
		return errors.New("disk on fire")
	})))

	e.spool(t, "m5", "root", "x@d.example")
	e.processOnce(t, "m5")

	env := e.retrieve(t, "m5")
	assert.Equal(t, "error", env.State)
	assert.Equal(t, "root", env.FailedState)
	assert.Contains(t, env.ErrorMessage, "disk on fire")
	assert.False(t, e.manager.newFilter().Accept(spool.CandidateOf(env)), "parked envelopes are never accepted")
}

func TestRetryLifecycle(t *testing.T) {
	e := newTestEnv(t, nil)

	var attempts atomic.Int32
	e.setChains(t,
		mailet.NewChain("root", step(all(), "Flaky", func(_ context.Context, env *envelope.Envelope) error {
			if attempts.Add(1) == 1 {
				return errors.New("remote busy")
			}
			assert.Empty(t, env.ErrorMessage, "error is cleared before a retried attempt")
			env.State = envelope.StateGhost
			return nil
		})),
		mailet.NewChain("error", step(all(), "Retry", func(_ context.Context, env *envelope.Envelope) error {
			env.State = env.FailedState
			return nil
		})),
	)

	e.spool(t, "m6", "root", "x@d.example")
	e.processOnce(t, "m6")
	env := e.retrieve(t, "m6")
	require.Equal(t, "error", env.State)
	assert.True(t, e.manager.newFilter().Accept(spool.CandidateOf(env)), "the error processor takes failures at once")

	e.processOnce(t, "m6")
	env = e.retrieve(t, "m6")
	require.Equal(t, "root", env.State)
	assert.Contains(t, env.ErrorMessage, "remote busy")

	// Backoff: eligible only RetryCount*RetryDelay after the last update.
	c := spool.CandidateOf(env)
	assert.False(t, e.manager.newFilter().Accept(c))
	c.LastUpdated = c.LastUpdated.Add(-2 * time.Minute)
	assert.True(t, e.manager.newFilter().Accept(c))

	e.processOnce(t, "m6")
	assert.Empty(t, e.stored(t))
	assert.EqualValues(t, 2, attempts.Load())
}

func TestRetriesAboveLimitAreParked(t *testing.T) {
	e := newTestEnv(t, nil)
	e.setChains(t,
		mailet.NewChain("root", step(all(), "Ghost", ghost)),
		mailet.NewChain("error", step(all(), "Ghost", ghost)),
	)
	c := spool.Candidate{Key: "k", State: "error", ErrorMessage: "x", RetryCount: 3}
	assert.True(t, e.manager.newFilter().Accept(c))
	c.RetryCount = 4
	assert.False(t, e.manager.newFilter().Accept(c))
}

func TestWorkerFiltersKeepTheirOwnWait(t *testing.T) {
	e := newTestEnv(t, nil)
	e.setChains(t,
		mailet.NewChain("root", step(all(), "Ghost", ghost)),
		mailet.NewChain("error", step(all(), "Ghost", ghost)),
	)
	c := spool.Candidate{Key: "k", State: "root", ErrorMessage: "x", RetryCount: 1, LastUpdated: time.Now()}

	busy := e.manager.newFilter()
	idle := e.manager.newFilter()
	assert.False(t, busy.Accept(c))

	// Another worker finishing its scan must not consume this wait.
	assert.Zero(t, idle.WaitTime())
	wait := busy.WaitTime()
	assert.Positive(t, wait)
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestErrorProcessorFailureIsParked(t *testing.T) {
	e := newTestEnv(t, nil)
	e.setChains(t,
		mailet.NewChain("root", step(all(), "Broken", func(context.Context, *envelope.Envelope) error {
			return errors.New("remote busy")
		})),
		mailet.NewChain("error", step(all(), "AlsoBroken", func(context.Context, *envelope.Envelope) error {
			return errors.New("no bounce target")
		})),
	)

	e.spool(t, "m9", "root", "x@d.example")
	e.processOnce(t, "m9")
	e.processOnce(t, "m9")

	env := e.retrieve(t, "m9")
	require.Equal(t, "error", env.State)
	assert.Equal(t, "error", env.FailedState)
	assert.Contains(t, env.ErrorMessage, "no bounce target")
	assert.Equal(t, 2, env.RetryCount)
	assert.False(t, e.manager.newFilter().Accept(spool.CandidateOf(env)), "failures in the error processor do not loop")

	env, err := spool.Requeue(context.Background(), e.queue, "m9", "error", false)
	require.NoError(t, err)
	assert.True(t, e.manager.newFilter().Accept(spool.CandidateOf(env)), "an operator requeue releases it")
}

// failingRepository fails Store while fail is set.
type failingRepository struct {
	spool.Repository
	fail atomic.Bool
}

func (r *failingRepository) Store(ctx context.Context, env *envelope.Envelope) error {
	if r.fail.Load() {
		return errors.New("disk full")
	}
	return r.Repository.Store(ctx, env)
}

func TestFilingFailureIsReportedAndReleasesLock(t *testing.T) {
	repo := &failingRepository{Repository: spool.NewMemoryRepository()}
	e := newTestEnv(t, repo)
	e.setChains(t,
		mailet.NewChain("root", step(recipient("x@d.example"), "Reroute", func(_ context.Context, env *envelope.Envelope) error {
			env.State = "remote"
			return nil
		}), step(all(), "Ghost", ghost)),
		mailet.NewChain("remote", step(all(), "Ghost", ghost)),
	)

	e.spool(t, "m7", "root", "x@d.example", "y@d.example")
	repo.fail.Store(true)
	e.processOnce(t, "m7")

	select {
	case err := <-e.errCh:
		assert.Contains(t, err.Error(), "CRITICAL")
		assert.Contains(t, err.Error(), "m7")
	default:
		t.Fatal("expected an operational error")
	}

	// The original is untouched and unlocked, so it is processed again.
	env := e.retrieve(t, "m7")
	assert.Equal(t, "root", env.State)
	assert.Len(t, env.Recipients, 2)
	ok, err := repo.Lock(context.Background(), "m7")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStopDrainsInFlightEnvelope(t *testing.T) {
	e := newTestEnv(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	e.setChains(t, mailet.NewChain("root", step(all(), "Slow", func(ctx context.Context, env *envelope.Envelope) error {
		close(entered)
		<-release
		assert.NoError(t, ctx.Err())
		env.State = envelope.StateGhost
		return nil
	})))

	e.spool(t, "m8", "root", "x@d.example")
	require.NoError(t, e.manager.Start(context.Background()))
	<-entered

	stopped := make(chan bool)
	go func() { stopped <- e.manager.Stop() }()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an envelope was in flight")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	assert.True(t, <-stopped)

	_, err := e.repo.Retrieve(context.Background(), "m8")
	assert.ErrorIs(t, err, spool.ErrNotFound)
}

func TestStartRequiresRootProcessor(t *testing.T) {
	e := newTestEnv(t, nil)
	assert.Error(t, e.manager.Start(context.Background()))

	e.setChains(t, mailet.NewChain("other", step(all(), "Ghost", ghost)))
	err := e.manager.Start(context.Background())
	assert.ErrorIs(t, err, mailet.ErrUnknownProcessor)
}

func TestContextFacts(t *testing.T) {
	e := newTestEnv(t, nil)
	assert.Equal(t, "mx.example.com", e.manager.ServerName())
	assert.Equal(t, "postmaster@example.com", e.manager.Postmaster().String())
	assert.True(t, e.manager.IsLocalDomain("d.example"))
	assert.True(t, e.manager.IsLocalDomain("D.EXAMPLE"))
	assert.False(t, e.manager.IsLocalDomain("example.org"))
}

func TestReplaceBodyKeepsOriginal(t *testing.T) {
	e := newTestEnv(t, nil)
	env := e.spool(t, "m9", "root", "x@d.example")
	old := env.Body

	require.NoError(t, e.manager.ReplaceBody(context.Background(), env, strings.NewReader("Subject: new\r\n\r\nbody\r\n")))
	assert.NotEqual(t, old.Key, env.Body.Key)

	data, err := storage.ReadContent(context.Background(), e.bodies, old)
	require.NoError(t, err)
	assert.Equal(t, sampleMessage, string(data))
}

func TestSendMailSpoolsToRoot(t *testing.T) {
	e := newTestEnv(t, nil)
	e.setChains(t, mailet.NewChain("root", step(all(), "Ghost", ghost)))

	require.NoError(t, e.manager.SendMail(context.Background(), nil, addrs("x@d.example"), strings.NewReader(sampleMessage), ""))
	stored := e.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, "root", stored[0].State)
	assert.Nil(t, stored[0].Sender)
	assert.EqualValues(t, len(sampleMessage), stored[0].Body.Size)

	err := e.manager.SendMail(context.Background(), nil, nil, strings.NewReader(sampleMessage), "")
	assert.Error(t, err)
}
