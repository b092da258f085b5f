// Package spoolmanager drives envelopes through the configured processors.
//
// A Manager runs a fixed pool of workers. Each worker repeatedly accepts a
// locked envelope from the spool queue, runs the processor named by its
// state, and files the outcome: ghosts are removed, everything else is
// stored back and unlocked. Envelopes split off during processing are
// stored as independent envelopes first, so a failure while filing never
// loses recipients; the original is then left untouched in the spool and
// processed again.
//
// The Manager is also the mailet.Context handed to matchers and mailets.
package spoolmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/pkg/metrics"
	"github.com/migadu/spoold/spool"
	"github.com/migadu/spoold/storage"
)

// acceptRetryDelay is how long a worker pauses after a failed accept.
const acceptRetryDelay = time.Second

// Options configures a Manager.
type Options struct {
	Threads        int
	RootProcessor  string
	ErrorProcessor string
	RetryDelay     time.Duration // backoff unit for failed envelopes
	MaxRetries     int           // failed envelopes above this count are parked; negative disables
	ShutdownGrace  time.Duration

	ServerName     string
	Postmaster     envelope.Address
	LocalDomains   []string
	MaxBounceBytes int64 // how much of the original a bounce quotes
}

// OptionsFromConfig collects the manager options from cfg.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	retryDelay, err := cfg.Manager.GetRetryDelay()
	if err != nil {
		return Options{}, fmt.Errorf("invalid manager.retry_delay: %w", err)
	}
	grace, err := cfg.Manager.GetShutdownGrace()
	if err != nil {
		return Options{}, fmt.Errorf("invalid manager.shutdown_grace: %w", err)
	}
	postmaster, err := envelope.ParseAddress(cfg.Local.GetPostmaster())
	if err != nil {
		return Options{}, fmt.Errorf("invalid local.postmaster: %w", err)
	}
	return Options{
		Threads:        cfg.Manager.GetThreads(),
		RootProcessor:  cfg.Manager.GetRootProcessor(),
		ErrorProcessor: cfg.Manager.GetErrorProcessor(),
		RetryDelay:     retryDelay,
		MaxRetries:     cfg.Manager.GetMaxRetries(),
		ShutdownGrace:  grace,
		ServerName:     cfg.Local.GetServerName(),
		Postmaster:     postmaster,
		LocalDomains:   cfg.Local.Domains,
		MaxBounceBytes: cfg.Local.GetMaxBounceBytes(),
	}, nil
}

// Manager runs the worker pool.
type Manager struct {
	queue   *spool.Queue
	bodies  storage.BodyStore
	opts    Options
	domains map[string]bool
	errCh   chan<- error
	log     *slog.Logger

	mu       sync.Mutex
	chains   *mailet.Chains
	hasError bool
	cancel   context.CancelFunc
	running  bool
	wg       sync.WaitGroup
}

// New creates a manager. Processors are attached with SetChains, which
// is separate because building them needs the manager as mailet.Context.
// Storage errors that could not be handled are sent to errCh when it is
// set, otherwise logged.
func New(queue *spool.Queue, bodies storage.BodyStore, opts Options, errCh chan<- error) *Manager {
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	if opts.RootProcessor == "" {
		opts.RootProcessor = envelope.StateRoot
	}
	if opts.ErrorProcessor == "" {
		opts.ErrorProcessor = envelope.StateError
	}
	domains := make(map[string]bool, len(opts.LocalDomains))
	for _, d := range opts.LocalDomains {
		domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &Manager{
		queue:   queue,
		bodies:  bodies,
		opts:    opts,
		domains: domains,
		errCh:   errCh,
		log:     logger.With("component", "spoolmanager"),
	}
}

// SetChains attaches the processors. It must be called before Start.
func (m *Manager) SetChains(chains *mailet.Chains) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains = chains
	m.hasError = chains.Has(m.opts.ErrorProcessor)
	if !m.hasError {
		m.log.Warn("SpoolManager: no error processor configured, failed envelopes will be parked", "error_processor", m.opts.ErrorProcessor)
	}
}

// Chains returns the attached processors.
func (m *Manager) Chains() *mailet.Chains {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chains
}

// Start launches the workers. It is a no-op when already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.chains == nil {
		return errors.New("spool manager has no processors")
	}
	if !m.chains.Has(m.opts.RootProcessor) {
		return fmt.Errorf("%w: root processor %q", mailet.ErrUnknownProcessor, m.opts.RootProcessor)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	for i := 0; i < m.opts.Threads; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}
	m.log.Info("SpoolManager: started", "threads", m.opts.Threads, "processors", m.chains.Names())
	return nil
}

// Stop interrupts waiting workers and lets busy ones finish the envelope
// they hold, waiting at most ShutdownGrace. It reports whether all workers
// exited in time.
func (m *Manager) Stop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return true
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if m.opts.ShutdownGrace > 0 {
		timer := time.NewTimer(m.opts.ShutdownGrace)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-done:
		m.log.Info("SpoolManager: stopped")
		return true
	case <-timeout:
		m.log.Warn("SpoolManager: workers still busy after shutdown grace period", "grace", m.opts.ShutdownGrace)
		return false
	}
}

func (m *Manager) worker(ctx context.Context, n int) {
	defer m.wg.Done()
	log := m.log.With("worker", n)
	filter := m.newFilter()

	for {
		env, err := m.queue.AcceptFilter(ctx, filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.reportError(fmt.Errorf("accept failed: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		metrics.ManagerBusyWorkers.Inc()
		// The envelope is locked: finish it even when shutdown starts.
		m.Process(context.WithoutCancel(ctx), env)
		metrics.ManagerBusyWorkers.Dec()
		log.Debug("SpoolManager: envelope filed", "id", env.ID, "state", env.State)
	}
}

// Process runs one locked envelope through its processor and files the
// result. The caller must hold the lock for env.
func (m *Manager) Process(ctx context.Context, env *envelope.Envelope) {
	m.normalize(env)

	var derived []*envelope.Envelope
	if !env.Done() {
		if env.State != m.opts.ErrorProcessor {
			// Any backoff was applied by the accept filter.
			env.ClearError()
		}
		chain, err := m.chains.GetChain(env.State)
		if err != nil {
			m.log.Error("SpoolManager: envelope state names no processor", "id", env.ID, "state", env.State)
			env.Fail("", err)
			m.normalize(env)
		} else {
			derived = chain.Process(ctx, env)
		}
	}
	m.file(ctx, env, derived)
}

// normalize maps the generic error state to the configured error processor.
func (m *Manager) normalize(env *envelope.Envelope) {
	if env.State == envelope.StateError {
		env.State = m.opts.ErrorProcessor
	}
}

func (m *Manager) file(ctx context.Context, env *envelope.Envelope, derived []*envelope.Envelope) {
	for _, d := range derived {
		m.normalize(d)
		if d.Done() {
			continue
		}
		if err := m.queue.Store(ctx, d); err != nil {
			metrics.ManagerFilingErrors.WithLabelValues("store_derived").Inc()
			m.reportError(fmt.Errorf("CRITICAL - failed to store envelope %s split from %s, original left for reprocessing: %w", d.ID, env.ID, err))
			m.release(ctx, env.ID)
			return
		}
	}

	if env.Done() {
		if err := m.queue.Remove(ctx, env.ID); err != nil {
			metrics.ManagerFilingErrors.WithLabelValues("remove").Inc()
			m.reportError(fmt.Errorf("CRITICAL - failed to remove finished envelope %s: %w", env.ID, err))
			m.release(ctx, env.ID)
		}
		return
	}

	if err := m.queue.Store(ctx, env); err != nil {
		metrics.ManagerFilingErrors.WithLabelValues("store").Inc()
		m.reportError(fmt.Errorf("CRITICAL - failed to store envelope %s in state %s: %w", env.ID, env.State, err))
	}
	m.release(ctx, env.ID)
}

func (m *Manager) release(ctx context.Context, id string) {
	if ok, err := m.queue.Unlock(ctx, id); err != nil {
		metrics.ManagerFilingErrors.WithLabelValues("unlock").Inc()
		m.reportError(fmt.Errorf("CRITICAL - failed to unlock envelope %s: %w", id, err))
	} else if !ok {
		m.log.Warn("SpoolManager: envelope was not locked on release", "id", id)
	}
}

func (m *Manager) reportError(err error) {
	if m.errCh != nil {
		select {
		case m.errCh <- err:
			return
		default:
		}
	}
	m.log.Error("SpoolManager: operational error", "error", err)
}

// acceptFilter applies the retry backoff to failed envelopes that were
// sent back to a processor and parks envelopes the error processor cannot
// take: all of them when it does not exist, those that already failed in
// the error processor itself, and those that failed more than MaxRetries
// times.
type acceptFilter struct {
	delay          *spool.DelayFilter
	errorProcessor string
	hasError       bool
	maxRetries     int
}

func newAcceptFilter(opts Options, hasErrorProcessor bool) *acceptFilter {
	return &acceptFilter{
		delay:          spool.NewDelayFilter(opts.RetryDelay),
		errorProcessor: opts.ErrorProcessor,
		hasError:       hasErrorProcessor,
		maxRetries:     opts.MaxRetries,
	}
}

// newFilter returns a filter for one worker. The backoff wait it reports
// is per filter, so workers must not share one.
func (m *Manager) newFilter() *acceptFilter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newAcceptFilter(m.opts, m.hasError)
}

func (f *acceptFilter) Accept(c spool.Candidate) bool {
	if c.State == f.errorProcessor || c.State == envelope.StateError {
		if !f.hasError || c.FailedState == f.errorProcessor {
			return false
		}
		return f.maxRetries < 0 || c.RetryCount <= f.maxRetries
	}
	return f.delay.Accept(c)
}

func (f *acceptFilter) WaitTime() time.Duration {
	return f.delay.WaitTime()
}
