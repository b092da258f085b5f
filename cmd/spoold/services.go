package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/mailet/standard"
	"github.com/migadu/spoold/pkg/metrics"
	"github.com/migadu/spoold/server/adminapi"
	"github.com/migadu/spoold/server/cleaner"
	"github.com/migadu/spoold/server/spoolmanager"
	"github.com/migadu/spoold/spool"
	"github.com/migadu/spoold/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

// WaitTimeout waits for all servers to return, at most timeout.
func (sm *serverManager) WaitTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(timeout):
		logger.Warn("Server shutdown timeout reached", "timeout", timeout)
	}
}

// serverDependencies holds the shared services of the daemon
type serverDependencies struct {
	config           *config.Config
	bodies           *storage.Resilient
	queue            *spool.Queue
	manager          *spoolmanager.Manager
	chains           *mailet.Chains
	archives         []spool.Repository
	cleanupWorker    *cleaner.CleanupWorker
	metricsCollector *metrics.Collector
	managerErrors    chan error
	serverManager    *serverManager

	closeOnce sync.Once
}

func initializeServices(ctx context.Context, cfg *config.Config) (*serverDependencies, error) {
	deps := &serverDependencies{
		config:        cfg,
		managerErrors: make(chan error, 64),
		serverManager: &serverManager{},
	}

	bodies, err := storage.NewFromConfig(&cfg.BodyStore)
	if err != nil {
		return nil, fmt.Errorf("failed to open body store: %w", err)
	}
	deps.bodies = bodies

	queue, err := spool.NewQueueFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	deps.queue = queue
	logger.Info("Spool opened", "backend", cfg.Spool.Backend)

	opts, err := spoolmanager.OptionsFromConfig(cfg)
	if err != nil {
		deps.close()
		return nil, err
	}
	deps.manager = spoolmanager.New(queue, bodies, opts, deps.managerErrors)

	chains, err := mailet.BuildChains(cfg.Processors, standard.NewRegistry(), deps.manager)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("failed to build processors: %w", err)
	}
	deps.chains = chains
	deps.manager.SetChains(chains)

	if cfg.Cleanup.Enabled {
		interval, err := cfg.Cleanup.GetInterval()
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("invalid cleanup.interval: %w", err)
		}
		grace, err := cfg.Cleanup.GetGracePeriod()
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("invalid cleanup.grace_period: %w", err)
		}
		repos := []spool.Repository{queue.Repository}
		for _, path := range standard.RepositoryPaths(cfg.Processors) {
			archive, err := spool.NewDiskRepository(path)
			if err != nil {
				deps.close()
				return nil, fmt.Errorf("failed to open archive repository %s: %w", path, err)
			}
			deps.archives = append(deps.archives, archive)
			repos = append(repos, archive)
		}
		deps.cleanupWorker = cleaner.New(bodies, repos, interval, grace)
	}

	if cfg.Metrics.Enabled {
		interval, err := cfg.Metrics.GetCollectInterval()
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("invalid metrics.collect_interval: %w", err)
		}
		deps.metricsCollector = metrics.NewCollector(metrics.StatsProviderFunc(func(ctx context.Context) (map[string]int64, error) {
			return spool.CountByState(ctx, queue.Repository)
		}), interval)
	}

	return deps, nil
}

// close releases everything initializeServices opened. It is safe to call
// more than once.
func (d *serverDependencies) close() {
	d.closeOnce.Do(func() {
		if d.cleanupWorker != nil {
			d.cleanupWorker.Stop()
		}
		if d.metricsCollector != nil {
			d.metricsCollector.Stop()
		}
		if d.chains != nil {
			if err := d.chains.Close(); err != nil {
				logger.Warn("Error closing processors", "error", err)
			}
		}
		for _, a := range d.archives {
			a.Close()
		}
		if d.queue != nil {
			if err := d.queue.Close(); err != nil {
				logger.Warn("Error closing spool", "error", err)
			}
		}
	})
}

// startServices starts the manager and every enabled server. Errors that
// should stop the daemon are sent on the returned channel.
func startServices(ctx context.Context, deps *serverDependencies) chan error {
	cfg := deps.config
	errChan := make(chan error, 4)

	go logManagerErrors(ctx, deps.managerErrors)

	if err := deps.manager.Start(ctx); err != nil {
		errChan <- fmt.Errorf("failed to start spool manager: %w", err)
		return errChan
	}

	if deps.cleanupWorker != nil {
		deps.cleanupWorker.Start(ctx)
	}

	if deps.metricsCollector != nil {
		go deps.metricsCollector.Start(ctx)
		deps.serverManager.Go(func() { startMetricsServer(ctx, cfg.Metrics, errChan) })
	}

	if cfg.AdminAPI.Start {
		maxInject, err := cfg.AdminAPI.GetMaxInjectSize()
		if err != nil {
			errChan <- fmt.Errorf("invalid admin_api.max_inject_size: %w", err)
			return errChan
		}
		api, err := adminapi.New(deps.queue, deps.bodies, deps.chains, adminapi.ServerOptions{
			Addr:          cfg.AdminAPI.Addr,
			APIKey:        cfg.AdminAPI.APIKey,
			APIKeyHash:    cfg.AdminAPI.APIKeyHash,
			AllowedHosts:  cfg.AdminAPI.AllowedHosts,
			RootProcessor: cfg.Manager.GetRootProcessor(),
			MaxInjectSize: maxInject,
			TLS:           cfg.AdminAPI.TLS,
			TLSCertFile:   cfg.AdminAPI.TLSCertFile,
			TLSKeyFile:    cfg.AdminAPI.TLSKeyFile,
		})
		if err != nil {
			errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
			return errChan
		}
		deps.serverManager.Go(func() { api.Start(ctx, errChan) })
	}

	return errChan
}

// logManagerErrors drains the spool manager's error channel. These errors
// concern single envelopes and never stop the daemon.
func logManagerErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			logger.Error("SpoolManager: operational error", "error", err)
		}
	}
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan<- error) {
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "error", err)
		}
	}()

	logger.Info("Metrics server starting", "addr", cfg.Addr, "path", path)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
