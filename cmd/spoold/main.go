package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/errors"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("spoold version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "SPOOLD: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "SPOOLD: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("spoold starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Logging configured", "format", cfg.Logging.Format, "level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	deps, err := initializeServices(ctx, &cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.ExitCode())
	}
	defer deps.close()

	errChan := startServices(ctx, deps)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down, waiting for in-flight envelopes")
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		cancel()
	}

	// Workers finish the envelope they hold before the spool is closed.
	if !deps.manager.Stop() {
		logger.Warn("Some envelopes were still being processed at shutdown, they will be processed again after restart")
	}
	deps.serverManager.WaitTimeout(10 * time.Second)

	if code := errorHandler.ExitCode(); code != errors.ExitOK {
		deps.close()
		os.Exit(code)
	}
}

// loadAndValidateConfig loads configuration from file and validates it
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Warn("Default configuration file not found, using application defaults", "path", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.ExitCode())
		}
	} else {
		logger.Info("Loaded configuration", "path", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.ExitCode())
	}
}
