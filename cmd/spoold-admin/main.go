package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	switch command {
	case "migrate":
		handleMigrateCommand(ctx)
	case "list":
		handleList(ctx)
	case "show":
		handleShow(ctx)
	case "requeue":
		handleRequeue(ctx)
	case "remove":
		handleRemove(ctx)
	case "inject":
		handleInject(ctx)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`spoold Admin Tool

Usage:
  spoold-admin <command> [options]

Commands:
  migrate   Manage the postgres spool schema (up, down, version, force)
  list      List spooled envelopes
  show      Show one envelope, optionally with its message
  requeue   Move an envelope to another processor
  remove    Delete an envelope from the spool
  inject    Spool a message read from a file or stdin
  help      Show this help message

The disk and sqlite backends only lock envelopes inside the running daemon.
Stop spoold before using requeue or remove on them.

Examples:
  spoold-admin migrate up --config /etc/spoold/config.toml
  spoold-admin list --state error
  spoold-admin show --id 01HV3K2M9QW4Z8XJ5B7C --body
  spoold-admin requeue --id 01HV3K2M9QW4Z8XJ5B7C --state transport --reset-retries
  spoold-admin inject --sender alice@example.org --recipients bob@example.com < message.eml

Use 'spoold-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the configuration the same way the daemon does.
func loadConfig(path string) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if !os.IsNotExist(err) || path != "config.toml" {
			logger.Fatalf("Failed to load configuration from %s: %v", path, err)
		}
		logger.Warn("Default configuration file not found, using application defaults", "path", path)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}
	if _, err := logger.Initialize(config.LoggingConfig{Output: "stderr", Format: "console", Level: cfg.Logging.Level}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning initializing logger: %v\n", err)
	}
	return cfg
}
