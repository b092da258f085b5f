package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/spool"
)

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Spool Schema Migration Management

Only used with the postgres spool backend. Changes are made while holding
the migration advisory lock, so two migrators never run at once.

Usage:
  spoold-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  spoold-admin migrate up
  spoold-admin migrate down --limit 2
  spoold-admin migrate down --all
  spoold-admin migrate version
  spoold-admin migrate force 1
`)
}

func openMigrator(ctx context.Context, configPath string) (*migrate.Migrate, func()) {
	cfg := loadConfig(configPath)
	if cfg.Spool.Backend != "postgres" {
		logger.Fatalf("Spool backend is %q, migrations only apply to postgres", cfg.Spool.Backend)
	}
	m, db, err := spool.NewMigrator(ctx, cfg.Database.DSN())
	if err != nil {
		logger.Fatalf("Failed to initialize migration tool: %v", err)
	}
	lock, err := spool.AcquireMigrationLock(ctx, db)
	if err != nil {
		db.Close()
		logger.Fatalf("Failed to acquire migration lock: %v", err)
	}
	return m, func() {
		spool.ReleaseMigrationLock(context.Background(), lock)
		db.Close()
	}
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	m, done := openMigrator(ctx, *configPath)
	defer done()

	logger.Info("Applying UP migrations")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatalf("Failed to apply UP migrations: %v", err)
	}
	logger.Info("Migrations applied successfully")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	m, done := openMigrator(ctx, *configPath)
	defer done()

	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				logger.Info("No migrations to revert")
				return
			}
			logger.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			logger.Fatalf("Database is in a dirty state (version %d), fix it with the force command", version)
		}
		logger.Info("Reverting all migrations", "count", version)
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		logger.Info("Reverting migrations", "count", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			logger.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	logger.Info("Migrations reverted successfully")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	m, done := openMigrator(ctx, *configPath)
	defer done()
	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: spoold-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		logger.Fatalf("Invalid version number: %v", err)
	}

	m, done := openMigrator(ctx, *configPath)
	defer done()

	logger.Info("Forcing migration version", "version", version)
	if err := m.Force(version); err != nil {
		logger.Fatalf("Failed to force version: %v", err)
	}
	showVersion(m)
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Migration version: none (no migrations applied)")
			return
		}
		logger.Fatalf("Failed to get migration version: %v", err)
	}
	fmt.Printf("Migration version: %d, dirty: %t\n", version, dirty)
}
