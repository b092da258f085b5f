package spool

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/migadu/spoold/consts"
	"github.com/migadu/spoold/logger"
)

// MigrationsFS holds the postgres schema migrations.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// NewMigrator opens a dedicated connection for schema migrations. The
// caller closes the returned *sql.DB.
func NewMigrator(ctx context.Context, dsn string) (*migrate.Migrate, *sql.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{MigrationsTable: "spoold_schema_migrations"})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrationLogger{}
	return m, sqlDB, nil
}

// MigrateUp applies all pending migrations while holding the spool
// migration advisory lock.
func MigrateUp(ctx context.Context, dsn string) error {
	m, sqlDB, err := NewMigrator(ctx, dsn)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	lockConn, err := AcquireMigrationLock(ctx, sqlDB)
	if err != nil {
		return err
	}
	defer ReleaseMigrationLock(context.Background(), lockConn)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Info("Spool: database schema is up to date", "version", version, "dirty", dirty)
	}
	return nil
}

// AcquireMigrationLock takes the session-level advisory lock that keeps
// two migrators from running at once. The lock lives on the returned
// connection; pass it to ReleaseMigrationLock.
func AcquireMigrationLock(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := db.Conn(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for advisory lock: %w", err)
	}
	var acquired bool
	err = conn.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.SpoolMigrationLockID).Scan(&acquired)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, fmt.Errorf("could not acquire migration lock: another migration is running")
	}
	return conn, nil
}

// ReleaseMigrationLock releases the advisory lock and closes conn.
func ReleaseMigrationLock(ctx context.Context, conn *sql.Conn) {
	defer conn.Close()
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	err := conn.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.SpoolMigrationLockID).Scan(&unlocked)
	if err != nil {
		logger.Warn("Spool: failed to release migration lock", "error", err)
	} else if !unlocked {
		logger.Warn("Spool: migration lock was not held at time of release")
	}
}

type migrationLogger struct{}

func (migrationLogger) Printf(format string, v ...any) {
	logger.Infof("Migrate: "+format, v...)
}

func (migrationLogger) Verbose() bool {
	return false
}
