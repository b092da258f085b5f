package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/consts"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
)

// PostgresRepository shares one spool between several spoold instances.
//
// Locks are rows in spool_locks owned by this repository's instance token.
// A lock older than lockTTL is treated as abandoned by a crashed instance
// and may be taken over, so chain execution must finish within the TTL.
type PostgresRepository struct {
	pool         *pgxpool.Pool
	owner        uuid.UUID
	lockTTL      time.Duration
	queryTimeout time.Duration
	ownsPool     bool
}

// migrateUp is replaced in tests.
var migrateUp = MigrateUp

// NewPostgresRepository connects using cfg. With cfg.AutoMigrate set,
// pending migrations are applied first. This is the only place the
// daemon migrates.
func NewPostgresRepository(ctx context.Context, cfg *config.DatabaseConfig, lockTTL time.Duration) (*PostgresRepository, error) {
	if cfg.AutoMigrate {
		timeout, err := cfg.GetMigrationTimeout()
		if err != nil {
			return nil, fmt.Errorf("invalid migration_timeout: %w", err)
		}
		migrateCtx, cancel := context.WithTimeout(ctx, timeout)
		err = migrateUp(migrateCtx, cfg.DSN())
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to migrate spool database: %w", err)
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if lifetime, err := cfg.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	} else if lifetime > 0 {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idle, err := cfg.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	} else if idle > 0 {
		poolConfig.MaxConnIdleTime = idle
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Spool: connected to postgres", "host", cfg.Host, "database", cfg.Name,
		"max_conns", pool.Config().MaxConns, "lock_ttl", lockTTL)

	r := NewPostgresRepositoryWithPool(pool, lockTTL)
	r.ownsPool = true
	if qt, err := cfg.GetQueryTimeout(); err == nil {
		r.queryTimeout = qt
	}
	return r, nil
}

// NewPostgresRepositoryWithPool uses an existing pool. The schema must
// already be migrated.
func NewPostgresRepositoryWithPool(pool *pgxpool.Pool, lockTTL time.Duration) *PostgresRepository {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &PostgresRepository{
		pool:         pool,
		owner:        uuid.New(),
		lockTTL:      lockTTL,
		queryTimeout: 30 * time.Second,
	}
}

// Owner is the instance token written into lock rows.
func (r *PostgresRepository) Owner() uuid.UUID {
	return r.owner
}

func (r *PostgresRepository) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.queryTimeout)
}

func (r *PostgresRepository) Store(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	env.LastUpdated = time.Now()
	data, err := json.Marshal(env)
	if err != nil {
		observe("store", start, err)
		return fmt.Errorf("%w: envelope %s: %w", consts.ErrSerializationFailed, env.ID, err)
	}

	qctx, cancel := r.queryCtx(ctx)
	defer cancel()
	_, err = r.pool.Exec(qctx, `
		INSERT INTO envelopes (id, state, error_message, retry_count, last_updated, body_key, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			error_message = EXCLUDED.error_message,
			retry_count = EXCLUDED.retry_count,
			last_updated = EXCLUDED.last_updated,
			body_key = EXCLUDED.body_key,
			data = EXCLUDED.data`,
		env.ID, env.State, env.ErrorMessage, env.RetryCount, env.LastUpdated, env.Body.Key, data)
	observe("store", start, err)
	if err != nil {
		return fmt.Errorf("failed to store envelope %s: %w", env.ID, err)
	}
	return nil
}

func (r *PostgresRepository) Retrieve(ctx context.Context, key string) (*envelope.Envelope, error) {
	start := time.Now()
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	var data []byte
	err := r.pool.QueryRow(qctx, `SELECT data FROM envelopes WHERE id = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		observe("retrieve", start, ErrNotFound)
		return nil, ErrNotFound
	}
	observe("retrieve", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve envelope %s: %w", key, err)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope %s: %w", consts.ErrSerializationFailed, key, err)
	}
	return &env, nil
}

// Remove deletes the envelope and its lock row in one transaction.
func (r *PostgresRepository) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := r.remove(ctx, key)
	observe("remove", start, err)
	return err
}

func (r *PostgresRepository) remove(ctx context.Context, key string) error {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	tx, err := r.pool.Begin(qctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(qctx)

	tag, err := tx.Exec(qctx, `DELETE FROM spool_locks WHERE id = $1 AND owner = $2`, key, r.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotLocked
	}
	if _, err := tx.Exec(qctx, `DELETE FROM envelopes WHERE id = $1`, key); err != nil {
		return fmt.Errorf("failed to remove envelope %s: %w", key, err)
	}
	if err := tx.Commit(qctx); err != nil {
		return fmt.Errorf("failed to commit removal of %s: %w", key, err)
	}
	return nil
}

// Lock inserts a lock row, or takes over one whose lease has expired.
func (r *PostgresRepository) Lock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	var id string
	err := r.pool.QueryRow(qctx, `
		INSERT INTO spool_locks (id, owner, locked_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, locked_at = now()
		WHERE spool_locks.locked_at < now() - make_interval(secs => $3)
		RETURNING id`, key, r.owner, r.lockTTL.Seconds()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		observeLock("lock", start, false, nil)
		return false, nil
	}
	observeLock("lock", start, err == nil, err)
	if err != nil {
		return false, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	return true, nil
}

// Unlock only releases locks owned by this instance.
func (r *PostgresRepository) Unlock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	tag, err := r.pool.Exec(qctx, `DELETE FROM spool_locks WHERE id = $1 AND owner = $2`, key, r.owner)
	ok := err == nil && tag.RowsAffected() > 0
	observeLock("unlock", start, ok, err)
	if err != nil {
		return false, fmt.Errorf("failed to unlock %s: %w", key, err)
	}
	return ok, nil
}

func (r *PostgresRepository) List(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		after := ""
		for {
			keys, err := r.listPage(ctx, after)
			if err != nil {
				yield("", err)
				return
			}
			for _, key := range keys {
				if !yield(key, nil) {
					return
				}
			}
			if len(keys) < listBatch {
				return
			}
			after = keys[len(keys)-1]
		}
	}
}

func (r *PostgresRepository) listPage(ctx context.Context, after string) ([]string, error) {
	start := time.Now()
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.pool.Query(qctx, `SELECT id FROM envelopes WHERE id > $1 ORDER BY id LIMIT $2`, after, listBatch)
	if err != nil {
		observe("list", start, err)
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	observe("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	return keys, nil
}

// Candidates skips envelopes holding a live lease, whichever instance owns
// it.
func (r *PostgresRepository) Candidates(ctx context.Context) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		after := ""
		for {
			page, err := r.candidatePage(ctx, after)
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			for _, c := range page {
				if !yield(c, nil) {
					return
				}
			}
			if len(page) < listBatch {
				return
			}
			after = page[len(page)-1].Key
		}
	}
}

func (r *PostgresRepository) candidatePage(ctx context.Context, after string) ([]Candidate, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.pool.Query(qctx, `
		SELECT e.id, e.state, e.error_message, COALESCE(e.data->>'failed_state', ''), e.retry_count, e.last_updated
		FROM envelopes e
		LEFT JOIN spool_locks l
			ON l.id = e.id AND l.locked_at >= now() - make_interval(secs => $3)
		WHERE l.id IS NULL AND e.id > $1
		ORDER BY e.id
		LIMIT $2`, after, listBatch, r.lockTTL.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Candidate, error) {
		var c Candidate
		err := row.Scan(&c.Key, &c.State, &c.ErrorMessage, &c.FailedState, &c.RetryCount, &c.LastUpdated)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan candidates: %w", err)
	}
	return page, nil
}

func (r *PostgresRepository) StateCounts(ctx context.Context) (map[string]int64, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.pool.Query(qctx, `SELECT state, COUNT(*) FROM envelopes GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count envelopes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// BodyKeys yields the distinct body keys referenced by stored envelopes.
func (r *PostgresRepository) BodyKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		qctx, cancel := r.queryCtx(ctx)
		defer cancel()

		rows, err := r.pool.Query(qctx, `SELECT DISTINCT body_key FROM envelopes WHERE body_key <> ''`)
		if err != nil {
			yield("", fmt.Errorf("failed to list body keys: %w", err))
			return
		}
		keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			yield("", fmt.Errorf("failed to list body keys: %w", err))
			return
		}
		for _, key := range keys {
			if !yield(key, nil) {
				return
			}
		}
	}
}

// StaleLock is a lock row whose lease has expired.
type StaleLock struct {
	Key      string
	Owner    uuid.UUID
	LockedAt time.Time
}

// StaleLocks returns leases older than the lock TTL. They belong to
// instances that stopped without releasing them.
func (r *PostgresRepository) StaleLocks(ctx context.Context) ([]StaleLock, error) {
	qctx, cancel := r.queryCtx(ctx)
	defer cancel()

	rows, err := r.pool.Query(qctx, `
		SELECT id, owner, locked_at FROM spool_locks
		WHERE locked_at < now() - make_interval(secs => $1)
		ORDER BY locked_at`, r.lockTTL.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale locks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (StaleLock, error) {
		var s StaleLock
		err := row.Scan(&s.Key, &s.Owner, &s.LockedAt)
		return s, err
	})
}

func (r *PostgresRepository) Close() error {
	if r.ownsPool {
		r.pool.Close()
	}
	return nil
}
