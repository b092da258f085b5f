package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"github.com/migadu/spoold/consts"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS envelopes (
	id            TEXT PRIMARY KEY,
	state         TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	last_updated  INTEGER NOT NULL,
	body_key      TEXT NOT NULL DEFAULT '',
	data          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelopes_state ON envelopes(state);
CREATE INDEX IF NOT EXISTS idx_envelopes_body_key ON envelopes(body_key);
`

// SQLiteRepository keeps the spool in a single SQLite database file. Locks
// live in memory, so the file must be used by one spoold process at a time.
type SQLiteRepository struct {
	db    *sql.DB
	locks *lockTable
}

func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}
	// One connection serializes writers instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("Spool: failed to set PRAGMA journal_mode = WAL", "error", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		logger.Warn("Spool: failed to set PRAGMA synchronous", "error", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create spool schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool database ping failed: %w", err)
	}

	return &SQLiteRepository{db: db, locks: newLockTable()}, nil
}

func (r *SQLiteRepository) Store(ctx context.Context, env *envelope.Envelope) error {
	start := time.Now()
	env.LastUpdated = time.Now()
	data, err := json.Marshal(env)
	if err != nil {
		observe("store", start, err)
		return fmt.Errorf("%w: envelope %s: %w", consts.ErrSerializationFailed, env.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO envelopes (id, state, error_message, retry_count, last_updated, body_key, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			error_message = excluded.error_message,
			retry_count = excluded.retry_count,
			last_updated = excluded.last_updated,
			body_key = excluded.body_key,
			data = excluded.data`,
		env.ID, env.State, env.ErrorMessage, env.RetryCount, env.LastUpdated.UnixNano(), env.Body.Key, data)
	observe("store", start, err)
	if err != nil {
		return fmt.Errorf("failed to store envelope %s: %w", env.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Retrieve(ctx context.Context, key string) (*envelope.Envelope, error) {
	start := time.Now()
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM envelopes WHERE id = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	observe("retrieve", start, err)
	if err != nil {
		if err == ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to retrieve envelope %s: %w", key, err)
	}

	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope %s: %w", consts.ErrSerializationFailed, key, err)
	}
	return &env, nil
}

func (r *SQLiteRepository) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := r.locks.removeLocked(key, func() error {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM envelopes WHERE id = ?`, key); err != nil {
			return fmt.Errorf("failed to remove envelope %s: %w", key, err)
		}
		return nil
	})
	observe("remove", start, err)
	return err
}

func (r *SQLiteRepository) Lock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok := r.locks.lock(key)
	observeLock("lock", start, ok, nil)
	return ok, nil
}

func (r *SQLiteRepository) Unlock(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok := r.locks.unlock(key)
	observeLock("unlock", start, ok, nil)
	return ok, nil
}

// List pages through the keys in id order.
func (r *SQLiteRepository) List(ctx context.Context) iter.Seq2[string, error] {
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

func (r *SQLiteRepository) listPage(ctx context.Context, after string) ([]string, error) {
	start := time.Now()
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM envelopes WHERE id > ? ORDER BY id LIMIT ?`, after, listBatch)
	if err != nil {
		observe("list", start, err)
		return nil, fmt.Errorf("failed to list envelopes: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, listBatch)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan envelope id: %w", err)
		}
		keys = append(keys, key)
	}
	err = rows.Err()
	observe("list", start, err)
	return keys, err
}

// Candidates pages through the scheduling columns only, skipping
// envelopes locked in this process.
func (r *SQLiteRepository) Candidates(ctx context.Context) iter.Seq2[Candidate, error] {
	return func(yield func(Candidate, error) bool) {
		after := ""
		for {
			page, err := r.candidatePage(ctx, after)
			if err != nil {
				yield(Candidate{}, err)
				return
			}
			for _, c := range page {
				if r.locks.held(c.Key) {
					continue
				}
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

func (r *SQLiteRepository) candidatePage(ctx context.Context, after string) ([]Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, state, error_message, COALESCE(json_extract(CAST(data AS TEXT), '$.failed_state'), ''), retry_count, last_updated
		FROM envelopes WHERE id > ? ORDER BY id LIMIT ?`, after, listBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	defer rows.Close()

	page := make([]Candidate, 0, listBatch)
	for rows.Next() {
		var c Candidate
		var updated int64
		if err := rows.Scan(&c.Key, &c.State, &c.ErrorMessage, &c.FailedState, &c.RetryCount, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.LastUpdated = time.Unix(0, updated)
		page = append(page, c)
	}
	return page, rows.Err()
}

func (r *SQLiteRepository) StateCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM envelopes GROUP BY state`)
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

func (r *SQLiteRepository) BodyKeys(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT body_key FROM envelopes WHERE body_key <> ''`)
		if err != nil {
			yield("", fmt.Errorf("failed to list body keys: %w", err))
			return
		}
		var keys []string
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				yield("", err)
				return
			}
			keys = append(keys, key)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			yield("", err)
			return
		}
		for _, key := range keys {
			if !yield(key, nil) {
				return
			}
		}
	}
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
