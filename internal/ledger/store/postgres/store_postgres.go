// Package postgres provides the durable ledger store. Reservations run in a
// transaction with the counter row locked, so concurrent callers for the same
// (agent, dimension, window) serialize on the database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"aport/internal/ledger"
	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
)

// Schema creates the counters table. Applied by EnsureSchema; kept as DDL in
// code because the table is engine-private.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_counters (
    agent_id   TEXT             NOT NULL,
    dimension  TEXT             NOT NULL,
    window_key TEXT             NOT NULL,
    value      DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (agent_id, dimension, window_key)
)`

// Store implements ledger.Store on PostgreSQL via database/sql. Open the
// handle with the pgx stdlib driver.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock injects a time source for window rollover tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a PostgreSQL-backed ledger store.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// EnsureSchema applies the counters DDL. Idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return dErrors.Wrap(err, dErrors.CodeInternal, "apply ledger schema")
}

func (s *Store) CheckAndIncrement(ctx context.Context, agentID id.AgentID, dimension string, window ledger.Window, delta, cap float64) (ok bool, total float64, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, lockErr := lockCounter(ctx, tx, agentID, dimension, window.Key(s.now()))
		if lockErr != nil {
			return lockErr
		}
		if cap >= 0 && current+delta > cap {
			total = current
			return nil
		}
		if upErr := upsertCounter(ctx, tx, agentID, dimension, window.Key(s.now()), current+delta); upErr != nil {
			return upErr
		}
		ok = true
		total = current + delta
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return ok, total, nil
}

func (s *Store) CheckAndIncrementBatch(ctx context.Context, agentID id.AgentID, entries []ledger.Entry, caps ledger.CapFunc) (ok bool, violated string, err error) {
	if len(entries) == 0 {
		return true, "", nil
	}
	now := s.now()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		type bucket struct {
			dimension string
			windowKey string
		}
		pending := make(map[bucket]float64, len(entries))
		current := make(map[bucket]float64, len(entries))
		for _, e := range entries {
			b := bucket{dimension: e.Dimension, windowKey: e.Window.Key(now)}
			if _, seen := current[b]; !seen {
				val, lockErr := lockCounter(ctx, tx, agentID, b.dimension, b.windowKey)
				if lockErr != nil {
					return lockErr
				}
				current[b] = val
			}
			pending[b] += e.Delta
		}
		for _, e := range entries {
			cap, capped := caps(e.Dimension)
			if !capped {
				continue
			}
			b := bucket{dimension: e.Dimension, windowKey: e.Window.Key(now)}
			if current[b]+pending[b] > cap {
				violated = e.Dimension
				return nil
			}
		}
		for b, delta := range pending {
			if upErr := upsertCounter(ctx, tx, agentID, b.dimension, b.windowKey, current[b]+delta); upErr != nil {
				return upErr
			}
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return ok, violated, nil
}

func (s *Store) Current(ctx context.Context, agentID id.AgentID, dimension string, window ledger.Window) (float64, error) {
	var value float64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM usage_counters WHERE agent_id = $1 AND dimension = $2 AND window_key = $3`,
		agentID.String(), dimension, window.Key(s.now()),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "ledger read")
	}
	return value, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin ledger transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return dErrors.Wrap(tx.Commit(), dErrors.CodeInternal, "commit ledger transaction")
}

// lockCounter reads the counter row FOR UPDATE, inserting the zero row first
// so there is always something to lock.
func lockCounter(ctx context.Context, tx *sql.Tx, agentID id.AgentID, dimension, windowKey string) (float64, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO usage_counters (agent_id, dimension, window_key, value)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (agent_id, dimension, window_key) DO NOTHING`,
		agentID.String(), dimension, windowKey)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "seed counter row")
	}
	var value float64
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM usage_counters
		 WHERE agent_id = $1 AND dimension = $2 AND window_key = $3 FOR UPDATE`,
		agentID.String(), dimension, windowKey).Scan(&value)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "lock counter row")
	}
	return value, nil
}

func upsertCounter(ctx context.Context, tx *sql.Tx, agentID id.AgentID, dimension, windowKey string, value float64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE usage_counters SET value = $4, updated_at = now()
		 WHERE agent_id = $1 AND dimension = $2 AND window_key = $3`,
		agentID.String(), dimension, windowKey, value)
	return dErrors.Wrap(err, dErrors.CodeInternal, "write counter row")
}
