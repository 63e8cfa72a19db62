package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// ErrCounterConflict means the optimistic read-modify-write loop exhausted
// its retries because writers kept colliding on the same counter row.
var ErrCounterConflict = errors.New("counter update conflict")

const counterUpdateRetries = 5

// UpdateCounter applies f to the named counter's JSON value under an
// optimistic version check. On repeated conflicts the behavior follows
// the strict-writes policy: strict stores return ErrCounterConflict,
// non-strict ones log a warning and keep going with the stale write
// dropped.
func (s *Store) UpdateCounter(ctx context.Context, name string, f func(current string) (string, error)) error {
	for attempt := 0; attempt < counterUpdateRetries; attempt++ {
		var value string
		var version int64
		err := s.db.QueryRowContext(ctx, `
			SELECT value, version FROM counters WHERE name = ?;
		`, name).Scan(&value, &version)
		missing := errors.Is(err, sql.ErrNoRows)
		if err != nil && !missing {
			return fmt.Errorf("read counter %q: %w", name, err)
		}
		if missing {
			value = "{}"
			version = 0
		}

		next, err := f(value)
		if err != nil {
			return err
		}

		var res sql.Result
		if missing {
			res, err = s.db.ExecContext(ctx, `
				INSERT INTO counters (name, value, version) VALUES (?, ?, 1)
				ON CONFLICT(name) DO NOTHING;
			`, name, next)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE counters SET value = ?, version = version + 1,
					updated_at = CURRENT_TIMESTAMP
				WHERE name = ? AND version = ?;
			`, next, name, version)
		}
		if err != nil {
			if isSQLiteBusy(err) {
				continue
			}
			return fmt.Errorf("write counter %q: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		// Someone else won the version race. Re-read and retry.
	}

	if s.strictWrites {
		return fmt.Errorf("counter %q: %w", name, ErrCounterConflict)
	}
	slog.Warn("counter update dropped after conflicts", "counter", name, "retries", counterUpdateRetries)
	return nil
}

// GetCounter returns the counter's JSON value, or "{}" when unset.
func (s *Store) GetCounter(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?;`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "{}", nil
	}
	if err != nil {
		return "", fmt.Errorf("read counter %q: %w", name, err)
	}
	return value, nil
}

// KVSet stores a small operational value such as the current degradation
// level so restarts pick it back up.
func (s *Store) KVSet(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		if err != nil {
			return fmt.Errorf("kv set %q: %w", key, err)
		}
		return nil
	})
}

// KVGet reads a stored value. Missing keys return the empty string.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %q: %w", key, err)
	}
	return value.String, nil
}
