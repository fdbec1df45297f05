package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// The run state lives in a single row (id = 1). Every write is an upsert so
// the row is created on first use.

// MarkStarted records that owner has begun a run.
func (db *DB) MarkStarted(ctx context.Context, owner Owner) error {
	now := formatTime(db.now())
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO pipeline_status (id, is_running, last_start, process_pid, owner_id, heartbeat_at)
VALUES (1, 1, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    is_running = 1,
    last_start = excluded.last_start,
    process_pid = excluded.process_pid,
    owner_id = excluded.owner_id,
    heartbeat_at = excluded.heartbeat_at`,
		now, nullInt(owner.PID), nullString(owner.ID), now,
	)
	if err != nil {
		return fmt.Errorf("marking run started: %w", err)
	}
	return nil
}

// MarkCompleted clears the running flag and stamps last_completion.
func (db *DB) MarkCompleted(ctx context.Context) error {
	now := formatTime(db.now())
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO pipeline_status (id, is_running, last_completion)
VALUES (1, 0, ?)
ON CONFLICT(id) DO UPDATE SET
    is_running = 0,
    last_completion = excluded.last_completion,
    last_error = NULL,
    process_pid = NULL,
    owner_id = NULL`,
		now,
	)
	if err != nil {
		return fmt.Errorf("marking run completed: %w", err)
	}
	return nil
}

// MarkFailed clears the running flag without touching last_completion.
func (db *DB) MarkFailed(ctx context.Context, reason string) error {
	now := formatTime(db.now())
	_, err := db.conn.ExecContext(ctx, `
INSERT INTO pipeline_status (id, is_running, last_failure, last_error)
VALUES (1, 0, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    is_running = 0,
    last_failure = excluded.last_failure,
    last_error = excluded.last_error,
    process_pid = NULL,
    owner_id = NULL`,
		now, nullString(reason),
	)
	if err != nil {
		return fmt.Errorf("marking run failed: %w", err)
	}
	return nil
}

// RepairStale marks the run failed only if it is still the run that started
// at expectedStart. It reports whether a row was changed, so a repair that
// raced with a completion or a fresh start is a no-op. An empty
// expectedStart matches a row whose last_start is NULL.
func (db *DB) RepairStale(ctx context.Context, expectedStart string, reason string) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
UPDATE pipeline_status SET
    is_running = 0,
    last_failure = ?,
    last_error = ?,
    process_pid = NULL,
    owner_id = NULL
WHERE id = 1 AND is_running = 1 AND last_start IS ?`,
		formatTime(db.now()), nullString(reason), nullString(expectedStart),
	)
	if err != nil {
		return false, fmt.Errorf("repairing stale run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Heartbeat refreshes heartbeat_at while ownerID still holds the run.
// It returns false once the run has been finished or taken over.
func (db *DB) Heartbeat(ctx context.Context, ownerID string) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE pipeline_status SET heartbeat_at = ? WHERE id = 1 AND is_running = 1 AND owner_id = ?`,
		formatTime(db.now()), ownerID,
	)
	if err != nil {
		return false, fmt.Errorf("writing heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRunState returns the current run state. A missing row reads as idle.
func (db *DB) GetRunState(ctx context.Context) (RunState, error) {
	st, _, err := db.getRunState(ctx)
	return st, err
}

// GetRunStateRaw also returns last_start exactly as stored, which RepairStale
// needs as its guard.
func (db *DB) GetRunStateRaw(ctx context.Context) (RunState, string, error) {
	return db.getRunState(ctx)
}

func (db *DB) getRunState(ctx context.Context) (RunState, string, error) {
	var (
		st                               RunState
		running                          int
		start, completion, failure, beat sql.NullString
		lastErr, owner                   sql.NullString
		pid                              sql.NullInt64
	)
	err := db.conn.QueryRowContext(ctx, `
SELECT is_running, last_start, last_completion, last_failure, last_error,
       process_pid, owner_id, heartbeat_at
FROM pipeline_status WHERE id = 1`,
	).Scan(&running, &start, &completion, &failure, &lastErr, &pid, &owner, &beat)
	if errors.Is(err, sql.ErrNoRows) {
		return RunState{}, "", nil
	}
	if err != nil {
		return RunState{}, "", fmt.Errorf("reading run state: %w", err)
	}

	st.IsRunning = running != 0
	st.LastStart = parseTime(start)
	st.LastCompletion = parseTime(completion)
	st.LastFailure = parseTime(failure)
	st.HeartbeatAt = parseTime(beat)
	st.LastError = lastErr.String
	st.OwnerID = owner.String
	st.PID = int(pid.Int64)
	return st, start.String, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
