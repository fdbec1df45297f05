package database

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2026, 2, 6, 3, 0, 0, 0, time.UTC)

func TestRunStateAbsentReadsIdle(t *testing.T) {
	db := openTestDB(t)
	st, err := db.GetRunState(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.IsRunning || !st.LastStart.IsZero() || !st.LastCompletion.IsZero() {
		t.Errorf("expected idle zero state, got %+v", st)
	}
}

func TestMarkStartedThenCompleted(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	clock := useClock(db, t0)

	if err := db.MarkStarted(ctx, Owner{ID: "run-1", PID: 4242}); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	st, _ := db.GetRunState(ctx)
	if !st.IsRunning || !st.LastStart.Equal(t0) || st.PID != 4242 || st.OwnerID != "run-1" {
		t.Fatalf("unexpected state after start: %+v", st)
	}

	clock.Advance(10 * time.Minute)
	if err := db.MarkCompleted(ctx); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	st, _ = db.GetRunState(ctx)
	if st.IsRunning {
		t.Error("expected not running after completion")
	}
	if st.LastCompletion.Before(st.LastStart) {
		t.Errorf("last_completion %v before last_start %v", st.LastCompletion, st.LastStart)
	}
	if st.PID != 0 || st.OwnerID != "" {
		t.Errorf("expected owner cleared, got pid=%d owner=%q", st.PID, st.OwnerID)
	}
}

func TestMarkFailedLeavesCompletion(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	clock := useClock(db, t0)

	db.MarkStarted(ctx, Owner{ID: "run-1"})
	db.MarkCompleted(ctx)
	prev, _ := db.GetRunState(ctx)

	clock.Advance(24 * time.Hour)
	db.MarkStarted(ctx, Owner{ID: "run-2"})
	clock.Advance(time.Minute)
	if err := db.MarkFailed(ctx, "stage score: boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	st, _ := db.GetRunState(ctx)
	if st.IsRunning {
		t.Error("expected not running after failure")
	}
	if !st.LastCompletion.Equal(prev.LastCompletion) {
		t.Errorf("last_completion changed from %v to %v", prev.LastCompletion, st.LastCompletion)
	}
	if st.LastError != "stage score: boom" || !st.LastFailure.Equal(clock.now) {
		t.Errorf("unexpected failure fields: %q at %v", st.LastError, st.LastFailure)
	}
}

func TestMarkOperationsCreateRow(t *testing.T) {
	// Completing or failing with no prior row must still produce an idle record.
	for name, mark := range map[string]func(*DB) error{
		"completed": func(db *DB) error { return db.MarkCompleted(context.Background()) },
		"failed":    func(db *DB) error { return db.MarkFailed(context.Background(), "x") },
	} {
		t.Run(name, func(t *testing.T) {
			db := openTestDB(t)
			if err := mark(db); err != nil {
				t.Fatalf("mark: %v", err)
			}
			var n int
			db.conn.QueryRow("SELECT COUNT(*) FROM pipeline_status").Scan(&n)
			if n != 1 {
				t.Errorf("expected singleton row, got %d", n)
			}
		})
	}
}

func TestRepairStaleOnlyOnce(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	useClock(db, t0)

	db.MarkStarted(ctx, Owner{ID: "run-1", PID: 1})
	_, start, err := db.GetRunStateRaw(ctx)
	if err != nil {
		t.Fatalf("GetRunStateRaw: %v", err)
	}

	changed, err := db.RepairStale(ctx, start, "no live process")
	if err != nil || !changed {
		t.Fatalf("first repair: changed=%v err=%v", changed, err)
	}
	changed, err = db.RepairStale(ctx, start, "no live process")
	if err != nil || changed {
		t.Errorf("second repair should be a no-op: changed=%v err=%v", changed, err)
	}
	st, _ := db.GetRunState(ctx)
	if st.IsRunning {
		t.Error("expected not running after repair")
	}
}

func TestRepairStaleWithoutStartTime(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.conn.ExecContext(ctx, `INSERT INTO pipeline_status (id, is_running, process_pid) VALUES (1, 1, 77)`); err != nil {
		t.Fatalf("seeding row: %v", err)
	}
	st, start, err := db.GetRunStateRaw(ctx)
	if err != nil {
		t.Fatalf("GetRunStateRaw: %v", err)
	}
	if !st.IsRunning || start != "" {
		t.Fatalf("expected running row without start, got %+v start=%q", st, start)
	}

	changed, err := db.RepairStale(ctx, start, "no start time recorded")
	if err != nil || !changed {
		t.Fatalf("repair of a start-less row: changed=%v err=%v", changed, err)
	}
	if st, _ := db.GetRunState(ctx); st.IsRunning {
		t.Error("expected not running after repair")
	}
}

func TestRepairStaleLosesToNewerStart(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	clock := useClock(db, t0)

	db.MarkStarted(ctx, Owner{ID: "run-1"})
	_, oldStart, _ := db.GetRunStateRaw(ctx)

	clock.Advance(time.Hour)
	db.MarkStarted(ctx, Owner{ID: "run-2"})

	changed, err := db.RepairStale(ctx, oldStart, "stale")
	if err != nil {
		t.Fatalf("RepairStale: %v", err)
	}
	if changed {
		t.Error("repair of an old observation must not fail the newer run")
	}
	st, _ := db.GetRunState(ctx)
	if !st.IsRunning || st.OwnerID != "run-2" {
		t.Errorf("expected run-2 still running, got %+v", st)
	}
}

func TestHeartbeatOnlyForOwner(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	clock := useClock(db, t0)

	db.MarkStarted(ctx, Owner{ID: "run-1"})
	clock.Advance(30 * time.Second)

	held, err := db.Heartbeat(ctx, "run-1")
	if err != nil || !held {
		t.Fatalf("owner heartbeat: held=%v err=%v", held, err)
	}
	st, _ := db.GetRunState(ctx)
	if !st.HeartbeatAt.Equal(clock.now) {
		t.Errorf("expected heartbeat at %v, got %v", clock.now, st.HeartbeatAt)
	}

	if held, _ := db.Heartbeat(ctx, "someone-else"); held {
		t.Error("foreign owner must not refresh heartbeat")
	}
	db.MarkCompleted(ctx)
	if held, _ := db.Heartbeat(ctx, "run-1"); held {
		t.Error("heartbeat after completion must report lost ownership")
	}
}
