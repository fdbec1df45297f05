// Package health detects and repairs run state that no live process owns.
package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
	"github.com/TobiSchelling/postpipe/internal/proc"
)

const killGrace = 10 * time.Second

// Report is the outcome of one health tick.
type Report struct {
	Healthy bool
	Issues  []string
	Fixes   []string
	State   database.RunState
}

// Monitor checks the run state against process evidence. It only ever
// clears the running flag, never sets it.
type Monitor struct {
	db       *database.DB
	cfg      config.Health
	evidence Evidence
	table    proc.Table
	kill     func(pid int, grace time.Duration) error
	now      func() time.Time
	self     int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithEvidence replaces the owner liveness check.
func WithEvidence(e Evidence) Option { return func(m *Monitor) { m.evidence = e } }

// WithProcessTable replaces the process table used for orphan detection.
// A nil table disables orphan detection.
func WithProcessTable(t proc.Table) Option { return func(m *Monitor) { m.table = t } }

// WithKiller replaces process termination.
func WithKiller(kill func(pid int, grace time.Duration) error) Option {
	return func(m *Monitor) { m.kill = kill }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// NewMonitor creates a monitor with OS-backed evidence.
func NewMonitor(db *database.DB, cfg config.Health, opts ...Option) *Monitor {
	m := &Monitor{
		db:    db,
		cfg:   cfg,
		table: proc.System{},
		kill:  proc.TerminateGroup,
		now:   time.Now,
		self:  os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.evidence == nil {
		m.evidence = OwnerEvidence{
			Table:            m.table,
			Patterns:         cfg.ProcessPatterns,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			Now:              m.now,
		}
	}
	return m
}

// Tick runs one check. Repeated ticks against unchanged state are no-ops,
// and a repair that races with a fresh start changes nothing.
func (m *Monitor) Tick(ctx context.Context) (Report, error) {
	st, rawStart, err := m.db.GetRunStateRaw(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{State: st}

	if st.IsRunning {
		if err := m.checkRun(ctx, &rep, st, rawStart); err != nil {
			return rep, err
		}
	}
	m.checkOrphans(&rep, st)

	if len(rep.Fixes) > 0 {
		if fresh, err := m.db.GetRunState(ctx); err == nil {
			rep.State = fresh
		}
	}
	rep.Healthy = len(rep.Issues) == 0
	return rep, nil
}

func (m *Monitor) checkRun(ctx context.Context, rep *Report, st database.RunState, rawStart string) error {
	elapsed := m.now().Sub(st.LastStart)
	if st.LastStart.IsZero() {
		elapsed = time.Duration(1<<63 - 1)
	}

	hung := m.cfg.MaxRunDuration > 0 && elapsed > m.cfg.MaxRunDuration
	if m.cfg.WarnAfter > 0 && elapsed > m.cfg.WarnAfter && !hung {
		issue := fmt.Sprintf("Pipeline has been running for %.1f hours (possibly stuck)", elapsed.Hours())
		rep.Issues = append(rep.Issues, issue)
		log.Printf("Warning: %s", issue)
	}

	switch {
	case hung:
		reason := fmt.Sprintf("run exceeded max duration %s", m.cfg.MaxRunDuration)
		rep.Issues = append(rep.Issues, "Pipeline "+reason)
		alive, why := m.evidence.OwnerAlive(ctx, st)
		if !alive {
			return m.repair(ctx, rep, st, rawStart, reason+": "+why)
		}
		// A live owner is only cleared once it has been terminated.
		if !m.cfg.KillOrphans || st.PID <= 0 || st.PID == m.self {
			log.Printf("Hung run left in place, owner still alive: %s", why)
			return nil
		}
		if err := m.kill(st.PID, killGrace); err != nil {
			log.Printf("Terminating hung owner pid %d failed: %v", st.PID, err)
			return nil
		}
		rep.Fixes = append(rep.Fixes, fmt.Sprintf("Terminated hung owner process %d", st.PID))
		return m.repair(ctx, rep, st, rawStart, reason)

	case elapsed > m.cfg.StaleAfter:
		alive, why := m.evidence.OwnerAlive(ctx, st)
		if alive {
			log.Printf("Run started %s ago is long-running: %s", elapsed.Round(time.Second), why)
			return nil
		}
		rep.Issues = append(rep.Issues, "Pipeline marked as running but "+why)
		return m.repair(ctx, rep, st, rawStart, "stale run: "+why)
	}
	return nil
}

func (m *Monitor) repair(ctx context.Context, rep *Report, st database.RunState, rawStart, reason string) error {
	changed, err := m.db.RepairStale(ctx, rawStart, reason)
	if err != nil {
		return err
	}
	if !changed {
		log.Println("Run state changed during the check; nothing repaired")
		return nil
	}
	fix := "Fixed stale pipeline status"
	if st.PID > 0 {
		fix += fmt.Sprintf(" (was PID %d)", st.PID)
	}
	rep.Fixes = append(rep.Fixes, fix)
	log.Printf("%s: %s", fix, reason)
	return nil
}

// checkOrphans reports pipeline processes that cannot belong to the current
// run. Run state is never touched here.
func (m *Monitor) checkOrphans(rep *Report, st database.RunState) {
	if m.table == nil {
		return
	}
	infos, err := m.table.List()
	if err != nil {
		if !errors.Is(err, errors.ErrUnsupported) {
			log.Printf("Listing processes failed: %v", err)
		}
		return
	}

	now := m.now()
	for _, info := range infos {
		if info.PID == m.self || !info.Matches(m.cfg.ProcessPatterns) || info.Started.IsZero() {
			continue
		}
		if st.IsRunning && info.PID == st.PID {
			continue
		}
		var orphaned bool
		if st.IsRunning {
			orphaned = info.Started.Before(st.LastStart.Add(-startSlack))
		} else {
			orphaned = now.Sub(info.Started) > m.cfg.StaleAfter
		}
		if !orphaned {
			continue
		}

		issue := fmt.Sprintf("Orphaned pipeline process found: PID %d - %s", info.PID, info.Cmdline)
		rep.Issues = append(rep.Issues, issue)
		log.Printf("Warning: %s", issue)
		if !m.cfg.KillOrphans {
			continue
		}
		if err := m.kill(info.PID, killGrace); err != nil {
			log.Printf("Terminating orphan %d failed: %v", info.PID, err)
			continue
		}
		rep.Fixes = append(rep.Fixes, fmt.Sprintf("Terminated orphaned process %d", info.PID))
	}
}

// Watch ticks every interval until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onReport func(Report)) error {
	if interval <= 0 {
		return fmt.Errorf("health interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rep, err := m.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("Health check failed: %v", err)
		} else if onReport != nil {
			onReport(rep)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
