package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/postpipe/internal/database"
)

// ErrAlreadyRunning is returned when the run state shows an active run.
var ErrAlreadyRunning = errors.New("pipeline already running")

const DefaultHeartbeatInterval = 30 * time.Second

// Result holds the outcome of one driven run.
type Result struct {
	OwnerID string
	Stages  []StageResult
	Err     error
}

// Driver ties the stage runner to the persisted run state.
type Driver struct {
	db                *database.DB
	stages            []Stage
	runner            Runner
	force             bool
	heartbeatInterval time.Duration
	pid               int
	newOwnerID        func() string
}

// Option configures a Driver.
type Option func(*Driver)

// WithForce starts a run even when the run state claims one is active.
func WithForce(force bool) Option {
	return func(d *Driver) { d.force = force }
}

// WithHeartbeat sets how often the owner refreshes heartbeat_at.
func WithHeartbeat(interval time.Duration) Option {
	return func(d *Driver) { d.heartbeatInterval = interval }
}

// WithOwnerID overrides owner id generation.
func WithOwnerID(fn func() string) Option {
	return func(d *Driver) { d.newOwnerID = fn }
}

// NewDriver creates a driver for the given stage sequence.
func NewDriver(db *database.DB, stages []Stage, opts ...Option) *Driver {
	d := &Driver{
		db:                db,
		stages:            stages,
		heartbeatInterval: DefaultHeartbeatInterval,
		pid:               os.Getpid(),
		newOwnerID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes one full run. Once the run is marked started, exactly one of
// MarkCompleted or MarkFailed is written before Run returns, whether the
// stages succeed, fail, are cancelled, or panic.
func (d *Driver) Run(ctx context.Context) (res *Result, err error) {
	state, err := d.db.GetRunState(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading run state: %w", err)
	}
	if state.IsRunning {
		if !d.force {
			return nil, fmt.Errorf("%w since %s", ErrAlreadyRunning, formatStart(state.LastStart))
		}
		log.Printf("Forcing a new run over the one started %s", formatStart(state.LastStart))
	}

	owner := database.Owner{ID: d.newOwnerID(), PID: d.pid}
	if err := d.db.MarkStarted(ctx, owner); err != nil {
		return nil, err
	}
	log.Printf("Run %s started (pid %d)", owner.ID, owner.PID)

	res = &Result{OwnerID: owner.ID}
	stopHeartbeat := d.startHeartbeat(ctx, owner.ID)

	defer func() {
		stopHeartbeat()
		if p := recover(); p != nil {
			d.finish(ctx, owner.ID, fmt.Errorf("panic: %v", p))
			panic(p)
		}
		d.finish(ctx, owner.ID, err)
	}()

	res.Stages, err = d.runner.Run(ctx, d.stages)
	res.Err = err
	return res, err
}

// finish records the run outcome. It must not be skipped by a cancelled
// context, so the write runs detached from ctx's cancellation.
func (d *Driver) finish(ctx context.Context, ownerID string, runErr error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if runErr == nil {
		if err := d.db.MarkCompleted(cctx); err != nil {
			log.Printf("Recording completion of run %s failed: %v", ownerID, err)
			return
		}
		log.Printf("Run %s completed", ownerID)
		return
	}
	if err := d.db.MarkFailed(cctx, runErr.Error()); err != nil {
		log.Printf("Recording failure of run %s failed: %v", ownerID, err)
		return
	}
	log.Printf("Run %s failed: %v", ownerID, runErr)
}

// startHeartbeat refreshes heartbeat_at until the returned stop func is
// called. Losing ownership is logged once; the run continues.
func (d *Driver) startHeartbeat(ctx context.Context, ownerID string) func() {
	if d.heartbeatInterval <= 0 {
		return func() {}
	}
	hctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.heartbeatInterval)
		defer ticker.Stop()
		warned := false
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				held, err := d.db.Heartbeat(hctx, ownerID)
				switch {
				case err != nil:
					if hctx.Err() == nil {
						log.Printf("Heartbeat failed: %v", err)
					}
				case !held && !warned:
					log.Printf("Run %s no longer owns the run state", ownerID)
					warned = true
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func formatStart(t time.Time) string {
	if t.IsZero() {
		return "an unknown time"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
