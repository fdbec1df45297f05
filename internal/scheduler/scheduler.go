// Package scheduler fires the pipeline on a cron schedule as a child process.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TobiSchelling/postpipe/internal/proc"
)

// Job is one scheduled firing.
type Job func(ctx context.Context) error

// Scheduler runs a job on a cron schedule. A firing that comes due while
// the previous one is still running is skipped.
type Scheduler struct {
	spec     string
	schedule cron.Schedule
	job      Job
}

// New parses a standard five-field cron spec (or a descriptor such as
// "@daily") and creates a scheduler for job.
func New(spec string, job Job) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, schedule: schedule, job: job}, nil
}

// Next returns the first firing strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Run blocks until ctx is done, then waits for a firing in progress to
// return. A failing job is logged and the schedule continues.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cron.PrintfLogger(log.Default())
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.fire(ctx) }))

	log.Printf("Scheduler started with %q, next run at %s", s.spec, s.Next(time.Now()).Format("2006-01-02 15:04 MST"))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

func (s *Scheduler) fire(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	log.Println("Starting scheduled pipeline run...")
	if err := s.job(ctx); err != nil {
		if ctx.Err() == nil {
			log.Printf("Scheduled run failed: %v", err)
		}
		return
	}
	log.Printf("Scheduled run finished, next at %s", s.Next(time.Now()).Format("2006-01-02 15:04 MST"))
}

// CommandJob runs "<exe> [args] run" as a separate process group, so the
// driver never shares a process with the scheduler. A cancelled context
// terminates the child's group.
func CommandJob(exe string, args ...string) Job {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, exe, append(append([]string{}, args...), "run")...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		proc.Configure(cmd)
		cmd.Cancel = func() error {
			return proc.TerminateGroup(cmd.Process.Pid, 30*time.Second)
		}
		cmd.WaitDelay = time.Minute
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("pipeline run: %w", err)
		}
		return nil
	}
}
