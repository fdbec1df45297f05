package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TobiSchelling/postpipe/internal/database"
	"github.com/TobiSchelling/postpipe/internal/proc"
)

// Evidence decides whether the owner of a running run is plausibly alive.
// The string explains the verdict for logs and reports.
type Evidence interface {
	OwnerAlive(ctx context.Context, st database.RunState) (bool, string)
}

// startSlack absorbs the coarse start-time resolution of the process table.
const startSlack = 2 * time.Second

// OwnerEvidence accepts a fresh heartbeat, or failing that an owner pid
// that is running, not a zombie, started before the run, and whose command
// line matches one of the pipeline patterns.
type OwnerEvidence struct {
	Table            proc.Table
	Patterns         []string
	HeartbeatTimeout time.Duration
	Now              func() time.Time
}

func (e OwnerEvidence) OwnerAlive(_ context.Context, st database.RunState) (bool, string) {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	if !st.HeartbeatAt.IsZero() && e.HeartbeatTimeout > 0 {
		if age := now.Sub(st.HeartbeatAt); age <= e.HeartbeatTimeout {
			return true, fmt.Sprintf("heartbeat %s ago", age.Round(time.Second))
		}
	}

	if st.PID <= 0 {
		return false, "no recent heartbeat and no owner pid recorded"
	}
	if e.Table == nil {
		return false, "no recent heartbeat and no process table"
	}
	info, err := e.Table.Lookup(st.PID)
	switch {
	case errors.Is(err, proc.ErrNotFound):
		return false, fmt.Sprintf("pid %d does not exist", st.PID)
	case err != nil:
		return false, fmt.Sprintf("pid %d could not be inspected: %v", st.PID, err)
	case info.Zombie:
		return false, fmt.Sprintf("pid %d is zombie/defunct", st.PID)
	case !info.Matches(e.Patterns):
		return false, fmt.Sprintf("pid %d exists but is not a pipeline process: %s", st.PID, info.Cmdline)
	case !info.Started.IsZero() && !st.LastStart.IsZero() && info.Started.After(st.LastStart.Add(startSlack)):
		return false, fmt.Sprintf("pid %d was started after the run began (pid reused)", st.PID)
	}
	return true, fmt.Sprintf("pid %d is running pipeline process", st.PID)
}
