package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/TobiSchelling/postpipe/internal/proc"
)

const defaultKillGrace = 10 * time.Second

// ProcessOptions describes how to launch a stage child process.
type ProcessOptions struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede "stage <name>", e.g. a --config flag.
	Args []string
	// KillGrace is the SIGTERM to SIGKILL delay on cancellation.
	KillGrace time.Duration
	Stderr    io.Writer
}

// ProcessStage runs a stage as "<exe> [args] stage <name>" in its own
// process group. The child reports its StageResult as a JSON line on stdout.
type ProcessStage struct {
	name string
	opts ProcessOptions
}

// NewProcessStage creates a process-isolated stage.
func NewProcessStage(name string, opts ProcessOptions) *ProcessStage {
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &ProcessStage{name: name, opts: opts}
}

func (s *ProcessStage) Name() string { return s.name }

func (s *ProcessStage) Run(ctx context.Context) (StageResult, error) {
	exe := s.opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return StageResult{}, fmt.Errorf("locating executable: %w", err)
		}
	}
	args := append(append([]string{}, s.opts.Args...), "stage", s.name)

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = s.opts.Stderr
	proc.Configure(cmd)
	cmd.Cancel = func() error {
		return proc.TerminateGroup(cmd.Process.Pid, s.opts.KillGrace)
	}
	cmd.WaitDelay = s.opts.KillGrace + 5*time.Second

	runErr := cmd.Run()
	res, parseErr := lastResult(stdout.Bytes())
	res.Name = s.name

	switch {
	case ctx.Err() != nil:
		return res, fmt.Errorf("child terminated: %w", ctx.Err())
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return res, fmt.Errorf("child exited with status %d", exitErr.ExitCode())
		}
		return res, fmt.Errorf("starting child: %w", runErr)
	case parseErr != nil:
		return res, fmt.Errorf("child summary: %w", parseErr)
	}
	return res, nil
}

// lastResult decodes the last non-empty stdout line.
func lastResult(out []byte) (StageResult, error) {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return StageResult{}, errors.New("no summary line")
	}
	var r StageResult
	if err := json.Unmarshal([]byte(last), &r); err != nil {
		return StageResult{}, fmt.Errorf("decoding %q: %w", last, err)
	}
	return r, nil
}

// RunChild is the child side of a ProcessStage: it runs st and writes its
// result as one JSON line to w. The error is returned for the exit status.
func RunChild(ctx context.Context, st Stage, w io.Writer) error {
	res, err := st.Run(ctx)
	res.Name = st.Name()
	if encErr := json.NewEncoder(w).Encode(res); encErr != nil && err == nil {
		err = encErr
	}
	return err
}
