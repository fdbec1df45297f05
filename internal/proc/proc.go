// Package proc inspects and signals OS processes. It backs the process
// evidence used by the health monitor and the process-isolated stages.
package proc

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrNotFound is returned when a pid is not in the process table.
var ErrNotFound = errors.New("process not found")

// Info describes one entry of the process table.
type Info struct {
	PID     int
	Cmdline string
	Started time.Time
	Zombie  bool
}

// Matches reports whether the command line matches any of the patterns.
// A pattern's words must appear in the command line in order, not
// necessarily adjacent; a word also matches the base name of a path, so
// "postpipe run" matches "/usr/bin/postpipe --config x.yaml run".
func (i Info) Matches(patterns []string) bool {
	words := strings.Fields(i.Cmdline)
	for _, p := range patterns {
		if matchWords(words, strings.Fields(p)) {
			return true
		}
	}
	return false
}

func matchWords(words, pattern []string) bool {
	if len(pattern) == 0 {
		return false
	}
	j := 0
	for _, w := range words {
		if w == pattern[j] || filepath.Base(w) == pattern[j] {
			j++
			if j == len(pattern) {
				return true
			}
		}
	}
	return false
}

// Table gives read access to the process table.
type Table interface {
	Lookup(pid int) (Info, error)
	List() ([]Info, error)
}

// System is the Table of the running OS, read through gopsutil.
type System struct{}

func (System) Lookup(pid int) (Info, error) {
	if pid <= 0 || pid > math.MaxInt32 {
		return Info{}, ErrNotFound
	}
	p, err := process.NewProcess(int32(pid))
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, fmt.Errorf("inspecting pid %d: %w", pid, err)
	}
	return describe(p)
}

func (System) List() ([]Info, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	infos := make([]Info, 0, len(procs))
	for _, p := range procs {
		// Processes that exit while we read them drop out.
		if info, err := describe(p); err == nil {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// describe reads the fields the health checks need. Fields the OS will not
// reveal, such as another user's command line, stay empty.
func describe(p *process.Process) (Info, error) {
	info := Info{PID: int(p.Pid)}

	status, statusErr := p.Status()
	if statusErr == nil {
		info.Zombie = slices.Contains(status, process.Zombie)
	}
	cmdline, cmdErr := p.Cmdline()
	if cmdErr == nil {
		info.Cmdline = cmdline
	}
	created, createErr := p.CreateTime()
	if createErr == nil && created > 0 {
		info.Started = time.UnixMilli(created)
	}

	if statusErr != nil && cmdErr != nil && createErr != nil {
		if running, _ := p.IsRunning(); !running {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("reading pid %d: %w", p.Pid, errors.Join(statusErr, cmdErr, createErr))
	}
	return info, nil
}
