package pipeline

import (
	"context"
	"fmt"
	"log"
)

// StageResult summarises one stage execution. Skipped counts item-level
// failures that were absorbed inside the stage.
type StageResult struct {
	Name      string `json:"name"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Summary   string `json:"summary"`
}

// Stage is one ordered step of a run. A returned error is a stage-level
// failure and stops the run.
type Stage interface {
	Name() string
	Run(ctx context.Context) (StageResult, error)
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context) (StageResult, error)
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Run(ctx context.Context) (StageResult, error) {
	r, err := s.Fn(ctx)
	r.Name = s.StageName
	return r, err
}

// Runner executes stages strictly in order.
type Runner struct{}

// Run executes stages one after another and stops at the first failure. The
// returned results cover every stage that ran, including the failing one.
func (Runner) Run(ctx context.Context, stages []Stage) ([]StageResult, error) {
	results := make([]StageResult, 0, len(stages))
	for i, st := range stages {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("stage %s: not started: %w", st.Name(), err)
		}
		log.Printf("Step %d/%d: %s...", i+1, len(stages), st.Name())
		r, err := st.Run(ctx)
		r.Name = st.Name()
		results = append(results, r)
		if err != nil {
			return results, fmt.Errorf("stage %s: %w", st.Name(), err)
		}
		log.Printf("  %s", r.Summary)
	}
	return results, nil
}
