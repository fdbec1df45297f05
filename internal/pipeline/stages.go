package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/TobiSchelling/postpipe/internal/cluster"
	"github.com/TobiSchelling/postpipe/internal/collect"
	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
	"github.com/TobiSchelling/postpipe/internal/embed"
	"github.com/TobiSchelling/postpipe/internal/llm"
	"github.com/TobiSchelling/postpipe/internal/score"
)

// pendingSelectors maps stage names to the registry flag they consume.
var pendingSelectors = map[string]string{
	"score":   database.PendingScore,
	"embed":   database.PendingEmbed,
	"cluster": database.PendingCluster,
}

// NewStage builds the in-process implementation of a named stage.
// Collaborators are created when the stage runs, not here.
func NewStage(name string, cfg *config.Config, db *database.DB) (Stage, error) {
	var fn func(ctx context.Context) (StageResult, error)
	switch name {
	case "ingest":
		fn = func(ctx context.Context) (StageResult, error) {
			r, err := collect.NewFromConfig(cfg, db).Collect(ctx)
			if r == nil {
				return StageResult{}, err
			}
			return StageResult{
				Processed: r.Created + r.Updated,
				Skipped:   r.Skipped,
				Summary: fmt.Sprintf("Found %d candidates: %d new, %d updated, %d skipped, %d pruned",
					r.Found, r.Created, r.Updated, r.Skipped, r.Pruned),
			}, err
		}
	case "score":
		fn = func(ctx context.Context) (StageResult, error) {
			scorer := score.NewScorer(db, llm.CreateProvider(cfg.LLM), cfg.Scoring, cfg.LLM.MaxTokens)
			r, err := scorer.Score(ctx)
			if r == nil {
				return StageResult{}, err
			}
			return StageResult{
				Processed: r.Scored,
				Skipped:   r.Skipped(),
				Summary:   fmt.Sprintf("Scored %d of %d items, %d skipped", r.Scored, r.Pending, r.Skipped()),
			}, err
		}
	case "embed":
		fn = func(ctx context.Context) (StageResult, error) {
			r, err := embed.New(db, llm.CreateEmbedder(cfg.LLM), cfg.LLM.EmbedBatch).EmbedPending(ctx)
			if r == nil {
				return StageResult{}, err
			}
			return StageResult{
				Processed: r.Embedded,
				Skipped:   r.Skipped,
				Summary:   fmt.Sprintf("Embedded %d of %d items, %d skipped", r.Embedded, r.Pending, r.Skipped),
			}, err
		}
	case "cluster":
		fn = func(ctx context.Context) (StageResult, error) {
			r, err := cluster.NewClusterer(db, cfg.Clustering).ClusterPending(ctx)
			if r == nil {
				return StageResult{}, err
			}
			return StageResult{
				Processed: r.Clustered,
				Skipped:   r.Skipped,
				Summary: fmt.Sprintf("Clustered %d items into %d themes and %d singles",
					r.Clustered, r.Themes, r.Singles),
			}, err
		}
	default:
		return nil, fmt.Errorf("unknown stage %q (known: %s)", name, strings.Join(config.KnownStages, ", "))
	}
	return StageFunc{StageName: name, Fn: fn}, nil
}

// BuildStages returns the configured stage sequence, in process or inline
// mode according to pipeline.stage_mode.
func BuildStages(cfg *config.Config, db *database.DB, proc ProcessOptions) ([]Stage, error) {
	stages := make([]Stage, 0, len(cfg.Pipeline.Stages))
	for _, name := range cfg.Pipeline.Stages {
		if cfg.Pipeline.StageMode == config.StageModeProcess {
			if _, ok := pendingSelectors[name]; !ok && name != "ingest" {
				return nil, fmt.Errorf("unknown stage %q", name)
			}
			stages = append(stages, NewProcessStage(name, proc))
			continue
		}
		st, err := NewStage(name, cfg, db)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	return stages, nil
}

// DryRun reports what each configured stage would work on, without
// touching the registry or the run state.
func DryRun(ctx context.Context, cfg *config.Config, db *database.DB) ([]StageResult, error) {
	var results []StageResult
	for _, name := range cfg.Pipeline.Stages {
		if name == "ingest" {
			results = append(results, StageResult{
				Name: name,
				Summary: fmt.Sprintf("[dry-run] Would fetch %d communities via %s source",
					len(cfg.Sources.Communities), cfg.Sources.Kind),
			})
			continue
		}
		sel, ok := pendingSelectors[name]
		if !ok {
			return results, fmt.Errorf("unknown stage %q", name)
		}
		n, err := db.CountPending(ctx, sel)
		if err != nil {
			return results, err
		}
		results = append(results, StageResult{
			Name:      name,
			Processed: n,
			Summary:   fmt.Sprintf("[dry-run] %d items pending %s", n, name),
		})
	}
	return results, nil
}
