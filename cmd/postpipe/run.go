package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/postpipe/internal/pipeline"
)

var (
	dryRun   bool
	forceRun bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline: ingest -> score -> embed -> cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if dryRun {
			results, err := pipeline.DryRun(ctx, cfg, db)
			printStages(results)
			return err
		}

		stages, err := pipeline.BuildStages(cfg, db, pipeline.ProcessOptions{Args: childArgs()})
		if err != nil {
			return err
		}
		driver := pipeline.NewDriver(db, stages,
			pipeline.WithForce(forceRun),
			pipeline.WithHeartbeat(cfg.Pipeline.HeartbeatInterval),
		)

		res, err := driver.Run(ctx)
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			return fmt.Errorf("%w (use --force to override, or 'postpipe health check' to repair)", err)
		}
		if res != nil {
			printStages(res.Stages)
		}
		if err != nil {
			return err
		}
		fmt.Println("\nPipeline complete! Run 'postpipe serve' to review items.")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	runCmd.Flags().BoolVar(&forceRun, "force", false, "Start even if the run state shows an active run")
}

// stageCmd is the child entry point of process-isolated stages. Its last
// stdout line is the JSON stage summary.
var stageCmd = &cobra.Command{
	Use:    "stage <name>",
	Short:  "Run a single stage (used by process mode)",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		st, err := pipeline.NewStage(args[0], cfg, db)
		if err != nil {
			return err
		}
		return pipeline.RunChild(ctx, st, os.Stdout)
	},
}

func printStages(results []pipeline.StageResult) {
	for i, r := range results {
		fmt.Printf("\nStep %d/%d: %s\n", i+1, len(results), r.Name)
		if r.Summary != "" {
			fmt.Printf("  %s\n", r.Summary)
		}
		if r.Skipped > 0 {
			fmt.Printf("  Skipped items: %d\n", r.Skipped)
		}
	}
}
