package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/postpipe/internal/config"
	"github.com/TobiSchelling/postpipe/internal/database"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "postpipe",
	Short:        "Self-healing content pipeline",
	Long:         "postpipe ingests community posts, scores, embeds and clusters them, and repairs its own run state when a run dies.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			setLogFlags(verbose)
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if configPath == "" {
			configPath = path
		}
		setLogFlags(verbose || strings.EqualFold(cfg.Logging.Level, "debug"))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(scheduleCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(itemsCmd)
}

func setLogFlags(debug bool) {
	if debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("postpipe", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/postpipe/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure communities, the LLM provider and health thresholds.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show run state and registry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		state, err := db.GetRunState(ctx)
		if err != nil {
			return err
		}
		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Println("Run state:")
		if state.IsRunning {
			fmt.Printf("  Running since %s (pid %d, owner %s)\n", humanize.Time(state.LastStart), state.PID, state.OwnerID)
			fmt.Printf("  Last heartbeat: %s\n", ago(state.HeartbeatAt))
		} else {
			fmt.Println("  Idle")
		}
		fmt.Printf("  Last start: %s\n", ago(state.LastStart))
		fmt.Printf("  Last completion: %s\n", ago(state.LastCompletion))
		if !state.LastFailure.IsZero() {
			fmt.Printf("  Last failure: %s: %s\n", ago(state.LastFailure), state.LastError)
		}

		fmt.Println("\nItems:")
		fmt.Printf("  Total: %d\n", stats.TotalItems)
		fmt.Printf("  Pending score: %d\n", stats.PendingScore)
		fmt.Printf("  Pending embed: %d\n", stats.PendingEmbed)
		fmt.Printf("  Pending cluster: %d\n", stats.PendingCluster)
		fmt.Printf("  Themes: %d\n", stats.Themes)
		fmt.Printf("  Authors: %d (%d unresolved)\n", stats.Authors, stats.MissingAuthors)

		if len(stats.ByStatus) > 0 {
			fmt.Println("\nBy status:")
			statuses := make([]string, 0, len(stats.ByStatus))
			for s := range stats.ByStatus {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Printf("  %s: %d\n", s, stats.ByStatus[s])
			}
		}
		return nil
	},
}

func openDB() (*database.DB, error) {
	return database.Open(cfg.DBPath())
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// childArgs are the global flags a spawned postpipe process must inherit.
func childArgs() []string {
	var args []string
	if configPath != "" {
		if abs, err := filepath.Abs(configPath); err == nil {
			args = append(args, "--config", abs)
		}
	}
	if verbose {
		args = append(args, "--verbose")
	}
	return args
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), humanize.Time(t))
}
