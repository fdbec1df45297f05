package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/postpipe/internal/database"
	"github.com/TobiSchelling/postpipe/internal/health"
	"github.com/TobiSchelling/postpipe/internal/scheduler"
	"github.com/TobiSchelling/postpipe/internal/server"
)

// --- health ---

var errUnhealthy = errors.New("pipeline unhealthy")

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check and repair pipeline run state",
}

var healthCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one health check; exits non-zero when issues were found",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		rep, err := health.NewMonitor(db, cfg.Health).Tick(cmd.Context())
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		printReport(rep)
		if !rep.Healthy {
			return errUnhealthy
		}
		return nil
	},
}

var healthWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run health checks on the configured interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		log.Printf("Health monitor started, checking every %s", cfg.Health.Interval)
		err = health.NewMonitor(db, cfg.Health).Watch(ctx, cfg.Health.Interval, func(rep health.Report) {
			for _, issue := range rep.Issues {
				log.Printf("Issue: %s", issue)
			}
			for _, fix := range rep.Fixes {
				log.Printf("Fix applied: %s", fix)
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	healthCmd.AddCommand(healthCheckCmd)
	healthCmd.AddCommand(healthWatchCmd)
}

func printReport(rep health.Report) {
	st := rep.State
	fmt.Println("Run state:")
	fmt.Printf("  is_running: %v\n", st.IsRunning)
	if st.PID > 0 {
		fmt.Printf("  process_pid: %d\n", st.PID)
	}
	fmt.Printf("  last_start: %s\n", ago(st.LastStart))
	fmt.Printf("  last_completion: %s\n", ago(st.LastCompletion))
	fmt.Printf("  heartbeat_at: %s\n", ago(st.HeartbeatAt))

	fmt.Println("\nHealth check summary:")
	fmt.Printf("  Issues found: %d\n", len(rep.Issues))
	fmt.Printf("  Fixes applied: %d\n", len(rep.Fixes))
	for _, issue := range rep.Issues {
		fmt.Printf("  - %s\n", issue)
	}
	for _, fix := range rep.Fixes {
		fmt.Printf("  + %s\n", fix)
	}
	if rep.Healthy {
		fmt.Println("All checks passed - pipeline is healthy!")
	}
}

// --- schedule ---

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on schedule.cron or daily at schedule.daily_at",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		spec, err := cfg.Schedule.Spec()
		if err != nil {
			return err
		}
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locating executable: %w", err)
		}

		sched, err := scheduler.New(spec, scheduler.CommandJob(exe, childArgs()...))
		if err != nil {
			return err
		}
		err = sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// --- serve ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		return server.Serve(ctx, db, port, cfg.Health.StaleAfter)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- items ---

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Inspect and update items",
}

var listStatus string

var itemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List top items by priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		items, err := db.ListItems(cmd.Context(), database.ItemFilter{Status: listStatus, Limit: 25})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No items.")
			return nil
		}
		for _, it := range items {
			p := "-"
			if it.PriorityScore != nil {
				p = strconv.Itoa(*it.PriorityScore)
			}
			fmt.Printf("[%d] %2s  %-8s r/%s  %s\n", it.ID, p, it.Status, it.Community, it.Title)
		}
		return nil
	},
}

var itemsStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Set an item's workflow status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid item ID: %s", args[0])
		}
		if err := db.SetItemStatus(cmd.Context(), id, args[1]); err != nil {
			return err
		}
		fmt.Printf("Item [%d] is now %s\n", id, args[1])
		return nil
	},
}

func init() {
	itemsListCmd.Flags().StringVar(&listStatus, "status", "", "Only show items with this status")
	itemsCmd.AddCommand(itemsListCmd)
	itemsCmd.AddCommand(itemsStatusCmd)
}
