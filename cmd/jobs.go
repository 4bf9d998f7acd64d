package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var dripCmd = &cobra.Command{
	Use:   "drip",
	Short: "Run one dripfeed cycle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return oneShot(cmd, func(ctx context.Context, a *app) (any, error) {
			res, err := a.engine.TriggerDripfeed(ctx)
			if err != nil {
				return nil, err
			}
			out := map[string]any{"state": res.State.String(), "reason": res.Reason}
			if res.PostID != "" {
				out["post_id"] = res.PostID
			}
			if !res.NextWake.IsZero() {
				out["next_wake"] = res.NextWake
			}
			return out, res.Err
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Sync published posts with the catalog now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return oneShot(cmd, func(ctx context.Context, a *app) (any, error) {
			stats, err := a.engine.TriggerReconcile(ctx)
			if stats == nil {
				return nil, err
			}
			return stats, err
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop ledger fingerprints no live post carries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return oneShot(cmd, func(ctx context.Context, a *app) (any, error) {
			removed, err := a.engine.TriggerSweep(ctx)
			return map[string]int{"removed": removed}, err
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current dashboard snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return oneShot(cmd, func(ctx context.Context, a *app) (any, error) {
			snap, err := a.status.Snapshot(ctx)
			if snap == nil {
				return nil, err
			}
			return snap, err
		})
	},
}

func init() {
	rootCmd.AddCommand(dripCmd, reconcileCmd, sweepCmd, statusCmd)
}

// oneShot wires the app without firing persisted timers, runs fn on the
// engine loop and prints its result as JSON to the command's output.
func oneShot(cmd *cobra.Command, fn func(ctx context.Context, a *app) (any, error)) error {
	logger := newLogger(cmd, false)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	stopEngine := a.runEngine(ctx)
	out, err := fn(ctx, a)
	if serr := stopEngine(); serr != nil {
		logger.Warn("Engine stopped with error", "error", serr)
	}
	if out != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if eerr := enc.Encode(out); eerr != nil {
			return fmt.Errorf("write result: %w", eerr)
		}
	}
	return err
}
