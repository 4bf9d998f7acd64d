package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dealdrip/content"
	"dealdrip/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long:  "Run the timer loop, the dripfeed, reconciliation and ledger sweeps, and serve the admin API and feed.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("port", "", "HTTP port (default from $PORT or 8080)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd, true)

	port := cfg.Port
	if p, _ := cmd.Flags().GetString("port"); p != "" {
		port = p
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:" + port
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	stopEngine := a.runEngine(ctx)
	if err := a.engine.Bootstrap(ctx); err != nil {
		logger.Error("Failed to arm schedules", "error", err)
	}

	srv := server.New(&server.Config{
		Engine:     a.engine,
		Settings:   a.settings,
		Status:     a.status,
		Feed:       a.feed,
		Logger:     logger,
		IsNotFound: func(err error) bool { return errors.Is(err, content.ErrNotFound) },
		AdminToken: cfg.AdminToken,
	})
	serveErr := srv.ListenAndServe(ctx, port)
	stop()

	if err := stopEngine(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Engine stopped with error", "error", err)
	}
	logger.Info("Shutdown complete")
	return serveErr
}
