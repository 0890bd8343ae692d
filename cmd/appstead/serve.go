package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/appstead/appstead"
	"github.com/appstead/appstead/internal/logger"
)

func createServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the appstead daemon",
		Long: `Start the appstead daemon: recover persisted state, arm schedules
and serve the HTTP API until interrupted.

Examples:
  appstead serve                   # built-in defaults, sqlite under /var/lib/appstead
  appstead serve config.toml
  appstead serve --config /etc/appstead/config.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.toml")
	return cmd
}

func runServe(configPath string) error {
	cfg := appstead.DefaultConfig()
	if configPath != "" {
		loaded, err := appstead.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Color)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	daemon, err := appstead.NewDaemon(&cfg)
	if err != nil {
		return fmt.Errorf("init daemon: %w", err)
	}

	ctx := context.Background()
	if err := daemon.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := daemon.StartScheduler(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := daemon.Serve(cfg.Server.Listen, cfg.Server.BasePath)
	slog.Info("daemon listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), appstead.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		slog.Warn("http shutdown", "err", err)
	}
	return daemon.Shutdown(shutdownCtx)
}
