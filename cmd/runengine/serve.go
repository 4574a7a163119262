package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/runengine/internal/config"
	"github.com/rendis/runengine/internal/httpapi"
	"github.com/rendis/runengine/internal/logging"
	"github.com/rendis/runengine/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the engine and the recovery sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), root.configFile)
		},
	}
}

func runServe(ctx context.Context, configFile string) error {
	cfg, v, err := config.Load(configFile)
	if err != nil {
		return err
	}
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.Log.Level))
	logger := logging.NewLeveled(os.Stderr, level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.engine.Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("engine started", "store", cfg.Store.Backend, "workers", cfg.Engine.PoolSize, "recovered_runs", n)

	var sweeper *scheduler.Sweeper
	if cfg.Sweeper.Enabled {
		sweeper, err = scheduler.NewSweeper(a.engine, cfg.Sweeper.Cron, logger)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sweeper.Stop() }()
	}

	watchConfig(v, cfg, level, logger)

	srv := httpapi.New(httpapi.Deps{
		Service:     a.engine,
		Graph:       a.graph,
		Hub:         a.hub,
		Logger:      logger,
		ServiceName: "runengine",
	})
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", "addr", cfg.Server.ListenAddr)
		errCh <- srv.Start(cfg.Server.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// watchConfig reloads settings on change. Only the log level applies live;
// other changes are reported as needing a restart.
func watchConfig(v *viper.Viper, current *config.Config, level *slog.LevelVar, logger *slog.Logger) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := config.Decode(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		d := config.Compare(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.Log.Level))
			logger.Info("log level changed", "level", next.Log.Level)
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changed; restart to apply", "keys", d.RestartNeeded)
		}
		current.Log = next.Log
	})
	v.WatchConfig()
}
