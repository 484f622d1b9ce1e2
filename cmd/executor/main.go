package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-runtimes/executor/internal/api"
	"github.com/open-runtimes/executor/internal/config"
	"github.com/open-runtimes/executor/internal/docker"
	"github.com/open-runtimes/executor/internal/events"
	"github.com/open-runtimes/executor/internal/images"
	"github.com/open-runtimes/executor/internal/logging"
	"github.com/open-runtimes/executor/internal/maintenance"
	"github.com/open-runtimes/executor/internal/metrics"
	"github.com/open-runtimes/executor/internal/network"
	"github.com/open-runtimes/executor/internal/registry"
	"github.com/open-runtimes/executor/internal/runner"
	"github.com/open-runtimes/executor/internal/stats"
	"github.com/open-runtimes/executor/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "executor",
		Short:         "Runs and invokes serverless function runtimes in Docker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to executor.yaml")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	dc, err := docker.New()
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dc.Close()

	if err := dc.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed, is Docker running? %w", err)
	}
	logger.Info("docker connection OK")

	st, err := store.New(cfg.DBPath, store.DefaultMaxOpenConns)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer st.Close()

	var publisher runner.Publisher = events.Nop{}
	if cfg.RedisURL != "" {
		rp, err := events.NewRedisPublisher(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("event publisher: %w", err)
		}
		defer rp.Close()
		if err := rp.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, events may be lost", "error", err)
		}
		publisher = rp
	}

	m := metrics.New()
	reg := registry.New(cfg.RegistryCapacity)

	mgr := runner.NewManager(cfg, reg, dc, logger)
	mgr.SetJournal(st)
	mgr.SetPublisher(publisher)
	mgr.SetMetrics(m)

	// Leftovers of a previous run on this host.
	if err := mgr.RemoveOwned(ctx); err != nil {
		return fmt.Errorf("startup cleanup: %w", err)
	}

	nets := network.NewManager(dc, logger)
	nets.EnsureAll(ctx, cfg.Networks)
	if len(nets.Available()) == 0 {
		return errors.New("no runtime network is available")
	}
	mgr.SetNetworks(nets)
	if cfg.Image != "" {
		nets.AttachSelf(ctx, cfg.Image, nets.Available())
	}

	if cfg.ImagePull {
		refs := images.Expand(cfg.Runtimes, cfg.RuntimeVersions)
		images.NewWarmer(dc, logger).PullAll(ctx, refs)
	} else {
		logger.Info("skipping image pulling")
	}

	sampler := stats.New(dc, cfg.Hostname, mgr.Labels(), logger)
	sampler.SetMetrics(m)
	sampler.Start(ctx)

	sweeper := maintenance.New(cfg, reg, dc, logger)
	sweeper.SetJournal(st)
	sweeper.SetPublisher(publisher)
	sweeper.SetMetrics(m)
	sweeper.Start(ctx)

	srv := api.NewServer(cfg, mgr, logger)
	srv.SetUsage(sampler)
	srv.SetMetrics(m.Handler())
	srv.SetVersion(version)

	httpServer := &http.Server{
		Addr:        cfg.Listen,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "hostname", cfg.Hostname, "version", version)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		logger.Error("server error", "error", runErr)
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sweeper.Stop()
	sampler.Stop()
	if err := mgr.RemoveOwned(shutdownCtx); err != nil {
		logger.Warn("shutdown cleanup", "error", err)
	}
	nets.RemoveAll(shutdownCtx, nets.Created())

	logger.Info("shutdown complete")
	return runErr
}
