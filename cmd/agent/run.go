package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/PulseAI-Platform/kash-stash/internal/controller"
	"github.com/PulseAI-Platform/kash-stash/internal/endpoint"
	"github.com/PulseAI-Platform/kash-stash/internal/executor"
	"github.com/PulseAI-Platform/kash-stash/internal/lockstore"
	"github.com/PulseAI-Platform/kash-stash/internal/metrics"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(logLevel)
		logger.Info("starting kash-stash agent",
			"version", version,
			"endpoint_file", endpointPath,
			"lock_root", lockRoot)

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()

		watcher := endpoint.NewWatcher(endpointPath, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("endpoint file watch unavailable, using startup snapshot", "error", err)
		}
		provider := watcher.Provider()

		device := ""
		if ep, err := provider(); err != nil {
			// Not fatal: the UI may write the endpoint file after we start.
			logger.Warn("no endpoint configured yet", "error", err)
		} else {
			device = ep.Device
		}

		m := metrics.New()
		pod := podapi.New(provider, logger)
		locks := lockstore.New(lockRoot)
		registry := executor.NewRegistry(logger)

		healthAddr := os.Getenv("HEALTH_LISTEN_ADDR")
		if healthAddr == "" {
			healthAddr = ":8091"
		}
		healthSrv := metrics.NewServer(healthAddr, version, commit, device, m)
		go func() {
			logger.Info("starting health/version server", "addr", healthAddr)
			if err := healthSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server failed", "error", err)
			}
		}()
		defer healthSrv.Close()

		ctl := controller.New(provider, pod, locks, registry, logger, m, controller.Options{})
		return ctl.Run(ctx)
	},
}
