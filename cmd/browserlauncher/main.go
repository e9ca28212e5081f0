// Package main provides the entry point for the browser session launcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browserlauncher-go/internal/config"
	"github.com/Rorqualx/browserlauncher-go/internal/flags"
	"github.com/Rorqualx/browserlauncher-go/internal/hostip"
	"github.com/Rorqualx/browserlauncher-go/internal/localmode"
	"github.com/Rorqualx/browserlauncher-go/internal/manager"
	"github.com/Rorqualx/browserlauncher-go/internal/metrics"
	"github.com/Rorqualx/browserlauncher-go/internal/queue"
	"github.com/Rorqualx/browserlauncher-go/internal/types"
	"github.com/Rorqualx/browserlauncher-go/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible
	setupLogging(cfg.LogLevel)

	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Str("env", cfg.Env).
		Msg("Starting browser session launcher")

	host := hostip.Detect(context.Background())
	log.Info().
		Str("machine_ip", host.MachineIP).
		Str("public_ip", host.PublicIP).
		Bool("on_aws", host.OnAWS).
		Msg("Host addresses resolved")

	policy, err := flags.NewManager(cfg.ChromeFlagsPath, cfg.ChromeFlagsHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chrome flag policy")
	}
	defer policy.Close()

	mgr := manager.New(cfg, host, policy)
	mgr.StartBackground()

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Frontend: SQS in normal operation, directory polling in local mode
	var adapter *queue.Adapter
	var local *localmode.Runner
	frontendDone := make(chan error, 1)

	if cfg.RequestQueueURL == "" || cfg.RequestQueueURL == "local" {
		local = localmode.New(cfg.LocalTestDir, cfg.LocalCheckInterval, mgr)
		go func() { frontendDone <- local.Run(ctx) }()
	} else {
		adapter = queue.New(cfg, mgr)
		go func() { frontendDone <- adapter.Run(ctx) }()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	case err := <-frontendDone:
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, types.ErrQueueNotConfigured) {
			log.Error().Err(err).Msg("Request frontend failed")
			os.Exit(1)
		}
		log.Info().Msg("Request frontend stopped, shutting down...")
	}

	// Stop accepting work, then tear sessions down
	if adapter != nil {
		adapter.Stop()
	}
	if local != nil {
		local.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	mgr.Shutdown(shutdownCtx)

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	// Use console writer for prettier output
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
