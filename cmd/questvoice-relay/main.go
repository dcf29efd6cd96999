// Command questvoice-relay serves the credential relay, minting realtime
// session secrets for clients that should not hold the API key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/questvoice/internal/config"
	"github.com/MrWong99/questvoice/internal/health"
	"github.com/MrWong99/questvoice/internal/observe"
	"github.com/MrWong99/questvoice/internal/relay"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "questvoice.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file with API keys; missing files are ignored")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "questvoice-relay: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "questvoice-relay: %v\n", err)
		return 1
	}
	config.ApplyEnv(cfg)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "questvoice-relay",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(tctx)
	}()

	if cfg.Relay.APIKey == "" {
		slog.Warn("no relay API key configured, callers must send their own bearer token")
	}

	srv := relay.New(
		relay.WithAPIKey(cfg.Relay.APIKey),
		relay.WithUpstreamURL(cfg.Relay.UpstreamURL),
		relay.WithAllowedVoices(cfg.Relay.AllowedVoices...),
		relay.WithMetrics(observe.DefaultMetrics()),
		relay.WithHealth(health.New()),
		relay.WithLogger(logger),
	)
	router := srv.Router()
	router.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", "addr", cfg.Relay.ListenAddr, "version", version)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		slog.Error("relay listener failed", "err", err)
		return 1
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("shutdown signal received, stopping")
	if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
