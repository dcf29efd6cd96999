// Command questvoice runs a realtime voice session with the narrator and the
// NPC personas from a terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/questvoice/internal/app"
	"github.com/MrWong99/questvoice/internal/config"
	"github.com/MrWong99/questvoice/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "questvoice.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file with API keys; missing files are ignored")
	noWatch := flag.Bool("no-watch", false, "do not reload the configuration file on change")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "questvoice: %v\n", err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "questvoice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "questvoice: %v\n", err)
		}
		return 1
	}
	config.ApplyEnv(cfg)
	if cfg.Realtime.APIKey == "" && cfg.Realtime.RelayURL == "" {
		fmt.Fprintf(os.Stderr, "questvoice: no API key, set %s or realtime.relay_url\n", config.EnvOpenAIAPIKey)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("questvoice starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	con := newConsole(os.Stdout)
	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLogLevel(&level),
		app.WithCallbacks(con.callbacks()),
	}
	if !*noWatch {
		opts = append(opts, app.WithConfigPath(*configPath))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	con.setPersonas(application.Sessions().Personas)

	printStartupSummary(cfg, application)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		con.readCommands(runCtx, os.Stdin, application.Sessions())
		cancelRun()
	}()
	if !*noWatch {
		go reloadOnHangup(runCtx, application)
	}

	if err := application.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, a *app.App) {
	names := a.Sessions().Personas().Names()
	cast := make([]string, len(names))
	for i, n := range names {
		cast[i] = string(n)
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      questvoice, startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Realtime.Model)
	printRow("Voice", cfg.Realtime.Voice)
	printRow("Personas", strings.Join(cast, ", "))
	printRow("Character", cfg.Character.Name)
	printRow("Store", string(cfg.Store.Backend))
	if cfg.Realtime.RelayURL != "" {
		printRow("Secrets", "relay "+cfg.Realtime.RelayURL)
	} else {
		printRow("Secrets", "direct")
	}
	printRow("Metrics addr", cfg.Server.MetricsAddr)
	printRow("UI addr", cfg.Server.UIAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println(helpText)
}

func printRow(label, value string) {
	if value == "" {
		value = "(disabled)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, a *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.ReloadConfig(); err != nil {
				slog.Warn("config reload failed", "err", err)
			}
		}
	}
}
