// Command voicegate is the main entry point for the voicegate device server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicegate/internal/app"
	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/intercept/handlers"
	"github.com/MrWong99/voicegate/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload hot-reloadable settings when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicegate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicegate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voicegate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:        "voicegate",
		ServiceVersion:     version,
		ListenAddr:         cfg.Server.ListenAddr,
		WebsocketPath:      cfg.Server.WebsocketPath,
		InterceptorEnabled: cfg.Interceptor.Enabled,
		Handlers:           enabledHandlers(cfg.Interceptor.Handlers),
		StopNotify:         cfg.Delivery.StopNotify.Enabled,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if !d.HotChanged() && len(d.RestartRequired) == 0 {
				return
			}
			application.ApplyConfig(d, new)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// enabledHandlers lists the interceptor handlers switched on in cfg, in
// registration order.
func enabledHandlers(cfg config.HandlersConfig) []string {
	var names []string
	for _, reg := range handlers.Registrations(cfg, handlers.Deps{}) {
		if reg.Enabled {
			names = append(names, reg.Name)
		}
	}
	return names
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	ic := cfg.Interceptor
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicegate: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen addr", cfg.Server.ListenAddr)
	printRow("Websocket", cfg.Server.WebsocketPath)
	printRow("TLS", onOff(cfg.Server.TLS != nil))
	printRow("Interceptor", onOff(ic.Enabled))
	printRow("Workers", fmt.Sprintf("%d (queue %d)", ic.MaxWorkers, ic.QueueSize))
	printRow("Analytics", onOff(ic.Handlers.Analytics))
	printRow("Billing", onOff(ic.Handlers.Billing))
	printRow("DB storage", onOff(ic.Handlers.DatabaseStorage))
	printRow("Webhook", onOff(ic.Handlers.ExternalAPI.Enabled))
	if cfg.Accounts.PostgresDSN != "" {
		printRow("Ledger", "postgres")
	} else {
		printRow("Ledger", "memory")
	}
	printRow("Stop notify", onOff(cfg.Delivery.StopNotify.Enabled))
	printRow("Close after chat", onOff(cfg.Delivery.CloseAfterChat))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-16s: %-19s ║\n", label, value)
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "(disabled)"
}
