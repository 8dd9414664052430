// Package main implements the entry point for the ruuvigw gateway.
// ruuvigw decodes Ruuvi BLE advertisements, filters unchanged readings and forwards the
// rest to the configured sinks.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/c360/ruuvigw/admin"
	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/engine"
	"github.com/c360/ruuvigw/health"
	"github.com/c360/ruuvigw/metric"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "ruuvigw"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// run executes the gateway until ctx is cancelled or the pipeline stops on its own.
func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	cliCfg, err := parseFlags(args, getenv, stdout)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (build %s)\n", appName, Version, BuildTime)
		return nil
	}
	if cliCfg.ShowHelp {
		fs := newFlagSet(&CLIConfig{}, getenv)
		printDetailedHelp(stdout, fs)
		return nil
	}

	logger := setupLogger(stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid",
			"sources", len(cfg.Sources),
			"measurements", len(cfg.Measurements),
			"sinks", len(cfg.Sinks))
		return nil
	}

	logger.Info("Starting ruuvigw",
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return serve(ctx, cfg, cliCfg.ShutdownTimeout, logger)
}

// loadConfig loads the base file and every overlay, then applies flag overrides.
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.AddLayer(cliCfg.ConfigPath)
	for _, overlay := range cliCfg.Overlays {
		loader.AddLayer(overlay)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.AdminAddr != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = cliCfg.AdminAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// serve wires the engine and admin server and blocks until shutdown.
func serve(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, logger *slog.Logger) error {
	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	eng, err := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithMetricsRegistry(registry),
		engine.WithHealthMonitor(monitor),
		engine.WithVersion(Version),
	)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var srv *admin.Server
	if cfg.Admin.Enabled {
		srv = admin.New(cfg.Admin, admin.Deps{
			Gateway:         eng,
			Health:          monitor,
			MetricsRegistry: registry,
			Config:          config.NewSafeConfig(cfg),
			Logger:          logger,
			Version:         Version,
		})
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		logger.Info("Admin server listening", "addr", srv.Addr().String())
	}

	if err := eng.Start(ctx); err != nil {
		shutdownAdmin(srv, shutdownTimeout, logger)
		return fmt.Errorf("start engine: %w", err)
	}
	logger.Info("ruuvigw started")

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-eng.Done():
		logger.Info("Pipeline stopped, every source finished")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := eng.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop engine: %w", err))
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop admin server: %w", err))
		}
	}
	if err := stderrors.Join(errs...); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("ruuvigw shutdown complete")
	return nil
}

func shutdownAdmin(srv *admin.Server, timeout time.Duration, logger *slog.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Admin server shutdown failed", "error", err)
	}
}
