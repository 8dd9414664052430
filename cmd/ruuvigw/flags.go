package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	Overlays        []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	AdminAddr       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func newFlagSet(cfg *CLIConfig, getenv func(string) string) *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	// Define flags with environment variable fallback
	fs.StringVarP(&cfg.ConfigPath, "config", "c",
		envString(getenv, "RUUVIGW_CONFIG", "configs/ruuvigw.yaml"),
		"Path to configuration file (env: RUUVIGW_CONFIG)")

	fs.StringSliceVar(&cfg.Overlays, "overlay", nil,
		"Configuration files merged over --config in order, repeatable")

	fs.StringVar(&cfg.LogLevel, "log-level",
		envString(getenv, "RUUVIGW_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: RUUVIGW_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		envString(getenv, "RUUVIGW_LOG_FORMAT", "json"),
		"Log format: json, text (env: RUUVIGW_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		envBool(getenv, "RUUVIGW_DEBUG", false),
		"Enable debug mode (env: RUUVIGW_DEBUG)")

	fs.StringVar(&cfg.AdminAddr, "admin-addr",
		envString(getenv, "RUUVIGW_ADMIN_ADDR", ""),
		"Enable the admin server on this address, overriding admin.addr (env: RUUVIGW_ADMIN_ADDR)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		envDuration(getenv, "RUUVIGW_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: RUUVIGW_SHUTDOWN_TIMEOUT)")

	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	return fs
}

func parseFlags(args []string, getenv func(string) string, out io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := newFlagSet(cfg, getenv)
	fs.SetOutput(out)
	fs.Usage = func() { printDetailedHelp(out, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range append([]string{cfg.ConfigPath}, cfg.Overlays...) {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - Ruuvi BLE telemetry gateway

Usage: %s [options]

Options:
`, appName, appName)
	_, _ = fmt.Fprint(w, fs.FlagUsages())
	_, _ = fmt.Fprintf(w, `
Examples:
  # Run with custom config
  %[1]s --config=/etc/ruuvigw/ruuvigw.yaml

  # Layer a site specific file over the base config
  %[1]s -c base.yaml --overlay site.yaml

  # Run with debug logging
  %[1]s --log-level=debug --log-format=text

  # Run with environment variables
  export RUUVIGW_CONFIG=/etc/ruuvigw/ruuvigw.yaml
  export RUUVIGW_LOG_LEVEL=debug
  %[1]s

  # Validate configuration only
  %[1]s --validate

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

func envString(getenv func(string) string, key, defaultValue string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envBool(getenv func(string) string, key string, defaultValue bool) bool {
	if value := getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func envDuration(getenv func(string) string, key string, defaultValue time.Duration) time.Duration {
	if value := getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
