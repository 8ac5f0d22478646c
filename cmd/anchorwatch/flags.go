package main

import (
	"flag"
	"fmt"
	"io"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	Mode        string
	RelayURL    string
	BoatID      string
	BoatSecret  string
	DeviceID    string
	Command     string
	CommandArgs []string
	Duration    time.Duration
	LogLevel    string
	LogFormat   string
	ShowVersion bool
}

func parseFlags(args []string, getenv func(string) string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config", getenv("ANCHORWATCH_CLIENT_CONFIG"),
		"Client config file, JSON or YAML (env: ANCHORWATCH_CLIENT_CONFIG)")
	fs.StringVar(&cfg.Mode, "mode", "", "Link mode: device or fake")
	fs.StringVar(&cfg.RelayURL, "relay", "", "Relay base URL, e.g. https://relay.example.com")
	fs.StringVar(&cfg.BoatID, "boat-id", "", "Boat id")
	fs.StringVar(&cfg.BoatSecret, "boat-secret", "", "Boat secret")
	fs.StringVar(&cfg.DeviceID, "device-id", "", "Device id announced to the relay")
	fs.StringVar(&cfg.Command, "command", "", "One of: "+joinCommands())
	fs.DurationVar(&cfg.Duration, "duration", 0, "How long to watch the link; 0 exits after -command, or runs until interrupted")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr(getenv, "ANCHORWATCH_LOG_LEVEL", "warn"),
		"Log level: debug, info, warn, error (env: ANCHORWATCH_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", envOr(getenv, "ANCHORWATCH_LOG_FORMAT", "text"),
		"Log format: json, text (env: ANCHORWATCH_LOG_FORMAT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, `%[1]s - watch an anchored boat

Usage: %[1]s [options] [command arguments]

Options:
`, appName)
		fs.PrintDefaults()
		_, _ = fmt.Fprintf(stderr, `
Commands:
  probe                          probe the active link
  anchor-rise                    raise the anchor
  anchor-down LAT LON            drop the anchor at a position
  silence [SECONDS]              silence the alarm (default 900)
  wifi-scan [MAX] [HIDDEN]       scan networks near the boat
  config-patch VERSION JSON      send a config patch

Examples:
  %[1]s -mode fake -duration 10s
  %[1]s -relay https://relay.example.com -boat-id b1 -boat-secret s -command probe
`, appName)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg.CommandArgs = fs.Args()
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if cfg.Mode != "" && cfg.Mode != "device" && cfg.Mode != "fake" {
		return fmt.Errorf("invalid mode: %s", cfg.Mode)
	}
	if cfg.Command != "" && !slices.Contains(commandNames, cfg.Command) {
		return fmt.Errorf("unknown command: %s", cfg.Command)
	}
	if cfg.Command == "" && len(cfg.CommandArgs) > 0 {
		return fmt.Errorf("arguments given without -command: %v", cfg.CommandArgs)
	}
	if cfg.Duration < 0 {
		return fmt.Errorf("invalid duration: %v", cfg.Duration)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}
