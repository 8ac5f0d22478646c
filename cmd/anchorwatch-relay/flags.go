package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	Addr            string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// layerList collects repeated -config flags.
type layerList []string

func (l *layerList) String() string { return fmt.Sprint([]string(*l)) }

func (l *layerList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func parseFlags(args []string, getenv func(string) string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	var layers layerList
	fs.Var(&layers, "config", "Config file, JSON or YAML; repeat to layer (env: ANCHORWATCH_CONFIG)")
	fs.StringVar(&cfg.Addr, "addr", getenv("ANCHORWATCH_ADDR"),
		"Listen address, overrides the config file (env: ANCHORWATCH_ADDR)")
	fs.StringVar(&cfg.LogLevel, "log-level", envOr(getenv, "ANCHORWATCH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: ANCHORWATCH_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", envOr(getenv, "ANCHORWATCH_LOG_FORMAT", "json"),
		"Log format: json, text (env: ANCHORWATCH_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 0,
		"Graceful shutdown timeout, overrides the config file")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	fs.Usage = func() { printHelp(fs, stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	cfg.ConfigPaths = layers
	if len(cfg.ConfigPaths) == 0 {
		if p := getenv("ANCHORWATCH_CONFIG"); p != "" {
			cfg.ConfigPaths = []string{p}
		}
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}
	return nil
}

func printHelp(fs *flag.FlagSet, w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s - anchor watch relay

Usage: %s [options]

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # In-memory relay on :8787
  %[1]s

  # NATS KV storage, layered config
  %[1]s -config relay.yaml -config prod.yaml

  # Environment overrides
  export ANCHORWATCH_BOAT_SECRET=s3cret
  export ANCHORWATCH_STORAGE=kv
  %[1]s -log-format text

Version: %[2]s
`, appName, Version)
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}
