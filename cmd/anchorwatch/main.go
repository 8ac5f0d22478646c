// Command anchorwatch runs the device linker against a relay or the
// synthetic boat, prints liveness verdict changes, and can issue one command
// to the boat.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anqori/anchorwatch/config"
	"github.com/anqori/anchorwatch/connection"
	"github.com/anqori/anchorwatch/connection/relay"
	"github.com/anqori/anchorwatch/connection/synthetic"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/linker"
)

// Build information
const (
	Version = "0.1.0"
	appName = "anchorwatch"
)

const connectWait = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, getenv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := validateFlags(cli); err != nil {
		return err
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(stderr, cli.LogLevel, cli.LogFormat)
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	set := connection.Set{
		Relay: relay.New(relay.Static(relay.Credentials{
			BaseURL:    cfg.RelayBaseURL,
			BoatID:     cfg.BoatID,
			BoatSecret: cfg.BoatSecret,
			DeviceID:   cfg.DeviceID,
		}), relay.WithLogger(logger)),
		Synthetic: synthetic.New(synthetic.WithBoatID(cfg.BoatID), synthetic.WithLogger(logger)),
	}
	l, err := linker.New(set,
		linker.WithLogger(logger),
		linker.WithMode(connection.ParseMode(cfg.Mode)),
		linker.WithTickInterval(cfg.TickInterval.Std()))
	if err != nil {
		return err
	}

	out := json.NewEncoder(&lockedWriter{w: stdout})
	unsubscribe := l.SubscribeVerdict(func(v linker.Verdict) {
		_ = out.Encode(map[string]any{"verdict": v})
	})
	defer unsubscribe()

	if err := l.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Stop(stopCtx); err != nil {
			logger.Warn("stop linker", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if cli.Command != "" {
		g.Go(func() error {
			if err := waitConnected(gctx, l, connectWait); err != nil {
				return err
			}
			result, err := execute(gctx, l, cli.Command, cli.CommandArgs, cfg.RelayBaseURL)
			if result != nil {
				_ = out.Encode(map[string]any{"command": cli.Command, "result": result})
			}
			if err != nil {
				return fmt.Errorf("%s: %w", cli.Command, err)
			}
			return nil
		})
	}
	if cli.Duration > 0 || cli.Command == "" {
		g.Go(func() error {
			var expired <-chan time.Time
			if cli.Duration > 0 {
				timer := time.NewTimer(cli.Duration)
				defer timer.Stop()
				expired = timer.C
			}
			select {
			case <-gctx.Done():
			case <-expired:
			}
			return nil
		})
	}
	return g.Wait()
}

func loadConfig(cli *CLIConfig) (*config.ClientConfig, error) {
	loader := config.NewLoader()
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.LoadClient()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for dst, v := range map[*string]string{
		&cfg.Mode:         cli.Mode,
		&cfg.RelayBaseURL: cli.RelayURL,
		&cfg.BoatID:       cli.BoatID,
		&cfg.BoatSecret:   cli.BoatSecret,
		&cfg.DeviceID:     cli.DeviceID,
	} {
		if v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func waitConnected(ctx context.Context, l *linker.Linker, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		active := l.Active()
		if active.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s link not connected: %w", active.Kind(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// lockedWriter serializes verdict and command output.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}
