// Command anchorwatch-relay serves the anchor watch relay: the websocket pipe
// between apps and boat devices, and the latest-state, config and track API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anqori/anchorwatch/config"
	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/gateway"
	"github.com/anqori/anchorwatch/health"
	"github.com/anqori/anchorwatch/hub"
	"github.com/anqori/anchorwatch/merge"
	"github.com/anqori/anchorwatch/metric"
	"github.com/anqori/anchorwatch/natsclient"
	"github.com/anqori/anchorwatch/pkg/retry"
	"github.com/anqori/anchorwatch/storage"
	"github.com/anqori/anchorwatch/storage/kvstore"
	"github.com/anqori/anchorwatch/storage/memstore"
)

// Build information
const (
	Version = "0.1.0"
	appName = "anchorwatch-relay"
)

func pid() int { return os.Getpid() }

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr, nil)
	stop()
	if err != nil {
		slog.Error("relay failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// run starts the relay and blocks until ctx ends. When ready is non-nil it
// receives the bound listen address once the server accepts connections.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer, ready chan<- string) error {
	cli, err := parseFlags(args, getenv, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		return nil
	}

	logger := setupLogger(stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		logger.Info("configuration is valid", "storage", cfg.Storage, "addr", cfg.Addr)
		return nil
	}

	logger.Info("starting relay",
		"addr", cfg.Addr,
		"storage", cfg.Storage,
		"build_version", cfg.BuildVersion,
		"boat_scoped", cfg.BoatID != "",
		"auth", cfg.BoatSecret != "")

	registry := metric.NewMetricsRegistry()
	registry.CoreMetrics().RecordBuild(appName, cfg.BuildVersion)
	monitor := health.NewMonitor()

	store, closeStore, err := openStorage(ctx, cfg, logger, registry, monitor)
	if err != nil {
		return err
	}
	defer closeStore()
	monitor.Register("storage", storageCheck(store))

	engine, err := merge.New(store,
		merge.WithLogger(logger),
		merge.WithTrackMaxPoints(cfg.TrackMaxPoints),
		merge.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("create merge engine: %w", err)
	}
	h, err := hub.New(
		hub.WithLogger(logger),
		hub.WithBuildVersion(cfg.BuildVersion),
		hub.WithInboxSize(cfg.Hub.InboxSize),
		hub.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}
	gw, err := gateway.New(gatewayConfig(cfg), engine, h,
		gateway.WithLogger(logger),
		gateway.WithMetrics(registry),
		gateway.WithHealth(monitor))
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "main", "run", "listen on "+cfg.Addr)
	}
	srv := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", ln.Addr().String())
		if ready != nil {
			ready <- ln.Addr().String()
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.Std())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
		defer cancel()

		// pipes are hijacked, so they are closed through the hub
		gw.Close()
		if err := h.Shutdown(shutdownCtx); err != nil {
			logger.Warn("hub shutdown incomplete", "error", err)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}

func loadConfig(cli *CLIConfig) (*config.RelayConfig, error) {
	loader := config.NewLoader()
	for _, p := range cli.ConfigPaths {
		loader.AddLayer(p)
	}
	cfg, err := loader.LoadRelay()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.Addr != "" {
		cfg.Addr = cli.Addr
	}
	if cli.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = config.Duration(cli.ShutdownTimeout)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func gatewayConfig(cfg *config.RelayConfig) gateway.Config {
	return gateway.Config{
		AllowedOrigin: cfg.AllowedOrigin,
		BoatID:        cfg.BoatID,
		BoatSecret:    cfg.BoatSecret,
		BuildVersion:  cfg.BuildVersion,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		Socket: hub.SocketConfig{
			WriteWait:    cfg.Hub.WriteTimeout.Std(),
			PingInterval: cfg.Hub.PingInterval.Std(),
			ReadWait:     cfg.Hub.ReadTimeout.Std(),
			FrameRate:    rate.Limit(cfg.Hub.FrameRate),
			FrameBurst:   cfg.Hub.FrameBurst,
		},
	}
}

// openStorage returns the configured store and a func releasing it.
func openStorage(
	ctx context.Context,
	cfg *config.RelayConfig,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
	monitor *health.Monitor,
) (storage.Store, func(), error) {
	if cfg.Storage != config.StorageKV {
		return memstore.New(), func() {}, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithToken(cfg.NATS.Token),
		natsclient.WithMetrics(registry),
	}
	if d := cfg.NATS.ConnectTimeout.Std(); d > 0 {
		opts = append(opts, natsclient.WithTimeout(d))
	}
	client, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create nats client: %w", err)
	}

	logger.Info("connecting to NATS", "url", cfg.NATS.URL)
	connect := retry.DefaultConfig()
	connect.MaxAttempts = 5
	if err := retry.Do(ctx, connect, func() error { return client.Connect(ctx) }); err != nil {
		return nil, nil, fmt.Errorf("connect to NATS: %w", err)
	}
	closeClient := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("nats close", "error", err)
		}
	}
	monitor.Register("nats", client.Health)

	store, err := kvstore.New(ctx, client, kvstore.Config{
		Bucket:   cfg.NATS.Bucket,
		Replicas: cfg.NATS.Replicas,
	}, kvstore.WithLogger(logger), kvstore.WithMetrics(registry))
	if err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("open kv store: %w", err)
	}
	return store, closeClient, nil
}

// storageCheck reads a key that is never written; a miss means the backend
// answered.
func storageCheck(store storage.Store) health.Check {
	key := storage.Key("health", "probe")
	return func(ctx context.Context) health.Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := store.Get(ctx, key)
		if err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
			return health.NewUnhealthy("storage", err.Error())
		}
		return health.NewHealthy("storage", store.Backend())
	}
}
