package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/circuitd/adapter"
	"github.com/pithecene-io/circuitd/adapter/redis"
	"github.com/pithecene-io/circuitd/adapter/webhook"
	"github.com/pithecene-io/circuitd/chunkstore"
	"github.com/pithecene-io/circuitd/cli/config"
	"github.com/pithecene-io/circuitd/fetch"
	"github.com/pithecene-io/circuitd/log"
	"github.com/pithecene-io/circuitd/metrics"
	"github.com/pithecene-io/circuitd/rpc"
	"github.com/pithecene-io/circuitd/service"
)

// shutdownTimeout bounds the metrics listener drain on exit.
const shutdownTimeout = 5 * time.Second

// ServeCommand returns the serve command: the background process.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the background transfer process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to circuitd.yaml",
				EnvVars: []string{"CIRCUITD_CONFIG"},
			},
			// Listener flags
			&cli.StringFlag{
				Name:  "network",
				Usage: "Socket network: unix or tcp (default unix)",
			},
			&cli.StringFlag{
				Name:    "address",
				Aliases: []string{"a"},
				Usage:   "Socket path or host:port (default " + config.DefaultSocket + ")",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.DurationFlag{
				Name:  "confirm-timeout",
				Usage: "How long the UI has to answer a confirmation",
			},
			// Storage flags
			&cli.StringFlag{
				Name:  "storage-backend",
				Usage: "Chunk store backend: memory or badger",
			},
			&cli.StringFlag{
				Name:  "storage-path",
				Usage: "Badger directory",
			},
			&cli.StringFlag{
				Name:  "compression",
				Usage: "Chunk compression: none, lz4 or zstd",
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Lifetime of stored chunks",
			},
			// Fetch flags
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Range fetch attempts before a transfer faults (0 retries until cancelled)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := resolveConfig(c)
	if err != nil {
		return err
	}

	logger := log.NewLoggerWithLevel("circuitd", cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("shutting down", map[string]any{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	return serve(ctx, cfg, logger)
}

// resolveConfig merges the config file with flags. Flags win.
func resolveConfig(c *cli.Context) (config.Config, error) {
	var cfg config.Config
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, cli.Exit(err.Error(), exitConfig)
		}
		cfg = *loaded
	}

	if c.IsSet("network") {
		cfg.Listen.Network = c.String("network")
	}
	if c.IsSet("address") {
		cfg.Listen.Address = c.String("address")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("confirm-timeout") {
		cfg.ConfirmTimeout.Duration = c.Duration("confirm-timeout")
	}
	if c.IsSet("storage-backend") {
		cfg.Storage.Backend = c.String("storage-backend")
	}
	if c.IsSet("storage-path") {
		cfg.Storage.Path = c.String("storage-path")
	}
	if c.IsSet("compression") {
		cfg.Storage.Compression = c.String("compression")
	}
	if c.IsSet("ttl") {
		cfg.Storage.TTL.Duration = c.Duration("ttl")
	}
	if c.IsSet("max-attempts") {
		cfg.Fetch.MaxAttempts = c.Int("max-attempts")
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, cli.Exit(fmt.Sprintf("invalid config: %v", err), exitConfig)
	}
	return cfg, nil
}

// serve runs the background process until ctx ends.
func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	collector := metrics.NewCollector(cfg.Storage.Backend)

	store, err := buildStore(cfg.Storage, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	source, err := buildSource(ctx, cfg.Fetch)
	if err != nil {
		_ = store.Close()
		return cli.Exit(err.Error(), exitConfig)
	}

	sinks, err := buildAdapters(cfg.Adapters)
	if err != nil {
		_ = store.Close()
		return cli.Exit(err.Error(), exitConfig)
	}

	svc, err := service.New(service.Options{
		Store:  store,
		Source: source,
		Fetch: fetch.Options{
			RetryBackoff: cfg.Fetch.RetryBackoff.Duration,
			MaxAttempts:  cfg.Fetch.MaxAttempts,
		},
		TTL:            cfg.Storage.TTL.Duration,
		Adapter:        sinks,
		ConfirmTimeout: cfg.ConfirmTimeout.Duration,
		Logger:         logger,
		Metrics:        collector,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Error("shutdown failed", map[string]any{"error": err.Error()})
		}
	}()

	ln, err := rpc.Listen(cfg.Listen.Network, cfg.Listen.Address)
	if err != nil {
		return cli.Exit(err.Error(), exitUnavailable)
	}
	ln.OnDecodeError = func(err error) {
		collector.IncRPCDecodeErrors()
		logger.Warn("undecodable frame", map[string]any{"error": err.Error()})
	}
	if cfg.Listen.Network == "unix" {
		defer func() { _ = os.Remove(cfg.Listen.Address) }()
	}

	if cfg.MetricsAddr != "" {
		stop, err := serveMetrics(cfg.MetricsAddr, collector, logger)
		if err != nil {
			_ = ln.Close()
			return cli.Exit(err.Error(), exitUnavailable)
		}
		defer stop()
	}

	if err := svc.Register(cfg.Circuits...); err != nil {
		logger.Warn("some configured circuits were not registered", map[string]any{"error": err.Error()})
	}

	logger.Info("serving", map[string]any{
		"network":  cfg.Listen.Network,
		"address":  ln.Addr(),
		"storage":  cfg.Storage.Backend,
		"circuits": len(cfg.Circuits),
		"adapters": len(cfg.Adapters),
	})
	return svc.Serve(ctx, ln)
}

func buildStore(cfg config.StorageConfig, logger *log.Logger) (chunkstore.Store, error) {
	compression, err := chunkstore.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	backend, err := chunkstore.Open(cfg.Backend, cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open chunk store: %w", err)
	}
	return chunkstore.New(backend, chunkstore.Options{
		Compression: compression,
		Logger:      logger.Named("chunkstore"),
	}), nil
}

// buildSource routes http(s) URLs to the HTTP source and, when
// configured, s3 URLs to S3.
func buildSource(ctx context.Context, cfg config.FetchConfig) (fetch.Source, error) {
	mux := fetch.NewMux()
	mux.Handle(fetch.NewHTTPSource(nil, cfg.Headers), "http", "https")
	if cfg.S3 != nil {
		client, err := fetch.NewS3Client(ctx, fetch.S3Config{
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			PathStyle: cfg.S3.PathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		mux.Handle(fetch.NewS3Source(client), "s3")
	}
	return mux, nil
}

// buildAdapters returns nil when no adapter is configured.
func buildAdapters(cfgs []config.AdapterConfig) (adapter.Adapter, error) {
	var sinks adapter.Multi
	for i, a := range cfgs {
		var (
			sink adapter.Adapter
			err  error
		)
		switch a.Type {
		case "webhook":
			retries := webhook.DefaultRetries
			if a.Retries != nil {
				retries = *a.Retries
			}
			sink, err = webhook.New(webhook.Config{
				URL:     a.URL,
				Headers: a.Headers,
				Events:  a.EventTypes(),
				Timeout: a.Timeout.Duration,
				Retries: retries,
			})
		case "redis":
			retries := redis.DefaultRetries
			if a.Retries != nil {
				retries = *a.Retries
			}
			sink, err = redis.New(redis.Config{
				URL:      a.URL,
				Channel:  a.Channel,
				StateKey: a.StateKey,
				Timeout:  a.Timeout.Duration,
				Retries:  retries,
			})
		default:
			err = fmt.Errorf("unknown adapter type %q", a.Type)
		}
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("adapters[%d]: %w", i, err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

// serveMetrics exposes the collector and returns a stop function.
func serveMetrics(addr string, c *metrics.Collector, logger *log.Logger) (func(), error) {
	handler, err := metrics.Handler(c)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", map[string]any{"error": err.Error()})
		}
	}()

	logger.Info("metrics listening", map[string]any{"address": ln.Addr().String()})
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("metrics shutdown", map[string]any{"error": err.Error()})
		}
	}, nil
}
