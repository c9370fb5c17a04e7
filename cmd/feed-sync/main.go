// Command feed-sync runs the offline-first sync agent for a campus feed
// client: a local HTTP API backed by a durable cache and outbound queue,
// with background connectivity monitoring and sync.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/campusfeed/feed-sync/api"
	"github.com/campusfeed/feed-sync/cache"
	"github.com/campusfeed/feed-sync/connectivity"
	"github.com/campusfeed/feed-sync/queue"
	"github.com/campusfeed/feed-sync/server"
	"github.com/campusfeed/feed-sync/store/syncdb"
	"github.com/campusfeed/feed-sync/syncer"
	"github.com/campusfeed/feed-sync/telemetry"
)

var version = "dev"

var cli struct {
	Address      string   `help:"Address to listen on." default:":8080"`
	DataDir      string   `help:"Directory for the local database." default:"./data"`
	APIBaseURL   string   `help:"Feed backend base URL." required:"" name:"api-base-url"`
	APIToken     string   `help:"Bearer token for the feed backend." env:"FEED_API_TOKEN" name:"api-token"`
	ProbeURL     string   `help:"Connectivity probe URL." default:"${probe_url}"`
	Partitions   []string `help:"Feed partitions to refresh after sync."`
	QueueMax     int      `help:"Maximum queued submissions before the oldest is dropped." default:"1000"`
	OTLPEndpoint string   `help:"OTLP gRPC endpoint for metrics export." name:"otlp-endpoint"`
	LogLevel     string   `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat    string   `help:"Log format (text, json)." default:"text" enum:"text,json"`
	Version      kong.VersionFlag
}

func main() {
	kong.Parse(&cli,
		kong.Name("feed-sync"),
		kong.Description("Offline-first sync agent for the campus feed."),
		kong.Vars{
			"version":   version,
			"probe_url": connectivity.DefaultProbeURL,
		},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "feed-sync",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsShutdown(shutdownCtx)
	}()

	// Durable store shared by the cache and queue
	if err := os.MkdirAll(cli.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db := syncdb.NewBoltDB(syncdb.WithLogger(logger.With("component", "syncdb")))
	if err := db.Open(filepath.Join(cli.DataDir, "feed-sync.db")); err != nil {
		return fmt.Errorf("opening local database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	contentCache := cache.New(db, cache.WithLogger(logger.With("component", "cache")))
	outbound := queue.New(db,
		queue.WithLogger(logger.With("component", "queue")),
		queue.WithMaxEntries(cli.QueueMax),
	)

	client := api.NewClient(
		api.WithBaseURL(cli.APIBaseURL),
		api.WithAuthToken(cli.APIToken),
		api.WithLogger(logger.With("component", "api")),
	)

	coord := syncer.New(client, client, outbound, contentCache,
		syncer.WithLogger(logger.With("component", "syncer")),
		syncer.WithOnResult(func(res syncer.Result) {
			logger.Info("sync result", "message", res.Message())
		}),
	)
	for _, partition := range cli.Partitions {
		coord.TrackPartition(partition)
	}

	// Connectivity monitoring drives background sync
	link := connectivity.NewInterfaceLink()
	defer link.Stop()

	monitor := connectivity.NewMonitor(connectivity.Config{
		ProbeURL: cli.ProbeURL,
		Logger:   logger.With("component", "connectivity"),
	}, link)

	unsubscribe := monitor.Subscribe(
		func() {
			go func() {
				syncCtx, syncCancel := context.WithTimeout(ctx, 5*time.Minute)
				defer syncCancel()
				coord.TriggerSync(syncCtx)
			}()
		},
		func() {
			logger.Info("offline, queuing submissions locally")
		},
	)
	defer unsubscribe()

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting connectivity monitor: %w", err)
	}
	defer monitor.Stop()

	srv := server.New(server.Config{
		Address: cli.Address,
		Logger:  logger.With("component", "server"),
	}, contentCache, outbound, monitor, coord)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("feed-sync started",
		"address", srv.Address(),
		"backend", cli.APIBaseURL,
		"partitions", cli.Partitions,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}

	return slog.New(handler), nil
}
