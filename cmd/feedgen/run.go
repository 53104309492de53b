package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/eueoeo-feed/internal/config"
	"github.com/blackmichael/eueoeo-feed/internal/domain"
	"github.com/blackmichael/eueoeo-feed/internal/firehose"
	"github.com/blackmichael/eueoeo-feed/internal/httpserver"
	"github.com/blackmichael/eueoeo-feed/internal/notify"
	"github.com/blackmichael/eueoeo-feed/internal/postgres"
	"github.com/blackmichael/eueoeo-feed/internal/sqlite"
	"github.com/blackmichael/eueoeo-feed/internal/telemetry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest the firehose and serve the feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.Int("port", defaults.GetInt("http.port"), "HTTP port")
	flags.String("firehose-url", defaults.GetString("firehose.url"), "Firehose endpoint")
	flags.String("firehose-protocol", defaults.GetString("firehose.protocol"), "Firehose protocol (repos, jetstream)")
	flags.String("match-mode", defaults.GetString("match.mode"), "Post matcher (exact, keywords, cel)")
	flags.String("redis-url", "", "Publish matched authors to this Redis server")
	flags.String("otlp-endpoint", "", "OTLP gRPC endpoint for metrics")

	bindFlag(flags, "http.port", "port")
	bindFlag(flags, "firehose.url", "firehose-url")
	bindFlag(flags, "firehose.protocol", "firehose-protocol")
	bindFlag(flags, "match.mode", "match-mode")
	bindFlag(flags, "notify.redis_url", "redis-url")
	bindFlag(flags, "telemetry.otlp_endpoint", "otlp-endpoint")
	return cmd
}

// store is the persistence backend: both repositories plus Close.
type store interface {
	domain.PostRepository
	domain.CursorRepository
	Close() error
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (store, error) {
	if !cfg.IsPostgres() {
		s, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("opened sqlite database", "path", cfg.URL)
		return s, nil
	}

	repo, err := postgres.NewRepository(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("create repository: %w", err)
	}
	if cfg.Migrate {
		if err := repo.Migrate(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}
	logger.Info("connected to database")
	return repo, nil
}

func newProtocol(cfg config.FirehoseConfig) (firehose.Protocol, error) {
	if cfg.Protocol != config.ProtocolJetstream {
		return firehose.ReposProtocol{}, nil
	}
	var dict []byte
	if cfg.ZstdDictionary != "" {
		var err error
		if dict, err = os.ReadFile(cfg.ZstdDictionary); err != nil {
			return nil, fmt.Errorf("read zstd dictionary: %w", err)
		}
	}
	return firehose.NewJetstreamProtocol(dict)
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	repo, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	matcher, err := cfg.Match.NewMatcher()
	if err != nil {
		return fmt.Errorf("build matcher: %w", err)
	}

	events := notify.NewBroadcaster()
	notifiers := []domain.Notifier{events}
	var redisPublisher *notify.RedisPublisher
	if cfg.Notify.RedisURL != "" {
		redisPublisher, err = notify.NewRedisPublisher(cfg.Notify.RedisURL, cfg.Notify.RedisChannel, logger)
		if err != nil {
			return fmt.Errorf("create redis publisher: %w", err)
		}
		defer redisPublisher.Close()
		notifiers = append(notifiers, redisPublisher)
	}

	feedService, err := domain.NewFeedService(
		cfg.PublisherDID,
		domain.DefaultAlgorithms(),
		matcher,
		repo,
		repo,
		logger,
		domain.WithNotifier(notify.Fanout(notifiers...)),
	)
	if err != nil {
		return fmt.Errorf("create feed service: %w", err)
	}

	protocol, err := newProtocol(cfg.Firehose)
	if err != nil {
		return err
	}
	subscriber := firehose.NewSubscriber(firehose.Config{
		URL:             cfg.Firehose.URL,
		Protocol:        protocol,
		CursorSaveEvery: cfg.Firehose.CursorSaveEvery,
		InitialBackoff:  cfg.Firehose.BackoffInitial,
		MaxBackoff:      cfg.Firehose.BackoffMax,
		Metrics:         telemetry.Default(),
	}, feedService, logger)

	server := httpserver.NewServer(cfg, feedService, logger,
		httpserver.WithEvents(events),
		httpserver.WithFirehoseState(func() string { return subscriber.State().String() }),
	)

	logger.Info("server started",
		"addr", cfg.ListenAddr(),
		"hostname", cfg.Hostname,
		"service_did", cfg.ServiceDID(),
		"feeds", feedService.FeedURIs(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := subscriber.Start(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("firehose subscriber: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		feedService.StartCleanupJob(gctx, cfg.Retention.Interval, cfg.Retention.MaxAge, cfg.Retention.MaxRows)
		return nil
	})
	if redisPublisher != nil {
		g.Go(func() error {
			redisPublisher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down http server", "error", err)
		}
		return nil
	})

	return g.Wait()
}
