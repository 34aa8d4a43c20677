// Command alertcache serves a cached, filtered view of the alerts.in.ua IoT
// status string.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	"github.com/illmade-knight/go-alertcache/pkg/archive"
	"github.com/illmade-knight/go-alertcache/pkg/cache"
	"github.com/illmade-knight/go-alertcache/pkg/config"
	"github.com/illmade-knight/go-alertcache/pkg/microservice"
	"github.com/illmade-knight/go-alertcache/pkg/notify"
	"github.com/illmade-knight/go-alertcache/pkg/refresh"
	"github.com/illmade-knight/go-alertcache/pkg/upstream"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	envFile := flag.String("env-file", "config/.env", "KEY=VALUE file consulted for unset environment variables")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envFile, logger); err != nil {
		logger.Error().Err(err).Msg("alertcache exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envFile string, logger zerolog.Logger) (err error) {
	getenv, err := config.DotEnv(envFile, os.Getenv)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath, getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Service.LogLevel)
	if err != nil {
		logger.Warn().Str("log_level", cfg.Service.LogLevel).Msg("Unknown log level, using info.")
		level = zerolog.InfoLevel
	}
	logger = logger.Level(level).With().Str("service", cfg.Service.ServiceName).Logger()

	// Clients that outlive the coordinator are closed last.
	var clients []io.Closer
	defer func() {
		for _, c := range clients {
			if cerr := c.Close(); cerr != nil {
				err = multierror.Append(err, cerr)
			}
		}
	}()

	var clientOpts []option.ClientOption
	if cfg.Service.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Service.CredentialsFile))
	}

	store, err := newStore(ctx, cfg, clientOpts, logger, &clients)
	if err != nil {
		return err
	}

	fetcher, err := upstream.NewFetcher(&cfg.Upstream, &http.Client{}, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	observers, err := newObservers(ctx, cfg, clientOpts, logger, &clients)
	if err != nil {
		_ = store.Close()
		return err
	}

	set, err := cfg.RegionSet()
	if err != nil {
		_ = store.Close()
		return err
	}
	coordinator, err := refresh.NewCoordinator(cfg.TTL, store, fetcher, set, logger,
		refresh.WithObservers(observers...))
	if err != nil {
		_ = store.Close()
		return err
	}

	server := microservice.NewAlertServer(
		microservice.NewBaseServer(logger, cfg.Service.HTTPPort), coordinator, cfg.CacheKey)
	if err := server.Start(); err != nil {
		return multierror.Append(err, coordinator.Close())
	}

	logger.Info().
		Str("http_port", server.GetHTTPPort()).
		Str("store_backend", cfg.StoreBackend).
		Str("regions", set.String()).
		Dur("soft_ttl", cfg.TTL.SoftTTL).
		Dur("lock_ttl", cfg.TTL.LockTTL).
		Dur("hard_ttl", cfg.TTL.HardTTL).
		Msg("alertcache started.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		result = multierror.Append(result, serr)
	}
	if cerr := coordinator.Close(); cerr != nil {
		result = multierror.Append(result, cerr)
	}
	return result.ErrorOrNil()
}

func newStore(
	ctx context.Context,
	cfg *config.Config,
	clientOpts []option.ClientOption,
	logger zerolog.Logger,
	clients *[]io.Closer,
) (cache.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logger.Warn().Msg("Using the in-memory store; locks are not shared between instances.")
		return cache.NewInMemoryStore(nil), nil
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		*clients = append(*clients, client)
		return cache.NewFirestoreStore(&cfg.Firestore, client, nil, logger)
	default:
		return cache.NewRedisStore(ctx, &cfg.Redis, logger)
	}
}

func newObservers(
	ctx context.Context,
	cfg *config.Config,
	clientOpts []option.ClientOption,
	logger zerolog.Logger,
	clients *[]io.Closer,
) ([]refresh.Observer, error) {
	var observers []refresh.Observer

	if cfg.Notify.TopicID != "" {
		client, err := pubsub.NewClient(ctx, cfg.Service.ProjectID, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create pubsub client: %w", err)
		}
		*clients = append(*clients, client)
		publisher, err := notify.NewPublisher(ctx, client, cfg.Notify, logger)
		if err != nil {
			return nil, err
		}
		observers = append(observers, publisher)
	}

	if cfg.Archive.BucketName != "" {
		client, err := storage.NewClient(ctx, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		*clients = append(*clients, client)
		archiver, err := archive.NewSnapshotArchiver(archive.NewGCSObjectStore(client), cfg.Archive, logger)
		if err != nil {
			return nil, err
		}
		observers = append(observers, archiver)
	}

	return observers, nil
}
