package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradejournal/internal/auth"
	"tradejournal/internal/charts"
	"tradejournal/internal/codec"
	"tradejournal/internal/events"
	"tradejournal/internal/models"
	"tradejournal/internal/server"
	"tradejournal/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, newLogger(cfg.LogLevel))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg models.Config, logger zerolog.Logger) error {
	db, err := storage.NewStorage(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	base, closeBase, err := openImageStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeBase()

	if badgerStore, ok := base.(*storage.BadgerImageStore); ok && cfg.Store.SweepInterval > 0 {
		sweeper := storage.NewOrphanSweeper(badgerStore, db, logger.With().Str("component", "sweeper").Logger())
		sweepCtx, stopSweep := context.WithCancel(ctx)
		swept := make(chan struct{})
		go func() {
			defer close(swept)
			sweeper.Run(sweepCtx, cfg.Store.SweepInterval)
		}()
		// The sweeper must stop before the badger store is closed.
		defer func() {
			stopSweep()
			<-swept
		}()
	}

	observer, err := storage.NewPrometheusObserver("", reg)
	if err != nil {
		return fmt.Errorf("failed to register store metrics: %w", err)
	}
	var store storage.ImageStore = storage.NewInstrumentedStore(base, observer)

	var cache *storage.CachedStore
	if cfg.Store.CacheSize > 0 {
		if cache, err = storage.NewCachedStore(store, cfg.Store.CacheSize); err != nil {
			return fmt.Errorf("failed to create image cache: %w", err)
		}
		store = cache
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		kp := events.NewKafkaPublisher(cfg.Kafka.Broker, cfg.Kafka.Topic)
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close kafka publisher")
			}
		}()
		publisher = kp

		if cache != nil {
			go runInvalidation(ctx, cfg.Kafka, cache, logger)
		}
	}

	opts := codec.Options{
		MaxUploadBytes: cfg.Images.MaxUploadBytes,
		MaxDimension:   cfg.Images.MaxDimension,
		Quality:        cfg.Images.Quality,
		MaxPixels:      cfg.Images.MaxPixels,
	}
	svc := charts.NewService(store, publisher, opts, logger.With().Str("component", "charts").Logger())
	srv := server.NewServer(cfg, svc, db, auth.NewVerifier(cfg.JWTSecret), reg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// openImageStore returns the backend selected by store.backend and its closer.
func openImageStore(cfg models.Config, db *storage.Storage) (storage.ImageStore, func(), error) {
	switch cfg.Store.Backend {
	case models.BackendBadger:
		b, err := storage.NewBadgerImageStore(cfg.Store.BadgerPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return db.Images(), func() {}, nil
	}
}

// runInvalidation drops cached charts that any instance changed.
func runInvalidation(ctx context.Context, cfg models.KafkaConfig, cache *storage.CachedStore, logger zerolog.Logger) {
	host, _ := os.Hostname()
	groupID := events.InstanceGroupID(cfg.GroupID, host)

	consumer := events.NewConsumer(cfg.Broker, cfg.Topic, groupID, logger.With().Str("component", "invalidation").Logger())
	err := consumer.Run(ctx, func(evt events.ImageEvent) {
		cache.Invalidate(evt.OwnerID, evt.Kind)
	})
	if err != nil {
		logger.Error().Err(err).Msg("image event consumer stopped")
	}
}
