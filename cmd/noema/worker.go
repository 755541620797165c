package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/noema-labs/noema-qa/config"
	"github.com/noema-labs/noema-qa/internal/cache"
	"github.com/noema-labs/noema-qa/internal/provider"
	"github.com/noema-labs/noema-qa/internal/queue/streams"
	"github.com/noema-labs/noema-qa/internal/router"
	"github.com/noema-labs/noema-qa/internal/service"
	"github.com/noema-labs/noema-qa/internal/store"
	"github.com/noema-labs/noema-qa/internal/worker"
)

func workerCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the question processing worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}

			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Storage.Redis.Addr(),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("ping redis: %w", err)
			}
			defer func() { _ = rdb.Close() }()

			registry := streams.NewSchemaRegistry()
			if err := streams.RegisterBaseSchemas(registry); err != nil {
				return err
			}
			if err := streams.EnsureGroup(ctx, rdb, cfg.Queue.Stream, cfg.Queue.Group); err != nil {
				return err
			}

			adapters, err := provider.NewAdapters(ctx, cfg.LLM)
			if err != nil {
				return err
			}

			logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
			svc := service.New(service.Deps{
				Store:    st,
				Cache:    cache.New(rdb),
				Queue:    streams.NewPublisher(rdb, registry),
				Router:   router.New(cfg.LLM),
				Adapters: adapters,
				CacheTTL: cfg.Cache.TTL,
				Logger:   logger,
			})

			consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
			consumer := streams.NewConsumer(rdb, registry, cfg.Queue.Group, consumerName)
			publisher := streams.NewPublisher(rdb, registry)

			processor := worker.NewProcessor(logger, svc, consumer, publisher, cfg.Queue, otel.Meter("noema-qa/worker"))
			return processor.Start(ctx)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return cmd
}
