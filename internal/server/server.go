// Package server is the HTTP surface of the question-answering service:
// submission, answer reads, history and the admin override, all behind JWT
// claims issued by the surrounding platform.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/noema-labs/noema-qa/config"
	"github.com/noema-labs/noema-qa/internal/cache"
	"github.com/noema-labs/noema-qa/internal/provider"
	"github.com/noema-labs/noema-qa/internal/queue/streams"
	"github.com/noema-labs/noema-qa/internal/router"
	"github.com/noema-labs/noema-qa/internal/service"
	"github.com/noema-labs/noema-qa/internal/store"
)

// Run wires the full API stack and blocks serving HTTP.
func Run(cfg *appconfig.Config) error {
	e := newEcho()

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	registry := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(registry); err != nil {
		return err
	}
	if err := streams.EnsureGroup(ctx, redisClient, cfg.Queue.Stream, cfg.Queue.Group); err != nil {
		return err
	}

	adapters, err := provider.NewAdapters(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	svc := service.New(service.Deps{
		Store:    st,
		Cache:    cache.New(redisClient),
		Queue:    streams.NewPublisher(redisClient, registry),
		Router:   router.New(cfg.LLM),
		Adapters: adapters,
		CacheTTL: cfg.Cache.TTL,
		Inline:   cfg.Server.InlineProcessing,
		Logger:   log.New(log.Writer(), "[QA] ", log.LstdFlags),
	})

	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	qh := &QuestionsHandler{Service: svc}
	qh.Register(api.Group("/questions"), []byte(cfg.Server.JWTSecret))

	return e.Start(cfg.Server.Address)
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}
