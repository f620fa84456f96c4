package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Nxdus/asf-fieldmap/app"
	"github.com/Nxdus/asf-fieldmap/routes"
	"github.com/Nxdus/asf-fieldmap/services"
	"github.com/Nxdus/asf-fieldmap/session"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the field map server",
	Long:  `Start the HTTP server for the map and gallery views and the JSON API. Redis is used for the case snapshot and sessions when REDIS_ADDR is set.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := app.Deps{
		Backend: services.NewBackend(cfg.BackendURL, cfg.HTTPTimeout),
		Fetcher: services.NewHTTPFetcher(cfg.BackendURL, cfg.HTTPTimeout),
	}

	rdb := connectRedis()
	if rdb != nil {
		defer rdb.Close()
		deps.Snapshot = services.NewRedisSnapshotCache(rdb, cfg.Redis.Prefix, cfg.Poll.CacheTTL)
		deps.Sessions = session.NewRedisStore(rdb, cfg.Redis.Prefix, cfg.SessionTTL)
	}

	console := app.New(cfg, deps)
	if err := console.Start(ctx); err != nil {
		return err
	}
	defer console.Stop()

	router := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             12 << 20,
	})
	routes.RegisterRoutes(router, console, rdb)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.ListenAddr, "backend", cfg.BackendURL)
		errCh <- router.Listen(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		return router.ShutdownWithTimeout(5 * time.Second)
	}
}

// connectRedis returns nil when Redis is not configured. An unreachable
// server is logged and still returned; go-redis reconnects on its own.
func connectRedis() *redis.Client {
	if cfg.Redis.Addr == "" {
		slog.Info("redis disabled, using in-memory sessions")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
		DB:   cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis connection failed", "addr", cfg.Redis.Addr, "error", err)
	} else {
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
	}
	return rdb
}
