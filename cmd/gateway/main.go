package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rishabhknowss/boardly/auth"
	"github.com/rishabhknowss/boardly/config"
	"github.com/rishabhknowss/boardly/gateway"
	"github.com/rishabhknowss/boardly/history"
	"github.com/rishabhknowss/boardly/hub"
	"github.com/rishabhknowss/boardly/metrics"
	"github.com/rishabhknowss/boardly/protocol"
	"github.com/rishabhknowss/boardly/server"
	"github.com/rishabhknowss/boardly/streamlog"
)

func main() {
	config.LoadEnv()
	cfg, err := config.LoadGateway()
	config.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("could not connect to redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to redis")

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	store := history.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		slog.Error("history migration failed", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to postgres")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := hub.New(m)
	log := streamlog.New(rdb, cfg.StreamKey, cfg.StreamMaxLen)
	handler := protocol.NewHandler(registry, log, protocol.Options{
		AppendTimeout:     cfg.AppendTimeout,
		RequireMembership: cfg.RequireMembership,
		Metrics:           m,
	})
	gw := gateway.New(auth.NewVerifier(cfg.JWTSecret), registry, handler, gateway.Options{
		SendQueueSize: cfg.SendQueueSize,
		Metrics:       m,
	})

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: server.NewRouter(server.Deps{
			Gateway:     gw,
			Connections: gw,
			Registry:    registry,
			History:     store,
			Gatherer:    reg,
		}),
	}

	go func() {
		slog.Info("gateway starting", "port", cfg.Port, "stream", log.Stream())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("gateway shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// hijacked websocket connections are not tracked by Shutdown
	gw.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}
