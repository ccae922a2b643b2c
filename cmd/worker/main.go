package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rishabhknowss/boardly/config"
	"github.com/rishabhknowss/boardly/history"
	"github.com/rishabhknowss/boardly/metrics"
	"github.com/rishabhknowss/boardly/streamlog"
	"github.com/rishabhknowss/boardly/worker"
)

func main() {
	config.LoadEnv()
	cfg, err := config.LoadWorker()
	config.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("unable to configure database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := history.NewPostgresStore(pool)
	for attempt := 1; ; attempt++ {
		err = store.Migrate(ctx)
		if err == nil {
			break
		}
		slog.Info("waiting for postgres", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cfg.Backoff):
		}
	}
	slog.Info("connected to postgres")

	cursors, err := worker.OpenBoltCursorStore(cfg.CursorPath, cfg.ConsumerName)
	if err != nil {
		slog.Error("unable to open cursor store", "error", err)
		os.Exit(1)
	}
	defer cursors.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	w := worker.New(streamlog.New(rdb, cfg.StreamKey, 0), store, cursors, worker.Config{
		BlockTimeout: cfg.BlockTimeout,
		BatchSize:    cfg.BatchSize,
		Backoff:      cfg.Backoff,
		StartPolicy:  worker.StartPolicy(cfg.StartPolicy),
		StartID:      cfg.StartID,
	}, m)

	// a healthy worker completes an iteration at least once per block
	// timeout; allow a few missed ones before reporting unhealthy
	maxStale := 3 * (cfg.BlockTimeout + cfg.Backoff)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		status := w.Status()
		rw.Header().Set("Content-Type", "application/json")
		if !w.Healthy(maxStale) {
			rw.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(rw).Encode(status)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: ":" + cfg.HealthPort, Handler: router}
	go func() {
		slog.Info("worker health endpoint starting", "port", cfg.HealthPort)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "error", err)
		}
	}()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("persistence worker shut down", "cursor", w.Cursor())
}
