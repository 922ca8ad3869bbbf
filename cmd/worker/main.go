package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tender-pipeline/internal/analyzer"
	"tender-pipeline/internal/blob"
	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/pipeline"
	"tender-pipeline/internal/queue"
	"tender-pipeline/internal/ratelimit"
	"tender-pipeline/internal/scheduler"
	"tender-pipeline/internal/scrape"
	"tender-pipeline/internal/store"
	"tender-pipeline/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logx.New(cfg.LogLevel, cfg.LogFormat).With(logx.String("service", "worker"), logx.String("worker_id", workerID()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Info("shutdown requested")
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		fatal(log, "open store", err)
	}
	defer st.Close()

	router := queue.NewRouter(cfg)
	defer router.Close()
	if err := router.Ping(ctx); err != nil {
		fatal(log, "connect redis", err)
	}

	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		fatal(log, "init blob store", err)
	}
	provider, err := scrape.NewProvider(cfg)
	if err != nil {
		fatal(log, "init scrape provider", err)
	}
	ai, err := analyzer.New(cfg, router.Client(), log)
	if err != nil {
		fatal(log, "init analyzer", err)
	}
	limiter := ratelimit.NewTokenBucket(router.Client(), cfg.ScrapeRateCapacity, cfg.ScrapeRateRefill, time.Hour)

	handlers := &pipeline.Handlers{
		Config:     cfg,
		Store:      st,
		Provider:   provider,
		Normalizer: scrape.JSONNormalizer{},
		Analyzer:   ai,
		Blob:       blobs,
		Limiter:    limiter,
		Depth:      router,
		Log:        log.With(logx.String("component", "handlers")),
	}
	manager := pipeline.NewManager(cfg, st, router, handlers.Table(), log)
	pool := pipeline.NewPool(cfg, router, manager, log)

	var sched *scheduler.Scheduler
	if cfg.RunScheduler {
		sched = scheduler.New(cfg, st, router, log)
		sched.Start(ctx)
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", logx.Err(err))
		}
	}()

	// Stop triggers first so the pool only drains work that already exists.
	go func() {
		<-ctx.Done()
		if sched != nil {
			sched.Stop()
		}
		router.CloseDiscovery()
	}()

	log.Info("worker started",
		logx.Int("pool_size", cfg.WorkerPoolSize),
		logx.Bool("scheduler", cfg.RunScheduler),
		logx.Duration("visibility", cfg.VisibilityTimeout),
		logx.String("store", cfg.StoreDriver),
	)
	if err := pool.Run(ctx); err != nil {
		log.Warn("worker pool stopped", logx.Err(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}

// workerID comes from WORKER_ID, the hostname, or the pid.
func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func fatal(log logx.Logger, msg string, err error) {
	log.Error(msg, logx.Err(err))
	os.Exit(1)
}
