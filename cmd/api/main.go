package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "tender-pipeline/internal/api"
	"tender-pipeline/internal/config"
	"tender-pipeline/internal/logx"
	"tender-pipeline/internal/queue"
	"tender-pipeline/internal/ratelimit"
	"tender-pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logx.New(cfg.LogLevel, cfg.LogFormat).With(logx.String("service", "api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Error("open store", logx.Err(err))
		os.Exit(1)
	}
	defer st.Close()

	q := queue.NewRouter(cfg)
	defer q.Close()
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.APIRateCapacity, cfg.APIRateRefill, time.Hour)

	server := api.New(st, q, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", logx.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", logx.Err(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
