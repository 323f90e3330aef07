package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/example/mlbill/internal/bootstrap"
	"github.com/example/mlbill/internal/observability"
	"github.com/example/mlbill/internal/processor"
	"github.com/example/mlbill/internal/tasks"
)

func main() {
	shutdownTracing, err := observability.InitTracingFromEnv("mlbill-worker")
	if err != nil {
		log.Fatalf("init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	store, err := bootstrap.NewStore(cfg)
	if err != nil {
		log.Fatalf("bootstrap store: %v", err)
	}
	queue, err := bootstrap.NewQueue(cfg)
	if err != nil {
		log.Fatalf("bootstrap queue: %v", err)
	}

	predict := processor.StubPredictor(2 * time.Second)
	if url := os.Getenv("MLBILL_PREDICT_URL"); url != "" {
		predict = processor.HTTPPredictor(url, nil)
	}

	opts := processor.Options{
		Workers:           envInt("MLBILL_WORKERS", 2),
		Consumer:          envString("MLBILL_CONSUMER", hostnameOr("worker-local")),
		VisibilityTimeout: envDuration("MLBILL_VISIBILITY_TIMEOUT", 30*time.Second),
		PredictTimeout:    envDuration("MLBILL_PREDICT_TIMEOUT", 60*time.Second),
	}
	proc := processor.New(store, queue, processor.JSONObjectValidator, predict, opts)
	producer := tasks.NewService(store, queue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Sweep pending tasks whose publish never landed back onto the queue.
	sweepAge := envDuration("MLBILL_REPUBLISH_AGE", time.Minute)
	go func() {
		t := time.NewTicker(envDuration("MLBILL_REPUBLISH_INTERVAL", 30*time.Second))
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := producer.RepublishStale(ctx, sweepAge, 100)
				if err != nil {
					log.Printf("republish stale tasks failed: %v", err)
					continue
				}
				if n > 0 {
					log.Printf("republished %d stale pending tasks", n)
				}
			}
		}
	}()

	log.Printf("mlbill worker starting (workers=%d consumer=%s store=%s queue=%s)",
		opts.Workers, opts.Consumer, cfg.Store, cfg.Queue)
	if err := proc.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker stopped: %v", err)
	}
	log.Printf("mlbill worker shut down")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func hostnameOr(fallback string) string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return fallback
	}
	return h
}
