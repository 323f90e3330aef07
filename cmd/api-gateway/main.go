package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/example/mlbill/internal/api"
	"github.com/example/mlbill/internal/bootstrap"
	"github.com/example/mlbill/internal/observability"
)

func main() {
	port := os.Getenv("MLBILL_GATEWAY_PORT")
	if port == "" {
		port = "8080"
	}

	shutdownTracing, err := observability.InitTracingFromEnv("mlbill-api-gateway")
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
	server := api.NewServer(store, queue)

	log.Printf("mlbill api-gateway listening on :%s (store=%s queue=%s)", port, cfg.Store, cfg.Queue)
	if err := http.ListenAndServe(":"+port, server.Handler()); err != nil {
		log.Fatalf("api-gateway failed: %v", err)
	}
}
