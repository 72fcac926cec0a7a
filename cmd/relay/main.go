// Command relay moves ingestion jobs from RabbitMQ to the API's signed
// callback endpoint.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markdave123-py/docbot/internal/config"
	"github.com/markdave123-py/docbot/internal/core/queue"
	"github.com/markdave123-py/docbot/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	logger.Init(cfg.LogFormat, cfg.LogLevel)
	log := logger.NewLogger("relay")

	signer, err := queue.NewSigner(cfg.SigningKey, cfg.NextSigningKey, cfg.SignatureTTL)
	if err != nil {
		log.Error("signer setup failed", "error", err)
		os.Exit(1)
	}
	conn, err := queue.Dial(ctx, cfg.RabbitURL)
	if err != nil {
		log.Error("rabbitmq unavailable", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	relay := queue.NewRelay(conn, signer, queue.RelayConfig{
		Queue:       cfg.IngestQueue,
		DeadLetter:  cfg.IngestDeadLetter,
		MaxAttempts: cfg.RelayMaxAttempts,
		Prefetch:    cfg.RelayPrefetch,
		Backoff:     cfg.RelayBackoff,
		HTTPTimeout: cfg.ProcessTimeout + time.Minute,
	})

	log.Info("relay started", "queue", cfg.IngestQueue)
	if err := relay.Run(ctx); err != nil {
		log.Error("relay stopped", "error", err)
		os.Exit(1)
	}
	log.Info("relay stopped")
}
