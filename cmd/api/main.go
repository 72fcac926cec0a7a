package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markdave123-py/docbot/internal/app"
	"github.com/markdave123-py/docbot/internal/config"
	"github.com/markdave123-py/docbot/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM for graceful shutdown
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	cfg := config.LoadConfig()
	logger.Init(cfg.LogFormat, cfg.LogLevel)
	log := logger.NewLogger("main")

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- application.Server.Start() }()

	log.Info("docbot is running", "port", cfg.Port, "dispatch", cfg.DispatchMode)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("server stopped", "error", err)
		}
	}

	log.Info("shutting down...")
	shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	if err := application.Server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", "error", err)
	}
}
