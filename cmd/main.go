package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-transcript-monitor/internal/app"
	"relay-transcript-monitor/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	application := app.New(cfg)
	if err := application.Start(context.Background()); err != nil {
		application.Logger.Fatal().Err(err).Msg("failed to start relay transcript monitor")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	application.Logger.Info().Str("signal", received.String()).Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	application.Shutdown(ctx)
}
