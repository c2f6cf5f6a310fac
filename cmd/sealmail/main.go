package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/sealmail/sealmail/internal/cli"
	"github.com/sealmail/sealmail/internal/config"
	"github.com/sealmail/sealmail/internal/logging"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	app, err := cli.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := app.Run(ctx); err != nil {
		os.Exit(1)
	}
}
