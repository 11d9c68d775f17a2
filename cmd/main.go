package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"socratic-tutor/handler"
	"socratic-tutor/internal/app"
	"socratic-tutor/internal/config"
	"socratic-tutor/internal/observability"
)

func main() {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	observability.SetLogger(logger)

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	// ---- Backends ----
	res, err := app.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open backends", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := res.Close(); closeErr != nil {
			slog.Error("failed to close backends", "err", closeErr)
		}
	}()

	// ---- Service ----
	svc, err := app.NewTutorService(cfg, res, logger)
	if err != nil {
		slog.Error("failed to create tutor service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	var opts []handler.Option
	if len(cfg.CORSOrigins) == 1 {
		opts = append(opts, handler.WithAllowedOrigin(cfg.CORSOrigins[0]))
	}
	h, err := handler.NewHandler(svc, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("starting lambda", "backend", cfg.StateBackend, "provider", cfg.Provider)
	lambda.Start(h.Handle)
}
