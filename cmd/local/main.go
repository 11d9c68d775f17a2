// Local development server exposing the tutor API over plain HTTP.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"socratic-tutor/handler"
	"socratic-tutor/internal/app"
	"socratic-tutor/internal/config"
	"socratic-tutor/internal/observability"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	observability.SetLogger(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}
	if _, ok := os.LookupEnv("STATE_BACKEND"); !ok {
		_ = os.Setenv("STATE_BACKEND", config.BackendSQLite)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	svc, err := app.NewTutorService(cfg, res, logger)
	if err != nil {
		slog.Error("failed to create tutor service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(svc, handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(handler.CORS(cfg.CORSOrigins))

	r.Post("/chat", h.ServeHTTP)
	r.Post("/check-answer", h.ServeHTTP)
	r.Post("/follow-up", h.ServeHTTP)
	r.Post("/step-by-step", h.ServeHTTP)
	r.Post("/greeting", h.ServeHTTP)
	r.Delete("/session/{id}", h.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr, "backend", cfg.StateBackend, "provider", cfg.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "err", err)
	}
}
