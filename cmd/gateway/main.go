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

	"github.com/joho/godotenv"

	"github.com/yourusername/aleph-gateway/pkg/aleph"
	"github.com/yourusername/aleph-gateway/pkg/telemetry"
)

func initLogger() {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
}

// loadConfig prefers the YAML file named by ALEPH_CONFIG and falls back to ALEPH_* variables.
func loadConfig() (aleph.Config, error) {
	if path := os.Getenv("ALEPH_CONFIG"); path != "" {
		return aleph.LoadConfig(path)
	}
	return aleph.ConfigFromEnv()
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}
	initLogger()

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.ConfigFromEnv("aleph-gateway"))
	if err != nil {
		slog.Warn("failed to init tracer", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load aleph config", "error", err)
		os.Exit(1)
	}
	client, err := aleph.New(cfg)
	if err != nil {
		slog.Error("failed to create aleph client", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	slog.Info("aleph client initialized", "base", cfg.Base,
		"oai", cfg.OAI != nil, "x", cfg.X != nil, "z3950", cfg.Z3950 != nil)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8899"
	}

	router := setupRouter(client)
	httpSrv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		slog.Info("gateway starting", "addr", ":"+port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway listen failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("gateway forced to shutdown", "error", err)
	}

	slog.Info("gateway exiting")
}
