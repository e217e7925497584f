// Command forevervm-mock serves an in-memory imitation of the forevervm
// API for offline development and tests. Point the CLI at it with
// FOREVERVM_API_BASE=http://localhost:8421.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jamsocket/forevervm/internal/mockserver"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Port        int
	Token       string
	Account     string
	MaxMachines int
	LogLevel    slog.Level
}

func loadConfig(getenv func(string) string) Config {
	cfg := Config{
		Port:        8421,
		Account:     "mock",
		MaxMachines: 100,
		LogLevel:    slog.LevelInfo,
	}

	if v := getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	cfg.Token = getenv("FOREVERVM_MOCK_TOKEN")
	if v := getenv("FOREVERVM_MOCK_ACCOUNT"); v != "" {
		cfg.Account = v
	}
	if v := getenv("MAX_MACHINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxMachines = n
		}
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(strings.ToUpper(v))); err == nil {
			cfg.LogLevel = level
		}
	}

	return cfg
}

func main() {
	cfg := loadConfig(os.Getenv)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	registry := mockserver.NewRegistry(cfg.MaxMachines, nil)
	srv := mockserver.New(registry, mockserver.Config{
		Token:   cfg.Token,
		Account: cfg.Account,
		Logger:  logger,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		registry.Shutdown()
		srv.DisconnectAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if cfg.Token == "" {
		logger.Warn("FOREVERVM_MOCK_TOKEN is unset, any bearer token is accepted")
	}
	logger.Info("forevervm mock server running", "addr", "http://localhost:"+strconv.Itoa(cfg.Port))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", "error", err)
		os.Exit(1)
	}
}
