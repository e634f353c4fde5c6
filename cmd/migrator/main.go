package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/atmx/pool-ledger/internal/config"
	"github.com/atmx/pool-ledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("migration run failed", "err", err)
		os.Exit(1)
	}
	slog.Info("migration run finished successfully")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return store.Migrate(cfg.DatabaseURL)
}
