// ABOUTME: One-shot schema bootstrap CLI for krapbott-gateway
// ABOUTME: Connects to the configured database, runs its migrations, and exits

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/krapmatt/krapbott-gateway/internal/config"
	"github.com/krapmatt/krapbott-gateway/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("KRAPBOTT_CONFIG")
	if configPath == "" {
		return fmt.Errorf("KRAPBOTT_CONFIG must point at a gateway.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// NewPostgresStore runs every schema migration as part of
	// connecting, so bootstrapping a fresh database is just opening
	// and closing a store once.
	s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer s.Close()

	fmt.Println("schema is up to date")
	return nil
}
