// Package main implements a one-shot seed command that creates an agent
// directly in the chatline database. It lives inside the server module so it
// can access internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --name alice \
//	  --password secret \
//	  --capacity 10
//
// Environment variables:
//
//	CHATLINE_DB_DRIVER  sqlite or postgres (default: sqlite)
//	CHATLINE_DB_DSN     SQLite file path or Postgres DSN (default: ./chatline.db)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatline-io/chatline/internal/auth"
	"github.com/chatline-io/chatline/internal/db"
	"github.com/chatline-io/chatline/internal/repositories"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "Agent login name (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	capacity := flag.Int("capacity", 10, "Maximum concurrent active conversations")
	admin := flag.Bool("admin", false, "Grant the admin role (admins are never auto-assigned)")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *capacity <= 0 {
		return fmt.Errorf("--capacity must be positive")
	}

	driver := envOrDefault("CHATLINE_DB_DRIVER", "sqlite")
	dsn := envOrDefault("CHATLINE_DB_DSN", "./chatline.db")

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	agentRepo := repositories.NewAgentRepository(database)

	agent := &db.Agent{
		Name:     *name,
		Password: hashed,
		Capacity: *capacity,
		Enabled:  true,
		Admin:    *admin,
	}

	if err := agentRepo.Create(context.Background(), agent); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return fmt.Errorf("an agent named %q already exists", *name)
		}
		return fmt.Errorf("create agent: %w", err)
	}

	fmt.Printf("✓ Agent created\n")
	fmt.Printf("  ID:       %s\n", agent.ID)
	fmt.Printf("  Name:     %s\n", agent.Name)
	fmt.Printf("  Capacity: %d\n", agent.Capacity)
	fmt.Printf("  Admin:    %v\n", agent.Admin)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
