// Package main is the webforge schema tool.
//
// Usage:
//
//	go run ./cmd/migrate up              # Create or update the tables
//	go run ./cmd/migrate status          # Show row counts per table
//	go run ./cmd/migrate prune 720h      # Delete builds finished more than 720h ago
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"webforge/internal/config"
	"webforge/internal/logging"
	"webforge/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../../.env")
	}
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "help" {
		printUsage()
		return
	}

	// Open migrates on connect, so "up" needs nothing further.
	st, err := store.Open(config.FromEnv().Database, log)
	if err != nil {
		log.Fatal("database initialization failed", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch command {
	case "up":
		log.Info("schema is up to date")
	case "status":
		stats, err := st.Stats(ctx)
		if err != nil {
			log.Fatal("status failed", zap.Error(err))
		}
		fmt.Printf("builds:    %d\nfiles:     %d\ncontracts: %d\n", stats.Builds, stats.Files, stats.Contracts)
	case "prune":
		if len(os.Args) < 3 {
			log.Fatal("usage: migrate prune <age>, for example 720h")
		}
		age, err := time.ParseDuration(os.Args[2])
		if err != nil || age <= 0 {
			log.Fatal("invalid age", zap.String("age", os.Args[2]))
		}
		n, err := st.PruneBuilds(ctx, time.Now().Add(-age))
		if err != nil {
			log.Fatal("prune failed", zap.Error(err))
		}
		fmt.Printf("pruned %d builds\n", n)
	default:
		log.Error("unknown command", zap.String("command", command))
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`
webforge schema tool

Usage:
  migrate <command> [arguments]

Commands:
  up              Create or update the tables
  status          Show row counts per table
  prune <age>     Delete builds that finished more than <age> ago (e.g. 720h)
  help            Show this help message

Environment Variables:
  DATABASE_URL    Postgres connection URL (SQLite is used when empty)
  SQLITE_PATH     SQLite database file (default: webforge.db)
`)
}
