// Command migrate runs goose commands against the embedded schema.
//
//	go run ./cmd/migrate up
//	go run ./cmd/migrate down
//	go run ./cmd/migrate status
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/safar/handiehub/internal/config"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|reset> [args]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log.Level, "text")

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	command := os.Args[1]
	if err := migrations.Run(context.Background(), db, command, os.Args[2:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		db.Close()
		os.Exit(1)
	}
	logger.Info("migration complete", "command", command)
}
