// Command migrate runs the schema migration for the paper-trading
// engine's Postgres store. Thin by design — infrastructure setup, not
// a dev-time seeder, so it stays in scope despite spec.md's Non-goals
// excluding CLI scripts and seeders.
//
// The ledger sequence counter row is not seeded here: nextGlobalSequence
// (internal/storage/ledger_store.go) creates it lazily on first
// allocation inside the same transaction, under the same row lock
// every later increment uses, so a separate seed step would just be a
// race with that lazy path.
package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/internal/config"
	"github.com/paperdesk/engine/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log := logger.WithField("component", "cmd_migrate")

	cfg := config.Load()

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to postgres")
	}

	if err := storage.AutoMigrate(db); err != nil {
		log.WithError(err).Fatal("migration failed")
	}

	log.Info("schema migration complete")
	os.Exit(0)
}
