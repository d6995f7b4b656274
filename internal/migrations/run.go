// Package migrations registers every schema migration for the registry
// database and provides the entry points the server calls at boot.
package migrations

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/schemaforge/server/internal/migrate"
)

// Config carries the paths the migration runner needs.
type Config struct {
	DatabasePath string
	DataDir      string
	Logger       *slog.Logger
}

// Run applies every registered migration in order.
func Run(ctx context.Context, db *sql.DB, cfg Config) error {
	runner, err := newRunner(db, cfg)
	if err != nil {
		return err
	}
	return runner.ApplyAll(ctx)
}

// RunTo applies migrations up to and including targetID.
func RunTo(ctx context.Context, db *sql.DB, cfg Config, targetID string) error {
	runner, err := newRunner(db, cfg)
	if err != nil {
		return err
	}
	return runner.ApplyTo(ctx, targetID)
}

func newRunner(db *sql.DB, cfg Config) (*migrate.Runner, error) {
	return migrate.NewRunner(db, migrate.Config{
		DatabasePath:  cfg.DatabasePath,
		BackupDir:     filepath.Join(cfg.DataDir, "backups"),
		RetainBackups: 3,
		BusyTimeout:   5 * time.Second,
	}, cfg.Logger)
}
