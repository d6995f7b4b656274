package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/schemaforge/server/internal/migrate"
)

// MigrationAddBaselineMetaID is the ULID for the baseline metadata migration.
const MigrationAddBaselineMetaID = "01M0ST8JG02P7DQN4RKXV8WYTZ"

// MigrationAddBaselineMetaChecksum is a stable hash of this migration.
const MigrationAddBaselineMetaChecksum = "sha256:add-baseline-meta-v1"

func init() {
	if err := migrate.Register(migrate.Migration{
		ID:          MigrationAddBaselineMetaID,
		Checksum:    MigrationAddBaselineMetaChecksum,
		Description: "Add the single-row baseline table tracking the canonical commit",
		Apply:       applyBaselineMeta,
		Validate:    validateBaselineMeta,
	}); err != nil {
		panic("failed to register baseline meta migration: " + err.Error())
	}
}

func applyBaselineMeta(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS baseline (
			id INT8 NOT NULL PRIMARY KEY CHECK (id = 1),
			commit_sha TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL DEFAULT (unixepoch() * 1000)
		)
	`); err != nil {
		return err
	}

	// Single seeded row; the server only ever updates it.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO baseline (id, commit_sha, content_hash) VALUES (1, '', '')
	`); err != nil {
		return err
	}

	return nil
}

func validateBaselineMeta(ctx context.Context, db *sql.DB) error {
	var name string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='baseline'
	`).Scan(&name)
	if err != nil {
		return fmt.Errorf("baseline table not found: %w", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM baseline`).Scan(&count); err != nil {
		return fmt.Errorf("baseline row count: %w", err)
	}
	if count != 1 {
		return fmt.Errorf("expected exactly one baseline row, found %d", count)
	}

	return nil
}
