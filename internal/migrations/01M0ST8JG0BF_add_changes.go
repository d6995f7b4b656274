package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/schemaforge/server/internal/migrate"
)

// MigrationAddChangesID is the ULID for the draft changes migration.
const MigrationAddChangesID = "01M0ST8JG0BF9RST5VWXY7ZJDM"

// MigrationAddChangesChecksum is a stable hash of this migration.
const MigrationAddChangesChecksum = "sha256:add-changes-v1"

func init() {
	if err := migrate.Register(migrate.Migration{
		ID:                 MigrationAddChangesID,
		Checksum:           MigrationAddChangesChecksum,
		Description:        "Add the changes table holding per-draft create, update, and delete records",
		Apply:              applyChanges,
		Validate:           validateChanges,
		RequiresCheckpoint: true,
	}); err != nil {
		panic("failed to register changes migration: " + err.Error())
	}
}

func applyChanges(ctx context.Context, tx *sql.Tx) error {
	// kind values mirror mchange.ChangeKind. The CHECK mirrors the shape
	// rules: creates carry a body, updates carry a patch, deletes neither.
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS changes (
			draft_id BLOB NOT NULL,
			entity_type INT8 NOT NULL CHECK (entity_type BETWEEN 1 AND 6),
			entity_key TEXT NOT NULL CHECK (length(entity_key) > 0),
			kind INT8 NOT NULL CHECK (kind BETWEEN 1 AND 3),
			patch TEXT,
			body BLOB,
			body_codec INT8 NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL DEFAULT (unixepoch() * 1000),
			updated_at BIGINT NOT NULL DEFAULT (unixepoch() * 1000),

			PRIMARY KEY (draft_id, entity_type, entity_key),
			FOREIGN KEY (draft_id) REFERENCES drafts (id) ON DELETE CASCADE,
			CHECK (
				(kind = 1 AND body IS NOT NULL AND patch IS NULL) OR
				(kind = 2 AND patch IS NOT NULL AND body IS NULL) OR
				(kind = 3 AND patch IS NULL AND body IS NULL)
			)
		)
	`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS changes_entity_idx ON changes (entity_type, entity_key)
	`); err != nil {
		return err
	}

	return nil
}

func validateChanges(ctx context.Context, db *sql.DB) error {
	tables := []string{"changes"}
	for _, table := range tables {
		var name string
		err := db.QueryRowContext(ctx, `
			SELECT name FROM sqlite_master
			WHERE type='table' AND name=?
		`, table).Scan(&name)
		if err != nil {
			return fmt.Errorf("table %s not found: %w", table, err)
		}
	}

	var idxName string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='index' AND name='changes_entity_idx'
	`).Scan(&idxName)
	if err != nil {
		return fmt.Errorf("changes_entity_idx not found: %w", err)
	}

	return nil
}
