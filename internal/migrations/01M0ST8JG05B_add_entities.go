package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/schemaforge/server/internal/migrate"
)

// MigrationAddEntitiesID is the ULID for the canonical entities migration.
const MigrationAddEntitiesID = "01M0ST8JG05B3HFM9SWQJ6XVKR"

// MigrationAddEntitiesChecksum is a stable hash of this migration.
const MigrationAddEntitiesChecksum = "sha256:add-entities-v1"

func init() {
	if err := migrate.Register(migrate.Migration{
		ID:          MigrationAddEntitiesID,
		Checksum:    MigrationAddEntitiesChecksum,
		Description: "Add the canonical entities table holding baseline schema documents",
		Apply:       applyEntities,
		Validate:    validateEntities,
	}); err != nil {
		panic("failed to register entities migration: " + err.Error())
	}
}

func applyEntities(ctx context.Context, tx *sql.Tx) error {
	// entity_type values mirror mentity.EntityType; doc_codec values mirror
	// blobcodec.Codec. Both are persisted and must never be renumbered.
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			entity_type INT8 NOT NULL CHECK (entity_type BETWEEN 1 AND 6),
			entity_key TEXT NOT NULL CHECK (length(entity_key) > 0),
			label TEXT NOT NULL DEFAULT '',
			doc BLOB NOT NULL,
			doc_codec INT8 NOT NULL DEFAULT 0,
			content_hash TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL DEFAULT (unixepoch() * 1000),

			PRIMARY KEY (entity_type, entity_key)
		)
	`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS entities_label_idx ON entities (entity_type, label)
	`); err != nil {
		return err
	}

	return nil
}

func validateEntities(ctx context.Context, db *sql.DB) error {
	var name string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='entities'
	`).Scan(&name)
	if err != nil {
		return fmt.Errorf("entities table not found: %w", err)
	}

	var idxName string
	err = db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='index' AND name='entities_label_idx'
	`).Scan(&idxName)
	if err != nil {
		return fmt.Errorf("entities_label_idx not found: %w", err)
	}

	return nil
}
