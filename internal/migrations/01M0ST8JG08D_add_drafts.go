package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/schemaforge/server/internal/migrate"
)

// MigrationAddDraftsID is the ULID for the drafts migration.
const MigrationAddDraftsID = "01M0ST8JG08D6NPQ2TVWX4YZHB"

// MigrationAddDraftsChecksum is a stable hash of this migration.
const MigrationAddDraftsChecksum = "sha256:add-drafts-v1"

func init() {
	if err := migrate.Register(migrate.Migration{
		ID:          MigrationAddDraftsID,
		Checksum:    MigrationAddDraftsChecksum,
		Description: "Add the drafts table tracking proposal lifecycle and rebase state",
		Apply:       applyDrafts,
		Validate:    validateDrafts,
	}); err != nil {
		panic("failed to register drafts migration: " + err.Error())
	}
}

func applyDrafts(ctx context.Context, tx *sql.Tx) error {
	// status values mirror mdraft.DraftStatus, rebase_status mirrors
	// mdraft.RebaseStatus. Persisted, never renumber.
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS drafts (
			id BLOB NOT NULL PRIMARY KEY CHECK (length(id) = 16),
			title TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			token_digest TEXT NOT NULL,
			status INT8 NOT NULL DEFAULT 0 CHECK (status BETWEEN 0 AND 4),
			base_commit_sha TEXT NOT NULL,
			rebase_commit_sha TEXT NOT NULL DEFAULT '',
			rebase_status INT8 NOT NULL DEFAULT 0 CHECK (rebase_status BETWEEN 0 AND 2),
			created_at BIGINT NOT NULL DEFAULT (unixepoch() * 1000),
			updated_at BIGINT NOT NULL DEFAULT (unixepoch() * 1000),
			validated_at BIGINT
		)
	`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS drafts_status_idx ON drafts (status)
	`); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE UNIQUE INDEX IF NOT EXISTS drafts_token_digest_idx ON drafts (token_digest)
	`); err != nil {
		return err
	}

	return nil
}

func validateDrafts(ctx context.Context, db *sql.DB) error {
	var name string
	err := db.QueryRowContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='drafts'
	`).Scan(&name)
	if err != nil {
		return fmt.Errorf("drafts table not found: %w", err)
	}

	indexes := []string{"drafts_status_idx", "drafts_token_digest_idx"}
	for _, idx := range indexes {
		var idxName string
		err := db.QueryRowContext(ctx, `
			SELECT name FROM sqlite_master
			WHERE type='index' AND name=?
		`, idx).Scan(&idxName)
		if err != nil {
			return fmt.Errorf("index %s not found: %w", idx, err)
		}
	}

	return nil
}
