package migrate

import (
	"context"
	"database/sql"
	"fmt"
)

// RunCheckpoint forces a WAL checkpoint so the main database file absorbs
// everything the migration wrote. Used after schema-heavy migrations.
func RunCheckpoint(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("migrate: wal checkpoint: %w", err)
	}
	return nil
}
