package sqlitemem

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// NewSQLiteMem opens a uniquely named shared-cache in-memory database.
// Each call returns an isolated database; the returned cleanup closes it.
func NewSQLiteMem(ctx context.Context) (*sql.DB, func(), error) {
	// Unique database name per call to ensure isolation between tests.
	uniqueName := ulid.Make().String()
	connStr := fmt.Sprintf("file:testdb_%s?mode=memory&cache=shared", uniqueName)

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, nil, err
	}
	// One connection keeps session pragmas effective and spares concurrent
	// test writers from SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	cleanup := func() { _ = db.Close() }
	return db, cleanup, nil
}
