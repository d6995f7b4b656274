package sbaseline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/schemaforge/server/pkg/dbtime"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Baseline is the single canonical-state row: which upstream commit the
// entities table mirrors, and a content hash over every canonical document.
type Baseline struct {
	CommitSha   string
	ContentHash string
	Updated     time.Time
}

// BaselineService reads and writes the singleton baseline row.
type BaselineService struct {
	db dbtx
}

func New(db *sql.DB) BaselineService {
	return BaselineService{db: db}
}

func (s BaselineService) TX(tx *sql.Tx) BaselineService {
	return BaselineService{db: tx}
}

func (s BaselineService) Get(ctx context.Context) (Baseline, error) {
	var b Baseline
	var updatedMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT commit_sha, content_hash, updated_at FROM baseline WHERE id = 1`,
	).Scan(&b.CommitSha, &b.ContentHash, &updatedMs)
	if err != nil {
		return Baseline{}, fmt.Errorf("sbaseline: get: %w", err)
	}
	b.Updated = dbtime.FromUnixMilli(updatedMs)
	return b, nil
}

func (s BaselineService) Set(ctx context.Context, commitSha, contentHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE baseline
         SET commit_sha = ?,
             content_hash = ?,
             updated_at = ?
         WHERE id = 1`,
		commitSha, contentHash, dbtime.UnixMilli(dbtime.DBNow()),
	)
	if err != nil {
		return fmt.Errorf("sbaseline: set: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sbaseline: baseline row missing")
	}
	return nil
}
