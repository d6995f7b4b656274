package sdraft

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/schemaforge/server/pkg/dbtime"
	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/model/mdraft"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DraftService reads and writes draft lifecycle rows.
type DraftService struct {
	db dbtx
}

var ErrNoDraftFound error = sql.ErrNoRows

func New(db *sql.DB) DraftService {
	return DraftService{db: db}
}

func (s DraftService) TX(tx *sql.Tx) DraftService {
	return DraftService{db: tx}
}

const draftColumns = `id, title, note, token_digest, status, base_commit_sha,
    rebase_commit_sha, rebase_status, created_at, updated_at, validated_at`

func (s DraftService) Get(ctx context.Context, id idwrap.IDWrap) (*mdraft.Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id,
	)
	draft, err := scanDraft(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoDraftFound
		}
		return nil, err
	}
	return draft, nil
}

// GetByTokenDigest resolves a capability token digest to its draft. This is
// the only discovery path for callers holding a token.
func (s DraftService) GetByTokenDigest(ctx context.Context, digest string) (*mdraft.Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE token_digest = ?`, digest,
	)
	draft, err := scanDraft(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoDraftFound
		}
		return nil, err
	}
	return draft, nil
}

func (s DraftService) List(ctx context.Context) ([]mdraft.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+draftColumns+` FROM drafts ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	return collectDrafts(rows)
}

// ListOpen returns every draft still subject to rebase, meaning editable or
// validated. Submitted and terminal drafts are frozen against their baseline.
func (s DraftService) ListOpen(ctx context.Context) ([]mdraft.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE status IN (?, ?) ORDER BY created_at, id`,
		int8(mdraft.StatusEditable), int8(mdraft.StatusValidated),
	)
	if err != nil {
		return nil, err
	}
	return collectDrafts(rows)
}

func (s DraftService) ListByStatus(ctx context.Context, status mdraft.DraftStatus) ([]mdraft.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE status = ? ORDER BY created_at, id`,
		int8(status),
	)
	if err != nil {
		return nil, err
	}
	return collectDrafts(rows)
}

func (s DraftService) Create(ctx context.Context, draft mdraft.Draft) error {
	created := draft.Created
	if created.IsZero() {
		created = dbtime.DBNow()
	}
	updated := draft.Updated
	if updated.IsZero() {
		updated = created
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drafts (id, title, note, token_digest, status, base_commit_sha,
             rebase_commit_sha, rebase_status, created_at, updated_at, validated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		draft.ID, draft.Title, draft.Note, draft.TokenDigest, int8(draft.Status),
		draft.BaseCommitSha, draft.RebaseCommitSha, int8(draft.RebaseStatus),
		dbtime.UnixMilli(created), dbtime.UnixMilli(updated), nullableMilli(draft.ValidatedAt),
	)
	if err != nil {
		return fmt.Errorf("sdraft: create %s: %w", draft.ID, err)
	}
	return nil
}

// Update rewrites every mutable column from the model.
func (s DraftService) Update(ctx context.Context, draft mdraft.Draft) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts
         SET title = ?,
             note = ?,
             status = ?,
             rebase_commit_sha = ?,
             rebase_status = ?,
             updated_at = ?,
             validated_at = ?
         WHERE id = ?`,
		draft.Title, draft.Note, int8(draft.Status),
		draft.RebaseCommitSha, int8(draft.RebaseStatus),
		dbtime.UnixMilli(dbtime.DBNow()), nullableMilli(draft.ValidatedAt),
		draft.ID,
	)
	if err != nil {
		return fmt.Errorf("sdraft: update %s: %w", draft.ID, err)
	}
	return ensureFound(res)
}

// UpdateStatus moves a draft to a new workflow state in one statement.
// validatedAt is stored as given; pass nil to clear it.
func (s DraftService) UpdateStatus(ctx context.Context, id idwrap.IDWrap, status mdraft.DraftStatus, validatedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts
         SET status = ?,
             validated_at = ?,
             updated_at = ?
         WHERE id = ?`,
		int8(status), nullableMilli(validatedAt), dbtime.UnixMilli(dbtime.DBNow()), id,
	)
	if err != nil {
		return fmt.Errorf("sdraft: update status %s: %w", id, err)
	}
	return ensureFound(res)
}

// UpdateRebase records the outcome of one rebase pass.
func (s DraftService) UpdateRebase(ctx context.Context, id idwrap.IDWrap, commitSha string, status mdraft.RebaseStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts
         SET rebase_commit_sha = ?,
             rebase_status = ?,
             updated_at = ?
         WHERE id = ?`,
		commitSha, int8(status), dbtime.UnixMilli(dbtime.DBNow()), id,
	)
	if err != nil {
		return fmt.Errorf("sdraft: update rebase %s: %w", id, err)
	}
	return ensureFound(res)
}

func (s DraftService) Delete(ctx context.Context, id idwrap.IDWrap) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = ?`, id)
	return err
}

func nullableMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return dbtime.UnixMilli(*t)
}

func ensureFound(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoDraftFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDraft(row rowScanner) (*mdraft.Draft, error) {
	var draft mdraft.Draft
	var status, rebaseStatus int8
	var createdMs, updatedMs int64
	var validatedMs sql.NullInt64

	if err := row.Scan(
		&draft.ID, &draft.Title, &draft.Note, &draft.TokenDigest,
		&status, &draft.BaseCommitSha, &draft.RebaseCommitSha, &rebaseStatus,
		&createdMs, &updatedMs, &validatedMs,
	); err != nil {
		return nil, err
	}

	draft.Status = mdraft.DraftStatus(status)
	draft.RebaseStatus = mdraft.RebaseStatus(rebaseStatus)
	draft.Created = dbtime.FromUnixMilli(createdMs)
	draft.Updated = dbtime.FromUnixMilli(updatedMs)
	if validatedMs.Valid {
		at := dbtime.FromUnixMilli(validatedMs.Int64)
		draft.ValidatedAt = &at
	}
	return &draft, nil
}

func collectDrafts(rows *sql.Rows) ([]mdraft.Draft, error) {
	defer func() { _ = rows.Close() }()

	var drafts []mdraft.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, *draft)
	}
	return drafts, rows.Err()
}
