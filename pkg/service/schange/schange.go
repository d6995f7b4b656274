package schange

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/schemaforge/server/pkg/blobcodec"
	"github.com/schemaforge/server/pkg/dbtime"
	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mentity"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ChangeService reads and writes the per-draft change set.
type ChangeService struct {
	db    dbtx
	codec blobcodec.Codec
}

var ErrNoChangeFound error = sql.ErrNoRows

func New(db *sql.DB) ChangeService {
	return ChangeService{db: db, codec: blobcodec.Default}
}

func (s ChangeService) TX(tx *sql.Tx) ChangeService {
	return ChangeService{db: tx, codec: s.codec}
}

const changeColumns = "draft_id, entity_type, entity_key, kind, patch, body, body_codec, created_at, updated_at"

func (s ChangeService) Get(ctx context.Context, draftID idwrap.IDWrap, entityType mentity.EntityType, key string) (*mchange.Change, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM changes WHERE draft_id = ? AND entity_type = ? AND entity_key = ?`,
		draftID, int8(entityType), key,
	)
	change, err := scanChange(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoChangeFound
		}
		return nil, err
	}
	return change, nil
}

func (s ChangeService) ListByDraft(ctx context.Context, draftID idwrap.IDWrap) ([]mchange.Change, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM changes WHERE draft_id = ? ORDER BY entity_type, entity_key`,
		draftID,
	)
	if err != nil {
		return nil, err
	}
	return collectChanges(rows)
}

// Upsert writes one change. A second change against the same target amends
// the first in place rather than stacking.
func (s ChangeService) Upsert(ctx context.Context, change mchange.Change) error {
	var patch any
	if len(change.Patch) > 0 {
		patch = string(change.Patch)
	}

	var body []byte
	var bodyCodec blobcodec.Codec
	if change.Body != nil {
		raw, err := change.Body.Bytes()
		if err != nil {
			return fmt.Errorf("schange: encode body %s: %w", change.Ref(), err)
		}
		body, err = blobcodec.Compress(raw, s.codec)
		if err != nil {
			return fmt.Errorf("schange: compress body %s: %w", change.Ref(), err)
		}
		bodyCodec = s.codec
	}

	now := dbtime.UnixMilli(dbtime.DBNow())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO changes (draft_id, entity_type, entity_key, kind, patch, body, body_codec, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (draft_id, entity_type, entity_key) DO UPDATE SET
             kind = excluded.kind,
             patch = excluded.patch,
             body = excluded.body,
             body_codec = excluded.body_codec,
             updated_at = excluded.updated_at`,
		change.DraftID, int8(change.EntityType), change.EntityKey, int8(change.Kind),
		patch, body, bodyCodec, now, now,
	)
	if err != nil {
		return fmt.Errorf("schange: upsert %s: %w", change.Ref(), err)
	}
	return nil
}

func (s ChangeService) Delete(ctx context.Context, draftID idwrap.IDWrap, entityType mentity.EntityType, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM changes WHERE draft_id = ? AND entity_type = ? AND entity_key = ?`,
		draftID, int8(entityType), key,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoChangeFound
	}
	return nil
}

func (s ChangeService) DeleteByDraft(ctx context.Context, draftID idwrap.IDWrap) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM changes WHERE draft_id = ?`, draftID)
	return err
}

func (s ChangeService) CountByDraft(ctx context.Context, draftID idwrap.IDWrap) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM changes WHERE draft_id = ?`, draftID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*mchange.Change, error) {
	var change mchange.Change
	var typeRaw, kind, bodyCodec int8
	var patch sql.NullString
	var body []byte
	var createdMs, updatedMs int64

	if err := row.Scan(
		&change.DraftID, &typeRaw, &change.EntityKey, &kind,
		&patch, &body, &bodyCodec, &createdMs, &updatedMs,
	); err != nil {
		return nil, err
	}

	change.EntityType = mentity.EntityType(typeRaw)
	change.Kind = mchange.ChangeKind(kind)
	if patch.Valid {
		change.Patch = []byte(patch.String)
	}
	if len(body) > 0 {
		raw, err := blobcodec.Decompress(body, bodyCodec)
		if err != nil {
			return nil, fmt.Errorf("schange: decompress body %s: %w", change.EntityKey, err)
		}
		doc, err := jsondoc.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("schange: decode body %s: %w", change.EntityKey, err)
		}
		change.Body = doc
	}
	change.Created = dbtime.FromUnixMilli(createdMs)
	change.Updated = dbtime.FromUnixMilli(updatedMs)
	return &change, nil
}

func collectChanges(rows *sql.Rows) ([]mchange.Change, error) {
	defer func() { _ = rows.Close() }()

	var changes []mchange.Change
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, *change)
	}
	return changes, rows.Err()
}
