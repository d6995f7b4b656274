package sentity

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/schemaforge/server/pkg/blobcodec"
	"github.com/schemaforge/server/pkg/contenthash"
	"github.com/schemaforge/server/pkg/dbtime"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mentity"
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// EntityService reads and writes canonical entity documents. Canonical rows
// change only through snapshot ingest; draft edits never touch this table.
type EntityService struct {
	db    dbtx
	codec blobcodec.Codec
}

var ErrNoEntityFound error = sql.ErrNoRows

func New(db *sql.DB) EntityService {
	return EntityService{db: db, codec: blobcodec.Default}
}

func (s EntityService) TX(tx *sql.Tx) EntityService {
	return EntityService{db: tx, codec: s.codec}
}

const entityColumns = "entity_type, entity_key, label, doc, doc_codec, content_hash, updated_at"

func (s EntityService) Get(ctx context.Context, entityType mentity.EntityType, key string) (*mentity.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? AND entity_key = ?`,
		int8(entityType), key,
	)
	entity, err := scanEntity(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoEntityFound
		}
		return nil, err
	}
	return entity, nil
}

func (s EntityService) Exists(ctx context.Context, entityType mentity.EntityType, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM entities WHERE entity_type = ? AND entity_key = ?`,
		int8(entityType), key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s EntityService) List(ctx context.Context, entityType mentity.EntityType) ([]mentity.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = ? ORDER BY entity_key`,
		int8(entityType),
	)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

func (s EntityService) ListAll(ctx context.Context) ([]mentity.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities ORDER BY entity_type, entity_key`,
	)
	if err != nil {
		return nil, err
	}
	return collectEntities(rows)
}

// ListRefs returns every canonical address without decoding documents.
func (s EntityService) ListRefs(ctx context.Context) ([]mentity.Ref, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, entity_key FROM entities ORDER BY entity_type, entity_key`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []mentity.Ref
	for rows.Next() {
		var typeRaw int8
		var key string
		if err := rows.Scan(&typeRaw, &key); err != nil {
			return nil, err
		}
		refs = append(refs, mentity.Ref{Type: mentity.EntityType(typeRaw), Key: key})
	}
	return refs, rows.Err()
}

// ListLabels returns key to label for one entity type, for suggestion lookups.
func (s EntityService) ListLabels(ctx context.Context, entityType mentity.EntityType) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_key, label FROM entities WHERE entity_type = ?`,
		int8(entityType),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	labels := make(map[string]string)
	for rows.Next() {
		var key, label string
		if err := rows.Scan(&key, &label); err != nil {
			return nil, err
		}
		labels[key] = label
	}
	return labels, rows.Err()
}

// Upsert writes one canonical row, computing label and content hash from the
// document.
func (s EntityService) Upsert(ctx context.Context, entity mentity.Entity) error {
	raw, err := entity.Doc.Bytes()
	if err != nil {
		return fmt.Errorf("sentity: encode %s: %w", entity.Ref(), err)
	}
	blob, err := blobcodec.Compress(raw, s.codec)
	if err != nil {
		return fmt.Errorf("sentity: compress %s: %w", entity.Ref(), err)
	}

	label := entity.Label
	if label == "" {
		label, _ = entity.Doc.StringAt(mentity.FieldLabel)
	}
	hash := entity.ContentHash
	if hash == "" {
		hash = contenthash.HashBytes(raw)
	}
	updated := entity.Updated
	if updated.IsZero() {
		updated = dbtime.DBNow()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (entity_type, entity_key, label, doc, doc_codec, content_hash, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (entity_type, entity_key) DO UPDATE SET
             label = excluded.label,
             doc = excluded.doc,
             doc_codec = excluded.doc_codec,
             content_hash = excluded.content_hash,
             updated_at = excluded.updated_at`,
		int8(entity.Type), entity.Key, label, blob, s.codec, hash, dbtime.UnixMilli(updated),
	)
	if err != nil {
		return fmt.Errorf("sentity: upsert %s: %w", entity.Ref(), err)
	}
	return nil
}

func (s EntityService) Delete(ctx context.Context, entityType mentity.EntityType, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE entity_type = ? AND entity_key = ?`,
		int8(entityType), key,
	)
	return err
}

// DeleteAll clears the canonical table. Snapshot ingest calls this inside
// the replacement transaction.
func (s EntityService) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities`)
	return err
}

func (s EntityService) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ContentHashes returns "type:key" to content hash for every canonical row,
// the input for the baseline content hash.
func (s EntityService) ContentHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, entity_key, content_hash FROM entities`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	hashes := make(map[string]string)
	for rows.Next() {
		var typeRaw int8
		var key, hash string
		if err := rows.Scan(&typeRaw, &key, &hash); err != nil {
			return nil, err
		}
		ref := mentity.Ref{Type: mentity.EntityType(typeRaw), Key: key}
		hashes[ref.String()] = hash
	}
	return hashes, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*mentity.Entity, error) {
	var typeRaw, codec int8
	var key, label, hash string
	var blob []byte
	var updatedMs int64

	if err := row.Scan(&typeRaw, &key, &label, &blob, &codec, &hash, &updatedMs); err != nil {
		return nil, err
	}

	raw, err := blobcodec.Decompress(blob, codec)
	if err != nil {
		return nil, fmt.Errorf("sentity: decompress %s: %w", key, err)
	}
	doc, err := jsondoc.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("sentity: decode %s: %w", key, err)
	}

	return &mentity.Entity{
		Type:        mentity.EntityType(typeRaw),
		Key:         key,
		Label:       label,
		Doc:         doc,
		ContentHash: hash,
		Updated:     dbtime.FromUnixMilli(updatedMs),
	}, nil
}

func collectEntities(rows *sql.Rows) ([]mentity.Entity, error) {
	defer func() { _ = rows.Close() }()

	var entities []mentity.Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *entity)
	}
	return entities, rows.Err()
}
