package sentity

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schemaforge/server/internal/migrations"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/sqlitemem"
)

func newTestDB(ctx context.Context, t *testing.T) *sql.DB {
	t.Helper()
	db, cleanup, err := sqlitemem.NewSQLiteMem(ctx)
	if err != nil {
		t.Fatalf("failed to create in-memory db: %v", err)
	}
	t.Cleanup(cleanup)
	if err := migrations.Run(ctx, db, migrations.Config{DatabasePath: ":memory:", DataDir: t.TempDir()}); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func TestEntityService(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(ctx, t)
	service := New(db)

	personDoc := jsondoc.MustParse([]byte(`{
		"key": "person",
		"label": "Person",
		"version": "1.2.0",
		"parent_categories": [],
		"properties": [{"property": "name", "required": true}]
	}`))

	t.Run("Full lifecycle", func(t *testing.T) {
		err := service.Upsert(ctx, mentity.Entity{
			Type: mentity.EntityTypeCategory,
			Key:  "person",
			Doc:  personDoc,
		})
		assert.NoError(t, err)

		got, err := service.Get(ctx, mentity.EntityTypeCategory, "person")
		assert.NoError(t, err)
		assert.Equal(t, "person", got.Key)
		assert.Equal(t, "Person", got.Label)
		assert.NotEmpty(t, got.ContentHash)
		assert.True(t, got.Doc.Equal(personDoc))

		exists, err := service.Exists(ctx, mentity.EntityTypeCategory, "person")
		assert.NoError(t, err)
		assert.True(t, exists)

		exists, err = service.Exists(ctx, mentity.EntityTypeCategory, "ghost")
		assert.NoError(t, err)
		assert.False(t, exists)

		// Upsert with a changed label replaces in place
		updatedDoc := personDoc.Clone()
		updatedDoc["label"] = "Human"
		err = service.Upsert(ctx, mentity.Entity{
			Type: mentity.EntityTypeCategory,
			Key:  "person",
			Doc:  updatedDoc,
		})
		assert.NoError(t, err)

		got, err = service.Get(ctx, mentity.EntityTypeCategory, "person")
		assert.NoError(t, err)
		assert.Equal(t, "Human", got.Label)

		count, err := service.Count(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 1, count)

		err = service.Delete(ctx, mentity.EntityTypeCategory, "person")
		assert.NoError(t, err)

		_, err = service.Get(ctx, mentity.EntityTypeCategory, "person")
		assert.ErrorIs(t, err, ErrNoEntityFound)
	})

	t.Run("Listing", func(t *testing.T) {
		seed := []mentity.Entity{
			{Type: mentity.EntityTypeCategory, Key: "vehicle", Doc: jsondoc.MustParse([]byte(`{"key":"vehicle","label":"Vehicle"}`))},
			{Type: mentity.EntityTypeCategory, Key: "animal", Doc: jsondoc.MustParse([]byte(`{"key":"animal","label":"Animal"}`))},
			{Type: mentity.EntityTypeProperty, Key: "name", Doc: jsondoc.MustParse([]byte(`{"key":"name","label":"Name","datatype":"string"}`))},
		}
		for _, e := range seed {
			assert.NoError(t, service.Upsert(ctx, e))
		}

		categories, err := service.List(ctx, mentity.EntityTypeCategory)
		assert.NoError(t, err)
		assert.Len(t, categories, 2)
		assert.Equal(t, "animal", categories[0].Key)
		assert.Equal(t, "vehicle", categories[1].Key)

		all, err := service.ListAll(ctx)
		assert.NoError(t, err)
		assert.Len(t, all, 3)

		refs, err := service.ListRefs(ctx)
		assert.NoError(t, err)
		assert.Len(t, refs, 3)
		assert.Equal(t, mentity.Ref{Type: mentity.EntityTypeCategory, Key: "animal"}, refs[0])

		labels, err := service.ListLabels(ctx, mentity.EntityTypeCategory)
		assert.NoError(t, err)
		assert.Equal(t, "Vehicle", labels["vehicle"])

		hashes, err := service.ContentHashes(ctx)
		assert.NoError(t, err)
		assert.Len(t, hashes, 3)
		assert.NotEmpty(t, hashes["category:animal"])

		err = service.DeleteAll(ctx)
		assert.NoError(t, err)
		count, err := service.Count(ctx)
		assert.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}
