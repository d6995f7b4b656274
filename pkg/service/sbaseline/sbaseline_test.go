package sbaseline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schemaforge/server/internal/migrations"
	"github.com/schemaforge/server/pkg/sqlitemem"
)

func TestBaselineService(t *testing.T) {
	ctx := context.Background()
	db, cleanup, err := sqlitemem.NewSQLiteMem(ctx)
	if err != nil {
		t.Fatalf("failed to create in-memory db: %v", err)
	}
	t.Cleanup(cleanup)
	if err := migrations.Run(ctx, db, migrations.Config{DatabasePath: ":memory:", DataDir: t.TempDir()}); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	service := New(db)

	initial, err := service.Get(ctx)
	assert.NoError(t, err)
	assert.Empty(t, initial.CommitSha)

	err = service.Set(ctx, "sha-42", "hash-42")
	assert.NoError(t, err)

	got, err := service.Get(ctx)
	assert.NoError(t, err)
	assert.Equal(t, "sha-42", got.CommitSha)
	assert.Equal(t, "hash-42", got.ContentHash)
	assert.False(t, got.Updated.IsZero())
}
