package sdraft

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/schemaforge/server/internal/migrations"
	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/model/mdraft"
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

func TestDraftService(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(ctx, t)
	service := New(db)

	t.Run("Full lifecycle", func(t *testing.T) {
		id := idwrap.NewNow()
		draft := mdraft.Draft{
			ID:            id,
			Title:         "Add vehicle category",
			TokenDigest:   "digest-1",
			Status:        mdraft.StatusEditable,
			BaseCommitSha: "sha-base",
		}

		err := service.Create(ctx, draft)
		assert.NoError(t, err)

		got, err := service.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, "Add vehicle category", got.Title)
		assert.Equal(t, mdraft.StatusEditable, got.Status)
		assert.Equal(t, "sha-base", got.TestedBaseline())
		assert.Nil(t, got.ValidatedAt)

		byToken, err := service.GetByTokenDigest(ctx, "digest-1")
		assert.NoError(t, err)
		assert.Equal(t, id, byToken.ID)

		_, err = service.GetByTokenDigest(ctx, "missing")
		assert.ErrorIs(t, err, ErrNoDraftFound)

		// Status transition with validation timestamp
		validatedAt := time.Now().UTC()
		err = service.UpdateStatus(ctx, id, mdraft.StatusValidated, &validatedAt)
		assert.NoError(t, err)

		got, err = service.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, mdraft.StatusValidated, got.Status)
		assert.NotNil(t, got.ValidatedAt)

		// Revert clears the timestamp
		err = service.UpdateStatus(ctx, id, mdraft.StatusEditable, nil)
		assert.NoError(t, err)
		got, err = service.Get(ctx, id)
		assert.NoError(t, err)
		assert.Nil(t, got.ValidatedAt)

		// Rebase bookkeeping
		err = service.UpdateRebase(ctx, id, "sha-next", mdraft.RebaseClean)
		assert.NoError(t, err)
		got, err = service.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, "sha-next", got.RebaseCommitSha)
		assert.Equal(t, mdraft.RebaseClean, got.RebaseStatus)
		assert.Equal(t, "sha-next", got.TestedBaseline())

		// Full update
		got.Title = "Renamed"
		got.Note = "with note"
		err = service.Update(ctx, *got)
		assert.NoError(t, err)
		got, err = service.Get(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, "Renamed", got.Title)
		assert.Equal(t, "with note", got.Note)

		err = service.Delete(ctx, id)
		assert.NoError(t, err)
		_, err = service.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNoDraftFound)
	})

	t.Run("ListOpen filters terminal and submitted drafts", func(t *testing.T) {
		mk := func(digest string, status mdraft.DraftStatus) idwrap.IDWrap {
			id := idwrap.NewNow()
			err := service.Create(ctx, mdraft.Draft{
				ID:            id,
				TokenDigest:   digest,
				Status:        status,
				BaseCommitSha: "sha-base",
			})
			assert.NoError(t, err)
			return id
		}

		editable := mk("digest-open-1", mdraft.StatusEditable)
		validated := mk("digest-open-2", mdraft.StatusValidated)
		mk("digest-open-3", mdraft.StatusSubmitted)
		mk("digest-open-4", mdraft.StatusMerged)
		mk("digest-open-5", mdraft.StatusRejected)

		open, err := service.ListOpen(ctx)
		assert.NoError(t, err)
		assert.Len(t, open, 2)
		assert.Equal(t, editable, open[0].ID)
		assert.Equal(t, validated, open[1].ID)

		submitted, err := service.ListByStatus(ctx, mdraft.StatusSubmitted)
		assert.NoError(t, err)
		assert.Len(t, submitted, 1)

		all, err := service.List(ctx)
		assert.NoError(t, err)
		assert.Len(t, all, 5)
	})

	t.Run("Update missing draft", func(t *testing.T) {
		err := service.UpdateStatus(ctx, idwrap.NewNow(), mdraft.StatusValidated, nil)
		assert.ErrorIs(t, err, ErrNoDraftFound)
	})

	t.Run("Duplicate token digest rejected", func(t *testing.T) {
		err := service.Create(ctx, mdraft.Draft{
			ID:            idwrap.NewNow(),
			TokenDigest:   "digest-dup",
			BaseCommitSha: "sha-base",
		})
		assert.NoError(t, err)

		err = service.Create(ctx, mdraft.Draft{
			ID:            idwrap.NewNow(),
			TokenDigest:   "digest-dup",
			BaseCommitSha: "sha-base",
		})
		assert.Error(t, err)
	})
}
