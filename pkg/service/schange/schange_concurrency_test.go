package schange_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/testutil"
)

// Many drafts writing changes at once must serialize cleanly instead of
// tripping SQLITE_BUSY or deadlocking.
func TestUpsertConcurrentDrafts(t *testing.T) {
	ctx := context.Background()
	base := testutil.CreateBaseDB(ctx, t)
	t.Cleanup(base.Close)
	services := base.GetBaseServices()

	const drafts = 12
	ids := make([]idwrap.IDWrap, drafts)
	for i := range ids {
		ids[i] = idwrap.NewNow()
		require.NoError(t, services.Ds.Create(ctx, mdraft.Draft{
			ID:            ids[i],
			TokenDigest:   "digest-" + ids[i].String(),
			BaseCommitSha: "sha-base",
		}))
	}

	result := testutil.RunConcurrentWrites(ctx, t,
		testutil.ConcurrentConfig{Goroutines: drafts},
		func(i int) mchange.Change {
			return mchange.Change{
				DraftID:    ids[i],
				EntityType: mentity.EntityTypeCategory,
				EntityKey:  "drone",
				Kind:       mchange.ChangeKindCreate,
				Body:       jsondoc.MustParse([]byte(`{"key":"drone","label":"Drone"}`)),
			}
		},
		func(ctx context.Context, change mchange.Change) error {
			return services.Cs.Upsert(ctx, change)
		},
	)

	assert.Equal(t, 0, result.TimedOut)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, drafts, result.Succeeded)

	for _, id := range ids {
		count, err := services.Cs.CountByDraft(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}
}
