package overlay_test

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
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/testutil"
)

type fixture struct {
	services testutil.BaseTestServices
	resolver *overlay.Resolver
	draft    *mdraft.Draft
}

func newFixture(ctx context.Context, t *testing.T) *fixture {
	t.Helper()
	base := testutil.CreateBaseDB(ctx, t)
	t.Cleanup(base.Close)
	services := base.GetBaseServices()

	require.NoError(t, services.Bs.Set(ctx, "sha-1", "hash-1"))
	require.NoError(t, services.Es.Upsert(ctx, mentity.Entity{
		Type: mentity.EntityTypeCategory,
		Key:  "person",
		Doc: jsondoc.MustParse([]byte(`{
			"key": "person",
			"label": "Person",
			"parent_categories": ["agent"],
			"properties": [{"property": "name", "required": true}]
		}`)),
	}))
	require.NoError(t, services.Es.Upsert(ctx, mentity.Entity{
		Type: mentity.EntityTypeProperty,
		Key:  "name",
		Doc:  jsondoc.MustParse([]byte(`{"key": "name", "label": "Name", "datatype": "string"}`)),
	}))

	draftID := idwrap.NewNow()
	require.NoError(t, services.Ds.Create(ctx, mdraft.Draft{
		ID:            draftID,
		TokenDigest:   "digest-overlay",
		BaseCommitSha: "sha-1",
	}))
	draft, err := services.Ds.Get(ctx, draftID)
	require.NoError(t, err)

	resolver := overlay.New(services.Es, services.Cs, services.Bs, base.Logger())
	t.Cleanup(resolver.Close)

	return &fixture{services: services, resolver: resolver, draft: draft}
}

func personRef() mentity.Ref {
	return mentity.Ref{Type: mentity.EntityTypeCategory, Key: "person"}
}

func TestEffectiveWithoutDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	eff, err := f.resolver.Effective(ctx, nil, personRef())
	require.NoError(t, err)
	assert.Equal(t, overlay.StatusUnchanged, eff.Status)
	if got, _ := eff.Doc.StringAt("label"); got != "Person" {
		t.Errorf("label = %q", got)
	}
	assert.Empty(t, eff.PatchError)
}

func TestEffectiveCreateSkipsCanonical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	// Create over an existing key: the body wins wholesale.
	body := jsondoc.MustParse([]byte(`{"key": "person", "label": "Replacement"}`))
	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "person",
		Kind:       mchange.ChangeKindCreate,
		Body:       body,
	}))

	eff, err := f.resolver.Effective(ctx, f.draft, personRef())
	require.NoError(t, err)
	assert.Equal(t, overlay.StatusAdded, eff.Status)
	assert.True(t, eff.Doc.Equal(body))
	_, hasParents := eff.Doc.Value("parent_categories")
	assert.False(t, hasParents, "canonical fields must not leak into a create")
}

func TestEffectiveUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "person",
		Kind:       mchange.ChangeKindUpdate,
		Patch:      []byte(`[{"op":"replace","path":"/label","value":"Human"}]`),
	}))

	eff, err := f.resolver.Effective(ctx, f.draft, personRef())
	require.NoError(t, err)
	assert.Equal(t, overlay.StatusModified, eff.Status)
	if got, _ := eff.Doc.StringAt("label"); got != "Human" {
		t.Errorf("label = %q", got)
	}

	// Canonical state must be untouched.
	canonical, err := f.services.Es.Get(ctx, mentity.EntityTypeCategory, "person")
	require.NoError(t, err)
	if got, _ := canonical.Doc.StringAt("label"); got != "Person" {
		t.Errorf("canonical label mutated: %q", got)
	}
}

func TestEffectivePatchFailureContained(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "person",
		Kind:       mchange.ChangeKindUpdate,
		Patch:      []byte(`[{"op":"replace","path":"/no_such_field","value":1}]`),
	}))

	for i := 0; i < 2; i++ {
		eff, err := f.resolver.Effective(ctx, f.draft, personRef())
		require.NoError(t, err, "patch failure is data, not an operation error")
		assert.Equal(t, overlay.StatusUnchanged, eff.Status)
		assert.NotEmpty(t, eff.PatchError)
		if got, _ := eff.Doc.StringAt("label"); got != "Person" {
			t.Errorf("pass %d: failed patch must return canonical copy, label = %q", i, got)
		}
	}
}

func TestEffectiveDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "person",
		Kind:       mchange.ChangeKindDelete,
	}))

	eff, err := f.resolver.Effective(ctx, f.draft, personRef())
	require.NoError(t, err)
	assert.Equal(t, overlay.StatusDeleted, eff.Status)
	assert.True(t, eff.Deleted())
	if got, _ := eff.Doc.StringAt("label"); got != "Person" {
		t.Errorf("deleted view should carry the canonical doc, label = %q", got)
	}
}

func TestEffectiveUnknownEntity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	_, err := f.resolver.Effective(ctx, nil, mentity.Ref{Type: mentity.EntityTypeCategory, Key: "ghost"})
	assert.ErrorIs(t, err, overlay.ErrNotFound)
}

func TestEffectiveCacheIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	first, err := f.resolver.Effective(ctx, nil, personRef())
	require.NoError(t, err)

	// Corrupting the returned copy must not poison the cache.
	first.Doc["label"] = "Mutated"
	delete(first.Doc, "properties")

	second, err := f.resolver.Effective(ctx, nil, personRef())
	require.NoError(t, err)
	if got, _ := second.Doc.StringAt("label"); got != "Person" {
		t.Errorf("cache returned a mutated document, label = %q", got)
	}
	if _, ok := second.Doc.Value("properties"); !ok {
		t.Error("cache lost a field deleted from a handed-out copy")
	}
}

func TestEffectiveAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "vehicle",
		Kind:       mchange.ChangeKindCreate,
		Body:       jsondoc.MustParse([]byte(`{"key": "vehicle", "label": "Vehicle"}`)),
	}))
	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "person",
		Kind:       mchange.ChangeKindUpdate,
		Patch:      []byte(`[{"op":"replace","path":"/label","value":"Human"}]`),
	}))
	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeProperty,
		EntityKey:  "name",
		Kind:       mchange.ChangeKindDelete,
	}))

	all, err := f.resolver.EffectiveAll(ctx, f.draft)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Sorted by type then key: person, vehicle, name.
	assert.Equal(t, "person", all[0].Ref.Key)
	assert.Equal(t, overlay.StatusModified, all[0].Status)
	assert.Equal(t, "vehicle", all[1].Ref.Key)
	assert.Equal(t, overlay.StatusAdded, all[1].Status)
	assert.Equal(t, "name", all[2].Ref.Key)
	assert.Equal(t, overlay.StatusDeleted, all[2].Status)
}

func TestEffectiveAllDanglingUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	require.NoError(t, f.services.Cs.Upsert(ctx, mchange.Change{
		DraftID:    f.draft.ID,
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "ghost",
		Kind:       mchange.ChangeKindUpdate,
		Patch:      []byte(`[{"op":"replace","path":"/label","value":"x"}]`),
	}))

	all, err := f.resolver.EffectiveAll(ctx, f.draft)
	require.NoError(t, err)

	var ghost *overlay.Effective
	for i := range all {
		if all[i].Ref.Key == "ghost" {
			ghost = &all[i]
		}
	}
	require.NotNil(t, ghost, "dangling update must surface in the closure")
	assert.NotEmpty(t, ghost.PatchError)
	assert.Nil(t, ghost.Doc)
}

func TestEffectiveAllWithoutDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(ctx, t)

	all, err := f.resolver.EffectiveAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, eff := range all {
		assert.Equal(t, overlay.StatusUnchanged, eff.Status)
	}
}
