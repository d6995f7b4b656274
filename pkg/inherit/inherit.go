// Package inherit resolves the derived property set a category gains from
// its ancestor chain. The draft-aware path recomputes from effective
// documents; everything else is served from a per-baseline materialization.
package inherit

import (
	"context"
	"errors"
	"time"

	"github.com/schemaforge/server/pkg/cachettl"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/service/sbaseline"
	"github.com/schemaforge/server/pkg/service/schange"
)

// InheritedProperty is one property contributed by an ancestor category.
// Depth 1 is a direct parent.
type InheritedProperty struct {
	Property string `json:"property"`
	Source   string `json:"source"`
	Depth    int    `json:"depth"`
	Required bool   `json:"required"`
}

const materializedTTL = 5 * time.Minute

// Resolver walks parent chains over effective documents.
type Resolver struct {
	overlay  *overlay.Resolver
	changes  schange.ChangeService
	baseline sbaseline.BaselineService
	cache    *cachettl.Cache[string, []InheritedProperty]
}

func New(ov *overlay.Resolver, cs schange.ChangeService, bs sbaseline.BaselineService) *Resolver {
	return &Resolver{
		overlay:  ov,
		changes:  cs,
		baseline: bs,
		cache:    cachettl.New[string, []InheritedProperty](materializedTTL, time.Minute),
	}
}

func (r *Resolver) Close() {
	r.cache.Close()
}

// Properties returns the inherited property list for one category or
// subobject, ordered by depth with closer ancestors winning redefinitions.
// The full recomputation only runs when the draft itself reshapes the
// entity's parent set; otherwise the canonical materialization answers.
func (r *Resolver) Properties(ctx context.Context, draft *mdraft.Draft, ref mentity.Ref) ([]InheritedProperty, error) {
	draftAware := false
	if draft != nil {
		change, err := r.changes.Get(ctx, draft.ID, ref.Type, ref.Key)
		if err != nil && !errors.Is(err, schange.ErrNoChangeFound) {
			return nil, err
		}
		if change != nil {
			draftAware = change.TouchesField(mentity.FieldParents)
		}
	}

	if draftAware {
		return r.compute(ctx, draft, ref)
	}
	return r.materialized(ctx, ref)
}

// materialized serves the canonical inheritance result through the TTL
// cache. Cached slices are shared; callers get a fresh copy.
func (r *Resolver) materialized(ctx context.Context, ref mentity.Ref) ([]InheritedProperty, error) {
	baseline, err := r.baseline.Get(ctx)
	if err != nil {
		return nil, err
	}
	key := baseline.CommitSha + "|" + ref.String()
	if props, ok := r.cache.Get(key); ok {
		out := make([]InheritedProperty, len(props))
		copy(out, props)
		return out, nil
	}

	props, err := r.compute(ctx, nil, ref)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, props)
	out := make([]InheritedProperty, len(props))
	copy(out, props)
	return out, nil
}

type walkItem struct {
	key   string
	depth int
}

// compute breadth-first walks the effective parent chain. The visited set
// rejects cycles and diamonds; the first sighting of a property key wins,
// which by walk order is the smallest depth.
func (r *Resolver) compute(ctx context.Context, draft *mdraft.Draft, ref mentity.Ref) ([]InheritedProperty, error) {
	start, err := r.overlay.Effective(ctx, draft, ref)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{ref.Key: true}
	seen := make(map[string]bool)
	props := []InheritedProperty{}

	queue := make([]walkItem, 0, 4)
	for _, parent := range start.Doc.StringsAt(mentity.FieldParents) {
		queue = append(queue, walkItem{key: parent, depth: 1})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if visited[item.key] {
			continue
		}
		visited[item.key] = true

		ancestorRef := mentity.Ref{Type: mentity.EntityTypeCategory, Key: item.key}
		ancestor, err := r.overlay.Effective(ctx, draft, ancestorRef)
		if err != nil {
			if errors.Is(err, overlay.ErrNotFound) {
				// Dangling parent reference; reference checking reports it.
				continue
			}
			return nil, err
		}
		if ancestor.Deleted() {
			// A parent the draft removes contributes nothing.
			continue
		}

		for _, decl := range mentity.PropertyDecls(ancestor.Doc) {
			if seen[decl.Property] {
				continue
			}
			seen[decl.Property] = true
			props = append(props, InheritedProperty{
				Property: decl.Property,
				Source:   item.key,
				Depth:    item.depth,
				Required: decl.Required,
			})
		}

		for _, parent := range ancestor.Doc.StringsAt(mentity.FieldParents) {
			if !visited[parent] {
				queue = append(queue, walkItem{key: parent, depth: item.depth + 1})
			}
		}
	}

	return props, nil
}
