// Package overlay resolves the effective view of an entity under a draft:
// the canonical document with the draft's change for that entity layered on
// top. Resolution never mutates canonical state.
package overlay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/schemaforge/server/pkg/cachettl"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/service/sbaseline"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/service/sentity"
)

// ChangeStatus describes how a draft altered an effective document.
type ChangeStatus int8

const (
	StatusUnchanged ChangeStatus = iota
	StatusAdded
	StatusModified
	StatusDeleted
)

var statusNames = map[ChangeStatus]string{
	StatusUnchanged: "unchanged",
	StatusAdded:     "added",
	StatusModified:  "modified",
	StatusDeleted:   "deleted",
}

func (s ChangeStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("change_status(%d)", int8(s))
}

// ErrNotFound is returned when neither canonical state nor the draft knows
// the requested entity.
var ErrNotFound = errors.New("overlay: entity not found")

// Effective is the resolved view of one entity under one draft. Doc is
// always a private copy; callers may mutate it freely.
type Effective struct {
	Ref    mentity.Ref
	Doc    jsondoc.Doc
	Status ChangeStatus

	// PatchError carries the apply failure when an update patch did not
	// fit the canonical document. Doc then holds the unmodified canonical
	// copy and Status stays unchanged.
	PatchError string
}

// Deleted reports whether the draft removes this entity.
func (e Effective) Deleted() bool {
	return e.Status == StatusDeleted
}

const canonicalTTL = 5 * time.Minute

// Resolver computes effective documents. Canonical documents are cached per
// baseline; a baseline swap naturally invalidates by changing the key.
type Resolver struct {
	entities sentity.EntityService
	changes  schange.ChangeService
	baseline sbaseline.BaselineService
	cache    *cachettl.Cache[string, jsondoc.Doc]
	logger   *slog.Logger
}

func New(es sentity.EntityService, cs schange.ChangeService, bs sbaseline.BaselineService, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		entities: es,
		changes:  cs,
		baseline: bs,
		cache:    cachettl.New[string, jsondoc.Doc](canonicalTTL, time.Minute),
		logger:   logger,
	}
}

// Close releases the canonical cache's cleanup goroutine.
func (r *Resolver) Close() {
	r.cache.Close()
}

// Effective resolves one entity. A nil draft yields the canonical view with
// status unchanged.
func (r *Resolver) Effective(ctx context.Context, draft *mdraft.Draft, ref mentity.Ref) (*Effective, error) {
	var change *mchange.Change
	if draft != nil {
		found, err := r.changes.Get(ctx, draft.ID, ref.Type, ref.Key)
		if err != nil && !errors.Is(err, schange.ErrNoChangeFound) {
			return nil, err
		}
		change = found
	}

	// Creates never consult canonical state: the body is the document.
	if change != nil && change.Kind == mchange.ChangeKindCreate {
		return &Effective{Ref: ref, Doc: change.Body.Clone(), Status: StatusAdded}, nil
	}

	baselineSha, err := r.baselineSha(ctx)
	if err != nil {
		return nil, err
	}
	canonical, err := r.canonicalDoc(ctx, baselineSha, ref)
	if err != nil {
		return nil, err
	}

	if change == nil {
		return &Effective{Ref: ref, Doc: canonical.Clone(), Status: StatusUnchanged}, nil
	}

	switch change.Kind {
	case mchange.ChangeKindDelete:
		return &Effective{Ref: ref, Doc: canonical.Clone(), Status: StatusDeleted}, nil
	case mchange.ChangeKindUpdate:
		return r.applyUpdate(ctx, canonical, change, ref), nil
	default:
		return nil, fmt.Errorf("overlay: change %s has unknown kind %d", ref, int8(change.Kind))
	}
}

// EffectiveAll resolves the full closure under a draft: every canonical
// entity plus the draft's creates, sorted by type then key. Deleted entries
// are included with their status marked.
func (r *Resolver) EffectiveAll(ctx context.Context, draft *mdraft.Draft) ([]Effective, error) {
	canonical, err := r.entities.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byRef := make(map[mentity.Ref]*Effective, len(canonical))
	for _, entity := range canonical {
		byRef[entity.Ref()] = &Effective{
			Ref:    entity.Ref(),
			Doc:    entity.Doc.Clone(),
			Status: StatusUnchanged,
		}
	}

	if draft != nil {
		changes, err := r.changes.ListByDraft(ctx, draft.ID)
		if err != nil {
			return nil, err
		}
		for i := range changes {
			change := changes[i]
			ref := change.Ref()
			switch change.Kind {
			case mchange.ChangeKindCreate:
				byRef[ref] = &Effective{Ref: ref, Doc: change.Body.Clone(), Status: StatusAdded}
			case mchange.ChangeKindDelete:
				if existing, ok := byRef[ref]; ok {
					existing.Status = StatusDeleted
				}
			case mchange.ChangeKindUpdate:
				existing, ok := byRef[ref]
				if !ok {
					// The canonical target is gone, typically after a
					// baseline swap. Surfaced as data for validation.
					byRef[ref] = &Effective{
						Ref:        ref,
						Status:     StatusUnchanged,
						PatchError: "entity not present in canonical state",
					}
					continue
				}
				byRef[ref] = r.applyUpdate(ctx, existing.Doc, &change, ref)
			}
		}
	}

	out := make([]Effective, 0, len(byRef))
	for _, eff := range byRef {
		out = append(out, *eff)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.Type != out[j].Ref.Type {
			return out[i].Ref.Type < out[j].Ref.Type
		}
		return out[i].Ref.Key < out[j].Ref.Key
	})
	return out, nil
}

// applyUpdate patches a copy of the canonical document. A patch that does
// not apply is contained: the caller gets the canonical copy back, marked
// unchanged, with the failure preserved as data.
func (r *Resolver) applyUpdate(ctx context.Context, canonical jsondoc.Doc, change *mchange.Change, ref mentity.Ref) *Effective {
	patched, err := canonical.ApplyPatch(change.Patch)
	if err != nil {
		r.logger.WarnContext(ctx, "update patch failed to apply",
			slog.String("entity", ref.String()),
			slog.String("error", err.Error()),
		)
		return &Effective{
			Ref:        ref,
			Doc:        canonical.Clone(),
			Status:     StatusUnchanged,
			PatchError: err.Error(),
		}
	}
	return &Effective{Ref: ref, Doc: patched, Status: StatusModified}
}

func (r *Resolver) baselineSha(ctx context.Context) (string, error) {
	baseline, err := r.baseline.Get(ctx)
	if err != nil {
		return "", err
	}
	return baseline.CommitSha, nil
}

// canonicalDoc serves canonical documents through the TTL cache. Cached
// documents are shared; every caller clones before handing them out.
func (r *Resolver) canonicalDoc(ctx context.Context, baselineSha string, ref mentity.Ref) (jsondoc.Doc, error) {
	key := baselineSha + "|" + ref.String()
	if doc, ok := r.cache.Get(key); ok {
		return doc, nil
	}

	entity, err := r.entities.Get(ctx, ref.Type, ref.Key)
	if err != nil {
		if errors.Is(err, sentity.ErrNoEntityFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, err
	}

	r.cache.Set(key, entity.Doc)
	return entity.Doc, nil
}
