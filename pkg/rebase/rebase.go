// Package rebase re-tests open drafts after a baseline swap. The verdict
// is advisory bookkeeping on the draft; stored changes are never touched.
package rebase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/service/sdraft"
	"github.com/schemaforge/server/pkg/service/sentity"
)

// Conflict is one change that no longer lands on the new baseline.
type Conflict struct {
	Ref    mentity.Ref `json:"ref"`
	Reason string      `json:"reason"`
}

// Result is the outcome for one re-tested draft.
type Result struct {
	DraftID string              `json:"draft_id"`
	Title   string              `json:"title,omitempty"`
	Status  mdraft.RebaseStatus `json:"status"`
	// Conflicts is empty when Status is RebaseClean.
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

const maxConcurrentDrafts = 4

// Runner re-tests every open draft against the canonical store after an
// ingest swap. A pass is self-exclusive; a second call blocks until the
// first finishes.
type Runner struct {
	mu sync.Mutex

	drafts   sdraft.DraftService
	changes  schange.ChangeService
	entities sentity.EntityService
	logger   *slog.Logger
}

func New(ds sdraft.DraftService, cs schange.ChangeService, es sentity.EntityService, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{drafts: ds, changes: cs, entities: es, logger: logger}
}

// Run re-tests all editable and validated drafts not yet tested against
// newSha. The canonical store must already hold the new baseline. Every
// visited draft advances its rebase commit, conflicted or not.
func (r *Runner) Run(ctx context.Context, oldSha, newSha string) ([]Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	open, err := r.drafts.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebase: list open drafts: %w", err)
	}

	pending := make([]mdraft.Draft, 0, len(open))
	for _, d := range open {
		if d.TestedBaseline() != newSha {
			pending = append(pending, d)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}

	results := make([]Result, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentDrafts)
	for i, draft := range pending {
		g.Go(func() error {
			res, err := r.retest(gctx, draft, newSha)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].DraftID < results[j].DraftID })

	conflicted := 0
	for _, res := range results {
		if res.Status == mdraft.RebaseConflict {
			conflicted++
		}
	}
	r.logger.InfoContext(ctx, "rebase pass finished",
		slog.String("old_baseline", oldSha),
		slog.String("new_baseline", newSha),
		slog.Int("drafts", len(results)),
		slog.Int("conflicted", conflicted),
	)
	return results, nil
}

func (r *Runner) retest(ctx context.Context, draft mdraft.Draft, newSha string) (Result, error) {
	changes, err := r.changes.ListByDraft(ctx, draft.ID)
	if err != nil {
		return Result{}, fmt.Errorf("rebase: list changes for draft %s: %w", draft.ID.String(), err)
	}

	var conflicts []Conflict
	for _, change := range changes {
		if reason, err := r.testChange(ctx, change); err != nil {
			return Result{}, err
		} else if reason != "" {
			conflicts = append(conflicts, Conflict{Ref: change.Ref(), Reason: reason})
		}
	}

	status := mdraft.RebaseClean
	if len(conflicts) > 0 {
		status = mdraft.RebaseConflict
	}
	if err := r.drafts.UpdateRebase(ctx, draft.ID, newSha, status); err != nil {
		return Result{}, fmt.Errorf("rebase: mark draft %s: %w", draft.ID.String(), err)
	}

	if status == mdraft.RebaseConflict {
		r.logger.WarnContext(ctx, "draft conflicts with new baseline",
			slog.String("draft_id", draft.ID.String()),
			slog.Int("conflicts", len(conflicts)),
		)
	}

	return Result{
		DraftID:   draft.ID.String(),
		Title:     draft.Title,
		Status:    status,
		Conflicts: conflicts,
	}, nil
}

// testChange replays one change against the current canonical store and
// returns a conflict reason, or "" when the change still lands. Patch
// application happens on a throwaway copy; nothing is persisted.
func (r *Runner) testChange(ctx context.Context, change mchange.Change) (string, error) {
	switch change.Kind {
	case mchange.ChangeKindCreate:
		exists, err := r.entities.Exists(ctx, change.EntityType, change.EntityKey)
		if err != nil {
			return "", fmt.Errorf("rebase: probe %s: %w", change.Ref(), err)
		}
		if exists {
			return "key already exists at the new baseline", nil
		}
		return "", nil

	case mchange.ChangeKindUpdate:
		entity, err := r.entities.Get(ctx, change.EntityType, change.EntityKey)
		if errors.Is(err, sentity.ErrNoEntityFound) {
			return "update target no longer exists at the new baseline", nil
		}
		if err != nil {
			return "", fmt.Errorf("rebase: load %s: %w", change.Ref(), err)
		}
		if _, err := entity.Doc.ApplyPatch(change.Patch); err != nil {
			return fmt.Sprintf("patch no longer applies: %v", err), nil
		}
		return "", nil

	case mchange.ChangeKindDelete:
		exists, err := r.entities.Exists(ctx, change.EntityType, change.EntityKey)
		if err != nil {
			return "", fmt.Errorf("rebase: probe %s: %w", change.Ref(), err)
		}
		if !exists {
			return "delete target already removed at the new baseline", nil
		}
		return "", nil
	}
	return "", fmt.Errorf("rebase: change %s has unknown kind %d", change.Ref(), change.Kind)
}
