// Package workflow is the draft state machine. Every status move and every
// change write on a draft passes through here under a per-draft lock, so
// two requests can never both observe editable and race each other's
// transition.
package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schemaforge/server/pkg/dbtime"
	"github.com/schemaforge/server/pkg/errmap"
	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/model/mvalidation"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/service/sdraft"
	"github.com/schemaforge/server/pkg/service/sentity"
)

// Validator produces a fresh report for the draft's current effective
// state. The engine only inspects error counts; the report itself flows
// back to the caller as data.
type Validator interface {
	Validate(ctx context.Context, draft *mdraft.Draft) (*mvalidation.Report, error)
}

// StateError reports an illegal transition attempt. Both states are named
// so the author sees what was refused, not just that something was.
type StateError struct {
	Current   mdraft.DraftStatus
	Requested mdraft.DraftStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("workflow: draft is %s, cannot transition to %s", e.Current, e.Requested)
}

// ErrValidationBlocked marks a transition refused because the fresh report
// carries error findings. The report travels alongside.
var ErrValidationBlocked = errors.New("workflow: validation reported blocking findings")

// ErrDraftFrozen marks a change write against a draft that no longer
// accepts edits.
var ErrDraftFrozen = errors.New("workflow: draft no longer accepts changes")

// transitions is the one table every legality check consults.
var transitions = map[mdraft.DraftStatus][]mdraft.DraftStatus{
	mdraft.StatusEditable:  {mdraft.StatusValidated},
	mdraft.StatusValidated: {mdraft.StatusEditable, mdraft.StatusSubmitted},
	mdraft.StatusSubmitted: {mdraft.StatusMerged, mdraft.StatusRejected},
}

func transitionAllowed(from, to mdraft.DraftStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Engine owns draft mutation. Reads go straight to the services; writes
// come through here.
type Engine struct {
	db        *sql.DB
	drafts    sdraft.DraftService
	changes   schange.ChangeService
	entities  sentity.EntityService
	validator Validator
	locks     *keyedMutex
	logger    *slog.Logger
}

func New(db *sql.DB, ds sdraft.DraftService, cs schange.ChangeService, es sentity.EntityService, validator Validator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		db:        db,
		drafts:    ds,
		changes:   cs,
		entities:  es,
		validator: validator,
		locks:     newKeyedMutex(),
		logger:    logger,
	}
}

// Transition moves one draft to the target status. Validation-gated moves
// return the fresh report in every outcome so callers can show findings;
// a blocked move returns the report together with ErrValidationBlocked.
func (e *Engine) Transition(ctx context.Context, draftID idwrap.IDWrap, target mdraft.DraftStatus) (*mdraft.Draft, *mvalidation.Report, error) {
	unlock := e.locks.lock(draftID.String())
	defer unlock()

	draft, err := e.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, nil, err
	}

	if !transitionAllowed(draft.Status, target) {
		stateErr := &StateError{Current: draft.Status, Requested: target}
		return nil, nil, errmap.New(errmap.CodeStateConflict, stateErr.Error(), stateErr)
	}

	var report *mvalidation.Report

	switch target {
	case mdraft.StatusValidated, mdraft.StatusSubmitted:
		report, err = e.validator.Validate(ctx, draft)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow: validate draft %s: %w", draftID.String(), err)
		}
		if report.HasErrors() {
			blocked := errmap.New(errmap.CodeStateConflict,
				fmt.Sprintf("workflow: %d error finding(s) block transition to %s", report.ErrorCount(), target),
				ErrValidationBlocked)
			return draft, report, blocked
		}
		now := dbtime.DBNow()
		if err := e.drafts.UpdateStatus(ctx, draftID, target, &now); err != nil {
			return nil, nil, err
		}

	case mdraft.StatusEditable:
		if err := e.drafts.UpdateStatus(ctx, draftID, target, nil); err != nil {
			return nil, nil, err
		}

	case mdraft.StatusMerged, mdraft.StatusRejected:
		if err := e.drafts.UpdateStatus(ctx, draftID, target, draft.ValidatedAt); err != nil {
			return nil, nil, err
		}
	}

	updated, err := e.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, nil, err
	}
	e.logger.InfoContext(ctx, "draft transition",
		slog.String("draft_id", draftID.String()),
		slog.String("from", draft.Status.String()),
		slog.String("to", target.String()),
	)
	return updated, report, nil
}

// PutChange structurally validates and stores one change, auto-reverting a
// validated draft in the same transaction. Later writes to the same entity
// amend the stored change in place.
func (e *Engine) PutChange(ctx context.Context, draftID idwrap.IDWrap, change mchange.Change) (*mdraft.Draft, error) {
	change.DraftID = draftID

	unlock := e.locks.lock(draftID.String())
	defer unlock()

	draft, err := e.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureEditable(draft); err != nil {
		return nil, err
	}
	if err := e.checkChange(ctx, change); err != nil {
		return nil, err
	}

	if err := e.writeAndMaybeRevert(ctx, draft, func(tx *sql.Tx) error {
		return e.changes.TX(tx).Upsert(ctx, change)
	}); err != nil {
		return nil, err
	}
	return e.drafts.Get(ctx, draftID)
}

// RemoveChange deletes one stored change, auto-reverting a validated draft
// in the same transaction. Removing a change that does not exist is not a
// successful removal and reverts nothing.
func (e *Engine) RemoveChange(ctx context.Context, draftID idwrap.IDWrap, ref mentity.Ref) (*mdraft.Draft, error) {
	unlock := e.locks.lock(draftID.String())
	defer unlock()

	draft, err := e.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureEditable(draft); err != nil {
		return nil, err
	}

	if err := e.writeAndMaybeRevert(ctx, draft, func(tx *sql.Tx) error {
		return e.changes.TX(tx).Delete(ctx, draftID, ref.Type, ref.Key)
	}); err != nil {
		return nil, err
	}
	return e.drafts.Get(ctx, draftID)
}

func (e *Engine) ensureEditable(draft *mdraft.Draft) error {
	switch draft.Status {
	case mdraft.StatusEditable, mdraft.StatusValidated:
		return nil
	}
	return errmap.New(errmap.CodeStateConflict,
		fmt.Sprintf("workflow: draft is %s and no longer accepts changes", draft.Status),
		ErrDraftFrozen)
}

// checkChange is the write-time structural gate: shape exclusivity, patch
// and body well-formedness, and target existence against canonical state.
// Nothing is persisted when any check refuses.
func (e *Engine) checkChange(ctx context.Context, change mchange.Change) error {
	if !mentity.ValidType(change.EntityType) {
		return errmap.New(errmap.CodeStructural,
			fmt.Sprintf("workflow: unknown entity type %d", int8(change.EntityType)), nil)
	}
	if change.EntityKey == "" {
		return errmap.New(errmap.CodeStructural, "workflow: change carries no entity key", nil)
	}
	if err := change.ValidateShape(); err != nil {
		return errmap.New(errmap.CodeStructural, err.Error(), err)
	}

	switch change.Kind {
	case mchange.ChangeKindCreate:
		if err := mchange.ValidateCreateBody(change.Body, change.EntityKey); err != nil {
			return errmap.New(errmap.CodeStructural, err.Error(), err)
		}
		exists, err := e.entities.Exists(ctx, change.EntityType, change.EntityKey)
		if err != nil {
			return err
		}
		if exists {
			return errmap.New(errmap.CodeStructural,
				fmt.Sprintf("workflow: %s already exists canonically; use an update", change.Ref()), nil)
		}

	case mchange.ChangeKindUpdate:
		if err := mchange.ValidatePatch(change.Patch); err != nil {
			return errmap.New(errmap.CodeStructural, err.Error(), err)
		}
		if err := e.requireCanonical(ctx, change); err != nil {
			return err
		}

	case mchange.ChangeKindDelete:
		if err := e.requireCanonical(ctx, change); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) requireCanonical(ctx context.Context, change mchange.Change) error {
	exists, err := e.entities.Exists(ctx, change.EntityType, change.EntityKey)
	if err != nil {
		return err
	}
	if !exists {
		return errmap.New(errmap.CodeStructural,
			fmt.Sprintf("workflow: %s does not exist canonically", change.Ref()), nil)
	}
	return nil
}

// writeAndMaybeRevert runs the change write and, when the draft sat at
// validated, the revert to editable inside one transaction. A failed write
// leaves the status untouched.
func (e *Engine) writeAndMaybeRevert(ctx context.Context, draft *mdraft.Draft, write func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workflow: begin change write: %w", err)
	}
	defer tx.Rollback()

	if err := write(tx); err != nil {
		return err
	}
	if draft.Status == mdraft.StatusValidated {
		if err := e.drafts.TX(tx).UpdateStatus(ctx, draft.ID, mdraft.StatusEditable, nil); err != nil {
			return err
		}
		e.logger.InfoContext(ctx, "validated draft auto-reverted to editable",
			slog.String("draft_id", draft.ID.String()),
		)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("workflow: commit change write: %w", err)
	}
	return nil
}
