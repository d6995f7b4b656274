// Package validation runs every check a draft must pass before it can be
// submitted: stored patches still apply, references resolve, inheritance
// stays acyclic, changes are classified against the policy, and effective
// documents conform to their schemas. Checks never abort each other; a
// draft that fails five ways gets five findings in one report.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/schemaforge/server/pkg/inherit"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mvalidation"
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/schemaspec"
	"github.com/schemaforge/server/pkg/service/sbaseline"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/service/sentity"
)

type Pipeline struct {
	overlay  *overlay.Resolver
	inherit  *inherit.Resolver
	entities sentity.EntityService
	changes  schange.ChangeService
	baseline sbaseline.BaselineService
	schemas  *schemaspec.Registry
	policy   *Policy
	logger   *slog.Logger
}

func New(
	ov *overlay.Resolver,
	inh *inherit.Resolver,
	es sentity.EntityService,
	cs schange.ChangeService,
	bs sbaseline.BaselineService,
	schemas *schemaspec.Registry,
	policy *Policy,
	logger *slog.Logger,
) *Pipeline {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		overlay:  ov,
		inherit:  inh,
		entities: es,
		changes:  cs,
		baseline: bs,
		schemas:  schemas,
		policy:   policy,
		logger:   logger,
	}
}

// Validate checks the draft against the current baseline and returns the
// full report. An error return means the pipeline itself could not run;
// problems with the draft are findings, not errors.
func (p *Pipeline) Validate(ctx context.Context, draft *mdraft.Draft) (*mvalidation.Report, error) {
	baseline, err := p.baseline.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("validation: read baseline: %w", err)
	}
	report := &mvalidation.Report{
		DraftID:  draft.ID.String(),
		Baseline: baseline.CommitSha,
	}

	effective, err := p.overlay.EffectiveAll(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("validation: resolve effective state: %w", err)
	}

	patchFindings(report, effective)

	idx := indexEffective(effective)
	for _, finding := range referenceFindings(effective, idx) {
		report.Add(finding)
	}
	for _, finding := range cycleFindings(effective) {
		report.Add(finding)
	}

	bump := mvalidation.BumpNone
	for _, eff := range effective {
		if eff.Status == overlay.StatusUnchanged {
			continue
		}
		events, err := p.breakingEvents(ctx, eff)
		if err != nil {
			return nil, err
		}
		for _, event := range events {
			finding, eventBump, matched := p.policy.Apply(event)
			if !matched {
				continue
			}
			report.Add(finding)
			bump = mvalidation.MaxBump(bump, eventBump)
		}
	}

	p.schemaFindings(report, effective)

	changeCount, err := p.changes.CountByDraft(ctx, draft.ID)
	if err != nil {
		return nil, fmt.Errorf("validation: count changes: %w", err)
	}
	if changeCount > 0 {
		bump = mvalidation.MaxBump(bump, mvalidation.BumpPatch)
	}
	report.SuggestedBump = bump

	sortFindings(report.Findings)

	p.logger.InfoContext(ctx, "draft validated",
		slog.String("draft_id", draft.ID.String()),
		slog.Int("findings", len(report.Findings)),
		slog.Int("errors", report.ErrorCount()),
		slog.String("suggested_bump", report.SuggestedBump.String()),
	)
	return report, nil
}

// patchFindings reports changes the overlay could not apply. The entity
// still appears in its canonical form downstream, so the later steps keep
// something real to check.
func patchFindings(report *mvalidation.Report, effective []overlay.Effective) {
	for _, eff := range effective {
		if eff.PatchError == "" {
			continue
		}
		if eff.Doc == nil {
			report.Add(mvalidation.Finding{
				EntityType: eff.Ref.Type,
				EntityKey:  eff.Ref.Key,
				Code:       mvalidation.CodeTargetMissing,
				Message:    fmt.Sprintf("update targets %s, which is not in the canonical state", eff.Ref),
				Severity:   mvalidation.SeverityError,
			})
			continue
		}
		report.Add(mvalidation.Finding{
			EntityType: eff.Ref.Type,
			EntityKey:  eff.Ref.Key,
			Code:       mvalidation.CodePatchFailed,
			Message:    fmt.Sprintf("stored patch no longer applies: %s", eff.PatchError),
			Severity:   mvalidation.SeverityError,
		})
	}
}

func (p *Pipeline) schemaFindings(report *mvalidation.Report, effective []overlay.Effective) {
	for _, eff := range effective {
		if eff.Doc == nil {
			continue
		}
		if eff.Status != overlay.StatusAdded && eff.Status != overlay.StatusModified {
			continue
		}
		for _, violation := range p.schemas.Check(eff.Ref.Type, eff.Doc) {
			report.Add(mvalidation.Finding{
				EntityType: eff.Ref.Type,
				EntityKey:  eff.Ref.Key,
				FieldPath:  violation.FieldPath,
				Code:       mvalidation.CodeSchemaViolation,
				Message:    violation.Message,
				Severity:   mvalidation.SeverityError,
			})
		}
	}
}

func sortFindings(findings []mvalidation.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		if a.EntityKey != b.EntityKey {
			return a.EntityKey < b.EntityKey
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.FieldPath < b.FieldPath
	})
}
