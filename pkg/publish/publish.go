// Package publish turns a draft into the artifacts the pull-request
// integration consumes: the effective documents as file-level changes, and
// a human-readable summary of what the draft does.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/model/mvalidation"
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/service/sbaseline"
	"github.com/schemaforge/server/pkg/service/schange"
	"github.com/schemaforge/server/pkg/validation"
)

// File is one file-level change in the published bundle. Deleted files
// carry no content.
type File struct {
	Path    string          `json:"path"`
	Content json.RawMessage `json:"content,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// maxSummaryFindings caps the per-finding lines in a rendered summary so a
// noisy draft cannot flood a pull-request body.
const maxSummaryFindings = 10

var dirNames = map[mentity.EntityType]string{
	mentity.EntityTypeCategory:  "categories",
	mentity.EntityTypeProperty:  "properties",
	mentity.EntityTypeSubobject: "subobjects",
	mentity.EntityTypeModule:    "modules",
	mentity.EntityTypeBundle:    "bundles",
	mentity.EntityTypeTemplate:  "templates",
}

func pathFor(ref mentity.Ref) string {
	dir, ok := dirNames[ref.Type]
	if !ok {
		dir = ref.Type.String() + "s"
	}
	return dir + "/" + ref.Key + ".json"
}

type Builder struct {
	overlay  *overlay.Resolver
	changes  schange.ChangeService
	baseline sbaseline.BaselineService
	pipeline *validation.Pipeline
	logger   *slog.Logger
}

func New(
	ov *overlay.Resolver,
	cs schange.ChangeService,
	bs sbaseline.BaselineService,
	pipeline *validation.Pipeline,
	logger *slog.Logger,
) *Builder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{
		overlay:  ov,
		changes:  cs,
		baseline: bs,
		pipeline: pipeline,
		logger:   logger,
	}
}

// BuildEffectiveDocuments renders every draft-touched entity as a file
// change, sorted by path. Changes that do not resolve cleanly make the
// build fail; the caller is expected to publish only validated drafts.
func (b *Builder) BuildEffectiveDocuments(ctx context.Context, draft *mdraft.Draft) ([]File, error) {
	changes, err := b.changes.ListByDraft(ctx, draft.ID)
	if err != nil {
		return nil, fmt.Errorf("publish: list changes: %w", err)
	}

	files := make([]File, 0, len(changes))
	for _, change := range changes {
		eff, err := b.overlay.Effective(ctx, draft, change.Ref())
		if errors.Is(err, overlay.ErrNotFound) {
			return nil, fmt.Errorf("publish: %s targets a missing entity; validate the draft first", change.Ref())
		}
		if err != nil {
			return nil, fmt.Errorf("publish: resolve %s: %w", change.Ref(), err)
		}
		if eff.PatchError != "" {
			return nil, fmt.Errorf("publish: change for %s does not apply cleanly: %s", change.Ref(), eff.PatchError)
		}

		if eff.Deleted() {
			files = append(files, File{Path: pathFor(change.Ref()), Deleted: true})
			continue
		}
		content, err := json.MarshalIndent(map[string]any(eff.Doc), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("publish: render %s: %w", change.Ref(), err)
		}
		files = append(files, File{Path: pathFor(change.Ref()), Content: append(content, '\n')})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	b.logger.InfoContext(ctx, "effective documents built",
		slog.String("draft_id", draft.ID.String()),
		slog.Int("files", len(files)),
	)
	return files, nil
}

// EntityLine is one per-entity row of the summary.
type EntityLine struct {
	Action string `json:"action"`
	Ref    string `json:"ref"`
}

// Summary is the per-draft digest handed to the PR integration.
type Summary struct {
	DraftID       string                  `json:"draft_id"`
	Title         string                  `json:"title,omitempty"`
	Baseline      string                  `json:"baseline"`
	Creates       int                     `json:"creates"`
	Updates       int                     `json:"updates"`
	Deletes       int                     `json:"deletes"`
	Entities      []EntityLine            `json:"entities"`
	Errors        int                     `json:"errors"`
	Warnings      int                     `json:"warnings"`
	Infos         int                     `json:"infos"`
	TopFindings   []mvalidation.Finding   `json:"top_findings,omitempty"`
	SuggestedBump mvalidation.VersionBump `json:"suggested_version_bump"`
}

// SummaryReport validates the draft and condenses changes and findings
// into a summary.
func (b *Builder) SummaryReport(ctx context.Context, draft *mdraft.Draft) (*Summary, error) {
	baseline, err := b.baseline.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("publish: read baseline: %w", err)
	}
	changes, err := b.changes.ListByDraft(ctx, draft.ID)
	if err != nil {
		return nil, fmt.Errorf("publish: list changes: %w", err)
	}
	report, err := b.pipeline.Validate(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("publish: validate: %w", err)
	}

	summary := &Summary{
		DraftID:       draft.ID.String(),
		Title:         draft.Title,
		Baseline:      baseline.CommitSha,
		SuggestedBump: report.SuggestedBump,
	}
	for _, change := range changes {
		switch change.Kind {
		case mchange.ChangeKindCreate:
			summary.Creates++
		case mchange.ChangeKindUpdate:
			summary.Updates++
		case mchange.ChangeKindDelete:
			summary.Deletes++
		}
		summary.Entities = append(summary.Entities, EntityLine{
			Action: change.Kind.String(),
			Ref:    change.Ref().String(),
		})
	}
	sort.Slice(summary.Entities, func(i, j int) bool {
		return summary.Entities[i].Ref < summary.Entities[j].Ref
	})

	counts := report.CountBySeverity()
	summary.Errors = counts[mvalidation.SeverityError]
	summary.Warnings = counts[mvalidation.SeverityWarning]
	summary.Infos = counts[mvalidation.SeverityInfo]
	for _, finding := range report.Findings {
		if finding.Severity == mvalidation.SeverityInfo {
			continue
		}
		summary.TopFindings = append(summary.TopFindings, finding)
		if len(summary.TopFindings) == maxSummaryFindings {
			break
		}
	}
	return summary, nil
}

// Render produces the markdown block the PR integration pastes verbatim.
func (s *Summary) Render() string {
	var sb strings.Builder

	title := s.Title
	if title == "" {
		title = "untitled draft"
	}
	fmt.Fprintf(&sb, "## %s (`%s`)\n\n", title, s.DraftID)
	fmt.Fprintf(&sb, "Baseline `%s`, suggested version bump **%s**.\n\n", s.Baseline, s.SuggestedBump)
	fmt.Fprintf(&sb, "%d changes: %d created, %d updated, %d deleted.\n\n",
		s.Creates+s.Updates+s.Deletes, s.Creates, s.Updates, s.Deletes)

	for _, line := range s.Entities {
		fmt.Fprintf(&sb, "- %s `%s`\n", line.Action, line.Ref)
	}
	if len(s.Entities) > 0 {
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Findings: %d errors, %d warnings, %d infos.\n", s.Errors, s.Warnings, s.Infos)
	for _, finding := range s.TopFindings {
		fmt.Fprintf(&sb, "- [%s] `%s:%s` %s\n", finding.Severity, finding.EntityType, finding.EntityKey, finding.Message)
	}
	return sb.String()
}
