package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/contenthash"
	"github.com/schemaforge/server/pkg/errmap"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/rebase"
	"github.com/schemaforge/server/pkg/service/sbaseline"
)

// Snapshots carry the whole canonical state, so they get a far bigger
// body allowance than ordinary requests.
const maxSnapshotBytes = 64 << 20

type baselinePayload struct {
	CommitSha   string    `json:"commit_sha"`
	ContentHash string    `json:"content_hash"`
	Updated     time.Time `json:"updated"`
}

func toBaselinePayload(b sbaseline.Baseline) baselinePayload {
	return baselinePayload{CommitSha: b.CommitSha, ContentHash: b.ContentHash, Updated: b.Updated}
}

func (s *Server) handleBaselineGet(w http.ResponseWriter, r *http.Request) {
	baseline, err := s.deps.Baseline.Get(r.Context())
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"baseline": toBaselinePayload(baseline)})
}

func (s *Server) handleEntityList(w http.ResponseWriter, r *http.Request) {
	entityType, err := pathEntityType(r)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	labels, err := s.deps.Entities.ListLabels(r.Context(), entityType)
	if err != nil {
		s.writeError(r, w, err)
		return
	}

	type entry struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	}
	entries := make([]entry, 0, len(labels))
	for key, label := range labels {
		entries = append(entries, entry{Key: key, Label: label})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	writeJSON(w, http.StatusOK, map[string]any{
		"type":     entityType,
		"entities": entries,
	})
}

func (s *Server) handleEntityGet(w http.ResponseWriter, r *http.Request) {
	entityType, err := pathEntityType(r)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	entity, err := s.deps.Entities.Get(r.Context(), entityType, r.PathValue("key"))
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":         entity.Type,
		"key":          entity.Key,
		"label":        entity.Label,
		"doc":          entity.Doc,
		"content_hash": entity.ContentHash,
		"updated":      entity.Updated,
	})
}

type snapshotEntity struct {
	Type mentity.EntityType `json:"type"`
	Key  string             `json:"key"`
	Doc  json.RawMessage    `json:"doc"`
}

type snapshotRequest struct {
	OldBaseline string           `json:"old_baseline"`
	NewBaseline string           `json:"new_baseline"`
	Entities    []snapshotEntity `json:"entities"`
}

// handleIngestSnapshot replaces the whole canonical state in one
// transaction. The caller names the baseline it exported from; if that
// no longer matches the stored baseline another snapshot won, and the
// caller must re-export instead of clobbering it.
func (s *Server) handleIngestSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req snapshotRequest
	r.Body = http.MaxBytesReader(nil, r.Body, maxSnapshotBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(r, w, errmap.New(errmap.CodeStructural, "api: malformed snapshot body", err))
		return
	}
	if req.NewBaseline == "" {
		s.writeError(r, w, errmap.New(errmap.CodeStructural, "api: snapshot carries no new_baseline", nil))
		return
	}

	current, err := s.deps.Baseline.Get(ctx)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if req.OldBaseline != current.CommitSha {
		s.writeError(r, w, errmap.New(errmap.CodeBaselineMismatch,
			fmt.Sprintf("api: snapshot exported from %q but canonical baseline is %q", req.OldBaseline, current.CommitSha), nil))
		return
	}

	parsed := make([]mentity.Entity, 0, len(req.Entities))
	for _, se := range req.Entities {
		if se.Key == "" {
			s.writeError(r, w, errmap.New(errmap.CodeStructural, "api: snapshot entity without a key", nil))
			return
		}
		doc, err := jsondoc.Parse(se.Doc)
		if err != nil {
			s.writeError(r, w, errmap.New(errmap.CodeStructural,
				fmt.Sprintf("api: snapshot document for %s:%s is not a JSON object", se.Type, se.Key), err))
			return
		}
		parsed = append(parsed, mentity.Entity{Type: se.Type, Key: se.Key, Doc: doc})
	}

	tx, err := s.deps.DB.BeginTx(ctx, nil)
	if err != nil {
		s.writeError(r, w, fmt.Errorf("api: begin snapshot tx: %w", err))
		return
	}
	defer tx.Rollback()

	entities := s.deps.Entities.TX(tx)
	if err := entities.DeleteAll(ctx); err != nil {
		s.writeError(r, w, err)
		return
	}
	for _, entity := range parsed {
		if err := entities.Upsert(ctx, entity); err != nil {
			s.writeError(r, w, err)
			return
		}
	}
	hashes, err := entities.ContentHashes(ctx)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if err := s.deps.Baseline.TX(tx).Set(ctx, req.NewBaseline, contenthash.Combine(hashes)); err != nil {
		s.writeError(r, w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeError(r, w, fmt.Errorf("api: commit snapshot tx: %w", err))
		return
	}

	results, err := s.deps.Rebase.Run(ctx, current.CommitSha, req.NewBaseline)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if results == nil {
		results = []rebase.Result{}
	}

	baseline, err := s.deps.Baseline.Get(ctx)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	s.logger.InfoContext(ctx, "snapshot ingested",
		slog.String("old_baseline", current.CommitSha),
		slog.String("new_baseline", req.NewBaseline),
		slog.Int("entities", len(parsed)),
		slog.Int("rebased_drafts", len(results)),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"baseline": toBaselinePayload(baseline),
		"rebase":   results,
	})
}
