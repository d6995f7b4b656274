package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/schemaforge/server/pkg/errmap"
	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/patch"
	"github.com/schemaforge/server/pkg/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type draftCreateRequest struct {
	Title string `json:"title"`
	Note  string `json:"note"`
}

func (s *Server) handleDraftCreate(w http.ResponseWriter, r *http.Request) {
	var req draftCreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(r, w, err)
		return
	}

	baseline, err := s.deps.Baseline.Get(r.Context())
	if err != nil {
		s.writeError(r, w, err)
		return
	}

	id := idwrap.NewNow()
	token, err := IssueToken(s.deps.Secret, id, s.deps.TokenTTL)
	if err != nil {
		s.writeError(r, w, err)
		return
	}

	err = s.deps.Drafts.Create(r.Context(), mdraft.Draft{
		ID:            id,
		Title:         req.Title,
		Note:          req.Note,
		TokenDigest:   TokenDigest(token),
		BaseCommitSha: baseline.CommitSha,
	})
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	draft, err := s.deps.Drafts.Get(r.Context(), id)
	if err != nil {
		s.writeError(r, w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"draft": toDraftPayload(draft),
		"token": token,
	})
}

func (s *Server) handleDraftGet(w http.ResponseWriter, _ *http.Request, draft *mdraft.Draft) {
	writeJSON(w, http.StatusOK, map[string]any{"draft": toDraftPayload(draft)})
}

type draftPatchRequest struct {
	Title *string `json:"title"`
	Note  *string `json:"note"`
}

func (s *Server) handleDraftPatch(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	if draft.Status.Terminal() {
		s.writeError(r, w, errmap.New(errmap.CodeStateConflict,
			fmt.Sprintf("api: draft is %s and accepts reads only", draft.Status), nil))
		return
	}

	var req draftPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(r, w, err)
		return
	}

	p := patch.DraftPatch{}
	if req.Title != nil {
		p.Title = patch.NewOptional(*req.Title)
	}
	if req.Note != nil {
		p.Note = patch.NewOptional(*req.Note)
	}
	if !p.HasChanges() {
		s.writeError(r, w, errmap.New(errmap.CodeStructural, "api: patch carries no fields", nil))
		return
	}

	updated := *draft
	updated.Title = p.Title.ValueOr(draft.Title)
	updated.Note = p.Note.ValueOr(draft.Note)
	if err := s.deps.Drafts.Update(r.Context(), updated); err != nil {
		s.writeError(r, w, err)
		return
	}

	reloaded, err := s.deps.Drafts.Get(r.Context(), draft.ID)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": toDraftPayload(reloaded)})
}

func (s *Server) handleDraftDiscard(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	if draft.Status.Terminal() {
		s.writeError(r, w, errmap.New(errmap.CodeStateConflict,
			fmt.Sprintf("api: draft is %s and cannot be discarded", draft.Status), nil))
		return
	}

	tx, err := s.deps.DB.BeginTx(r.Context(), nil)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	defer tx.Rollback()

	if err := s.deps.Changes.TX(tx).DeleteByDraft(r.Context(), draft.ID); err != nil {
		s.writeError(r, w, err)
		return
	}
	if err := s.deps.Drafts.TX(tx).Delete(r.Context(), draft.ID); err != nil {
		s.writeError(r, w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.writeError(r, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	Target string `json:"target"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(r, w, err)
		return
	}
	target, err := mdraft.ParseStatus(req.Target)
	if err != nil {
		s.writeError(r, w, errmap.New(errmap.CodeStructural,
			fmt.Sprintf("api: unknown target status %q", req.Target), err))
		return
	}

	updated, report, err := s.deps.Workflow.Transition(r.Context(), draft.ID, target)
	if errors.Is(err, workflow.ErrValidationBlocked) {
		// A blocked transition still hands the caller the full report;
		// findings are data, not an opaque failure.
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":    errmap.CodeStateConflict,
			"message": err.Error(),
			"draft":   toDraftPayload(updated),
			"report":  report,
		})
		return
	}
	if err != nil {
		s.writeError(r, w, err)
		return
	}

	resp := map[string]any{"draft": toDraftPayload(updated)}
	if report != nil {
		resp["report"] = report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	report, err := s.deps.Validator.Validate(r.Context(), draft)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (s *Server) handlePublishFiles(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	files, err := s.deps.Publisher.BuildEffectiveDocuments(r.Context(), draft)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handlePublishSummary(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	summary, err := s.deps.Publisher.SummaryReport(r.Context(), draft)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary":  summary,
		"rendered": summary.Render(),
	})
}
