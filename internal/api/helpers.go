package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/errmap"
	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/service/sdraft"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(r *http.Request, w http.ResponseWriter, err error) {
	mapped := errmap.Map(err)
	status := errmap.HTTPStatus(mapped)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errmap.ToJSON(mapped))
}

func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return errmap.New(errmap.CodeStructural, fmt.Sprintf("api: malformed request body: %v", err), err)
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// withDraft authenticates the capability token against the draft named in
// the path and hands the loaded draft to the wrapped handler.
func (s *Server) withDraft(handler func(http.ResponseWriter, *http.Request, *mdraft.Draft)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		draft, err := s.authDraft(r)
		if err != nil {
			s.writeError(r, w, err)
			return
		}
		handler(w, r, draft)
	}
}

func (s *Server) authDraft(r *http.Request) (*mdraft.Draft, error) {
	rawID := r.PathValue("draftID")
	id, err := idwrap.NewText(rawID)
	if err != nil {
		return nil, errmap.New(errmap.CodeNotFound, fmt.Sprintf("api: unknown draft %q", rawID), err)
	}

	token, ok := bearerToken(r)
	if !ok {
		return nil, errmap.New(errmap.CodeUnauthorized, "api: missing bearer token", nil)
	}
	tokenID, err := VerifyToken(s.deps.Secret, token)
	if err != nil {
		return nil, errmap.New(errmap.CodeUnauthorized, "api: invalid capability token", err)
	}
	if tokenID.Compare(id) != 0 {
		return nil, errmap.New(errmap.CodeUnauthorized, "api: token is scoped to a different draft", nil)
	}

	draft, err := s.deps.Drafts.Get(r.Context(), id)
	if errors.Is(err, sdraft.ErrNoDraftFound) {
		return nil, errmap.New(errmap.CodeNotFound, fmt.Sprintf("api: unknown draft %q", rawID), err)
	}
	if err != nil {
		return nil, err
	}
	if !digestsEqual(TokenDigest(token), draft.TokenDigest) {
		return nil, errmap.New(errmap.CodeUnauthorized, "api: capability token does not match this draft", nil)
	}
	return draft, nil
}

func pathEntityType(r *http.Request) (mentity.EntityType, error) {
	raw := r.PathValue("type")
	entityType, err := mentity.ParseEntityType(raw)
	if err != nil {
		return 0, errmap.New(errmap.CodeStructural, fmt.Sprintf("api: unknown entity type %q", raw), err)
	}
	return entityType, nil
}

type draftPayload struct {
	ID              string              `json:"id"`
	Title           string              `json:"title,omitempty"`
	Note            string              `json:"note,omitempty"`
	Status          mdraft.DraftStatus  `json:"status"`
	BaseCommitSha   string              `json:"base_commit_sha"`
	RebaseCommitSha string              `json:"rebase_commit_sha,omitempty"`
	RebaseStatus    mdraft.RebaseStatus `json:"rebase_status"`
	Created         time.Time           `json:"created"`
	Updated         time.Time           `json:"updated"`
	ValidatedAt     *time.Time          `json:"validated_at,omitempty"`
}

func toDraftPayload(draft *mdraft.Draft) draftPayload {
	return draftPayload{
		ID:              draft.ID.String(),
		Title:           draft.Title,
		Note:            draft.Note,
		Status:          draft.Status,
		BaseCommitSha:   draft.BaseCommitSha,
		RebaseCommitSha: draft.RebaseCommitSha,
		RebaseStatus:    draft.RebaseStatus,
		Created:         draft.Created,
		Updated:         draft.Updated,
		ValidatedAt:     draft.ValidatedAt,
	}
}
