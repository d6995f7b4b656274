package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/errmap"
	"github.com/schemaforge/server/pkg/inherit"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mdraft"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/overlay"
)

type changePayload struct {
	EntityType mentity.EntityType `json:"entity_type"`
	EntityKey  string             `json:"entity_key"`
	ChangeType string             `json:"change_type"`
	Patch      json.RawMessage    `json:"patch,omitempty"`
	Body       jsondoc.Doc        `json:"body,omitempty"`
	Created    time.Time          `json:"created"`
	Updated    time.Time          `json:"updated"`
}

func toChangePayload(change mchange.Change) changePayload {
	return changePayload{
		EntityType: change.EntityType,
		EntityKey:  change.EntityKey,
		ChangeType: change.Kind.String(),
		Patch:      json.RawMessage(change.Patch),
		Body:       change.Body,
		Created:    change.Created,
		Updated:    change.Updated,
	}
}

func (s *Server) handleChangeList(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	changes, err := s.deps.Changes.ListByDraft(r.Context(), draft.ID)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	payload := make([]changePayload, 0, len(changes))
	for _, change := range changes {
		payload = append(payload, toChangePayload(change))
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": payload})
}

type changePutRequest struct {
	ChangeType string          `json:"change_type"`
	Patch      json.RawMessage `json:"patch,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

func (s *Server) handleChangePut(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	entityType, err := pathEntityType(r)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	key := r.PathValue("key")

	var req changePutRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(r, w, err)
		return
	}
	kind, err := mchange.ParseKind(req.ChangeType)
	if err != nil {
		s.writeError(r, w, errmap.New(errmap.CodeStructural,
			fmt.Sprintf("api: unknown change type %q", req.ChangeType), err))
		return
	}

	change := mchange.Change{
		EntityType: entityType,
		EntityKey:  key,
		Kind:       kind,
		Patch:      req.Patch,
	}
	if len(req.Body) > 0 {
		body, err := jsondoc.Parse(req.Body)
		if err != nil {
			s.writeError(r, w, errmap.New(errmap.CodeStructural,
				"api: change body is not a JSON object", err))
			return
		}
		change.Body = body
	}

	updated, err := s.deps.Workflow.PutChange(r.Context(), draft.ID, change)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	stored, err := s.deps.Changes.Get(r.Context(), draft.ID, entityType, key)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"draft":  toDraftPayload(updated),
		"change": toChangePayload(*stored),
	})
}

func (s *Server) handleChangeRemove(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	entityType, err := pathEntityType(r)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	ref := mentity.Ref{Type: entityType, Key: r.PathValue("key")}

	updated, err := s.deps.Workflow.RemoveChange(r.Context(), draft.ID, ref)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draft": toDraftPayload(updated)})
}

type effectivePayload struct {
	Type         mentity.EntityType `json:"type"`
	Key          string             `json:"key"`
	Doc          jsondoc.Doc        `json:"doc,omitempty"`
	ChangeStatus string             `json:"change_status"`
	PatchError   string             `json:"patch_error,omitempty"`
}

func (s *Server) handleEffectiveGet(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	entityType, err := pathEntityType(r)
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	ref := mentity.Ref{Type: entityType, Key: r.PathValue("key")}

	eff, err := s.deps.Overlay.Effective(r.Context(), draft, ref)
	if errors.Is(err, overlay.ErrNotFound) {
		s.writeError(r, w, errmap.New(errmap.CodeNotFound,
			fmt.Sprintf("api: no entity %s", ref), err))
		return
	}
	if err != nil {
		s.writeError(r, w, err)
		return
	}

	writeJSON(w, http.StatusOK, effectivePayload{
		Type:         eff.Ref.Type,
		Key:          eff.Ref.Key,
		Doc:          eff.Doc,
		ChangeStatus: eff.Status.String(),
		PatchError:   eff.PatchError,
	})
}

func (s *Server) handleInheritedGet(w http.ResponseWriter, r *http.Request, draft *mdraft.Draft) {
	ref := mentity.Ref{Type: mentity.EntityTypeCategory, Key: r.PathValue("key")}

	props, err := s.deps.Inherit.Properties(r.Context(), draft, ref)
	if errors.Is(err, overlay.ErrNotFound) {
		s.writeError(r, w, errmap.New(errmap.CodeNotFound,
			fmt.Sprintf("api: no category %q", ref.Key), err))
		return
	}
	if err != nil {
		s.writeError(r, w, err)
		return
	}
	if props == nil {
		props = []inherit.InheritedProperty{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"category":   ref.Key,
		"properties": props,
	})
}
