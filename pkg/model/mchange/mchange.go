package mchange

import (
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mentity"
)

// ChangeKind discriminates the three delta shapes. Values are persisted,
// so never renumber.
type ChangeKind int8

const (
	ChangeKindCreate ChangeKind = iota + 1
	ChangeKindUpdate
	ChangeKindDelete
)

var kindNames = map[ChangeKind]string{
	ChangeKindCreate: "create",
	ChangeKindUpdate: "update",
	ChangeKindDelete: "delete",
}

func (k ChangeKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("change_kind(%d)", int8(k))
}

func ParseKind(s string) (ChangeKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("mchange: unknown change kind %q", s)
}

// Change is one delta owned by exactly one draft, addressing one entity.
// At most one Change exists per (draft, entity type, entity key); later
// edits amend it in place.
type Change struct {
	DraftID    idwrap.IDWrap
	EntityType mentity.EntityType
	EntityKey  string
	Kind       ChangeKind

	// Patch is the raw RFC 6902 operation list. Set only for update.
	Patch []byte
	// Body is the full replacement document. Set only for create.
	Body jsondoc.Doc

	Created time.Time
	Updated time.Time
}

func (c Change) Ref() mentity.Ref {
	return mentity.Ref{Type: c.EntityType, Key: c.EntityKey}
}

// ValidateShape enforces shape-kind exclusivity: a create carries a body
// and no patch, an update carries a patch and no body, a delete carries
// neither.
func (c Change) ValidateShape() error {
	switch c.Kind {
	case ChangeKindCreate:
		if c.Body == nil {
			return fmt.Errorf("mchange: create for %s carries no body", c.Ref())
		}
		if len(c.Patch) > 0 {
			return fmt.Errorf("mchange: create for %s must not carry a patch", c.Ref())
		}
	case ChangeKindUpdate:
		if len(c.Patch) == 0 {
			return fmt.Errorf("mchange: update for %s carries no patch", c.Ref())
		}
		if c.Body != nil {
			return fmt.Errorf("mchange: update for %s must not carry a body", c.Ref())
		}
	case ChangeKindDelete:
		if c.Body != nil || len(c.Patch) > 0 {
			return fmt.Errorf("mchange: delete for %s must carry neither body nor patch", c.Ref())
		}
	default:
		return fmt.Errorf("mchange: unknown change kind %d", c.Kind)
	}
	return nil
}

var allowedOps = map[string]bool{
	"add":     true,
	"remove":  true,
	"replace": true,
	"move":    true,
	"copy":    true,
	"test":    true,
}

var opsNeedingValue = map[string]bool{
	"add":     true,
	"replace": true,
	"test":    true,
}

var opsNeedingFrom = map[string]bool{
	"move": true,
	"copy": true,
}

// ValidatePatch structurally checks a raw RFC 6902 operation list: a
// non-empty JSON array whose members carry a recognized "op", a "path",
// "from" for move/copy, and "value" for add/replace/test. A null value is
// legal; a missing value key is not.
func ValidatePatch(raw []byte) error {
	var ops []map[string]any
	if err := json.Unmarshal(raw, &ops); err != nil {
		return fmt.Errorf("mchange: patch is not an operation array: %w", err)
	}
	if len(ops) == 0 {
		return fmt.Errorf("mchange: patch carries no operations")
	}
	for i, op := range ops {
		name, ok := op["op"].(string)
		if !ok {
			return fmt.Errorf("mchange: operation %d is missing op", i)
		}
		if !allowedOps[name] {
			return fmt.Errorf("mchange: operation %d has unrecognized op %q", i, name)
		}
		if _, ok := op["path"].(string); !ok {
			return fmt.Errorf("mchange: operation %d (%s) is missing path", i, name)
		}
		if opsNeedingFrom[name] {
			if _, ok := op["from"].(string); !ok {
				return fmt.Errorf("mchange: operation %d (%s) is missing from", i, name)
			}
		}
		if opsNeedingValue[name] {
			if _, ok := op["value"]; !ok {
				return fmt.Errorf("mchange: operation %d (%s) is missing value", i, name)
			}
		}
	}
	// The same parser that applies patches must accept it too.
	if _, err := jsonpatch.DecodePatch(raw); err != nil {
		return fmt.Errorf("mchange: patch rejected by decoder: %w", err)
	}
	return nil
}

// ValidateCreateBody checks the replacement-document floor: a JSON object
// carrying a stable identifier matching the change's entity key and a
// display label.
func ValidateCreateBody(body jsondoc.Doc, entityKey string) error {
	if body == nil {
		return fmt.Errorf("mchange: replacement body is not a JSON object")
	}
	key, ok := body.StringAt(mentity.FieldKey)
	if !ok || key == "" {
		return fmt.Errorf("mchange: replacement body is missing %q", mentity.FieldKey)
	}
	if key != entityKey {
		return fmt.Errorf("mchange: replacement body key %q does not match entity key %q", key, entityKey)
	}
	label, ok := body.StringAt(mentity.FieldLabel)
	if !ok || label == "" {
		return fmt.Errorf("mchange: replacement body is missing %q", mentity.FieldLabel)
	}
	return nil
}

// TouchesField reports whether applying this change can alter the named
// top-level document field. A create replaces the whole document; a delete
// alters nothing it would leave behind; an update touches the field when
// any operation path or from lands on it or below it.
func (c Change) TouchesField(field string) bool {
	switch c.Kind {
	case ChangeKindCreate:
		return true
	case ChangeKindUpdate:
		var ops []map[string]any
		if err := json.Unmarshal(c.Patch, &ops); err != nil {
			return false
		}
		prefix := "/" + field
		for _, op := range ops {
			if path, ok := op["path"].(string); ok && pointerTouches(path, prefix) {
				return true
			}
			if from, ok := op["from"].(string); ok && pointerTouches(from, prefix) {
				return true
			}
		}
	}
	return false
}

func pointerTouches(pointer, prefix string) bool {
	if pointer == prefix {
		return true
	}
	return len(pointer) > len(prefix) && pointer[:len(prefix)] == prefix && pointer[len(prefix)] == '/'
}
