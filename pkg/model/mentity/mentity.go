package mentity

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/jsondoc"
)

// EntityType enumerates the canonical record kinds. Values are persisted,
// so never renumber.
type EntityType int8

const (
	EntityTypeUnknown EntityType = iota
	EntityTypeCategory
	EntityTypeProperty
	EntityTypeSubobject
	EntityTypeModule
	EntityTypeBundle
	EntityTypeTemplate
)

// Types lists every concrete entity type in scan order.
var Types = []EntityType{
	EntityTypeCategory,
	EntityTypeProperty,
	EntityTypeSubobject,
	EntityTypeModule,
	EntityTypeBundle,
	EntityTypeTemplate,
}

var typeNames = map[EntityType]string{
	EntityTypeCategory:  "category",
	EntityTypeProperty:  "property",
	EntityTypeSubobject: "subobject",
	EntityTypeModule:    "module",
	EntityTypeBundle:    "bundle",
	EntityTypeTemplate:  "template",
}

func (t EntityType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("entity_type(%d)", int8(t))
}

func ParseEntityType(s string) (EntityType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return EntityTypeUnknown, fmt.Errorf("mentity: unknown entity type %q", s)
}

// ValidType reports whether t is one of the persisted concrete types.
func ValidType(t EntityType) bool {
	_, ok := typeNames[t]
	return ok
}

func (t EntityType) MarshalJSON() ([]byte, error) {
	if name, ok := typeNames[t]; ok {
		return json.Marshal(name)
	}
	return nil, fmt.Errorf("mentity: cannot encode entity type %d", int8(t))
}

func (t *EntityType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseEntityType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Ref addresses one canonical entity.
type Ref struct {
	Type EntityType `json:"type"`
	Key  string     `json:"key"`
}

func (r Ref) String() string {
	return r.Type.String() + ":" + r.Key
}

// ParseRef parses the "type:key" form used by membership references inside
// module and bundle documents.
func ParseRef(s string) (Ref, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			t, err := ParseEntityType(s[:i])
			if err != nil {
				return Ref{}, err
			}
			if i+1 == len(s) {
				return Ref{}, fmt.Errorf("mentity: reference %q has empty key", s)
			}
			return Ref{Type: t, Key: s[i+1:]}, nil
		}
	}
	return Ref{}, fmt.Errorf("mentity: reference %q is not of the form type:key", s)
}

// Well-known document fields. Documents are schema-less JSON; these are the
// fields this core reads structurally.
const (
	FieldKey         = "key"
	FieldLabel       = "label"
	FieldDescription = "description"
	FieldVersion     = "version"

	// category and subobject
	FieldParents    = "parent_categories"
	FieldProperties = "properties"

	// property
	FieldDatatype      = "datatype"
	FieldAllowedValues = "allowed_values"

	// module and bundle
	FieldMembers = "members"
	FieldModules = "modules"

	// template
	FieldCategory = "category"
)

// Entity is one canonical record at the current baseline. Mutated only by
// the ingest pipeline, never by drafts.
type Entity struct {
	Type        EntityType
	Key         string
	Label       string
	Doc         jsondoc.Doc
	ContentHash string
	Updated     time.Time
}

func (e Entity) Ref() Ref {
	return Ref{Type: e.Type, Key: e.Key}
}

// PropertyDecl is one property declaration inside a category or subobject
// document's "properties" array.
type PropertyDecl struct {
	Property string
	Required bool
}

// PropertyDecls decodes the "properties" array of a category or subobject
// document. Entries are objects {"property": key, "required": bool}; a bare
// string entry is an optional property.
func PropertyDecls(doc jsondoc.Doc) []PropertyDecl {
	raw, ok := doc.Value(FieldProperties)
	if !ok {
		return nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]PropertyDecl, 0, len(arr))
	for _, el := range arr {
		switch v := el.(type) {
		case string:
			out = append(out, PropertyDecl{Property: v})
		case map[string]any:
			key, _ := v["property"].(string)
			if key == "" {
				continue
			}
			required, _ := v["required"].(bool)
			out = append(out, PropertyDecl{Property: key, Required: required})
		}
	}
	return out
}
