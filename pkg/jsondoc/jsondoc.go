package jsondoc

import (
	"bytes"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/goccy/go-json"
)

// Doc is a decoded JSON object document, the in-memory form of an entity's
// canonical JSON.
type Doc map[string]any

func Parse(data []byte) (Doc, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("jsondoc: empty document")
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("jsondoc: parse: %w", err)
	}
	return d, nil
}

func MustParse(data []byte) Doc {
	d, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Doc) Bytes() ([]byte, error) {
	return json.Marshal(d)
}

// Clone returns a structural deep copy. Mutating the copy never touches the
// original; every document handed out of a shared cache goes through here.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

func (d Doc) Value(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

func (d Doc) StringAt(key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// StringsAt returns the value under key as a string slice when it is an
// array whose elements are all strings, nil otherwise.
func (d Doc) StringsAt(key string) []string {
	v, ok := d[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, el := range arr {
		s, ok := el.(string)
		if !ok {
			return nil
		}
		out = append(out, s)
	}
	return out
}

func (d Doc) Equal(other Doc) bool {
	return EqualValues(map[string]any(d), map[string]any(other))
}

// ApplyPatch applies an RFC 6902 operation list and returns the patched
// document as a fresh value. The receiver is never mutated; callers keep
// their original on failure.
func (d Doc) ApplyPatch(rawPatch []byte) (Doc, error) {
	patch, err := jsonpatch.DecodePatch(rawPatch)
	if err != nil {
		return nil, fmt.Errorf("jsondoc: decode patch: %w", err)
	}
	original, err := d.Bytes()
	if err != nil {
		return nil, fmt.Errorf("jsondoc: encode document: %w", err)
	}
	patched, err := patch.Apply(original)
	if err != nil {
		return nil, fmt.Errorf("jsondoc: apply patch: %w", err)
	}
	return Parse(patched)
}

// EqualValues compares two decoded JSON values through their canonical
// encoding. The encoder sorts map keys, so key order never matters.
func EqualValues(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
