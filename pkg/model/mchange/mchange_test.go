package mchange_test

import (
	"strings"
	"testing"

	"github.com/schemaforge/server/pkg/idwrap"
	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mchange"
	"github.com/schemaforge/server/pkg/model/mentity"
)

func TestValidateShape(t *testing.T) {
	body := jsondoc.MustParse([]byte(`{"key": "person", "label": "Person"}`))
	patch := []byte(`[{"op": "replace", "path": "/label", "value": "X"}]`)

	tests := []struct {
		name   string
		change mchange.Change
		wantOK bool
	}{
		{name: "create with body", change: mchange.Change{Kind: mchange.ChangeKindCreate, Body: body}, wantOK: true},
		{name: "create without body", change: mchange.Change{Kind: mchange.ChangeKindCreate}, wantOK: false},
		{name: "create with patch", change: mchange.Change{Kind: mchange.ChangeKindCreate, Body: body, Patch: patch}, wantOK: false},
		{name: "update with patch", change: mchange.Change{Kind: mchange.ChangeKindUpdate, Patch: patch}, wantOK: true},
		{name: "update without patch", change: mchange.Change{Kind: mchange.ChangeKindUpdate}, wantOK: false},
		{name: "update with body", change: mchange.Change{Kind: mchange.ChangeKindUpdate, Patch: patch, Body: body}, wantOK: false},
		{name: "delete bare", change: mchange.Change{Kind: mchange.ChangeKindDelete}, wantOK: true},
		{name: "delete with body", change: mchange.Change{Kind: mchange.ChangeKindDelete, Body: body}, wantOK: false},
		{name: "unknown kind", change: mchange.Change{Kind: mchange.ChangeKind(9)}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.change.ValidateShape()
			if tt.wantOK && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestValidatePatch(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "valid mixed ops", raw: `[
			{"op": "add", "path": "/a", "value": 1},
			{"op": "remove", "path": "/b"},
			{"op": "replace", "path": "/c", "value": null},
			{"op": "move", "path": "/d", "from": "/c"},
			{"op": "copy", "path": "/e", "from": "/d"},
			{"op": "test", "path": "/a", "value": 1}
		]`},
		{name: "not an array", raw: `{"op": "add"}`, wantErr: "not an operation array"},
		{name: "empty array", raw: `[]`, wantErr: "no operations"},
		{name: "unknown op", raw: `[{"op": "merge", "path": "/a"}]`, wantErr: "unrecognized op"},
		{name: "missing op", raw: `[{"path": "/a"}]`, wantErr: "missing op"},
		{name: "missing path", raw: `[{"op": "remove"}]`, wantErr: "missing path"},
		{name: "move missing from", raw: `[{"op": "move", "path": "/a"}]`, wantErr: "missing from"},
		{name: "add missing value", raw: `[{"op": "add", "path": "/a"}]`, wantErr: "missing value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mchange.ValidatePatch([]byte(tt.raw))
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCreateBody(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		body := jsondoc.MustParse([]byte(`{"key": "person", "label": "Person"}`))
		if err := mchange.ValidateCreateBody(body, "person"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
	t.Run("missing key", func(t *testing.T) {
		body := jsondoc.MustParse([]byte(`{"label": "Person"}`))
		if err := mchange.ValidateCreateBody(body, "person"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("mismatched key", func(t *testing.T) {
		body := jsondoc.MustParse([]byte(`{"key": "human", "label": "Person"}`))
		if err := mchange.ValidateCreateBody(body, "person"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("missing label", func(t *testing.T) {
		body := jsondoc.MustParse([]byte(`{"key": "person"}`))
		if err := mchange.ValidateCreateBody(body, "person"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("nil body", func(t *testing.T) {
		if err := mchange.ValidateCreateBody(nil, "person"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestChangeRef(t *testing.T) {
	c := mchange.Change{
		DraftID:    idwrap.NewNow(),
		EntityType: mentity.EntityTypeCategory,
		EntityKey:  "person",
	}
	if got := c.Ref().String(); got != "category:person" {
		t.Fatalf("got %q", got)
	}
}

func TestTouchesField(t *testing.T) {
	update := func(patch string) mchange.Change {
		return mchange.Change{Kind: mchange.ChangeKindUpdate, Patch: []byte(patch)}
	}

	tests := []struct {
		name   string
		change mchange.Change
		want   bool
	}{
		{
			name:   "create always touches",
			change: mchange.Change{Kind: mchange.ChangeKindCreate, Body: jsondoc.Doc{"key": "x"}},
			want:   true,
		},
		{
			name:   "delete never touches",
			change: mchange.Change{Kind: mchange.ChangeKindDelete},
			want:   false,
		},
		{
			name:   "replace on the field",
			change: update(`[{"op":"replace","path":"/parent_categories","value":[]}]`),
			want:   true,
		},
		{
			name:   "add below the field",
			change: update(`[{"op":"add","path":"/parent_categories/-","value":"agent"}]`),
			want:   true,
		},
		{
			name:   "move out of the field",
			change: update(`[{"op":"move","from":"/parent_categories/0","path":"/old_parents/0"}]`),
			want:   true,
		},
		{
			name:   "unrelated path",
			change: update(`[{"op":"replace","path":"/label","value":"x"}]`),
			want:   false,
		},
		{
			name:   "prefix but different field",
			change: update(`[{"op":"replace","path":"/parent_categories_old","value":[]}]`),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.change.TouchesField(mentity.FieldParents); got != tt.want {
				t.Errorf("TouchesField = %v, want %v", got, tt.want)
			}
		})
	}
}
