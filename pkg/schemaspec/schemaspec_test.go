package schemaspec_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/schemaspec"
)

func TestLoadEmbeddedDefaults(t *testing.T) {
	reg, err := schemaspec.Load("", nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	for _, entityType := range mentity.Types {
		assert.True(t, reg.Has(entityType), "default schema for %s", entityType)
	}
}

func TestCheckConformingDocument(t *testing.T) {
	reg, err := schemaspec.Load("", nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	doc := jsondoc.MustParse([]byte(`{
		"key": "person",
		"label": "Person",
		"parent_categories": ["agent"],
		"properties": [{"property": "name", "required": true}, "nickname"]
	}`))
	assert.Empty(t, reg.Check(mentity.EntityTypeCategory, doc))
}

func TestCheckMissingRequiredField(t *testing.T) {
	reg, err := schemaspec.Load("", nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	doc := jsondoc.MustParse([]byte(`{"key": "person"}`))
	violations := reg.Check(mentity.EntityTypeCategory, doc)
	require.NotEmpty(t, violations)

	found := false
	for _, v := range violations {
		if v.Message != "" {
			found = true
		}
	}
	assert.True(t, found, "violations carry messages")
}

func TestCheckReportsInstancePath(t *testing.T) {
	reg, err := schemaspec.Load("", nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	doc := jsondoc.MustParse([]byte(`{
		"key": "person",
		"label": "Person",
		"properties": [{"required": true}]
	}`))
	violations := reg.Check(mentity.EntityTypeCategory, doc)
	require.NotEmpty(t, violations)

	found := false
	for _, v := range violations {
		if len(v.FieldPath) >= len("/properties/0") && v.FieldPath[:len("/properties/0")] == "/properties/0" {
			found = true
		}
	}
	assert.True(t, found, "expected a violation under /properties/0, got %+v", violations)
}

func TestCheckPropertyDatatypeRequired(t *testing.T) {
	reg, err := schemaspec.Load("", nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	doc := jsondoc.MustParse([]byte(`{"key": "name", "label": "Name"}`))
	assert.NotEmpty(t, reg.Check(mentity.EntityTypeProperty, doc))
}

func TestCheckWithoutSchemaIsSilent(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "category.json", `{"type": "object", "required": ["key"]}`)

	reg, err := schemaspec.Load(dir, nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	assert.True(t, reg.Has(mentity.EntityTypeCategory))
	assert.False(t, reg.Has(mentity.EntityTypeProperty))
	assert.Empty(t, reg.Check(mentity.EntityTypeProperty, jsondoc.MustParse([]byte(`{}`))))
}

func TestLoadRejectsBrokenSchema(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "category.json", `{"type": ["not closed"`)

	_, err := schemaspec.Load(dir, nil)
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writeSchema(t, dir, "category.json", `{"type": "object", "required": ["key"]}`)

	reg, err := schemaspec.Load(dir, nil)
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	require.NoError(t, reg.Watch())

	relaxed := jsondoc.MustParse([]byte(`{"key": "person"}`))
	require.Empty(t, reg.Check(mentity.EntityTypeCategory, relaxed))

	writeSchema(t, dir, "category.json", `{"type": "object", "required": ["key", "label"]}`)

	assert.Eventually(t, func() bool {
		return len(reg.Check(mentity.EntityTypeCategory, relaxed)) > 0
	}, 3*time.Second, 20*time.Millisecond, "tightened schema should start rejecting")
}

func writeSchema(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}
