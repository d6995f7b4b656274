package refsuggest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/schemaforge/server/pkg/refsuggest"
)

func TestSuggestRanksClosestFirst(t *testing.T) {
	candidates := []string{"person", "persona", "parcel", "vehicle", "organization"}
	got := refsuggest.Suggest("persn", candidates)
	assert.Equal(t, []string{"person", "persona"}, got)
}

func TestSuggestCapsAtThree(t *testing.T) {
	candidates := []string{"name", "nam", "nae", "nme", "namr", "nape"}
	got := refsuggest.Suggest("namee", candidates)
	assert.LessOrEqual(t, len(got), refsuggest.MaxSuggestions)
	assert.Contains(t, got, "name")
}

func TestSuggestIgnoresFarCandidates(t *testing.T) {
	got := refsuggest.Suggest("zz", []string{"person", "organization"})
	assert.Empty(t, got)
}

func TestSuggestCaseInsensitive(t *testing.T) {
	got := refsuggest.Suggest("Persn", []string{"person"})
	assert.Equal(t, []string{"person"}, got)
}

func TestSuggestEmptyInputs(t *testing.T) {
	assert.Empty(t, refsuggest.Suggest("", []string{"person"}))
	assert.Empty(t, refsuggest.Suggest("person", nil))
}
