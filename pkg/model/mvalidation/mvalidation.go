// Package mvalidation holds the validation report vocabulary shared by the
// pipeline that produces reports and the workflow engine that gates on them.
package mvalidation

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/model/mentity"
)

// Severity ranks findings. Only error blocks a draft; warning and info
// are advisory.
type Severity int8

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

var severityNames = map[Severity]string{
	SeverityInfo:    "info",
	SeverityWarning: "warning",
	SeverityError:   "error",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int8(s))
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for sev, n := range severityNames {
		if n == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("mvalidation: unknown severity %q", name)
}

func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return SeverityInfo, fmt.Errorf("mvalidation: unknown severity %q", s)
}

// VersionBump is the semver component a draft's changes call for.
type VersionBump int8

const (
	BumpNone VersionBump = iota
	BumpPatch
	BumpMinor
	BumpMajor
)

var bumpNames = map[VersionBump]string{
	BumpNone:  "none",
	BumpPatch: "patch",
	BumpMinor: "minor",
	BumpMajor: "major",
}

func (b VersionBump) String() string {
	if name, ok := bumpNames[b]; ok {
		return name
	}
	return fmt.Sprintf("version_bump(%d)", int8(b))
}

func (b VersionBump) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *VersionBump) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for bump, n := range bumpNames {
		if n == name {
			*b = bump
			return nil
		}
	}
	return fmt.Errorf("mvalidation: unknown version bump %q", name)
}

func ParseBump(s string) (VersionBump, error) {
	for bump, name := range bumpNames {
		if name == s {
			return bump, nil
		}
	}
	return BumpNone, fmt.Errorf("mvalidation: unknown version bump %q", s)
}

// MaxBump keeps the stronger of two suggestions.
func MaxBump(a, b VersionBump) VersionBump {
	if b > a {
		return b
	}
	return a
}

// Finding codes. Stable wire vocabulary; clients key behavior off these.
const (
	CodePatchFailed             = "patch_failed"
	CodeTargetMissing           = "target_missing"
	CodeReferenceMissing        = "reference_missing"
	CodeReferenceDeleted        = "reference_deleted"
	CodeInheritanceCycle        = "inheritance_cycle"
	CodeRequiredPropertyRemoved = "required_property_removed"
	CodeRequiredPropertyAdded   = "required_property_added"
	CodePropertyRemoved         = "property_removed"
	CodeDatatypeChanged         = "datatype_changed"
	CodeEnumValueRemoved        = "enum_value_removed"
	CodeParentRemoved           = "parent_removed"
	CodeMemberRemoved           = "member_removed"
	CodeEntityDeleted           = "entity_deleted"
	CodeAdditiveChange          = "additive_change"
	CodeCosmeticChange          = "cosmetic_change"
	CodeSchemaViolation         = "schema_violation"
)

// Finding is one issue the pipeline surfaces. Findings are data, never
// transport errors, even when they block a transition.
type Finding struct {
	EntityType mentity.EntityType `json:"entity_type"`
	EntityKey  string             `json:"entity_key"`
	FieldPath  string             `json:"field_path,omitempty"`
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Severity   Severity           `json:"severity"`
	OldValue   any                `json:"old_value,omitempty"`
	NewValue   any                `json:"new_value,omitempty"`
}

// Report is the outcome of one full pipeline run over a draft.
type Report struct {
	DraftID       string      `json:"draft_id"`
	Baseline      string      `json:"baseline"`
	Findings      []Finding   `json:"findings"`
	SuggestedBump VersionBump `json:"suggested_version_bump"`
}

func (r *Report) Add(f Finding) {
	r.Findings = append(r.Findings, f)
}

func (r *Report) ErrorCount() int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			n++
		}
	}
	return n
}

// HasErrors reports whether any finding blocks validation.
func (r *Report) HasErrors() bool {
	return r.ErrorCount() > 0
}

func (r *Report) CountBySeverity() map[Severity]int {
	out := make(map[Severity]int, 3)
	for _, f := range r.Findings {
		out[f.Severity]++
	}
	return out
}
