package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/model/mvalidation"
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/refsuggest"
)

// effectiveIndex is the resolved state reference checks run against.
type effectiveIndex struct {
	present map[mentity.Ref]bool
	deleted map[mentity.Ref]bool
	keys    map[mentity.EntityType][]string
}

func indexEffective(entities []overlay.Effective) *effectiveIndex {
	idx := &effectiveIndex{
		present: make(map[mentity.Ref]bool, len(entities)),
		deleted: make(map[mentity.Ref]bool),
		keys:    make(map[mentity.EntityType][]string),
	}
	for _, eff := range entities {
		if eff.Doc == nil {
			continue
		}
		if eff.Deleted() {
			idx.deleted[eff.Ref] = true
			continue
		}
		idx.present[eff.Ref] = true
		idx.keys[eff.Ref.Type] = append(idx.keys[eff.Ref.Type], eff.Ref.Key)
	}
	for _, keys := range idx.keys {
		sort.Strings(keys)
	}
	return idx
}

// outgoing is one reference a document makes, with where it sits.
type outgoing struct {
	ref       mentity.Ref
	fieldPath string
}

type malformedRef struct {
	raw       string
	fieldPath string
}

func outgoingRefs(eff overlay.Effective) ([]outgoing, []malformedRef) {
	doc := eff.Doc
	var refs []outgoing
	var broken []malformedRef

	switch eff.Ref.Type {
	case mentity.EntityTypeCategory, mentity.EntityTypeSubobject:
		for i, parent := range doc.StringsAt(mentity.FieldParents) {
			refs = append(refs, outgoing{
				ref:       mentity.Ref{Type: mentity.EntityTypeCategory, Key: parent},
				fieldPath: fmt.Sprintf("/%s/%d", mentity.FieldParents, i),
			})
		}
		for i, decl := range mentity.PropertyDecls(doc) {
			refs = append(refs, outgoing{
				ref:       mentity.Ref{Type: mentity.EntityTypeProperty, Key: decl.Property},
				fieldPath: fmt.Sprintf("/%s/%d", mentity.FieldProperties, i),
			})
		}

	case mentity.EntityTypeModule:
		for i, member := range doc.StringsAt(mentity.FieldMembers) {
			path := fmt.Sprintf("/%s/%d", mentity.FieldMembers, i)
			ref, err := mentity.ParseRef(member)
			if err != nil {
				broken = append(broken, malformedRef{raw: member, fieldPath: path})
				continue
			}
			refs = append(refs, outgoing{ref: ref, fieldPath: path})
		}

	case mentity.EntityTypeBundle:
		for i, module := range doc.StringsAt(mentity.FieldModules) {
			refs = append(refs, outgoing{
				ref:       mentity.Ref{Type: mentity.EntityTypeModule, Key: module},
				fieldPath: fmt.Sprintf("/%s/%d", mentity.FieldModules, i),
			})
		}

	case mentity.EntityTypeTemplate:
		if category, ok := doc.StringAt(mentity.FieldCategory); ok && category != "" {
			refs = append(refs, outgoing{
				ref:       mentity.Ref{Type: mentity.EntityTypeCategory, Key: category},
				fieldPath: "/" + mentity.FieldCategory,
			})
		}
	}
	return refs, broken
}

// referenceFindings checks every outgoing reference of the effective
// state. Targets this draft deletes are reported for any referrer, since
// the draft causes the breakage; targets that are simply missing are
// reported only when the referrer itself is part of the draft.
func referenceFindings(entities []overlay.Effective, idx *effectiveIndex) []mvalidation.Finding {
	var findings []mvalidation.Finding

	for _, eff := range entities {
		if eff.Doc == nil || eff.Deleted() {
			continue
		}
		touched := eff.Status == overlay.StatusAdded || eff.Status == overlay.StatusModified

		refs, broken := outgoingRefs(eff)
		if touched {
			for _, m := range broken {
				findings = append(findings, mvalidation.Finding{
					EntityType: eff.Ref.Type,
					EntityKey:  eff.Ref.Key,
					FieldPath:  m.fieldPath,
					Code:       mvalidation.CodeReferenceMissing,
					Message:    fmt.Sprintf("%q is not a type:key reference", m.raw),
					Severity:   mvalidation.SeverityError,
					OldValue:   m.raw,
				})
			}
		}

		for _, out := range refs {
			switch {
			case idx.deleted[out.ref]:
				findings = append(findings, mvalidation.Finding{
					EntityType: eff.Ref.Type,
					EntityKey:  eff.Ref.Key,
					FieldPath:  out.fieldPath,
					Code:       mvalidation.CodeReferenceDeleted,
					Message:    fmt.Sprintf("references %s, which this draft deletes", out.ref),
					Severity:   mvalidation.SeverityError,
					OldValue:   out.ref.String(),
				})

			case !idx.present[out.ref] && touched:
				finding := mvalidation.Finding{
					EntityType: eff.Ref.Type,
					EntityKey:  eff.Ref.Key,
					FieldPath:  out.fieldPath,
					Code:       mvalidation.CodeReferenceMissing,
					Message:    fmt.Sprintf("references %s, which does not exist", out.ref),
					Severity:   mvalidation.SeverityError,
					OldValue:   out.ref.String(),
				}
				if suggestions := refsuggest.Suggest(out.ref.Key, idx.keys[out.ref.Type]); len(suggestions) > 0 {
					finding.Message += "; did you mean " + strings.Join(suggestions, ", ")
					finding.NewValue = suggestions
				}
				findings = append(findings, finding)
			}
		}
	}
	return findings
}
