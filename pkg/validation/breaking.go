package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/schemaforge/server/pkg/jsondoc"
	"github.com/schemaforge/server/pkg/model/mentity"
	"github.com/schemaforge/server/pkg/model/mvalidation"
	"github.com/schemaforge/server/pkg/overlay"
	"github.com/schemaforge/server/pkg/service/sentity"
)

// breakingEvents diffs one draft-affected entity against its canonical
// form. Events carry no severity; the policy decides that.
func (p *Pipeline) breakingEvents(ctx context.Context, eff overlay.Effective) ([]changeEvent, error) {
	switch eff.Status {
	case overlay.StatusAdded:
		return []changeEvent{{
			Code:    mvalidation.CodeAdditiveChange,
			Ref:     eff.Ref,
			Message: fmt.Sprintf("adds %s", eff.Ref),
			New:     eff.Ref.String(),
		}}, nil

	case overlay.StatusDeleted:
		return []changeEvent{{
			Code:    mvalidation.CodeEntityDeleted,
			Ref:     eff.Ref,
			Message: fmt.Sprintf("removes %s", eff.Ref),
			Old:     eff.Ref.String(),
		}}, nil

	case overlay.StatusModified:
	default:
		return nil, nil
	}

	canonical, err := p.entities.Get(ctx, eff.Ref.Type, eff.Ref.Key)
	if errors.Is(err, sentity.ErrNoEntityFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("validation: load canonical %s: %w", eff.Ref, err)
	}

	var events []changeEvent
	events = append(events, cosmeticEvents(eff.Ref, canonical.Doc, eff.Doc)...)

	switch eff.Ref.Type {
	case mentity.EntityTypeProperty:
		events = append(events, propertyEvents(eff.Ref, canonical.Doc, eff.Doc)...)
	case mentity.EntityTypeCategory, mentity.EntityTypeSubobject:
		categoryEvents, err := p.categoryEvents(ctx, eff.Ref, canonical.Doc, eff.Doc)
		if err != nil {
			return nil, err
		}
		events = append(events, categoryEvents...)
	case mentity.EntityTypeModule:
		events = append(events, membershipEvents(eff.Ref, mentity.FieldMembers, canonical.Doc, eff.Doc)...)
	case mentity.EntityTypeBundle:
		events = append(events, membershipEvents(eff.Ref, mentity.FieldModules, canonical.Doc, eff.Doc)...)
	}
	return events, nil
}

func cosmeticEvents(ref mentity.Ref, oldDoc, newDoc jsondoc.Doc) []changeEvent {
	var events []changeEvent
	for _, field := range []string{mentity.FieldLabel, mentity.FieldDescription} {
		oldValue, _ := oldDoc.StringAt(field)
		newValue, _ := newDoc.StringAt(field)
		if oldValue == newValue {
			continue
		}
		events = append(events, changeEvent{
			Code:      mvalidation.CodeCosmeticChange,
			Ref:       ref,
			FieldPath: "/" + field,
			Message:   fmt.Sprintf("%s changed", field),
			Old:       oldValue,
			New:       newValue,
		})
	}
	return events
}

func propertyEvents(ref mentity.Ref, oldDoc, newDoc jsondoc.Doc) []changeEvent {
	var events []changeEvent

	oldType, _ := oldDoc.StringAt(mentity.FieldDatatype)
	newType, _ := newDoc.StringAt(mentity.FieldDatatype)
	if oldType != newType {
		events = append(events, changeEvent{
			Code:      mvalidation.CodeDatatypeChanged,
			Ref:       ref,
			FieldPath: "/" + mentity.FieldDatatype,
			Message:   fmt.Sprintf("datatype changed from %q to %q", oldType, newType),
			Old:       oldType,
			New:       newType,
		})
	}

	removed, added := stringSetDiff(
		oldDoc.StringsAt(mentity.FieldAllowedValues),
		newDoc.StringsAt(mentity.FieldAllowedValues),
	)
	for _, value := range removed {
		events = append(events, changeEvent{
			Code:      mvalidation.CodeEnumValueRemoved,
			Ref:       ref,
			FieldPath: "/" + mentity.FieldAllowedValues,
			Message:   fmt.Sprintf("allowed value %q removed", value),
			Old:       value,
		})
	}
	if len(added) > 0 {
		events = append(events, changeEvent{
			Code:      mvalidation.CodeAdditiveChange,
			Ref:       ref,
			FieldPath: "/" + mentity.FieldAllowedValues,
			Message:   fmt.Sprintf("allowed values added: %s", strings.Join(added, ", ")),
			New:       added,
		})
	}
	return events
}

func (p *Pipeline) categoryEvents(ctx context.Context, ref mentity.Ref, oldDoc, newDoc jsondoc.Doc) ([]changeEvent, error) {
	var events []changeEvent

	oldDecls := declMap(oldDoc)
	newDecls := declMap(newDoc)

	for key, wasRequired := range oldDecls {
		if _, still := newDecls[key]; still {
			continue
		}
		code := mvalidation.CodePropertyRemoved
		if wasRequired {
			code = mvalidation.CodeRequiredPropertyRemoved
		}
		events = append(events, changeEvent{
			Code:      code,
			Ref:       ref,
			FieldPath: "/" + mentity.FieldProperties,
			Message:   fmt.Sprintf("property %q removed", key),
			Old:       key,
		})
	}
	for key, nowRequired := range newDecls {
		wasRequired, existed := oldDecls[key]
		switch {
		case !existed && nowRequired:
			events = append(events, changeEvent{
				Code:      mvalidation.CodeRequiredPropertyAdded,
				Ref:       ref,
				FieldPath: "/" + mentity.FieldProperties,
				Message:   fmt.Sprintf("required property %q added", key),
				New:       key,
			})
		case !existed:
			events = append(events, changeEvent{
				Code:      mvalidation.CodeAdditiveChange,
				Ref:       ref,
				FieldPath: "/" + mentity.FieldProperties,
				Message:   fmt.Sprintf("optional property %q added", key),
				New:       key,
			})
		case !wasRequired && nowRequired:
			events = append(events, changeEvent{
				Code:      mvalidation.CodeRequiredPropertyAdded,
				Ref:       ref,
				FieldPath: "/" + mentity.FieldProperties,
				Message:   fmt.Sprintf("property %q became required", key),
				Old:       key,
				New:       key,
			})
		case wasRequired && !nowRequired:
			events = append(events, changeEvent{
				Code:      mvalidation.CodeAdditiveChange,
				Ref:       ref,
				FieldPath: "/" + mentity.FieldProperties,
				Message:   fmt.Sprintf("property %q became optional", key),
				Old:       key,
				New:       key,
			})
		}
	}

	removedParents, addedParents := stringSetDiff(
		oldDoc.StringsAt(mentity.FieldParents),
		newDoc.StringsAt(mentity.FieldParents),
	)
	for _, parent := range removedParents {
		contributed, err := p.requiredContribution(ctx, parent)
		if err != nil {
			return nil, err
		}
		message := fmt.Sprintf("parent %q removed", parent)
		if contributed > 0 {
			message = fmt.Sprintf("parent %q removed; it contributed %d required properties", parent, contributed)
		}
		events = append(events, changeEvent{
			Code:                mvalidation.CodeParentRemoved,
			Ref:                 ref,
			FieldPath:           "/" + mentity.FieldParents,
			Message:             message,
			Old:                 parent,
			RequiredContributed: contributed,
		})
	}
	for _, parent := range addedParents {
		events = append(events, changeEvent{
			Code:      mvalidation.CodeAdditiveChange,
			Ref:       ref,
			FieldPath: "/" + mentity.FieldParents,
			Message:   fmt.Sprintf("parent %q added", parent),
			New:       parent,
		})
	}

	return events, nil
}

// requiredContribution counts the required properties a canonical parent
// brings: its own plus everything it inherits.
func (p *Pipeline) requiredContribution(ctx context.Context, parentKey string) (int, error) {
	ref := mentity.Ref{Type: mentity.EntityTypeCategory, Key: parentKey}
	parent, err := p.entities.Get(ctx, ref.Type, ref.Key)
	if errors.Is(err, sentity.ErrNoEntityFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	required := make(map[string]bool)
	for _, decl := range mentity.PropertyDecls(parent.Doc) {
		if decl.Required {
			required[decl.Property] = true
		}
	}
	inherited, err := p.inherit.Properties(ctx, nil, ref)
	if err != nil {
		return 0, err
	}
	for _, prop := range inherited {
		if prop.Required {
			required[prop.Property] = true
		}
	}
	return len(required), nil
}

func membershipEvents(ref mentity.Ref, field string, oldDoc, newDoc jsondoc.Doc) []changeEvent {
	removed, added := stringSetDiff(oldDoc.StringsAt(field), newDoc.StringsAt(field))
	var events []changeEvent
	for _, member := range removed {
		events = append(events, changeEvent{
			Code:      mvalidation.CodeMemberRemoved,
			Ref:       ref,
			FieldPath: "/" + field,
			Message:   fmt.Sprintf("%q removed from %s", member, field),
			Old:       member,
		})
	}
	if len(added) > 0 {
		events = append(events, changeEvent{
			Code:      mvalidation.CodeAdditiveChange,
			Ref:       ref,
			FieldPath: "/" + field,
			Message:   fmt.Sprintf("added to %s: %s", field, strings.Join(added, ", ")),
			New:       added,
		})
	}
	return events
}

func declMap(doc jsondoc.Doc) map[string]bool {
	decls := mentity.PropertyDecls(doc)
	out := make(map[string]bool, len(decls))
	for _, decl := range decls {
		out[decl.Property] = decl.Required
	}
	return out
}

func stringSetDiff(oldValues, newValues []string) (removed, added []string) {
	oldSet := make(map[string]bool, len(oldValues))
	for _, v := range oldValues {
		oldSet[v] = true
	}
	newSet := make(map[string]bool, len(newValues))
	for _, v := range newValues {
		newSet[v] = true
	}
	for _, v := range oldValues {
		if !newSet[v] {
			removed = append(removed, v)
		}
	}
	for _, v := range newValues {
		if !oldSet[v] {
			added = append(added, v)
		}
	}
	return removed, added
}
