package patch

// DraftPatch represents sparse updates to draft metadata.
//
// Semantics:
//   - Field.IsSet() == false = field not changed (omitted from update)
//   - Field.IsUnset() == true = field explicitly UNSET/cleared
//   - Field.HasValue() == true = field set to that value
//
// Metadata updates never touch the draft's workflow status.
type DraftPatch struct {
	Title Optional[string]
	Note  Optional[string]
}

// HasChanges returns true if any field in the patch has been set
func (p DraftPatch) HasChanges() bool {
	return p.Title.IsSet() || p.Note.IsSet()
}
