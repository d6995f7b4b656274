package mdraft

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/schemaforge/server/pkg/idwrap"
)

// DraftStatus is the workflow state of a draft. Values are persisted, so
// never renumber.
type DraftStatus int8

const (
	StatusEditable DraftStatus = iota
	StatusValidated
	StatusSubmitted
	StatusMerged
	StatusRejected
)

var statusNames = map[DraftStatus]string{
	StatusEditable:  "editable",
	StatusValidated: "validated",
	StatusSubmitted: "submitted",
	StatusMerged:    "merged",
	StatusRejected:  "rejected",
}

func (s DraftStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("draft_status(%d)", int8(s))
}

func ParseStatus(s string) (DraftStatus, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return StatusEditable, fmt.Errorf("mdraft: unknown draft status %q", s)
}

func (s DraftStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DraftStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether the status admits no further transitions.
func (s DraftStatus) Terminal() bool {
	return s == StatusMerged || s == StatusRejected
}

// RebaseStatus is the advisory verdict of the last rebase pass.
type RebaseStatus int8

const (
	RebaseUnknown RebaseStatus = iota
	RebaseClean
	RebaseConflict
)

var rebaseNames = map[RebaseStatus]string{
	RebaseUnknown:  "unknown",
	RebaseClean:    "clean",
	RebaseConflict: "conflict",
}

func (s RebaseStatus) String() string {
	if name, ok := rebaseNames[s]; ok {
		return name
	}
	return fmt.Sprintf("rebase_status(%d)", int8(s))
}

func (s RebaseStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Draft is one editing session bound to a single canonical baseline.
// Terminal drafts are retained for audit and never mutated again.
type Draft struct {
	ID    idwrap.IDWrap
	Title string
	Note  string

	// TokenDigest is the SHA-256 of the capability token issued at
	// creation. The token itself is never stored.
	TokenDigest string

	Status        DraftStatus
	BaseCommitSha string

	// RebaseCommitSha is the last baseline this draft was re-tested
	// against; empty until the first rebase pass touches it.
	RebaseCommitSha string
	RebaseStatus    RebaseStatus

	Created     time.Time
	Updated     time.Time
	ValidatedAt *time.Time
}

// TestedBaseline is the baseline the draft's changes were last known good
// against: the rebase target when one exists, the birth baseline otherwise.
func (d Draft) TestedBaseline() string {
	if d.RebaseCommitSha != "" {
		return d.RebaseCommitSha
	}
	return d.BaseCommitSha
}
