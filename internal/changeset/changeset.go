package changeset

import (
	"log"
	"regexp"
	"strings"

	"github.com/stellarlink/pilot-swe/internal/pathsafe"
)

// Operation is the kind of change applied to a file.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// FileEdit is the atomic unit of change produced by a generation iteration.
type FileEdit struct {
	Path      string
	Operation Operation
	Content   string
}

// ChangeSet accumulates file edits across generation iterations. A later
// edit for the same path replaces the earlier one, but the path keeps its
// first-insertion position so "newly added" ordering is stable.
type ChangeSet struct {
	edits map[string]FileEdit
	order []string
}

func New() *ChangeSet {
	return &ChangeSet{edits: make(map[string]FileEdit)}
}

// Merge validates the edit's path and folds it into the set. Rejected edits
// are dropped and logged; they never reach the accumulated set.
func (cs *ChangeSet) Merge(edit FileEdit) bool {
	if err := pathsafe.ValidatePath(edit.Path); err != nil {
		log.Printf("[ChangeSet] Dropping edit: %v", err)
		return false
	}
	if edit.Operation == "" {
		edit.Operation = OpModify
	}
	if _, seen := cs.edits[edit.Path]; !seen {
		cs.order = append(cs.order, edit.Path)
	}
	cs.edits[edit.Path] = edit
	return true
}

// Get returns the current edit for a path.
func (cs *ChangeSet) Get(path string) (FileEdit, bool) {
	edit, ok := cs.edits[path]
	return edit, ok
}

// Len returns the number of distinct edited paths.
func (cs *ChangeSet) Len() int {
	return len(cs.edits)
}

// Edits returns the accumulated edits in first-insertion order.
func (cs *ChangeSet) Edits() []FileEdit {
	out := make([]FileEdit, 0, len(cs.order))
	for _, path := range cs.order {
		out = append(out, cs.edits[path])
	}
	return out
}

// Paths returns the edited paths in first-insertion order.
func (cs *ChangeSet) Paths() []string {
	return append([]string(nil), cs.order...)
}

// Final is a ChangeSet frozen at loop termination.
type Final struct {
	Edits    []FileEdit
	Summary  string
	HasTests bool
	// Partial marks a set returned after the safety ceiling was reached
	// rather than after a clean review.
	Partial bool
}

var testFilePattern = regexp.MustCompile(`(_test\.go$|\.test\.[jt]sx?$|\.spec\.[jt]sx?$|(^|/)tests?/)`)

// Freeze snapshots the accumulated set into a Final result.
func (cs *ChangeSet) Freeze(summary string, partial bool) *Final {
	final := &Final{
		Edits:   cs.Edits(),
		Summary: strings.TrimSpace(summary),
		Partial: partial,
	}
	for _, edit := range final.Edits {
		if edit.Operation != OpDelete && testFilePattern.MatchString(edit.Path) {
			final.HasTests = true
			break
		}
	}
	return final
}
