package changeset

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

func TestMergeLastWriterWins(t *testing.T) {
	cs := New()
	cs.Merge(FileEdit{Path: "a.go", Operation: OpCreate, Content: "v1"})
	cs.Merge(FileEdit{Path: "b.go", Operation: OpCreate, Content: "b"})
	cs.Merge(FileEdit{Path: "a.go", Operation: OpModify, Content: "v2"})

	if cs.Len() != 2 {
		t.Fatalf("Len = %d, want 2", cs.Len())
	}
	edit, _ := cs.Get("a.go")
	if edit.Content != "v2" || edit.Operation != OpModify {
		t.Errorf("a.go = %+v, want last write", edit)
	}
	// First-insertion ordering survives the rewrite.
	paths := cs.Paths()
	if paths[0] != "a.go" || paths[1] != "b.go" {
		t.Errorf("order = %v, want [a.go b.go]", paths)
	}
}

func TestMergeRejectsUnsafePaths(t *testing.T) {
	cs := New()
	for _, path := range []string{"../../etc/passwd", "/abs.go", "nul", "a\x00.go"} {
		if cs.Merge(FileEdit{Path: path, Content: "x"}) {
			t.Errorf("Merge accepted unsafe path %q", path)
		}
	}
	if cs.Len() != 0 {
		t.Fatalf("rejected edits leaked into set: %v", cs.Paths())
	}
}

// For any sequence of writes to the same path, the set holds exactly the last
// valid edit regardless of how many times it was rewritten.
func TestMergeIdempotentPerPath(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cs := New()
		n := rapid.IntRange(1, 20).Draw(t, "writes")
		var last string
		for i := 0; i < n; i++ {
			last = fmt.Sprintf("content-%d", i)
			cs.Merge(FileEdit{Path: "pkg/file.go", Operation: OpModify, Content: last})
		}
		if cs.Len() != 1 {
			t.Fatalf("Len = %d, want 1", cs.Len())
		}
		edit, _ := cs.Get("pkg/file.go")
		if edit.Content != last {
			t.Fatalf("content = %q, want %q", edit.Content, last)
		}
	})
}

func TestMergeDefaultsOperation(t *testing.T) {
	cs := New()
	cs.Merge(FileEdit{Path: "x.go", Content: "x"})
	edit, _ := cs.Get("x.go")
	if edit.Operation != OpModify {
		t.Errorf("Operation = %q, want modify", edit.Operation)
	}
}

func TestFreeze(t *testing.T) {
	cs := New()
	cs.Merge(FileEdit{Path: "export.ts", Operation: OpModify, Content: "code"})
	cs.Merge(FileEdit{Path: "export.test.ts", Operation: OpCreate, Content: "test"})

	final := cs.Freeze("  Add validation  ", false)
	if final.Summary != "Add validation" {
		t.Errorf("Summary = %q", final.Summary)
	}
	if !final.HasTests {
		t.Error("HasTests = false, want true")
	}
	if final.Partial {
		t.Error("Partial = true, want false")
	}
}

func TestFreezeDeletedTestsDoNotCount(t *testing.T) {
	cs := New()
	cs.Merge(FileEdit{Path: "old_test.go", Operation: OpDelete})
	cs.Merge(FileEdit{Path: "main.go", Operation: OpModify, Content: "m"})

	if final := cs.Freeze("cleanup", true); final.HasTests {
		t.Error("deleting a test file should not set HasTests")
	}
}
