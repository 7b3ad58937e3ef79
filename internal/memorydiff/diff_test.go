package memorydiff

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestComputeDiffAddedLines(t *testing.T) {
	original := "# Memo\n\n## Contacts\nAlice\n\n"
	modified := "# Memo\n\n## Contacts\nAlice\nBob\n\n"

	d := Compute(original, modified)
	change, ok := d.Changes["Contacts"]
	if !ok {
		t.Fatalf("expected a change for Contacts, got %+v", d.Changes)
	}
	if change.Kind != Added {
		t.Fatalf("expected Added, got %v", change.Kind)
	}
	if len(change.Lines) != 1 || change.Lines[0] != "Bob" {
		t.Fatalf("expected added line Bob, got %v", change.Lines)
	}
}

func TestComputeDiffNewSection(t *testing.T) {
	original := "# Memo\n\n## Contacts\nAlice\n\n"
	modified := "# Memo\n\n## Contacts\nAlice\n\n## Preferences\nDark mode\n\n"

	d := Compute(original, modified)
	change, ok := d.Changes["Preferences"]
	if !ok || change.Kind != NewSection {
		t.Fatalf("expected NewSection for Preferences, got %+v", d.Changes)
	}
	if !strings.Contains(change.Body, "Dark mode") {
		t.Fatalf("expected new section body to contain Dark mode, got %q", change.Body)
	}
}

func TestApplyDiffAddsLines(t *testing.T) {
	original := "# Memo\n\n## Contacts\nAlice\n\n"
	d := Diff{Changes: map[string]SectionChange{
		"Contacts": {Kind: Added, Lines: []string{"Bob"}},
	}}
	updated, err := Apply(original, d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(updated, "Alice") || !strings.Contains(updated, "Bob") {
		t.Fatalf("expected both contacts present, got %q", updated)
	}
}

func TestApplyDiffNoDuplicates(t *testing.T) {
	original := "# Memo\n\n## Contacts\nAlice\nBob\n\n"
	d := Diff{Changes: map[string]SectionChange{
		"Contacts": {Kind: Added, Lines: []string{"Bob"}},
	}}
	updated, err := Apply(original, d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if strings.Count(updated, "Bob") != 1 {
		t.Fatalf("expected Bob to appear exactly once, got %q", updated)
	}
}

func TestEmptyDiff(t *testing.T) {
	original := "# Memo\n\n## Contacts\nAlice\n\n"
	d := Compute(original, original)
	if len(d.Changes) != 0 {
		t.Fatalf("expected no changes for identical documents, got %+v", d.Changes)
	}
}

func TestRawFallbackForUnsectionedDoc(t *testing.T) {
	original := "just some notes\nnothing fancy"
	modified := "just some notes\nnothing fancy\nnew line"
	d := Compute(original, modified)
	change, ok := d.Changes[rawSectionKey]
	if !ok || change.Kind != Added {
		t.Fatalf("expected raw Added change, got %+v", d.Changes)
	}
	updated, err := Apply(original, d)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(updated, "new line") {
		t.Fatalf("expected new line to be appended, got %q", updated)
	}
}

func TestConcurrentSubmitsSerialized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memo.md")
	if err := os.WriteFile(path, []byte("# Memo\n\n## Contacts\n\n"), 0o644); err != nil {
		t.Fatalf("seed memo: %v", err)
	}

	q := NewWriteQueue()
	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = q.Submit(WriteRequest{
				Key:  "user-1",
				Path: path,
				Diff: Diff{Changes: map[string]SectionChange{
					"Contacts": {Kind: Added, Lines: []string{fmt.Sprintf("Contact%d", i)}},
				}},
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
	}

	final, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read final memo: %v", err)
	}
	for i := 0; i < 5; i++ {
		want := fmt.Sprintf("Contact%d", i)
		if !strings.Contains(string(final), want) {
			t.Fatalf("expected %s present in final memo, got %q", want, final)
		}
	}
}
