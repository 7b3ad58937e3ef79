// Package memorydiff computes and applies section-aware diffs against a
// user's Markdown memo file. Sections are delimited by "## " headings; a
// "# " heading resets section tracking (top-level titles aren't sections).
// Documents with no "## " headings at all are treated as one opaque blob
// under the reserved key "__raw__".
package memorydiff

import (
	"fmt"
	"strings"
)

const rawSectionKey = "__raw__"

// ChangeKind discriminates how a section changed between two memo revisions.
type ChangeKind int

const (
	Added ChangeKind = iota
	Replaced
	NewSection
)

// SectionChange is what happened to one section going from the original to
// the modified document.
type SectionChange struct {
	Kind  ChangeKind
	Lines []string // for Added: new non-empty lines not present in the original
	Body  string    // for Replaced/NewSection: the full replacement/new body
}

// Diff is the set of per-section changes between two memo revisions, keyed
// by section name (or rawSectionKey when the document has no sections).
type Diff struct {
	Changes map[string]SectionChange
}

// Compute diffs original against modified. When neither document has any
// "## " section, the whole document is compared as the raw fallback.
func Compute(original, modified string) Diff {
	origSections := parseSections(original)
	modSections := parseSections(modified)

	if len(origSections) == 0 && len(modSections) == 0 {
		return computeRaw(original, modified)
	}

	changes := map[string]SectionChange{}
	for name, modBody := range modSections {
		origBody, existed := origSections[name]
		if !existed {
			if strings.TrimSpace(modBody) != "" {
				changes[name] = SectionChange{Kind: NewSection, Body: modBody}
			}
			continue
		}
		if origBody == modBody {
			continue
		}
		added := findAddedLines(origBody, modBody)
		if len(added) > 0 {
			changes[name] = SectionChange{Kind: Added, Lines: added}
		} else {
			changes[name] = SectionChange{Kind: Replaced, Body: modBody}
		}
	}
	return Diff{Changes: changes}
}

func computeRaw(original, modified string) Diff {
	if original == modified {
		return Diff{Changes: map[string]SectionChange{}}
	}
	added := findAddedLines(original, modified)
	if len(added) > 0 {
		return Diff{Changes: map[string]SectionChange{rawSectionKey: {Kind: Added, Lines: added}}}
	}
	return Diff{Changes: map[string]SectionChange{rawSectionKey: {Kind: Replaced, Body: modified}}}
}

// parseSections splits doc into an unordered name->body map for comparison.
// A line starting with "## " opens a new section (its name is the rest of
// the line, trimmed); a line starting with "# " (but not "## ") closes
// whatever section is open without starting a new one.
func parseSections(doc string) map[string]string {
	sections := map[string]string{}
	var current string
	var inSection bool
	var buf []string

	flush := func() {
		if inSection {
			sections[current] = strings.Join(buf, "\n")
		}
	}

	for _, line := range strings.Split(doc, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			inSection = true
			buf = nil
		case strings.HasPrefix(line, "# "):
			flush()
			inSection = false
			buf = nil
		default:
			if inSection {
				buf = append(buf, line)
			}
		}
	}
	flush()
	return sections
}

// sectionEntry preserves document order, unlike parseSections' map.
type sectionEntry struct {
	name string
	body string
}

func parseSectionsOrdered(doc string) []sectionEntry {
	var entries []sectionEntry
	var current string
	var inSection bool
	var buf []string

	flush := func() {
		if inSection {
			entries = append(entries, sectionEntry{name: current, body: strings.Join(buf, "\n")})
		}
	}

	for _, line := range strings.Split(doc, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			inSection = true
			buf = nil
		case strings.HasPrefix(line, "# "):
			flush()
			inSection = false
			buf = nil
		default:
			if inSection {
				buf = append(buf, line)
			}
		}
	}
	flush()
	return entries
}

// findAddedLines returns the non-empty, trimmed lines present in modified
// but absent from original, in modified's order. Used both to decide
// whether a section changed by pure appension (Added) vs. needing a full
// rewrite (Replaced), and to build the actual appended content.
func findAddedLines(original, modified string) []string {
	seen := map[string]bool{}
	for _, line := range strings.Split(original, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			seen[trimmed] = true
		}
	}
	var added []string
	for _, line := range strings.Split(modified, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		added = append(added, trimmed)
	}
	return added
}

// Apply applies d to doc, returning the updated document. Added lines are
// appended to their section (deduplicated against lines already present,
// by trimmed content); Replaced overwrites a section's body; NewSection
// appends a new "## name" section at the end of the document. A section
// named by Added or Replaced that doesn't yet exist in doc is created.
func Apply(doc string, d Diff) (string, error) {
	if raw, ok := d.Changes[rawSectionKey]; ok {
		switch raw.Kind {
		case Added:
			return appendRawLines(doc, raw.Lines), nil
		case Replaced:
			return raw.Body, nil
		default:
			return "", fmt.Errorf("memorydiff: NewSection is not valid for the raw fallback key")
		}
	}

	entries := parseSectionsOrdered(doc)
	index := map[string]int{}
	for i, e := range entries {
		index[e.name] = i
	}

	for name, change := range d.Changes {
		switch change.Kind {
		case Added:
			if i, ok := index[name]; ok {
				entries[i].body = appendDedupLines(entries[i].body, change.Lines)
			} else {
				entries = append(entries, sectionEntry{name: name, body: strings.Join(change.Lines, "\n")})
				index[name] = len(entries) - 1
			}
		case Replaced:
			if i, ok := index[name]; ok {
				entries[i].body = change.Body
			} else {
				entries = append(entries, sectionEntry{name: name, body: change.Body})
				index[name] = len(entries) - 1
			}
		case NewSection:
			if _, ok := index[name]; !ok {
				entries = append(entries, sectionEntry{name: name, body: change.Body})
				index[name] = len(entries) - 1
			}
			// A NewSection change for a section that already exists is a
			// stale/duplicate instruction and is silently ignored: the
			// section was already created by whoever added it first.
		}
	}

	return rebuild(entries), nil
}

func appendRawLines(doc string, lines []string) string {
	seen := map[string]bool{}
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			seen[trimmed] = true
		}
	}
	out := doc
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		if !strings.HasSuffix(out, "\n") && out != "" {
			out += "\n"
		}
		out += line
		seen[trimmed] = true
	}
	return out
}

func appendDedupLines(body string, lines []string) string {
	seen := map[string]bool{}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			seen[trimmed] = true
		}
	}
	out := body
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || seen[trimmed] {
			continue
		}
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += line
		seen[trimmed] = true
	}
	return out
}

// rebuild renders ordered sections back into a "# Memo" document.
func rebuild(entries []sectionEntry) string {
	var sb strings.Builder
	sb.WriteString("# Memo\n\n")
	for _, e := range entries {
		sb.WriteString("## ")
		sb.WriteString(e.name)
		sb.WriteString("\n")
		sb.WriteString(e.body)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
