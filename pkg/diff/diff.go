// Package diff compares before/after code snippets line by line.
package diff

import "strings"

// LineType classifies one row of a positional diff.
type LineType string

const (
	Unchanged LineType = "none"
	Added     LineType = "added"
	Removed   LineType = "removed"
	Modified  LineType = "modified"
)

// Line is one row of the comparison. Number is 1-based.
type Line struct {
	Number int      `json:"number"`
	Before string   `json:"before"`
	After  string   `json:"after"`
	Type   LineType `json:"type"`
}

// Stats counts the non-unchanged rows of a diff.
type Stats struct {
	Added    int `json:"lines_added"`
	Removed  int `json:"lines_removed"`
	Modified int `json:"lines_modified"`
}

// Result is the full output of Compare.
type Result struct {
	Lines []Line `json:"lines"`
	Stats Stats  `json:"stats"`
}

// Compare diffs before and after positionally: line i of before is compared
// with line i of after. A missing line and an empty line are treated the
// same. This is not a minimal edit script; an insertion near the top shifts
// every later line and is reported as a run of modifications.
// Compare is a pure function.
func Compare(before, after string) Result {
	b := strings.Split(before, "\n")
	a := strings.Split(after, "\n")

	n := max(len(a), len(b))
	res := Result{Lines: make([]Line, 0, n)}
	for i := 0; i < n; i++ {
		bl := lineAt(b, i)
		al := lineAt(a, i)
		t := Classify(bl, al)
		switch t {
		case Added:
			res.Stats.Added++
		case Removed:
			res.Stats.Removed++
		case Modified:
			res.Stats.Modified++
		}
		res.Lines = append(res.Lines, Line{Number: i + 1, Before: bl, After: al, Type: t})
	}
	return res
}

// Classify returns the diff type of a single positional pair.
func Classify(before, after string) LineType {
	switch {
	case before == "" && after != "":
		return Added
	case before != "" && after == "":
		return Removed
	case before != after:
		return Modified
	default:
		return Unchanged
	}
}

func lineAt(lines []string, i int) string {
	if i < len(lines) {
		return lines[i]
	}
	return ""
}
