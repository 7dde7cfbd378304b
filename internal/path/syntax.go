// Package path parses property expressions such as `foo.bar[2]["baz"]` into an
// ordered list of segments. The first segment is always a property (the root
// key); array indices only appear after it.
package path

import (
	"fmt"
	"strconv"
	"strings"
)

// SegmentType identifies the type of path segment.
type SegmentType int

const (
	SegmentProperty SegmentType = iota // Field name: bar, ["b.ar"]
	SegmentIndex                       // Array index: [2] (0-based)
)

// Segment represents a single path segment.
type Segment struct {
	Type  SegmentType
	Value string // property name for SegmentProperty
	Index int    // for SegmentIndex (0-based)
}

// Path represents a parsed property expression.
type Path struct {
	Segments []Segment
	Raw      string // original expression
}

// InvalidPathError reports a malformed property expression.
type InvalidPathError struct {
	Path   string
	Pos    int
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid property expression %q at position %d: %s", e.Path, e.Pos, e.Reason)
}

func invalid(text string, pos int, reason string) *InvalidPathError {
	return &InvalidPathError{Path: text, Pos: pos, Reason: reason}
}

// Parse splits a property expression into segments.
// Examples:
//   - "name" -> property
//   - "father.name" -> property.property
//   - "customers[2].name" -> property[index].property
//   - `data["a.b"]` -> property with a dot in its name
//   - "123" -> property named "123" (the root is never an index)
func Parse(text string) (*Path, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid(text, 0, "empty expression")
	}

	p := &Path{Raw: text}
	name, pos := scanName(text, 0)
	if name == "" {
		return nil, invalid(text, 0, "expression must start with a property name")
	}
	p.Segments = append(p.Segments, Segment{Type: SegmentProperty, Value: name})

	for pos < len(text) {
		switch text[pos] {
		case '.':
			name, next := scanName(text, pos+1)
			if name == "" {
				return nil, invalid(text, pos+1, "empty property name")
			}
			p.Segments = append(p.Segments, Segment{Type: SegmentProperty, Value: name})
			pos = next
		case '[':
			seg, next, err := scanBracket(text, pos)
			if err != nil {
				return nil, err
			}
			p.Segments = append(p.Segments, seg)
			pos = next
		case ']':
			return nil, invalid(text, pos, "unmatched ]")
		default:
			return nil, invalid(text, pos, fmt.Sprintf("unexpected character %q", text[pos]))
		}
	}

	return p, nil
}

// scanName reads a bare property name starting at pos.
func scanName(text string, pos int) (string, int) {
	end := pos
	for end < len(text) && !strings.ContainsRune(".[]", rune(text[end])) {
		end++
	}
	return text[pos:end], end
}

// scanBracket reads a [n], ["name"] or ['name'] segment; pos points at '['.
func scanBracket(text string, pos int) (Segment, int, error) {
	start := pos + 1
	if start >= len(text) {
		return Segment{}, 0, invalid(text, pos, "unmatched [")
	}

	if quote := text[start]; quote == '"' || quote == '\'' {
		closing := strings.IndexByte(text[start+1:], quote)
		if closing < 0 {
			return Segment{}, 0, invalid(text, start, "unterminated quoted property")
		}
		end := start + 1 + closing
		name := text[start+1 : end]
		if name == "" {
			return Segment{}, 0, invalid(text, start, "empty property name")
		}
		if end+1 >= len(text) || text[end+1] != ']' {
			return Segment{}, 0, invalid(text, end+1, "unmatched [")
		}
		return Segment{Type: SegmentProperty, Value: name}, end + 2, nil
	}

	closing := strings.IndexByte(text[start:], ']')
	if closing < 0 {
		return Segment{}, 0, invalid(text, pos, "unmatched [")
	}
	digits := text[start : start+closing]
	if digits == "" {
		return Segment{}, 0, invalid(text, start, "empty index")
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Segment{}, 0, invalid(text, start+i, fmt.Sprintf("index %q is not a non-negative integer", digits))
		}
	}
	idx, err := strconv.Atoi(digits)
	if err != nil {
		return Segment{}, 0, invalid(text, start, fmt.Sprintf("index %q out of range", digits))
	}
	return Segment{Type: SegmentIndex, Index: idx}, start + closing + 1, nil
}

// GetPropertyAccess returns the property name if this is a property segment.
func (s *Segment) GetPropertyAccess() (string, bool) {
	if s.Type == SegmentProperty {
		return s.Value, true
	}
	return "", false
}

// GetArrayIndex returns the 0-based index if this is an index segment.
func (s *Segment) GetArrayIndex() (int, bool) {
	if s.Type == SegmentIndex {
		return s.Index, true
	}
	return 0, false
}

// Root returns the root key, the unit stored under one flat store key.
func (p *Path) Root() string {
	return p.Segments[0].Value
}

// Tail returns every segment after the root.
func (p *Path) Tail() []Segment {
	return p.Segments[1:]
}

// IsRoot returns true if the path addresses a whole root key.
func (p *Path) IsRoot() bool {
	return len(p.Segments) == 1
}

// Len returns the number of segments.
func (p *Path) Len() int {
	return len(p.Segments)
}

// String reconstructs the expression in canonical form.
func (p *Path) String() string {
	var b strings.Builder
	for i, seg := range p.Segments {
		switch {
		case seg.Type == SegmentIndex:
			b.WriteString("[" + strconv.Itoa(seg.Index) + "]")
		case strings.ContainsAny(seg.Value, ".[]"):
			quote := `"`
			if strings.Contains(seg.Value, `"`) {
				quote = "'"
			}
			b.WriteString("[" + quote + seg.Value + quote + "]")
		default:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(seg.Value)
		}
	}
	return b.String()
}
