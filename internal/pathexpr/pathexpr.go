// Package pathexpr resolves dotted and indexed key paths such as
// "rows[2].registerAddressState" against decoded JSON documents.
//
// Lookups never fail loudly: a missing field, an index into a non-array,
// or an out-of-range index all report "not found".
package pathexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a path does not resolve against a document.
var ErrNotFound = errors.New("path not found")

// Segment is one step of a path: a field name or an array index.
type Segment struct {
	Field   string
	Index   int
	IsIndex bool
}

func (s Segment) String() string {
	if s.IsIndex {
		return "[" + strconv.Itoa(s.Index) + "]"
	}
	return s.Field
}

// Path is a parsed path expression.
type Path struct {
	raw  string
	segs []Segment
}

// Parse compiles a path expression. Dots separate field names; each field
// may be followed by any number of [n] index suffixes. A leading index
// ("[0].name") addresses a document whose root is an array.
func Parse(expr string) (Path, error) {
	p := Path{raw: expr}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return p, nil
	}

	for i, part := range strings.Split(expr, ".") {
		if part == "" {
			return Path{}, fmt.Errorf("path %q: empty segment at position %d", expr, i)
		}
		name := part
		rest := ""
		if b := strings.IndexByte(part, '['); b >= 0 {
			name, rest = part[:b], part[b:]
		}
		if name != "" {
			if strings.ContainsAny(name, "]") {
				return Path{}, fmt.Errorf("path %q: unexpected ']' in %q", expr, part)
			}
			p.segs = append(p.segs, Segment{Field: name})
		}
		for rest != "" {
			if rest[0] != '[' {
				return Path{}, fmt.Errorf("path %q: unexpected %q after index", expr, rest)
			}
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return Path{}, fmt.Errorf("path %q: unterminated index", expr)
			}
			n, err := strconv.Atoi(strings.TrimSpace(rest[1:end]))
			if err != nil || n < 0 {
				return Path{}, fmt.Errorf("path %q: invalid index %q", expr, rest[1:end])
			}
			p.segs = append(p.segs, Segment{Index: n, IsIndex: true})
			rest = rest[end+1:]
		}
	}
	return p, nil
}

// MustParse is Parse for package-level constants.
func MustParse(expr string) Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the expression the path was parsed from.
func (p Path) String() string { return p.raw }

// Segments returns a copy of the parsed segments.
func (p Path) Segments() []Segment {
	return append([]Segment(nil), p.segs...)
}

// IsRoot reports whether the path addresses the document itself.
func (p Path) IsRoot() bool { return len(p.segs) == 0 }

// Lookup walks the path from root. The boolean is false when any step is
// missing; a present JSON null resolves to (nil, true).
func (p Path) Lookup(root any) (any, bool) {
	return walk(root, p.segs)
}

// Resolve is Lookup with ErrNotFound for callers that prefer errors.
func (p Path) Resolve(root any) (any, error) {
	v, ok := p.Lookup(root)
	if !ok {
		return nil, fmt.Errorf("%s: %w", p.raw, ErrNotFound)
	}
	return v, nil
}

func walk(cur any, segs []Segment) (any, bool) {
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			if seg.IsIndex {
				v, ok := node[strconv.Itoa(seg.Index)]
				if !ok {
					return nil, false
				}
				cur = v
				continue
			}
			v, ok := node[seg.Field]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx := seg.Index
			if !seg.IsIndex {
				n, err := strconv.Atoi(seg.Field)
				if err != nil {
					return nil, false
				}
				idx = n
			}
			if idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Lookup parses expr and resolves it against root. A malformed expression
// resolves to not found.
func Lookup(root any, expr string) (any, bool) {
	p, err := Parse(expr)
	if err != nil {
		return nil, false
	}
	return p.Lookup(root)
}
