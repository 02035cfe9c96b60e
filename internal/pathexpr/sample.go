package pathexpr

// Device APIs answer list queries either as {"rows": [...]} or as
// {"data": {"rows": [...]}}. Paths written against one shape resolve
// against the other. When both containers exist, top-level rows wins;
// the decision is made on the container, not on whether the leaf exists.

var (
	rowsContainer     = []Segment{{Field: "rows"}}
	dataRowsContainer = []Segment{{Field: "data"}, {Field: "rows"}}
)

// rowsTail returns the part of the path after its rows container, if the
// path starts with "rows" or "data.rows".
func (p Path) rowsTail() ([]Segment, bool) {
	if hasPrefix(p.segs, dataRowsContainer) {
		return p.segs[len(dataRowsContainer):], true
	}
	if hasPrefix(p.segs, rowsContainer) {
		return p.segs[len(rowsContainer):], true
	}
	return nil, false
}

func hasPrefix(segs, prefix []Segment) bool {
	if len(segs) < len(prefix) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

// LookupSample resolves p against a polled response, tolerating the rows
// and data.rows shapes, and a bare array root.
func (p Path) LookupSample(root any) (any, bool) {
	tail, ok := p.rowsTail()
	if !ok {
		return p.Lookup(root)
	}
	for _, container := range [][]Segment{rowsContainer, dataRowsContainer} {
		arr, found := walk(root, container)
		if !found {
			continue
		}
		if _, isArray := arr.([]any); !isArray {
			continue
		}
		return walk(arr, tail)
	}
	if arr, isArray := root.([]any); isArray {
		return walk(arr, tail)
	}
	// No rows array anywhere: the path is an ordinary one.
	return p.Lookup(root)
}

// LookupSample parses expr and resolves it against a polled response.
func LookupSample(root any, expr string) (any, bool) {
	p, err := Parse(expr)
	if err != nil {
		return nil, false
	}
	return p.LookupSample(root)
}
