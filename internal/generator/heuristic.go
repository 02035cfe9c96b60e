package generator

import (
	"regexp"
	"sort"
)

// FallbackStatusField is bound when no field of a row looks like a status.
const FallbackStatusField = "registerAddressState"

// FieldHeuristic picks the fields of a sample row that drive a port layer.
type FieldHeuristic interface {
	// StatusField names the scalar field holding the on/off state.
	StatusField(row map[string]any) (string, bool)
	// LabelField names the field shown on hover.
	LabelField(row map[string]any) (string, bool)
}

// RegexHeuristic matches field names against patterns. Keys are tried in
// sorted order so the choice is stable.
type RegexHeuristic struct {
	Status *regexp.Regexp
	Labels []string
}

// DefaultHeuristic matches state/status fields and the usual label names.
func DefaultHeuristic() *RegexHeuristic {
	return &RegexHeuristic{
		Status: regexp.MustCompile(`(?i)state|status`),
		Labels: []string{"registerDescribe", "name", "title", "desc"},
	}
}

func (h *RegexHeuristic) StatusField(row map[string]any) (string, bool) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !h.Status.MatchString(k) {
			continue
		}
		switch row[k].(type) {
		case map[string]any, []any:
			continue
		}
		return k, true
	}
	return "", false
}

func (h *RegexHeuristic) LabelField(row map[string]any) (string, bool) {
	for _, k := range h.Labels {
		if _, ok := row[k]; ok {
			return k, true
		}
	}
	return "", false
}

// Fields applies h to row, falling back to the register table's own fields.
func Fields(h FieldHeuristic, row map[string]any) (status, label string) {
	status, ok := h.StatusField(row)
	if !ok {
		status = FallbackStatusField
	}
	label, ok = h.LabelField(row)
	if !ok {
		label = "registerDescribe"
	}
	return status, label
}
