package scene

import (
	"fmt"
	"strings"
)

// ValidationError rejects a whole device config. Problems lists every
// issue found, not just the first.
type ValidationError struct {
	DeviceID string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid device config %q: %s", e.DeviceID, e.Problems[0])
	}
	return fmt.Sprintf("invalid device config %q: %d problems: %s",
		e.DeviceID, len(e.Problems), strings.Join(e.Problems, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// ReferenceError reports a layer that points at an ApiSource the config
// does not declare. It is a warning: the rest of the scene still renders.
type ReferenceError struct {
	LayerID string
	Event   string // empty for the layer's own binding
	APIID   string
}

func (e *ReferenceError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("layer %q %s event references unknown api %q", e.LayerID, e.Event, e.APIID)
	}
	return fmt.Sprintf("layer %q references unknown api %q", e.LayerID, e.APIID)
}
