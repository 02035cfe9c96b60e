// Package status turns raw polled values into render directives.
package status

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/devscene/backend/internal/models"
)

// Directive tells the renderer which icon and label to show for a layer.
type Directive struct {
	IconURL   string `json:"iconUrl,omitempty"`
	Label     string `json:"label,omitempty"`
	ClassName string `json:"className,omitempty"`
	Matched   bool   `json:"matched"`
}

// Empty is the common default: no icon, no label.
var Empty = Directive{}

// CoerceKey converts a JSON scalar to the string form used as a mapping key.
// Objects and arrays are not scalars and report false.
func CoerceKey(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "null", true
	case string:
		return x, true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	case float64:
		return formatFloat(x), true
	case float32:
		return formatFloat(float64(x)), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10), true
		}
		if f, err := x.Float64(); err == nil {
			return formatFloat(f), true
		}
		return x.String(), true
	}
	return "", false
}

func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Resolve looks up the coerced value in m. A missing entry, or a value that
// is not a scalar, yields def; resolution never fails.
func Resolve(value any, m models.StatusMapping, def Directive) Directive {
	key, ok := CoerceKey(value)
	if !ok {
		return def
	}
	r, ok := m[key]
	if !ok {
		return def
	}
	return Directive{
		IconURL:   r.IconURL,
		Label:     r.Label,
		ClassName: r.ClassName,
		Matched:   true,
	}
}

// FormatValue renders a value as display text: scalars in key form,
// objects and arrays as compact JSON, null as the empty string.
func FormatValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := CoerceKey(v); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
