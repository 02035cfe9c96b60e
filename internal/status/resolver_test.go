package status

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/devscene/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

var onOff = models.StatusMapping{
	"true":  {IconURL: "green.gif"},
	"false": {IconURL: "null.png"},
	"1":     {IconURL: "one.png", Label: "One"},
	"1.5":   {IconURL: "half.png"},
	"null":  {IconURL: "unknown.png"},
	"RUN":   {IconURL: "run.png", Label: "Running", ClassName: "ok"},
}

func TestCoerceKey(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
		ok   bool
	}{
		{"true", true, "true", true},
		{"false", false, "false", true},
		{"integral float", float64(1), "1", true},
		{"fraction", 1.5, "1.5", true},
		{"negative zero", negZero(), "0", true},
		{"int", 42, "42", true},
		{"int64", int64(-7), "-7", true},
		{"json int", json.Number("12"), "12", true},
		{"json float", json.Number("2.50"), "2.5", true},
		{"string", "RUN", "RUN", true},
		{"null", nil, "null", true},
		{"object", map[string]any{"a": 1}, "", false},
		{"array", []any{1}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CoerceKey(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func negZero() float64 {
	z := 0.0
	return -z
}

func TestResolve(t *testing.T) {
	def := Directive{IconURL: "default.png"}

	tests := []struct {
		name  string
		value any
		want  Directive
	}{
		{"bool true", true, Directive{IconURL: "green.gif", Matched: true}},
		{"bool false", false, Directive{IconURL: "null.png", Matched: true}},
		{"number", float64(1), Directive{IconURL: "one.png", Label: "One", Matched: true}},
		{"decoded number", json.Number("1"), Directive{IconURL: "one.png", Label: "One", Matched: true}},
		{"string", "RUN", Directive{IconURL: "run.png", Label: "Running", ClassName: "ok", Matched: true}},
		{"null", nil, Directive{IconURL: "unknown.png", Matched: true}},
		{"unmapped", "STOP", def},
		{"object", map[string]any{}, def},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.value, onOff, def))
		})
	}
}

func TestResolve_NilMappingFallsBack(t *testing.T) {
	assert.Equal(t, Empty, Resolve(true, nil, Empty))
}

func TestResolve_Idempotent(t *testing.T) {
	for _, v := range []any{true, false, 1.5, "RUN", "nope", nil} {
		first := Resolve(v, onOff, Empty)
		second := Resolve(v, onOff, Empty)
		assert.Equal(t, first, second)
	}
}

func TestResolve_BooleanMatchesStringKey(t *testing.T) {
	for _, b := range []bool{true, false} {
		key := "false"
		if b {
			key = "true"
		}
		want := onOff[key]
		got := Resolve(b, onOff, Empty)
		assert.Equal(t, want.IconURL, got.IconURL)
	}
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "", FormatValue(nil))
	assert.Equal(t, "3", FormatValue(float64(3)))
	assert.Equal(t, "on", FormatValue("on"))
	assert.Equal(t, `{"a":1}`, FormatValue(map[string]any{"a": 1}))
}

func TestRenderTemplate(t *testing.T) {
	root := map[string]any{
		"rows": []any{
			map[string]any{"registerDescribe": "Pump 1", "registerAddressState": true},
		},
		"site": "north",
	}
	value := map[string]any{"registerDescribe": "Pump 1", "temp": 21.5}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no placeholders", "plain", "plain"},
		{"value scope", "{{registerDescribe}}: {{ temp }}C", "Pump 1: 21.5C"},
		{"root fallback", "{{site}}", "north"},
		{"rows widening", "{{data.rows[0].registerDescribe}}", "Pump 1"},
		{"missing", "[{{nope}}]", "[]"},
		{"value itself", "{{value}}", `{"registerDescribe":"Pump 1","temp":21.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.tmpl, value, value, root))
		})
	}
}

func TestRenderTemplate_ScalarValue(t *testing.T) {
	got := RenderTemplate("state={{value}}", true)
	assert.Equal(t, "state=true", got)
	assert.False(t, strings.Contains(got, "{{"))
}
