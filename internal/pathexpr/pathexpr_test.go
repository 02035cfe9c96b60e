package pathexpr

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestParse(t *testing.T) {
	p, err := Parse("data.rows[2].registerAddressState")
	require.NoError(t, err)
	assert.Equal(t, []Segment{
		{Field: "data"},
		{Field: "rows"},
		{Index: 2, IsIndex: true},
		{Field: "registerAddressState"},
	}, p.Segments())
	assert.Equal(t, "data.rows[2].registerAddressState", p.String())

	p, err = Parse("[0][1]")
	require.NoError(t, err)
	assert.Len(t, p.Segments(), 2)

	p, err = Parse("")
	require.NoError(t, err)
	assert.True(t, p.IsRoot())

	for _, bad := range []string{"rows[x]", "rows[0", "a..b", "rows[-1]", "rows]", "rows[0]x"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}

func TestLookup(t *testing.T) {
	doc := decode(t, `{
		"rows": [{"state": true, "name": "A"}, {"state": false, "name": null}],
		"data": {"value": 12.5, "nested": {"list": [[1, 2], [3]]}},
		"scalar": "x"
	}`)

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"rows[0].state", true, true},
		{"rows[1].state", false, true},
		{"rows[1].name", nil, true},
		{"rows.0.name", "A", true},
		{"data.value", 12.5, true},
		{"data.nested.list[1][0]", float64(3), true},
		{"rows[2].state", nil, false},
		{"rows[0].missing", nil, false},
		{"scalar[0]", nil, false},
		{"scalar.deeper", nil, false},
		{"missing.deeper.still", nil, false},
		{"data.nested.list[0][5]", nil, false},
		{"rows[", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Lookup(doc, tt.path)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookup_NeverPanicsOnOddRoots(t *testing.T) {
	roots := []any{nil, "text", 3.0, true, []any{}, map[string]any{}}
	for _, root := range roots {
		assert.NotPanics(t, func() {
			_, ok := Lookup(root, "rows[0].state")
			assert.False(t, ok)
		})
	}
}

func TestResolve_ReturnsErrNotFound(t *testing.T) {
	p := MustParse("rows[0].state")
	_, err := p.Resolve(decode(t, `{"rows": []}`))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupSample_ResponseShapes(t *testing.T) {
	bare := decode(t, `{"rows": [{"state": true}]}`)
	nested := decode(t, `{"code": 200, "data": {"rows": [{"state": false}]}}`)
	both := decode(t, `{"rows": [{"state": "top"}], "data": {"rows": [{"state": "nested"}]}}`)
	topEmpty := decode(t, `{"rows": [], "data": {"rows": [{"state": "nested"}]}}`)
	array := decode(t, `[{"state": 1}]`)

	t.Run("rows path against rows", func(t *testing.T) {
		v, ok := LookupSample(bare, "rows[0].state")
		require.True(t, ok)
		assert.Equal(t, true, v)
	})

	t.Run("rows path against data.rows", func(t *testing.T) {
		v, ok := LookupSample(nested, "rows[0].state")
		require.True(t, ok)
		assert.Equal(t, false, v)
	})

	t.Run("data.rows path against rows", func(t *testing.T) {
		v, ok := LookupSample(bare, "data.rows[0].state")
		require.True(t, ok)
		assert.Equal(t, true, v)
	})

	t.Run("top-level rows preferred when both exist", func(t *testing.T) {
		v, ok := LookupSample(both, "data.rows[0].state")
		require.True(t, ok)
		assert.Equal(t, "top", v)
	})

	t.Run("precedence is decided by container", func(t *testing.T) {
		_, ok := LookupSample(topEmpty, "rows[0].state")
		assert.False(t, ok)
	})

	t.Run("bare array root", func(t *testing.T) {
		v, ok := LookupSample(array, "rows[0].state")
		require.True(t, ok)
		assert.Equal(t, float64(1), v)
	})

	t.Run("empty rows is not found", func(t *testing.T) {
		_, ok := LookupSample(decode(t, `{"rows": []}`), "rows[0].state")
		assert.False(t, ok)
	})

	t.Run("rows object is plain lookup", func(t *testing.T) {
		v, ok := LookupSample(decode(t, `{"rows": {"total": 5}}`), "rows.total")
		require.True(t, ok)
		assert.Equal(t, float64(5), v)

		v, ok = LookupSample(decode(t, `{"data": {"rows": {"x": "y"}}}`), "data.rows.x")
		require.True(t, ok)
		assert.Equal(t, "y", v)

		_, ok = LookupSample(decode(t, `{"rows": {"total": 5}}`), "rows.missing")
		assert.False(t, ok)
	})

	t.Run("non-rows path is plain lookup", func(t *testing.T) {
		v, ok := LookupSample(nested, "code")
		require.True(t, ok)
		assert.Equal(t, float64(200), v)
	})
}
