package extract

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

func staticLoader(records map[string]map[string]any) Loader {
	return MapLoader(func(path string) (map[string]any, error) {
		m, ok := records[path]
		if !ok {
			return nil, errors.New("no such file")
		}
		return m, nil
	})
}

func floatPtr(f float64) *float64 { return &f }

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"ExplicitFields", testWrapExplicitFields},
		{"SchemaFromExample", testWrapSchemaFromExample},
		{"RenameMap", testWrapRenameMap},
		{"LowOverlapWarn", testWrapLowOverlapWarn},
		{"LowOverlapReject", testWrapLowOverlapReject},
		{"NoRecord", testWrapNoRecord},
		{"LoaderError", testWrapLoaderError},
		{"NoFields", testWrapNoFields},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testWrapExplicitFields(t *testing.T) {
	loader := staticLoader(map[string]map[string]any{
		"a.json": {"weight": "71.5", "subject": "01"},
	})
	w, err := NewWrap(loader, WrapOptions{
		Name:   "weights",
		Fields: []schema.FieldSpec{{Name: "weight", Type: "float"}},
	})
	require.NoError(t, err)

	rec, err := w.Extract("a.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"weight"}, rec.Names())
	v, _ := rec.Get("weight")
	assert.Equal(t, 71.5, v.AsFloat())
}

func testWrapSchemaFromExample(t *testing.T) {
	loader := staticLoader(map[string]map[string]any{
		"example.json": {"a": 1, "b": "x"},
		"other.json":   {"a": 2},
	})
	w, err := NewWrap(loader, WrapOptions{
		Name:    "ex",
		Example: "example.json",
		Fields:  []schema.FieldSpec{{Name: "b", Type: "list<str>"}, {Name: "c", Type: "bool"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, w.Schema().Names())
	b, _ := w.Schema().FieldByName("b")
	assert.True(t, arrow.TypeEqual(arrow.ListOf(arrow.BinaryTypes.String), b.Type))

	rec, err := w.Extract("other.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.Names(), "missing fields are omitted for group-wise accumulation")

	_, err = NewWrap(loader, WrapOptions{Name: "bad", Example: "missing.json"})
	assert.Error(t, err)
}

func testWrapRenameMap(t *testing.T) {
	loader := staticLoader(map[string]map[string]any{
		"a.json": {"RepetitionTime": 2.0, "Junk": 1},
	})
	w, err := NewWrap(loader, WrapOptions{
		Name:      "sidecar",
		Example:   "a.json",
		RenameMap: map[string]string{"RepetitionTime": "tr", "Junk": DeleteField},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"tr"}, w.Schema().Names())

	rec, err := w.Extract("a.json")
	require.NoError(t, err)
	v, ok := rec.Get("tr")
	require.True(t, ok)
	assert.Equal(t, 2.0, v.AsFloat())
	assert.False(t, rec.Has("Junk"))
}

func testWrapLowOverlapWarn(t *testing.T) {
	loader := staticLoader(map[string]map[string]any{
		"a.json": {"a": 1, "zzz": 2},
	})
	w, err := NewWrap(loader, WrapOptions{
		Name:   "w",
		Fields: []schema.FieldSpec{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}, {Name: "c", Type: "int"}},
	})
	require.NoError(t, err)

	rec, err := w.Extract("a.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.Names())
}

func testWrapLowOverlapReject(t *testing.T) {
	loader := staticLoader(map[string]map[string]any{
		"low.json":  {"a": 1, "zzz": 2},
		"high.json": {"a": 1, "b": 2},
	})
	w, err := NewWrap(loader, WrapOptions{
		Name:             "w",
		Fields:           []schema.FieldSpec{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}, {Name: "c", Type: "int"}},
		OverlapThreshold: floatPtr(0.5),
		OnLowOverlap:     OverlapReject,
	})
	require.NoError(t, err)

	_, err = w.Extract("low.json")
	var oe *OverlapError
	require.ErrorAs(t, err, &oe)
	assert.InDelta(t, 1.0/3.0, oe.Overlap, 1e-9)
	assert.Equal(t, []string{"b", "c"}, oe.Missing)
	assert.Equal(t, []string{"zzz"}, oe.Extra)

	rec, err := w.Extract("high.json")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Len())
}

func testWrapNoRecord(t *testing.T) {
	loader := MapLoader(func(string) (map[string]any, error) { return nil, nil })
	w, err := NewWrap(loader, WrapOptions{Name: "w", Fields: []schema.FieldSpec{{Name: "a", Type: "int"}}})
	require.NoError(t, err)

	rec, err := w.Extract("x")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func testWrapLoaderError(t *testing.T) {
	w, err := NewWrap(staticLoader(nil), WrapOptions{Name: "w", Fields: []schema.FieldSpec{{Name: "a", Type: "int"}}})
	require.NoError(t, err)
	_, err = w.Extract("nope")
	assert.EqualError(t, err, "no such file")
}

func testWrapNoFields(t *testing.T) {
	_, err := NewWrap(staticLoader(nil), WrapOptions{Name: "w"})
	assert.ErrorIs(t, err, ErrNoFields)
}

func TestKeyExtractor(t *testing.T) {
	loader := staticLoader(map[string]map[string]any{
		"full.json":    {"id": 3, "site": "A"},
		"partial.json": {"id": 4},
	})
	w, err := NewWrap(loader, WrapOptions{
		Name:             "idx",
		Fields:           []schema.FieldSpec{{Name: "id", Type: "int"}, {Name: "site", Type: "str"}},
		OverlapThreshold: floatPtr(0),
		WithNull:         true,
	})
	require.NoError(t, err)
	k, err := NewKeyExtractor(w)
	require.NoError(t, err)

	key, err := k.Key("full.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "site"}, key.Names())

	key, err = k.Key("partial.json")
	require.NoError(t, err)
	assert.Nil(t, key)

	bad, err := NewWrap(loader, WrapOptions{Name: "bad", Fields: []schema.FieldSpec{{Name: "x", Type: "float"}}})
	require.NoError(t, err)
	_, err = NewKeyExtractor(bad)
	assert.Error(t, err)
}

func TestOverlapPolicyParse(t *testing.T) {
	p, err := ParseOverlapPolicy("Reject")
	require.NoError(t, err)
	assert.Equal(t, OverlapReject, p)
	p, err = ParseOverlapPolicy("")
	require.NoError(t, err)
	assert.Equal(t, OverlapWarn, p)
	_, err = ParseOverlapPolicy("drop")
	assert.Error(t, err)
}
