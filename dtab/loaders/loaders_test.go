package loaders

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRegister(t *testing.T) {
	r := extract.NewRegistry()
	require.NoError(t, Register(r))
	assert.Equal(t, []string{"exif", "json", "tsv_array", "tsv_row"}, r.Loaders())
	assert.Error(t, Register(r))
}

func TestJSON(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "Object",
			test: func(t *testing.T) {
				load, err := NewJSON(nil)
				require.NoError(t, err)
				rec, err := load(writeFile(t, "a.json", `{"RepetitionTime": 2.0, "TaskName": "rest"}`))
				require.NoError(t, err)
				assert.Equal(t, []string{"RepetitionTime", "TaskName"}, rec.Names())
				v, _ := rec.Get("TaskName")
				assert.Equal(t, "rest", v.AsString())
			},
		},
		{
			name: "Flatten",
			test: func(t *testing.T) {
				load, err := NewJSON(map[string]any{"flatten": true, "sep": "__"})
				require.NoError(t, err)
				rec, err := load(writeFile(t, "a.json", `{"a": {"b": 1, "c": {"d": "x"}}, "e": true}`))
				require.NoError(t, err)
				assert.Equal(t, []string{"a__b", "a__c__d", "e"}, rec.Names())
			},
		},
		{
			name: "Select",
			test: func(t *testing.T) {
				load, err := NewJSON(map[string]any{"select": "$.meta"})
				require.NoError(t, err)
				rec, err := load(writeFile(t, "a.json", `{"meta": {"n": 3}, "other": 1}`))
				require.NoError(t, err)
				v, ok := rec.Get("n")
				require.True(t, ok)
				assert.Equal(t, int64(3), v.AsInt())

				rec, err = load(writeFile(t, "b.json", `{"other": 1}`))
				require.NoError(t, err)
				assert.Nil(t, rec)
			},
		},
		{
			name: "KeepsFileOrder",
			test: func(t *testing.T) {
				doc := `{"zeta": 1, "alpha": {"y": 2, "b": [{"q": 1, "c": 2}]}, "mid": "x"}`

				load, err := NewJSON(nil)
				require.NoError(t, err)
				rec, err := load(writeFile(t, "a.json", doc))
				require.NoError(t, err)
				assert.Equal(t, []string{"zeta", "alpha", "mid"}, rec.Names())
				alpha, _ := rec.Get("alpha")
				assert.Equal(t, []string{"y", "b"}, alpha.AsStruct().Names())
				b, _ := alpha.AsStruct().Get("b")
				assert.Equal(t, []string{"q", "c"}, b.AsList()[0].AsStruct().Names())

				load, err = NewJSON(map[string]any{"flatten": true})
				require.NoError(t, err)
				rec, err = load(writeFile(t, "b.json", doc))
				require.NoError(t, err)
				assert.Equal(t, []string{"zeta", "alpha.y", "alpha.b", "mid"}, rec.Names())

				load, err = NewJSON(map[string]any{"select": "$.alpha"})
				require.NoError(t, err)
				rec, err = load(writeFile(t, "c.json", doc))
				require.NoError(t, err)
				assert.Equal(t, []string{"y", "b"}, rec.Names())

				load, err = NewJSON(map[string]any{"select": "$.alpha.b[0]"})
				require.NoError(t, err)
				rec, err = load(writeFile(t, "d.json", doc))
				require.NoError(t, err)
				assert.Equal(t, []string{"q", "c"}, rec.Names())
			},
		},
		{
			name: "EmptyAndInvalid",
			test: func(t *testing.T) {
				load, err := NewJSON(nil)
				require.NoError(t, err)
				rec, err := load(writeFile(t, "a.json", `{}`))
				require.NoError(t, err)
				assert.Nil(t, rec)

				_, err = load(writeFile(t, "b.json", `[1, 2]`))
				assert.Error(t, err)
				_, err = load(writeFile(t, "c.json", `{"a": `))
				assert.Error(t, err)
			},
		},
		{
			name: "BadKwargs",
			test: func(t *testing.T) {
				_, err := NewJSON(map[string]any{"flatten": 3})
				assert.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func TestTSVRow(t *testing.T) {
	load, err := NewTSVRow(nil)
	require.NoError(t, err)

	rec, err := load(writeFile(t, "a.tsv", "age\tsex\tid\tweight\ttags\tnote\n23\tF\t007\t61.5\t[\"a\", \"b\"]\tn/a\n"))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"age", "sex", "id", "weight", "tags", "note"}, rec.Names())

	age, _ := rec.Get("age")
	assert.Equal(t, schema.KindString, age.Kind())
	assert.Equal(t, "23", age.AsString())
	id, _ := rec.Get("id")
	assert.Equal(t, "007", id.AsString())
	weight, _ := rec.Get("weight")
	assert.Equal(t, schema.KindFloat, weight.Kind())
	assert.Equal(t, 61.5, weight.AsFloat())
	tags, _ := rec.Get("tags")
	assert.Equal(t, schema.KindList, tags.Kind())
	assert.Len(t, tags.AsList(), 2)
	note, _ := rec.Get("note")
	assert.True(t, note.IsNull())

	t.Run("Raw", func(t *testing.T) {
		load, err := NewTSVRow(map[string]any{"sep": ",", "deserialize": false})
		require.NoError(t, err)
		rec, err := load(writeFile(t, "a.csv", "w,flag\n1.5,true\n"))
		require.NoError(t, err)
		w, _ := rec.Get("w")
		assert.Equal(t, schema.KindString, w.Kind())
	})

	t.Run("HeaderOnly", func(t *testing.T) {
		rec, err := load(writeFile(t, "a.tsv", "a\tb\n"))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("RaggedRow", func(t *testing.T) {
		_, err := load(writeFile(t, "a.tsv", "a\tb\n1\n"))
		assert.Error(t, err)
	})

	t.Run("BadSeparator", func(t *testing.T) {
		_, err := NewTSVRow(map[string]any{"sep": "::"})
		assert.Error(t, err)
	})
}

func TestTSVArray(t *testing.T) {
	tests := []struct {
		name    string
		content string
		shape   []int
		data    []float64
	}{
		{name: "Matrix", content: "1\t2\t3\n4\t5\t6\n", shape: []int{2, 3}, data: []float64{1, 2, 3, 4, 5, 6}},
		{name: "Row", content: "1\t2\t3\n", shape: []int{3}, data: []float64{1, 2, 3}},
		{name: "Column", content: "# comment\n1\n2\n", shape: []int{2}, data: []float64{1, 2}},
	}

	load, err := NewTSVArray(map[string]any{"name": "bold", "summary": true})
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := load(writeFile(t, "a.tsv", tt.content))
			require.NoError(t, err)
			v, ok := rec.Get("bold")
			require.True(t, ok)
			arr, ok := v.AsBlob().(schema.NDArray)
			require.True(t, ok)
			assert.Equal(t, tt.shape, arr.Shape)
			assert.Equal(t, tt.data, arr.Data)
			assert.Equal(t, "float64", arr.Dtype)
			assert.True(t, rec.Has("bold_mean"))
			assert.True(t, rec.Has("bold_std"))
		})
	}

	t.Run("Empty", func(t *testing.T) {
		rec, err := load(writeFile(t, "a.tsv", ""))
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("NotNumeric", func(t *testing.T) {
		_, err := load(writeFile(t, "a.tsv", "1\tx\n"))
		assert.Error(t, err)
	})
}

func TestEXIFNonImage(t *testing.T) {
	load, err := NewEXIF(map[string]any{"tags": []any{"Model"}})
	require.NoError(t, err)
	rec, err := load(writeFile(t, "a.jpg", "not an image"))
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = load(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}
