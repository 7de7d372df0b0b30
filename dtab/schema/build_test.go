package schema

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	s, err := FromSpecs([]FieldSpec{
		{Name: "subject", Type: "str"},
		{Name: "age", Type: "uint8"},
		{Name: "scores", Type: "list<float>"},
		{Name: "info", Type: "struct<site: str, visit: int>"},
		{Name: "acquired", Type: "timestamp"},
	}, nil)
	require.NoError(t, err)

	when := time.Date(2023, 5, 4, 3, 2, 1, 0, time.UTC)
	rows := []*Record{
		mustRecord(t, map[string]any{
			"subject":  "01",
			"age":      34,
			"scores":   []any{1.5, 2},
			"info":     map[string]any{"site": "A", "visit": 2},
			"acquired": when,
		}),
		mustRecord(t, map[string]any{"subject": "02"}),
	}

	rec, err := BuildRecord(mem, s, rows)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(2), rec.NumRows())
	assert.Equal(t, int64(5), rec.NumCols())

	back, err := RowsFromRecord(rec)
	require.NoError(t, err)
	require.Len(t, back, 2)

	age, _ := back[0].Get("age")
	assert.Equal(t, uint64(34), age.AsUint())
	scores, _ := back[0].Get("scores")
	assert.True(t, Equal(List(Float(1.5), Float(2)), scores))
	info, _ := back[0].Get("info")
	site, _ := info.AsStruct().Get("site")
	assert.Equal(t, "A", site.AsString())
	acquired, _ := back[0].Get("acquired")
	assert.True(t, when.Equal(acquired.AsTime()))

	for _, name := range []string{"age", "scores", "info", "acquired"} {
		v, ok := back[1].Get(name)
		require.True(t, ok, name)
		assert.True(t, v.IsNull(), name)
	}
}

func TestBuildRecordCoerceError(t *testing.T) {
	s, err := FromSpecs([]FieldSpec{{Name: "n", Type: "int8"}}, nil)
	require.NoError(t, err)

	_, err = BuildRecord(nil, s, []*Record{
		mustRecord(t, map[string]any{"n": 1}),
		mustRecord(t, map[string]any{"n": 1000}),
	})
	var ce *CoerceError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Row)
	assert.ErrorIs(t, err, ErrUnsafeCast)
}

func TestPackedBlob(t *testing.T) {
	s, err := FromSpecs([]FieldSpec{{Name: "arr", Type: "ndarray"}}, nil)
	require.NoError(t, err)

	arr := NDArray{Shape: []int{2, 2}, Dtype: "float64", Data: []float64{1, 2, 3, 4}}
	rec, err := BuildRecord(nil, s, []*Record{mustRecord(t, map[string]any{"arr": Blob(arr)})})
	require.NoError(t, err)
	defer rec.Release()

	rows, err := RowsFromRecord(rec)
	require.NoError(t, err)
	v, _ := rows[0].Get("arr")
	require.Equal(t, KindBytes, v.Kind())

	var got NDArray
	require.NoError(t, Unpack(v.AsBytes(), &got))
	assert.Equal(t, arr, got)
	assert.Equal(t, 4, got.Size())
}

func TestPackedStruct(t *testing.T) {
	s, err := FromSpecs([]FieldSpec{{Name: "meta", Type: "blob"}}, nil)
	require.NoError(t, err)

	got, err := CoerceRecord(mustRecord(t, map[string]any{"meta": map[string]any{"a": 1}}), s, CoerceOptions{})
	require.NoError(t, err)
	v, _ := got.Get("meta")
	require.Equal(t, KindBytes, v.Kind())

	var m map[string]int64
	require.NoError(t, Unpack(v.AsBytes(), &m))
	assert.Equal(t, map[string]int64{"a": 1}, m)
}
