package schema

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRecord(t *testing.T, m map[string]any) *Record {
	t.Helper()
	rec, err := RecordFromMap(m)
	require.NoError(t, err)
	return rec
}

func TestInfer(t *testing.T) {
	recs := []*Record{
		mustRecord(t, map[string]any{"a": 1, "b": "x", "c": nil}),
		mustRecord(t, map[string]any{"a": 2.5, "b": "y", "d": []any{1, 2}}),
	}
	s, err := Infer(recs, InferOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d"}, s.Names())

	a, _ := s.FieldByName("a")
	assert.True(t, arrow.TypeEqual(arrow.PrimitiveTypes.Float64, a.Type))
	assert.False(t, a.Nullable)

	c, _ := s.FieldByName("c")
	assert.Equal(t, arrow.NULL, c.Type.ID())
	assert.True(t, c.Nullable)

	d, _ := s.FieldByName("d")
	assert.True(t, arrow.TypeEqual(arrow.ListOf(arrow.PrimitiveTypes.Int64), d.Type))
	assert.True(t, d.Nullable, "missing from the first record")

	all, err := Infer(recs, InferOptions{Nullable: true})
	require.NoError(t, err)
	for _, f := range all.Fields() {
		assert.True(t, f.Nullable, f.Name)
	}
}

func TestInferBatch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	s, err := New([]arrow.Field{
		{Name: "subject", Type: arrow.BinaryTypes.String},
		{Name: "height", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{
			Name:     "raw",
			Type:     arrow.BinaryTypes.Binary,
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{PackedKey}, []string{PackedCBOR}),
		},
	}, map[string]string{"source": "json", "version": "1"})
	require.NoError(t, err)

	rec, err := BuildRecord(mem, s, []*Record{
		mustRecord(t, map[string]any{"subject": "01", "height": 180.0}),
	})
	require.NoError(t, err)
	defer rec.Release()

	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{
			name: "KeepsNullability",
			test: func(t *testing.T) {
				got, err := InferBatch(rec, InferOptions{})
				require.NoError(t, err)
				assert.Equal(t, []string{"subject", "height", "raw"}, got.Names())
				assert.False(t, got.Field(0).Nullable)
				assert.True(t, got.Field(1).Nullable)
				assert.True(t, IsPacked(got.Field(2)))
				assert.Equal(t, map[string]string{"source": "json", "version": "1"}, got.Metadata())
			},
		},
		{
			name: "NullableAndMergedMetadata",
			test: func(t *testing.T) {
				got, err := InferBatch(rec, InferOptions{Nullable: true, Metadata: map[string]string{"version": "2", "run": "a"}})
				require.NoError(t, err)
				for _, f := range got.Fields() {
					assert.True(t, f.Nullable, f.Name)
				}
				assert.Equal(t, map[string]string{"source": "json", "version": "2", "run": "a"}, got.Metadata())
				// The batch schema itself is untouched.
				assert.False(t, rec.Schema().Field(0).Nullable)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func TestInferIncompatible(t *testing.T) {
	recs := []*Record{
		mustRecord(t, map[string]any{"a": 1}),
		mustRecord(t, map[string]any{"a": "one"}),
	}
	_, err := Infer(recs, InferOptions{})
	assert.ErrorIs(t, err, ErrIncompatibleTypes)
}

func TestInferBlobIsPacked(t *testing.T) {
	recs := []*Record{mustRecord(t, map[string]any{"arr": Blob(NDArray{Shape: []int{2}, Data: []float64{1, 2}})})}
	s, err := Infer(recs, InferOptions{})
	require.NoError(t, err)
	f, _ := s.FieldByName("arr")
	assert.True(t, IsPacked(f))
}

func TestCoerceRoundTrip(t *testing.T) {
	rec := mustRecord(t, map[string]any{
		"count": 3,
		"name":  "sub-01",
		"score": 0.25,
		"tags":  []any{"a", "b"},
		"meta":  map[string]any{"k": 1},
	})
	s, err := Infer([]*Record{rec}, InferOptions{})
	require.NoError(t, err)

	got, err := CoerceRecord(rec, s, CoerceOptions{})
	require.NoError(t, err)
	assert.True(t, rec.Equal(got), "want %s, got %s", rec, got)
}

func TestCoerceRecord(t *testing.T) {
	target, err := FromSpecs([]FieldSpec{
		{Name: "id", Type: "int32"},
		{Name: "ratio", Type: "float"},
		{Name: "label", Type: "str"},
		{Name: "flag", Type: "bool"},
	}, nil)
	require.NoError(t, err)

	rec := mustRecord(t, map[string]any{
		"label": 7,
		"extra": "dropped",
		"id":    "42",
		"ratio": 1,
	})

	t.Run("WithNull", func(t *testing.T) {
		got, err := CoerceRecord(rec, target, CoerceOptions{WithNull: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "ratio", "label", "flag"}, got.Names())

		id, _ := got.Get("id")
		assert.Equal(t, int64(42), id.AsInt())
		ratio, _ := got.Get("ratio")
		assert.Equal(t, 1.0, ratio.AsFloat())
		label, _ := got.Get("label")
		assert.Equal(t, "7", label.AsString())
		flag, _ := got.Get("flag")
		assert.True(t, flag.IsNull())
	})

	t.Run("WithoutNull", func(t *testing.T) {
		got, err := CoerceRecord(rec, target, CoerceOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "ratio", "label"}, got.Names())
	})
}

func TestCoerceFailsClosed(t *testing.T) {
	tests := []struct {
		name  string
		alias string
		value any
	}{
		{"FloatTruncation", "int64", 1.5},
		{"Int8Overflow", "int8", 300},
		{"NegativeUnsigned", "uint32", -1},
		{"Uint64ToInt64", "int64", uint64(math.MaxUint64)},
		{"LargeIntToFloat", "float64", int64(1<<53 + 1)},
		{"LargeNegativeIntToFloat", "float64", int64(-(1<<53 + 1))},
		{"LargeUintToFloat", "float64", uint64(1<<63 + 1)},
		{"MaxIntToFloat", "float64", int64(math.MaxInt64)},
		{"IntToFloat32", "float32", int64(1<<24 + 1)},
		{"IntToBool", "bool", 2},
		{"BadNumericString", "int", "abc"},
		{"ListToString", "str", []any{1}},
		{"ScalarToList", "list<int>", 1},
		{"Float32Overflow", "float32", 1e300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := FromSpecs([]FieldSpec{{Name: "v", Type: tt.alias}}, nil)
			require.NoError(t, err)
			rec := mustRecord(t, map[string]any{"v": tt.value})

			_, err = CoerceRecord(rec, target, CoerceOptions{})
			require.Error(t, err)
			var ce *CoerceError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "v", ce.Field)
			assert.Equal(t, -1, ce.Row)
		})
	}
}

func TestCoerceExactIntToFloat(t *testing.T) {
	tests := []struct {
		name  string
		alias string
		value any
		want  float64
	}{
		{"Float64Limit", "float64", int64(1 << 53), 1 << 53},
		{"Float64PowerOfTwo", "float64", int64(1 << 62), 1 << 62},
		{"Float64Negative", "float64", int64(-(1 << 53)), -(1 << 53)},
		{"Float64Uint", "float64", uint64(1 << 63), 1 << 63},
		{"Float32PowerOfTwo", "float32", int64(1 << 25), 1 << 25},
		{"Float32Small", "float32", int64(-12345), -12345},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := FromSpecs([]FieldSpec{{Name: "v", Type: tt.alias}}, nil)
			require.NoError(t, err)
			got, err := CoerceRecord(mustRecord(t, map[string]any{"v": tt.value}), target, CoerceOptions{})
			require.NoError(t, err)
			v, _ := got.Get("v")
			assert.Equal(t, tt.want, v.AsFloat())
		})
	}

	// Unsafe rounds instead of failing.
	target, err := FromSpecs([]FieldSpec{{Name: "v", Type: "float64"}}, nil)
	require.NoError(t, err)
	got, err := CoerceRecord(mustRecord(t, map[string]any{"v": int64(1<<53 + 1)}), target, CoerceOptions{Unsafe: true})
	require.NoError(t, err)
	v, _ := got.Get("v")
	assert.Equal(t, float64(1<<53), v.AsFloat())
}

func TestCoerceUnsafe(t *testing.T) {
	target, err := FromSpecs([]FieldSpec{{Name: "v", Type: "int8"}}, nil)
	require.NoError(t, err)

	got, err := CoerceRecord(mustRecord(t, map[string]any{"v": 2.9}), target, CoerceOptions{Unsafe: true})
	require.NoError(t, err)
	v, _ := got.Get("v")
	assert.Equal(t, int64(2), v.AsInt())

	got, err = CoerceRecord(mustRecord(t, map[string]any{"v": 300}), target, CoerceOptions{Unsafe: true})
	require.NoError(t, err)
	v, _ = got.Get("v")
	assert.Equal(t, int64(44), v.AsInt())
}

func TestCoerceRecordsRow(t *testing.T) {
	target, err := FromSpecs([]FieldSpec{{Name: "v", Type: "int"}}, nil)
	require.NoError(t, err)
	recs := []*Record{
		mustRecord(t, map[string]any{"v": 1}),
		mustRecord(t, map[string]any{"v": "two"}),
	}
	_, err = CoerceRecords(recs, target, CoerceOptions{})
	var ce *CoerceError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Row)
}

func TestCoerceStructAndTime(t *testing.T) {
	target, err := FromSpecs([]FieldSpec{
		{Name: "s", Type: "struct<a: int, b: str>"},
		{Name: "ts", Type: "timestamp"},
	}, nil)
	require.NoError(t, err)

	rec := mustRecord(t, map[string]any{
		"s":  map[string]any{"a": "5", "c": true},
		"ts": "2024-03-01T12:00:00Z",
	})
	got, err := CoerceRecord(rec, target, CoerceOptions{})
	require.NoError(t, err)

	s, _ := got.Get("s")
	assert.Equal(t, []string{"a", "b"}, s.AsStruct().Names())
	a, _ := s.AsStruct().Get("a")
	assert.Equal(t, int64(5), a.AsInt())
	b, _ := s.AsStruct().Get("b")
	assert.True(t, b.IsNull())

	ts, _ := got.Get("ts")
	assert.True(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Equal(ts.AsTime()))
}

func TestCoerceBatch(t *testing.T) {
	mem := memory.NewGoAllocator()

	src, err := FromSpecs([]FieldSpec{
		{Name: "b", Type: "int32"},
		{Name: "a", Type: "str"},
		{Name: "extra", Type: "bool"},
	}, nil)
	require.NoError(t, err)
	rec, err := BuildRecord(mem, src, []*Record{
		mustRecord(t, map[string]any{"a": "x", "b": 1, "extra": true}),
		mustRecord(t, map[string]any{"a": "y", "b": 2}),
	})
	require.NoError(t, err)
	defer rec.Release()

	target, err := FromSpecs([]FieldSpec{
		{Name: "a", Type: "str"},
		{Name: "b", Type: "int64"},
		{Name: "c", Type: "float"},
	}, nil)
	require.NoError(t, err)

	out, err := CoerceBatch(context.Background(), rec, target, CoerceOptions{WithNull: true, Allocator: mem})
	require.NoError(t, err)
	defer out.Release()

	assert.Equal(t, int64(3), out.NumCols())
	assert.Equal(t, int64(2), out.NumRows())
	assert.True(t, arrow.TypeEqual(arrow.PrimitiveTypes.Int64, out.Column(1).DataType()))
	assert.Equal(t, []int64{1, 2}, out.Column(1).(*array.Int64).Int64Values())
	assert.Equal(t, 2, out.Column(2).NullN())

	narrow, err := CoerceBatch(context.Background(), rec, target, CoerceOptions{Allocator: mem})
	require.NoError(t, err)
	defer narrow.Release()
	assert.Equal(t, int64(2), narrow.NumCols())
}

func TestCoerceBatchIncompatible(t *testing.T) {
	src, err := FromSpecs([]FieldSpec{{Name: "a", Type: "list<int>"}}, nil)
	require.NoError(t, err)
	rec, err := BuildRecord(nil, src, []*Record{mustRecord(t, map[string]any{"a": []any{1}})})
	require.NoError(t, err)
	defer rec.Release()

	target, err := FromSpecs([]FieldSpec{{Name: "a", Type: "int"}}, nil)
	require.NoError(t, err)

	_, err = CoerceBatch(context.Background(), rec, target, CoerceOptions{})
	var ce *CoerceError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "a", ce.Field)
}
