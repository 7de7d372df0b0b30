package schema

import (
	"errors"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		alias string
		want  arrow.DataType
	}{
		{"str", arrow.BinaryTypes.String},
		{"UTF8", arrow.BinaryTypes.String},
		{"int", arrow.PrimitiveTypes.Int64},
		{"int16", arrow.PrimitiveTypes.Int16},
		{"uint8", arrow.PrimitiveTypes.Uint8},
		{"double", arrow.PrimitiveTypes.Float64},
		{"float32", arrow.PrimitiveTypes.Float32},
		{"bool", arrow.FixedWidthTypes.Boolean},
		{"bytes", arrow.BinaryTypes.Binary},
		{"timestamp", Timestamp},
		{"list<float>", arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		{"list< list<int32> >", arrow.ListOf(arrow.ListOf(arrow.PrimitiveTypes.Int32))},
		{"struct<a: str, b: list<int>>", arrow.StructOf(
			arrow.Field{Name: "a", Type: arrow.BinaryTypes.String, Nullable: true},
			arrow.Field{Name: "b", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: true},
		)},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			got, err := ParseType(tt.alias)
			require.NoError(t, err)
			assert.True(t, arrow.TypeEqual(tt.want, got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestParseTypeErrors(t *testing.T) {
	for _, alias := range []string{"", "decimal", "list<int", "list<>", "struct<a int>", "struct<a: int, a: str>", "int extra"} {
		t.Run(alias, func(t *testing.T) {
			_, err := ParseType(alias)
			require.Error(t, err)
			var pe *ParseTypeError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestParseFieldPacked(t *testing.T) {
	f, err := ParseField("image", "ndarray")
	require.NoError(t, err)
	assert.True(t, arrow.TypeEqual(arrow.BinaryTypes.Binary, f.Type))
	assert.True(t, IsPacked(f))

	f, err = ParseField("name", "str")
	require.NoError(t, err)
	assert.False(t, IsPacked(f))

	_, err = ParseField("", "str")
	assert.Error(t, err)
}

func TestSchema(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"DuplicateField", testSchemaDuplicateField},
		{"FromSpecs", testSchemaFromSpecs},
		{"EqualAndCompatible", testSchemaEqualAndCompatible},
		{"Concat", testSchemaConcat},
		{"ConcatCollision", testSchemaConcatCollision},
		{"Select", testSchemaSelect},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testSchemaDuplicateField(t *testing.T) {
	_, err := New([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		{Name: "a", Type: arrow.BinaryTypes.String},
	}, nil)
	assert.ErrorIs(t, err, ErrDuplicateField)
}

func testSchemaFromSpecs(t *testing.T) {
	s, err := FromSpecs([]FieldSpec{
		{Name: "subject", Type: "str"},
		{Name: "height", Type: "float"},
		{Name: "tags", Type: "list<str>"},
	}, map[string]string{"source": "test"})
	require.NoError(t, err)

	assert.Equal(t, []string{"subject", "height", "tags"}, s.Names())
	assert.Equal(t, 1, s.Index("height"))
	assert.Equal(t, -1, s.Index("weight"))
	assert.Equal(t, "test", s.Metadata()["source"])

	_, err = FromSpecs([]FieldSpec{{Name: "x", Type: "complex128"}}, nil)
	assert.Error(t, err)
}

func testSchemaEqualAndCompatible(t *testing.T) {
	a := MustNew([]arrow.Field{
		{Name: "x", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "y", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	same := MustNew([]arrow.Field{
		{Name: "x", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "y", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	reordered := MustNew([]arrow.Field{
		{Name: "y", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "x", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	}, nil)
	other := MustNew([]arrow.Field{
		{Name: "x", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "z", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	listCol := MustNew([]arrow.Field{
		{Name: "x", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: true},
		{Name: "y", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)

	assert.True(t, a.Equal(same))
	assert.False(t, a.Equal(reordered))
	assert.True(t, a.Compatible(reordered))
	assert.False(t, a.Compatible(other))
	assert.False(t, a.Compatible(listCol))

	missing, extra := a.Diff(other)
	assert.Equal(t, []string{"y"}, missing)
	assert.Equal(t, []string{"z"}, extra)
}

func testSchemaConcat(t *testing.T) {
	index := MustNew([]arrow.Field{{Name: "subject", Type: arrow.BinaryTypes.String}}, nil)
	groupA := MustNew([]arrow.Field{{Name: "height", Type: arrow.PrimitiveTypes.Float64}}, map[string]string{"unit": "cm"})
	groupB := MustNew([]arrow.Field{{Name: "weight", Type: arrow.PrimitiveTypes.Float64}}, nil)

	s, err := Concat([]*Schema{index, groupA, groupB}, []string{"_index", "group_a", "group_b"}, ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"_index.subject", "group_a.height", "group_b.weight"}, s.Names())
	assert.Equal(t, map[string]string{"group_a.unit": "cm"}, s.Metadata())

	flat, err := Concat([]*Schema{index, groupA}, nil, ".")
	require.NoError(t, err)
	assert.Equal(t, []string{"subject", "height"}, flat.Names())

	mixed, err := Concat([]*Schema{index, groupA}, []string{"", "a"}, "__")
	require.NoError(t, err)
	assert.Equal(t, []string{"subject", "a__height"}, mixed.Names())
}

func testSchemaConcatCollision(t *testing.T) {
	a := MustNew([]arrow.Field{{Name: "b.c", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := MustNew([]arrow.Field{{Name: "c", Type: arrow.PrimitiveTypes.Int64}}, nil)

	_, err := Concat([]*Schema{a, b}, []string{"", "b"}, ".")
	assert.ErrorIs(t, err, ErrDuplicateField)

	_, err = Concat([]*Schema{a, b}, []string{"x"}, ".")
	assert.Error(t, err)
}

func testSchemaSelect(t *testing.T) {
	s := MustNew([]arrow.Field{
		{Name: "a", Type: arrow.PrimitiveTypes.Int64},
		{Name: "b", Type: arrow.PrimitiveTypes.Int64},
		{Name: "c", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
	sub, err := s.Select("c", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, sub.Names())

	_, err = s.Select("d")
	assert.ErrorIs(t, err, ErrMismatch)
}
