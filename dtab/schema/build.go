package schema

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// BuildRecord converts rows into a columnar batch with schema s. Each row is
// coerced first; fields missing from a row are null.
func BuildRecord(mem memory.Allocator, s *Schema, rows []*Record) (arrow.Record, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	b := array.NewRecordBuilder(mem, s.Arrow())
	defer b.Release()

	fields := s.Fields()
	for ri, row := range rows {
		for fi, f := range fields {
			v, ok := row.Get(f.Name)
			if !ok {
				b.Field(fi).AppendNull()
				continue
			}
			cv, err := castValue(v, f.Type, castOptions{packed: IsPacked(f)})
			if err != nil {
				return nil, &CoerceError{Field: f.Name, Value: v.String(), Type: f.Type, Row: ri, Err: err}
			}
			if err := appendValue(b.Field(fi), cv); err != nil {
				return nil, &CoerceError{Field: f.Name, Value: v.String(), Type: f.Type, Row: ri, Err: err}
			}
		}
	}
	return b.NewRecord(), nil
}

func appendValue(b array.Builder, v Value) error {
	if v.IsNull() {
		b.AppendNull()
		return nil
	}
	switch bb := b.(type) {
	case *array.BooleanBuilder:
		bb.Append(v.AsBool())
	case *array.Int8Builder:
		bb.Append(int8(v.AsInt()))
	case *array.Int16Builder:
		bb.Append(int16(v.AsInt()))
	case *array.Int32Builder:
		bb.Append(int32(v.AsInt()))
	case *array.Int64Builder:
		bb.Append(v.AsInt())
	case *array.Uint8Builder:
		bb.Append(uint8(v.AsUint()))
	case *array.Uint16Builder:
		bb.Append(uint16(v.AsUint()))
	case *array.Uint32Builder:
		bb.Append(uint32(v.AsUint()))
	case *array.Uint64Builder:
		bb.Append(v.AsUint())
	case *array.Float32Builder:
		bb.Append(float32(v.AsFloat()))
	case *array.Float64Builder:
		bb.Append(v.AsFloat())
	case *array.StringBuilder:
		bb.Append(v.AsString())
	case *array.LargeStringBuilder:
		bb.Append(v.AsString())
	case *array.BinaryBuilder:
		bb.Append(v.AsBytes())
	case *array.TimestampBuilder:
		unit := bb.Type().(*arrow.TimestampType).Unit
		bb.Append(arrow.Timestamp(epochFromTime(v.AsTime(), unit)))
	case *array.ListBuilder:
		bb.Append(true)
		vb := bb.ValueBuilder()
		for i, e := range v.AsList() {
			if err := appendValue(vb, e); err != nil {
				return fmt.Errorf("list index %d: %w", i, err)
			}
		}
	case *array.StructBuilder:
		bb.Append(true)
		st := bb.Type().(*arrow.StructType)
		rec := v.AsStruct()
		for j, f := range st.Fields() {
			fv, _ := rec.Get(f.Name)
			if err := appendValue(bb.FieldBuilder(j), fv); err != nil {
				return fmt.Errorf("struct field %q: %w", f.Name, err)
			}
		}
	default:
		return fmt.Errorf("%w: builder %T", ErrUnsupportedType, b)
	}
	return nil
}

// RowsFromRecord converts a columnar batch back into records.
func RowsFromRecord(rec arrow.Record) ([]*Record, error) {
	n := int(rec.NumRows())
	rows := make([]*Record, n)
	for i := range rows {
		rows[i] = NewRecord()
	}
	for ci, f := range rec.Schema().Fields() {
		col := rec.Column(ci)
		for i := 0; i < n; i++ {
			v, err := ValueAt(col, i)
			if err != nil {
				return nil, fmt.Errorf("column %q row %d: %w", f.Name, i, err)
			}
			rows[i].Set(f.Name, v)
		}
	}
	return rows, nil
}

// ValueAt reads element i of arr as a Value.
func ValueAt(arr arrow.Array, i int) (Value, error) {
	if arr.IsNull(i) {
		return Null(), nil
	}
	switch a := arr.(type) {
	case *array.Null:
		return Null(), nil
	case *array.Boolean:
		return Bool(a.Value(i)), nil
	case *array.Int8:
		return Int(int64(a.Value(i))), nil
	case *array.Int16:
		return Int(int64(a.Value(i))), nil
	case *array.Int32:
		return Int(int64(a.Value(i))), nil
	case *array.Int64:
		return Int(a.Value(i)), nil
	case *array.Uint8:
		return Uint(uint64(a.Value(i))), nil
	case *array.Uint16:
		return Uint(uint64(a.Value(i))), nil
	case *array.Uint32:
		return Uint(uint64(a.Value(i))), nil
	case *array.Uint64:
		return Uint(a.Value(i)), nil
	case *array.Float32:
		return Float(float64(a.Value(i))), nil
	case *array.Float64:
		return Float(a.Value(i)), nil
	case *array.String:
		return String(a.Value(i)), nil
	case *array.LargeString:
		return String(a.Value(i)), nil
	case *array.Binary:
		return Bytes(append([]byte(nil), a.Value(i)...)), nil
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return Time(timeFromEpoch(int64(a.Value(i)), unit)), nil
	case *array.List:
		start, end := a.ValueOffsets(i)
		values := a.ListValues()
		out := make([]Value, 0, end-start)
		for j := int(start); j < int(end); j++ {
			v, err := ValueAt(values, j)
			if err != nil {
				return Value{}, err
			}
			out = append(out, v)
		}
		return List(out...), nil
	case *array.Struct:
		st := a.DataType().(*arrow.StructType)
		rec := NewRecord()
		for j, f := range st.Fields() {
			v, err := ValueAt(a.Field(j), i)
			if err != nil {
				return Value{}, err
			}
			rec.Set(f.Name, v)
		}
		return Struct(rec), nil
	}
	return Value{}, fmt.Errorf("%w: array %T", ErrUnsupportedType, arr)
}
