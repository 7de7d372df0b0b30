package schema

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

// InferOptions controls schema inference.
type InferOptions struct {
	// Nullable marks every inferred column nullable, not only the columns
	// where a null or missing value was seen.
	Nullable bool
	// Metadata is attached to the inferred schema.
	Metadata map[string]string
}

type inferredField struct {
	typ      arrow.DataType
	packed   bool
	nullable bool
}

// Infer derives a schema from example records. Column order follows first
// appearance. Types are widened across records: null combines with anything,
// int and float widen to float64, and lists and structs widen element-wise.
// Columns missing from some records are nullable.
func Infer(records []*Record, opts InferOptions) (*Schema, error) {
	var order []string
	cols := make(map[string]*inferredField)

	for ri, rec := range records {
		var err error
		rec.Each(func(name string, v Value) {
			if err != nil {
				return
			}
			dt, packed, verr := valueType(v)
			if verr != nil {
				err = fmt.Errorf("record %d field %q: %w", ri, name, verr)
				return
			}
			col, ok := cols[name]
			if !ok {
				col = &inferredField{typ: dt, packed: packed, nullable: v.IsNull() || ri > 0}
				cols[name] = col
				order = append(order, name)
				return
			}
			wide, werr := widen(col.typ, dt)
			if werr != nil {
				err = fmt.Errorf("record %d field %q: %w", ri, name, werr)
				return
			}
			col.typ = wide
			col.packed = col.packed || packed
			col.nullable = col.nullable || v.IsNull()
		})
		if err != nil {
			return nil, err
		}
		for name, col := range cols {
			if !rec.Has(name) {
				col.nullable = true
			}
		}
	}

	fields := make([]arrow.Field, 0, len(order))
	for _, name := range order {
		col := cols[name]
		f := arrow.Field{Name: name, Type: col.typ, Nullable: opts.Nullable || col.nullable || col.typ.ID() == arrow.NULL}
		if col.packed {
			f.Metadata = arrow.NewMetadata([]string{PackedKey}, []string{PackedCBOR})
		}
		fields = append(fields, f)
	}
	return New(fields, opts.Metadata)
}

// InferBatch returns the schema of a columnar batch, optionally marking every
// column nullable.
func InferBatch(rec arrow.Record, opts InferOptions) (*Schema, error) {
	fields := append([]arrow.Field(nil), rec.Schema().Fields()...)
	if opts.Nullable {
		for i := range fields {
			fields[i].Nullable = true
		}
	}
	md := metadataToMap(rec.Schema().Metadata())
	for k, v := range opts.Metadata {
		md[k] = v
	}
	return New(fields, md)
}

// valueType returns the canonical arrow type for v and whether it must be packed.
func valueType(v Value) (arrow.DataType, bool, error) {
	switch v.Kind() {
	case KindNull:
		return arrow.Null, false, nil
	case KindBool:
		return arrow.FixedWidthTypes.Boolean, false, nil
	case KindInt:
		return arrow.PrimitiveTypes.Int64, false, nil
	case KindUint:
		return arrow.PrimitiveTypes.Uint64, false, nil
	case KindFloat:
		return arrow.PrimitiveTypes.Float64, false, nil
	case KindString:
		return arrow.BinaryTypes.String, false, nil
	case KindBytes:
		return arrow.BinaryTypes.Binary, false, nil
	case KindTime:
		return Timestamp, false, nil
	case KindBlob:
		return arrow.BinaryTypes.Binary, true, nil
	case KindList:
		var elem arrow.DataType = arrow.Null
		for i, e := range v.AsList() {
			dt, _, err := valueType(e)
			if err != nil {
				return nil, false, fmt.Errorf("list index %d: %w", i, err)
			}
			if elem, err = widen(elem, dt); err != nil {
				return nil, false, fmt.Errorf("list index %d: %w", i, err)
			}
		}
		return arrow.ListOf(elem), false, nil
	case KindStruct:
		rec := v.AsStruct()
		fields := make([]arrow.Field, 0, rec.Len())
		var err error
		rec.Each(func(name string, fv Value) {
			if err != nil {
				return
			}
			dt, _, ferr := valueType(fv)
			if ferr != nil {
				err = fmt.Errorf("struct field %q: %w", name, ferr)
				return
			}
			fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
		})
		if err != nil {
			return nil, false, err
		}
		return arrow.StructOf(fields...), false, nil
	}
	return nil, false, fmt.Errorf("%w: %s", ErrUnsupportedType, v.Kind())
}

// widen returns the narrowest type able to hold values of both a and b.
func widen(a, b arrow.DataType) (arrow.DataType, error) {
	switch {
	case a.ID() == arrow.NULL:
		return b, nil
	case b.ID() == arrow.NULL:
		return a, nil
	case arrow.TypeEqual(a, b):
		return a, nil
	}
	aid, bid := a.ID(), b.ID()
	switch {
	case isFloat(aid) && isNumeric(bid), isNumeric(aid) && isFloat(bid):
		return arrow.PrimitiveTypes.Float64, nil
	case isNumeric(aid) && isNumeric(bid):
		return arrow.PrimitiveTypes.Int64, nil
	case aid == arrow.LIST && bid == arrow.LIST:
		elem, err := widen(a.(*arrow.ListType).Elem(), b.(*arrow.ListType).Elem())
		if err != nil {
			return nil, err
		}
		return arrow.ListOf(elem), nil
	case aid == arrow.STRUCT && bid == arrow.STRUCT:
		return widenStruct(a.(*arrow.StructType), b.(*arrow.StructType))
	}
	return nil, fmt.Errorf("%w: %s and %s", ErrIncompatibleTypes, a, b)
}

func widenStruct(a, b *arrow.StructType) (arrow.DataType, error) {
	fields := make([]arrow.Field, 0, a.NumFields())
	for _, f := range a.Fields() {
		if j, ok := b.FieldIdx(f.Name); ok {
			dt, err := widen(f.Type, b.Field(j).Type)
			if err != nil {
				return nil, fmt.Errorf("struct field %q: %w", f.Name, err)
			}
			f.Type = dt
		}
		f.Nullable = true
		fields = append(fields, f)
	}
	for _, f := range b.Fields() {
		if _, ok := a.FieldIdx(f.Name); !ok {
			f.Nullable = true
			fields = append(fields, f)
		}
	}
	return arrow.StructOf(fields...), nil
}
