package schema

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// CoerceOptions controls record and batch coercion.
type CoerceOptions struct {
	// WithNull fills fields missing from the input with null. When false,
	// missing fields are omitted from the output.
	WithNull bool
	// Unsafe permits casts that lose information (truncation, overflow wrap).
	Unsafe bool
	// Allocator used for batch coercion. Defaults to memory.DefaultAllocator.
	Allocator memory.Allocator
}

// CoerceError identifies the field, value and row that failed to cast.
// Row is -1 when coercing a single record or a whole column.
type CoerceError struct {
	Field string
	Value string
	Type  arrow.DataType
	Row   int
	Err   error
}

func (e *CoerceError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "schema: cannot coerce field %q", e.Field)
	if e.Value != "" {
		fmt.Fprintf(&sb, " value %s", e.Value)
	}
	if e.Type != nil {
		fmt.Fprintf(&sb, " to %s", e.Type)
	}
	if e.Row >= 0 {
		fmt.Fprintf(&sb, " (row %d)", e.Row)
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

func (e *CoerceError) Unwrap() error { return e.Err }

// CoerceRecord reorders rec to target's column order, drops fields not in
// target and casts every present value to its column type.
func CoerceRecord(rec *Record, target *Schema, opts CoerceOptions) (*Record, error) {
	out := NewRecord()
	for _, f := range target.Fields() {
		v, ok := rec.Get(f.Name)
		if !ok {
			if opts.WithNull {
				out.Set(f.Name, Null())
			}
			continue
		}
		cv, err := castValue(v, f.Type, castOptions{unsafe: opts.Unsafe, packed: IsPacked(f)})
		if err != nil {
			return nil, &CoerceError{Field: f.Name, Value: v.String(), Type: f.Type, Row: -1, Err: err}
		}
		out.Set(f.Name, cv)
	}
	return out, nil
}

// CoerceRecords coerces a slice of records, tagging failures with their row.
func CoerceRecords(recs []*Record, target *Schema, opts CoerceOptions) ([]*Record, error) {
	out := make([]*Record, len(recs))
	for i, rec := range recs {
		c, err := CoerceRecord(rec, target, opts)
		if err != nil {
			var ce *CoerceError
			if errors.As(err, &ce) {
				ce.Row = i
			}
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// CoerceBatch casts a columnar batch to target. Columns are reordered, extra
// columns dropped and missing columns null-filled (WithNull) or omitted.
func CoerceBatch(ctx context.Context, rec arrow.Record, target *Schema, opts CoerceOptions) (arrow.Record, error) {
	mem := opts.Allocator
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	src := rec.Schema()
	nrows := int(rec.NumRows())

	fields := make([]arrow.Field, 0, target.Len())
	cols := make([]arrow.Array, 0, target.Len())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for _, f := range target.Fields() {
		idx := src.FieldIndices(f.Name)
		if len(idx) == 0 {
			if !opts.WithNull {
				continue
			}
			fields = append(fields, f)
			cols = append(cols, array.MakeArrayOfNull(mem, f.Type, nrows))
			continue
		}
		col := rec.Column(idx[0])
		if arrow.TypeEqual(col.DataType(), f.Type) {
			col.Retain()
			fields = append(fields, f)
			cols = append(cols, col)
			continue
		}
		if !CanCast(col.DataType(), f.Type) {
			return nil, &CoerceError{Field: f.Name, Type: f.Type, Row: -1,
				Err: fmt.Errorf("%w: %s", ErrIncompatibleTypes, col.DataType())}
		}
		castOpts := compute.SafeCastOptions(f.Type)
		if opts.Unsafe {
			castOpts = compute.UnsafeCastOptions(f.Type)
		}
		cast, err := compute.CastArray(compute.WithAllocator(ctx, mem), col, castOpts)
		if err != nil {
			return nil, &CoerceError{Field: f.Name, Type: f.Type, Row: -1, Err: err}
		}
		fields = append(fields, f)
		cols = append(cols, cast)
	}

	md := target.Arrow().Metadata()
	return array.NewRecord(arrow.NewSchema(fields, &md), cols, int64(nrows)), nil
}

type castOptions struct {
	unsafe bool
	packed bool
}

// castValue converts v to the canonical Value representation of dt. Safe
// casts fail with ErrUnsafeCast rather than losing information.
func castValue(v Value, dt arrow.DataType, opts castOptions) (Value, error) {
	if v.IsNull() {
		return v, nil
	}
	id := dt.ID()
	switch {
	case id == arrow.NULL:
		return Value{}, fmt.Errorf("%w: %s value in null column", ErrIncompatibleTypes, v.Kind())
	case id == arrow.BOOL:
		return castBool(v, opts)
	case isSignedInt(id):
		return castInt(v, bitWidth(dt), opts)
	case isUnsignedInt(id):
		return castUint(v, bitWidth(dt), opts)
	case isFloat(id):
		return castFloat(v, id == arrow.FLOAT32, opts)
	case isStringLike(id):
		return castString(v)
	case isBinaryLike(id):
		return castBinary(v, opts)
	case id == arrow.TIMESTAMP:
		return castTime(v, dt.(*arrow.TimestampType).Unit)
	case id == arrow.LIST:
		if v.Kind() != KindList {
			return Value{}, fmt.Errorf("%w: %s to list", ErrIncompatibleTypes, v.Kind())
		}
		elem := dt.(*arrow.ListType).Elem()
		src := v.AsList()
		out := make([]Value, len(src))
		for i, e := range src {
			ce, err := castValue(e, elem, castOptions{unsafe: opts.unsafe})
			if err != nil {
				return Value{}, fmt.Errorf("list index %d: %w", i, err)
			}
			out[i] = ce
		}
		return List(out...), nil
	case id == arrow.STRUCT:
		if v.Kind() != KindStruct {
			return Value{}, fmt.Errorf("%w: %s to struct", ErrIncompatibleTypes, v.Kind())
		}
		st := dt.(*arrow.StructType)
		src := v.AsStruct()
		out := NewRecord()
		for _, f := range st.Fields() {
			fv, ok := src.Get(f.Name)
			if !ok {
				out.Set(f.Name, Null())
				continue
			}
			cv, err := castValue(fv, f.Type, castOptions{unsafe: opts.unsafe, packed: IsPacked(f)})
			if err != nil {
				return Value{}, fmt.Errorf("struct field %q: %w", f.Name, err)
			}
			out.Set(f.Name, cv)
		}
		return Struct(out), nil
	}
	return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

func bitWidth(dt arrow.DataType) int {
	if fw, ok := dt.(arrow.FixedWidthDataType); ok {
		return fw.BitWidth()
	}
	return 64
}

func castBool(v Value, opts castOptions) (Value, error) {
	switch v.Kind() {
	case KindBool:
		return v, nil
	case KindInt, KindUint, KindFloat:
		f := v.toFloat()
		if !opts.unsafe && f != 0 && f != 1 {
			return Value{}, fmt.Errorf("%w: %s to bool", ErrUnsafeCast, v)
		}
		return Bool(f != 0), nil
	case KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.AsString()))
		if err != nil {
			return Value{}, err
		}
		return Bool(b), nil
	}
	return Value{}, fmt.Errorf("%w: %s to bool", ErrIncompatibleTypes, v.Kind())
}

func castInt(v Value, bits int, opts castOptions) (Value, error) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if bits < 64 {
		hi = int64(1)<<(bits-1) - 1
		lo = -hi - 1
	}
	var x int64
	switch v.Kind() {
	case KindBool:
		if v.AsBool() {
			x = 1
		}
	case KindInt:
		x = v.AsInt()
	case KindUint:
		u := v.AsUint()
		if u > math.MaxInt64 {
			if !opts.unsafe {
				return Value{}, fmt.Errorf("%w: %d overflows int%d", ErrUnsafeCast, u, bits)
			}
		}
		x = int64(u)
	case KindFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("%w: %v to int%d", ErrUnsafeCast, f, bits)
		}
		if !opts.unsafe {
			if f != math.Trunc(f) {
				return Value{}, fmt.Errorf("%w: %v truncated to int%d", ErrUnsafeCast, f, bits)
			}
			if f < float64(lo) || f >= -float64(lo) {
				return Value{}, fmt.Errorf("%w: %v overflows int%d", ErrUnsafeCast, f, bits)
			}
		}
		x = int64(f)
	case KindString:
		s := strings.TrimSpace(v.AsString())
		n, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return Value{}, err
		}
		x = n
	default:
		return Value{}, fmt.Errorf("%w: %s to int%d", ErrIncompatibleTypes, v.Kind(), bits)
	}
	if x < lo || x > hi {
		if !opts.unsafe {
			return Value{}, fmt.Errorf("%w: %d overflows int%d", ErrUnsafeCast, x, bits)
		}
		x = wrapInt(x, bits)
	}
	return Int(x), nil
}

func wrapInt(x int64, bits int) int64 {
	switch bits {
	case 8:
		return int64(int8(x))
	case 16:
		return int64(int16(x))
	case 32:
		return int64(int32(x))
	}
	return x
}

func castUint(v Value, bits int, opts castOptions) (Value, error) {
	hi := uint64(math.MaxUint64)
	if bits < 64 {
		hi = uint64(1)<<bits - 1
	}
	var x uint64
	switch v.Kind() {
	case KindBool:
		if v.AsBool() {
			x = 1
		}
	case KindUint:
		x = v.AsUint()
	case KindInt:
		i := v.AsInt()
		if i < 0 && !opts.unsafe {
			return Value{}, fmt.Errorf("%w: %d is negative for uint%d", ErrUnsafeCast, i, bits)
		}
		x = uint64(i)
	case KindFloat:
		f := v.AsFloat()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, fmt.Errorf("%w: %v to uint%d", ErrUnsafeCast, f, bits)
		}
		if !opts.unsafe {
			if f != math.Trunc(f) {
				return Value{}, fmt.Errorf("%w: %v truncated to uint%d", ErrUnsafeCast, f, bits)
			}
			if f < 0 || f >= math.Exp2(float64(bits)) {
				return Value{}, fmt.Errorf("%w: %v overflows uint%d", ErrUnsafeCast, f, bits)
			}
		}
		x = uint64(f)
	case KindString:
		n, err := strconv.ParseUint(strings.TrimSpace(v.AsString()), 10, bits)
		if err != nil {
			return Value{}, err
		}
		x = n
	default:
		return Value{}, fmt.Errorf("%w: %s to uint%d", ErrIncompatibleTypes, v.Kind(), bits)
	}
	if x > hi {
		if !opts.unsafe {
			return Value{}, fmt.Errorf("%w: %d overflows uint%d", ErrUnsafeCast, x, bits)
		}
		x &= hi
	}
	return Uint(x), nil
}

func castFloat(v Value, single bool, opts castOptions) (Value, error) {
	var f float64
	switch v.Kind() {
	case KindBool:
		if v.AsBool() {
			f = 1
		}
	case KindFloat:
		f = v.AsFloat()
	case KindInt:
		i := v.AsInt()
		f = float64(i)
		if single {
			f = float64(float32(f))
		}
		// The round trip must give back i; 2^63 itself has no int64.
		if !opts.unsafe && (f >= 0x1p63 || int64(f) != i) {
			return Value{}, fmt.Errorf("%w: %d not exactly representable", ErrUnsafeCast, i)
		}
	case KindUint:
		u := v.AsUint()
		f = float64(u)
		if single {
			f = float64(float32(f))
		}
		if !opts.unsafe && (f >= 0x1p64 || uint64(f) != u) {
			return Value{}, fmt.Errorf("%w: %d not exactly representable", ErrUnsafeCast, u)
		}
	case KindString:
		bits := 64
		if single {
			bits = 32
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(v.AsString()), bits)
		if err != nil {
			return Value{}, err
		}
		f = p
	default:
		return Value{}, fmt.Errorf("%w: %s to float", ErrIncompatibleTypes, v.Kind())
	}
	if single && !opts.unsafe && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
		return Value{}, fmt.Errorf("%w: %v overflows float32", ErrUnsafeCast, f)
	}
	if single {
		f = float64(float32(f))
	}
	return Float(f), nil
}

func castString(v Value) (Value, error) {
	switch v.Kind() {
	case KindString:
		return v, nil
	case KindBool, KindInt, KindUint:
		return String(v.String()), nil
	case KindFloat:
		return String(strconv.FormatFloat(v.AsFloat(), 'g', -1, 64)), nil
	case KindTime:
		return String(v.AsTime().UTC().Format(time.RFC3339Nano)), nil
	case KindBytes:
		if !utf8.Valid(v.AsBytes()) {
			return Value{}, fmt.Errorf("%w: bytes are not valid utf-8", ErrUnsafeCast)
		}
		return String(string(v.AsBytes())), nil
	}
	return Value{}, fmt.Errorf("%w: %s to string", ErrIncompatibleTypes, v.Kind())
}

func castBinary(v Value, opts castOptions) (Value, error) {
	switch v.Kind() {
	case KindBytes:
		return v, nil
	case KindString:
		return Bytes([]byte(v.AsString())), nil
	case KindBlob:
		b, err := Pack(v.AsBlob())
		if err != nil {
			return Value{}, err
		}
		return Bytes(b), nil
	case KindList, KindStruct:
		if opts.packed {
			b, err := Pack(v.Interface())
			if err != nil {
				return Value{}, err
			}
			return Bytes(b), nil
		}
	}
	return Value{}, fmt.Errorf("%w: %s to binary", ErrIncompatibleTypes, v.Kind())
}

func castTime(v Value, unit arrow.TimeUnit) (Value, error) {
	switch v.Kind() {
	case KindTime:
		return Time(v.AsTime().UTC()), nil
	case KindString:
		s := strings.TrimSpace(v.AsString())
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, s); err == nil {
				return Time(t.UTC()), nil
			}
		}
		return Value{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrIncompatibleTypes, s)
	case KindInt:
		return Time(timeFromEpoch(v.AsInt(), unit)), nil
	}
	return Value{}, fmt.Errorf("%w: %s to timestamp", ErrIncompatibleTypes, v.Kind())
}

func timeFromEpoch(n int64, unit arrow.TimeUnit) time.Time {
	switch unit {
	case arrow.Second:
		return time.Unix(n, 0).UTC()
	case arrow.Millisecond:
		return time.UnixMilli(n).UTC()
	case arrow.Microsecond:
		return time.UnixMicro(n).UTC()
	}
	return time.Unix(0, n).UTC()
}

func epochFromTime(t time.Time, unit arrow.TimeUnit) int64 {
	switch unit {
	case arrow.Second:
		return t.Unix()
	case arrow.Millisecond:
		return t.UnixMilli()
	case arrow.Microsecond:
		return t.UnixMicro()
	}
	return t.UnixNano()
}
