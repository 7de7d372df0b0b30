package schema

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindTime
	KindList
	KindStruct
	KindBlob
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindUint:   "uint",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindTime:   "time",
	KindList:   "list",
	KindStruct: "struct",
	KindBlob:   "blob",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a dynamically typed scalar or nested value extracted from a file.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	u    uint64
	f    float64
	s    string
	by   []byte
	t    time.Time
	list []Value
	rec  *Record
	blob any
}

func Null() Value               { return Value{} }
func Bool(v bool) Value         { return Value{kind: KindBool, b: v} }
func Int(v int64) Value         { return Value{kind: KindInt, i: v} }
func Uint(v uint64) Value       { return Value{kind: KindUint, u: v} }
func Float(v float64) Value     { return Value{kind: KindFloat, f: v} }
func String(v string) Value     { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value      { return Value{kind: KindBytes, by: v} }
func Time(v time.Time) Value    { return Value{kind: KindTime, t: v} }
func List(vs ...Value) Value    { return Value{kind: KindList, list: vs} }
func Struct(rec *Record) Value  { return Value{kind: KindStruct, rec: rec} }

// Blob wraps an opaque payload that is packed into a binary column on write.
func Blob(v any) Value { return Value{kind: KindBlob, blob: v} }

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsNull() bool     { return v.kind == KindNull }
func (v Value) AsBool() bool     { return v.b }
func (v Value) AsInt() int64     { return v.i }
func (v Value) AsUint() uint64   { return v.u }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsString() string { return v.s }
func (v Value) AsBytes() []byte  { return v.by }
func (v Value) AsTime() time.Time {
	return v.t
}
func (v Value) AsList() []Value   { return v.list }
func (v Value) AsStruct() *Record { return v.rec }
func (v Value) AsBlob() any       { return v.blob }

// Interface returns the plain Go representation of v.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindUint:
		return v.u
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.by
	case KindTime:
		return v.t
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.Interface()
		}
		return out
	case KindStruct:
		if v.rec == nil {
			return nil
		}
		return v.rec.Map()
	case KindBlob:
		return v.blob
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindUint:
		return strconv.FormatUint(v.u, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// Equal reports whether a and b hold the same variant and contents.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindUint:
		return a.u == b.u
	case KindFloat:
		return a.f == b.f || (math.IsNaN(a.f) && math.IsNaN(b.f))
	case KindString:
		return a.s == b.s
	case KindBytes:
		return string(a.by) == string(b.by)
	case KindTime:
		return a.t.Equal(b.t)
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		return a.rec.Equal(b.rec)
	case KindBlob:
		return reflect.DeepEqual(a.blob, b.blob)
	}
	return false
}

// Compare orders two scalar key values. Nulls sort first; values of different
// kinds are ordered by kind.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.isNumeric() && b.isNumeric() {
			return compareFloat(a.toFloat(), b.toFloat())
		}
		return int(a.kind) - int(b.kind)
	}
	switch a.kind {
	case KindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		default:
			return 1
		}
	case KindInt:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	case KindUint:
		switch {
		case a.u < b.u:
			return -1
		case a.u > b.u:
			return 1
		}
		return 0
	case KindFloat:
		return compareFloat(a.f, b.f)
	case KindString:
		switch {
		case a.s < b.s:
			return -1
		case a.s > b.s:
			return 1
		}
		return 0
	case KindTime:
		return a.t.Compare(b.t)
	}
	return 0
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (v Value) isNumeric() bool {
	return v.kind == KindInt || v.kind == KindUint || v.kind == KindFloat
}

func (v Value) toFloat() float64 {
	switch v.kind {
	case KindInt:
		return float64(v.i)
	case KindUint:
		return float64(v.u)
	}
	return v.f
}

// FromAny converts a plain Go value, as returned by a loader, into a Value.
// Maps become structs with keys in sorted order; slices become lists.
// Values of unrecognized types are wrapped as blobs.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Record:
		return Struct(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint(uint64(t)), nil
	case uint16:
		return Uint(uint64(t)), nil
	case uint32:
		return Uint(uint64(t)), nil
	case uint64:
		return Uint(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case time.Time:
		return Time(t), nil
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("list index %d: %w", i, err)
			}
			out[i] = v
		}
		return List(out...), nil
	case map[string]any:
		rec, err := RecordFromMap(t)
		if err != nil {
			return Value{}, err
		}
		return Struct(rec), nil
	}

	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]Value, rv.Len())
		for i := range rv.Len() {
			v, err := FromAny(rv.Index(i).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("list index %d: %w", i, err)
			}
			out[i] = v
		}
		return List(out...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Blob(x), nil
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		rec := NewRecord()
		for _, k := range keys {
			v, err := FromAny(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface())
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			rec.Set(k, v)
		}
		return Struct(rec), nil
	}
	return Blob(x), nil
}
