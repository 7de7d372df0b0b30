package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Record is an ordered mapping from field name to Value.
type Record struct {
	names  []string
	values map[string]Value
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]Value)}
}

// RecordFromMap converts a loader map into a record with keys in sorted order.
func RecordFromMap(m map[string]any) (*Record, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := &Record{names: make([]string, 0, len(keys)), values: make(map[string]Value, len(keys))}
	for _, k := range keys {
		v, err := FromAny(m[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		rec.Set(k, v)
	}
	return rec, nil
}

// Set assigns name, appending it to the field order if it is new.
func (r *Record) Set(name string, v Value) {
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = v
}

// Get returns the value stored under name.
func (r *Record) Get(name string) (Value, bool) {
	if r == nil {
		return Value{}, false
	}
	v, ok := r.values[name]
	return v, ok
}

// Has reports whether name is present (possibly null).
func (r *Record) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.values[name]
	return ok
}

// Delete removes name from the record.
func (r *Record) Delete(name string) {
	if _, ok := r.values[name]; !ok {
		return
	}
	delete(r.values, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
}

// Names returns the field names in order.
func (r *Record) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Each calls fn for every field in order.
func (r *Record) Each(fn func(name string, v Value)) {
	if r == nil {
		return
	}
	for _, n := range r.names {
		fn(n, r.values[n])
	}
}

// Clone returns a shallow copy of the record.
func (r *Record) Clone() *Record {
	out := &Record{names: make([]string, len(r.names)), values: make(map[string]Value, len(r.values))}
	copy(out.names, r.names)
	for k, v := range r.values {
		out.values[k] = v
	}
	return out
}

// Prefixed returns a copy of the record with every field name prefixed by
// prefix+sep. An empty prefix leaves names unchanged.
func (r *Record) Prefixed(prefix, sep string) *Record {
	out := &Record{names: make([]string, 0, len(r.names)), values: make(map[string]Value, len(r.values))}
	for _, n := range r.names {
		out.Set(prefixName(prefix, sep, n), r.values[n])
	}
	return out
}

// Map returns the record as a plain map.
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.names))
	for _, n := range r.names {
		out[n] = r.values[n].Interface()
	}
	return out
}

// Equal reports whether both records hold the same fields in the same order.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.names) != len(o.names) {
		return false
	}
	for i, n := range r.names {
		if o.names[i] != n || !Equal(r.values[n], o.values[n]) {
			return false
		}
	}
	return true
}

func (r *Record) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, n := range r.names {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(n)
		sb.WriteString(": ")
		sb.WriteString(r.values[n].String())
	}
	sb.WriteByte('}')
	return sb.String()
}

func prefixName(prefix, sep, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + sep + name
}
