package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

var (
	ErrDuplicateField    = errors.New("schema: duplicate field name")
	ErrIncompatibleTypes = errors.New("schema: incompatible types")
	ErrUnsupportedType   = errors.New("schema: unsupported type")
	ErrUnsafeCast        = errors.New("schema: cast would lose information")
	ErrMismatch          = errors.New("schema: mismatch")
)

// Schema is an immutable ordered set of typed columns plus metadata.
type Schema struct {
	arrow *arrow.Schema
	index map[string]int
}

// FieldSpec declares a column by name and type alias.
type FieldSpec struct {
	Name string `mapstructure:"name" json:"name"`
	Type string `mapstructure:"type" json:"type"`
}

// New builds a schema from arrow fields. Field names must be unique.
func New(fields []arrow.Field, metadata map[string]string) (*Schema, error) {
	index := make(map[string]int, len(fields))
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema: empty field name at position %d", i)
		}
		if _, ok := index[f.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateField, f.Name)
		}
		index[f.Name] = i
	}
	var md *arrow.Metadata
	if len(metadata) > 0 {
		m := metadataFromMap(metadata)
		md = &m
	}
	return &Schema{arrow: arrow.NewSchema(fields, md), index: index}, nil
}

// MustNew is New that panics on error. Intended for static schemas.
func MustNew(fields []arrow.Field, metadata map[string]string) *Schema {
	s, err := New(fields, metadata)
	if err != nil {
		panic(err)
	}
	return s
}

// FromSpecs parses an ordered list of field declarations.
func FromSpecs(specs []FieldSpec, metadata map[string]string) (*Schema, error) {
	fields := make([]arrow.Field, 0, len(specs))
	for _, spec := range specs {
		f, err := ParseField(spec.Name, spec.Type)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return New(fields, metadata)
}

// FromArrow wraps an existing arrow schema.
func FromArrow(s *arrow.Schema) (*Schema, error) {
	md := s.Metadata()
	return New(s.Fields(), metadataToMap(md))
}

// Empty returns a schema with no columns.
func Empty() *Schema {
	return &Schema{arrow: arrow.NewSchema(nil, nil), index: map[string]int{}}
}

func (s *Schema) Arrow() *arrow.Schema { return s.arrow }

func (s *Schema) Len() int { return len(s.arrow.Fields()) }

func (s *Schema) Field(i int) arrow.Field { return s.arrow.Field(i) }

func (s *Schema) Fields() []arrow.Field { return s.arrow.Fields() }

// FieldByName returns the field called name.
func (s *Schema) FieldByName(name string) (arrow.Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return arrow.Field{}, false
	}
	return s.arrow.Field(i), true
}

// Index returns the position of name or -1.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

func (s *Schema) Names() []string {
	names := make([]string, 0, s.Len())
	for _, f := range s.arrow.Fields() {
		names = append(names, f.Name)
	}
	return names
}

// Metadata returns a copy of the schema-level metadata.
func (s *Schema) Metadata() map[string]string {
	return metadataToMap(s.arrow.Metadata())
}

// WithMetadata returns a copy of s with extra schema-level metadata merged in.
func (s *Schema) WithMetadata(extra map[string]string) *Schema {
	md := s.Metadata()
	for k, v := range extra {
		md[k] = v
	}
	out, _ := New(s.Fields(), md)
	return out
}

// Select returns the subset of s with the given column names, in s order.
func (s *Schema) Select(names ...string) (*Schema, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if !s.Has(n) {
			return nil, fmt.Errorf("%w: no field %q", ErrMismatch, n)
		}
		want[n] = true
	}
	fields := make([]arrow.Field, 0, len(names))
	for _, f := range s.Fields() {
		if want[f.Name] {
			fields = append(fields, f)
		}
	}
	return New(fields, s.Metadata())
}

// Equal is the strict check: same columns in the same order with identical types.
func (s *Schema) Equal(o *Schema) bool {
	if s.Len() != o.Len() {
		return false
	}
	for i, f := range s.Fields() {
		g := o.Field(i)
		if f.Name != g.Name || !arrow.TypeEqual(f.Type, g.Type) {
			return false
		}
	}
	return true
}

// Compatible is the loose check: the same column set, with every column of o
// castable to the matching column of s.
func (s *Schema) Compatible(o *Schema) bool {
	if s.Len() != o.Len() {
		return false
	}
	for _, f := range o.Fields() {
		g, ok := s.FieldByName(f.Name)
		if !ok || !CanCast(f.Type, g.Type) {
			return false
		}
	}
	return true
}

// Diff returns the names in s missing from o and the names in o absent from s.
func (s *Schema) Diff(o *Schema) (missing, extra []string) {
	for _, n := range s.Names() {
		if !o.Has(n) {
			missing = append(missing, n)
		}
	}
	for _, n := range o.Names() {
		if !s.Has(n) {
			extra = append(extra, n)
		}
	}
	return missing, extra
}

func (s *Schema) String() string {
	var sb strings.Builder
	sb.WriteString("schema<")
	for i, f := range s.Fields() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s: %s", f.Name, f.Type)
	}
	sb.WriteString(">")
	return sb.String()
}

// Concat merges schemas into one, prefixing every field name and schema
// metadata key of schemas[i] with keys[i]+sep. A nil keys slice or an empty
// key leaves that schema's names unprefixed. Collisions are an error.
func Concat(schemas []*Schema, keys []string, sep string) (*Schema, error) {
	if keys != nil && len(keys) != len(schemas) {
		return nil, fmt.Errorf("schema: concat got %d keys for %d schemas", len(keys), len(schemas))
	}
	var fields []arrow.Field
	md := make(map[string]string)
	seen := make(map[string]int)
	for i, s := range schemas {
		key := ""
		if keys != nil {
			key = keys[i]
		}
		for _, f := range s.Fields() {
			f.Name = prefixName(key, sep, f.Name)
			if j, ok := seen[f.Name]; ok {
				return nil, fmt.Errorf("%w: %q from schemas %d and %d", ErrDuplicateField, f.Name, j, i)
			}
			seen[f.Name] = i
			fields = append(fields, f)
		}
		for k, v := range s.Metadata() {
			pk := prefixName(key, sep, k)
			if _, ok := md[pk]; ok {
				return nil, fmt.Errorf("%w: metadata key %q", ErrDuplicateField, pk)
			}
			md[pk] = v
		}
	}
	return New(fields, md)
}

func metadataFromMap(m map[string]string) arrow.Metadata {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = m[k]
	}
	return arrow.NewMetadata(keys, vals)
}

func metadataToMap(md arrow.Metadata) map[string]string {
	out := make(map[string]string, md.Len())
	keys, vals := md.Keys(), md.Values()
	for i := range keys {
		out[keys[i]] = vals[i]
	}
	return out
}
