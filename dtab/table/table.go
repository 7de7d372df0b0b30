// Package table accumulates independently extracted column groups into one
// wide, key-indexed table and finalizes it into a sorted columnar batch.
package table

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/zeebo/xxh3"

	internal "github.com/ZanzyTHEbar/dirtable/dtab"
	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

var (
	ErrUnknownGroup = errors.New("table: unknown group")
	ErrUnknownField = errors.New("table: field not in table schema")
	ErrKeyMismatch  = errors.New("table: key does not match index schema")
	ErrNoGroups     = errors.New("table: at least one group required")
)

// Group is one named column group and the schema of its fields.
type Group struct {
	Name   string
	Schema *schema.Schema
}

// Options configures a Table.
type Options struct {
	Constants   *schema.Record   // Unprefixed values copied into every row
	Sep         string           // Prefix separator (default ".")
	IndexPrefix string           // Prefix of the key columns (default "_index")
	Allocator   memory.Allocator // Allocator for Finalize (default memory.DefaultAllocator)
}

// Stats summarizes the rows accumulated so far.
type Stats struct {
	Rows       int
	Puts       int
	Overwrites int
	Groups     map[string]uint64 // rows that received at least one put per group
	Missing    map[string]uint64 // rows that never received a put per group
}

type row struct {
	key    *schema.Record
	fields *schema.Record
}

// Table is an incremental multi-group table keyed by a composite key.
//
// Rows are created lazily on the first Put for a key and seeded with the
// prefixed key fields and the constants. Group fields are prefixed with the
// group name.
type Table struct {
	mu sync.Mutex

	index     *schema.Schema
	groups    []Group
	groupIDs  map[string]int
	constants *schema.Record
	combined  *schema.Schema
	sep       string
	prefix    string
	mem       memory.Allocator

	buckets  map[uint64][]uint32
	rows     []*row
	coverage []*roaring.Bitmap

	puts       int
	overwrites int
}

// New builds a table over the index schema and the ordered groups. The
// combined schema is the index schema prefixed with the index prefix, then
// the constants, then every group prefixed by its name.
func New(index *schema.Schema, groups []Group, opts Options) (*Table, error) {
	if index == nil || index.Len() == 0 {
		return nil, fmt.Errorf("%w: empty index schema", ErrKeyMismatch)
	}
	if len(groups) == 0 {
		return nil, ErrNoGroups
	}
	if opts.Sep == "" {
		opts.Sep = "."
	}
	if opts.IndexPrefix == "" {
		opts.IndexPrefix = internal.DefaultIndexPrefix
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	for _, f := range index.Fields() {
		if !isKeyType(f.Type) {
			return nil, fmt.Errorf("%w: index column %q has type %s; expected string or integer", ErrKeyMismatch, f.Name, f.Type)
		}
	}

	constSchema := schema.Empty()
	constants := opts.Constants
	if constants == nil {
		constants = schema.NewRecord()
	}
	if constants.Len() > 0 {
		s, err := schema.Infer([]*schema.Record{constants}, schema.InferOptions{Nullable: true})
		if err != nil {
			return nil, fmt.Errorf("table: constants: %w", err)
		}
		constSchema = s
	}

	groupIDs := make(map[string]int, len(groups))
	schemas := make([]*schema.Schema, len(groups))
	names := make([]string, len(groups))
	for i, g := range groups {
		if g.Name == "" {
			return nil, fmt.Errorf("%w: empty group name", ErrUnknownGroup)
		}
		if _, ok := groupIDs[g.Name]; ok {
			return nil, fmt.Errorf("%w: group %q", schema.ErrDuplicateField, g.Name)
		}
		groupIDs[g.Name] = i
		schemas[i] = nullable(g.Schema)
		names[i] = g.Name
	}
	groupSchema, err := schema.Concat(schemas, names, opts.Sep)
	if err != nil {
		return nil, err
	}
	combined, err := schema.Concat(
		[]*schema.Schema{index, constSchema, groupSchema},
		[]string{opts.IndexPrefix, "", ""},
		opts.Sep,
	)
	if err != nil {
		return nil, err
	}

	coverage := make([]*roaring.Bitmap, len(groups))
	for i := range coverage {
		coverage[i] = roaring.New()
	}

	return &Table{
		index:     index,
		groups:    groups,
		groupIDs:  groupIDs,
		constants: constants,
		combined:  combined,
		sep:       opts.Sep,
		prefix:    opts.IndexPrefix,
		mem:       opts.Allocator,
		buckets:   make(map[uint64][]uint32),
		coverage:  coverage,
	}, nil
}

// Schema returns the combined schema.
func (t *Table) Schema() *schema.Schema { return t.combined }

// IndexSchema returns the unprefixed key schema.
func (t *Table) IndexSchema() *schema.Schema { return t.index }

// Groups returns the group names in declaration order.
func (t *Table) Groups() []string {
	out := make([]string, len(t.groups))
	for i, g := range t.groups {
		out[i] = g.Name
	}
	return out
}

// Len returns the number of distinct keys seen.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Put merges rec into the row for key under group. The key must have exactly
// the index columns in order, and every field of rec must belong to the
// group. Existing values are overwritten with a warning.
func (t *Table) Put(key, rec *schema.Record, group string) error {
	gid, ok := t.groupIDs[group]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownGroup, group)
	}
	key, err := t.checkKey(key)
	if err != nil {
		return err
	}

	prefixed := rec.Prefixed(group, t.sep)
	for _, name := range prefixed.Names() {
		if !t.combined.Has(name) {
			return fmt.Errorf("%w: %q (group %s)", ErrUnknownField, name, group)
		}
	}
	values, err := schema.CoerceRecord(prefixed, t.combined, schema.CoerceOptions{})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.lookup(key)
	r := t.rows[id]

	var overwritten []string
	values.Each(func(name string, v schema.Value) {
		if r.fields.Has(name) {
			overwritten = append(overwritten, name)
		}
		r.fields.Set(name, v)
	})
	if len(overwritten) > 0 {
		t.overwrites++
		slog.Warn("Overwriting table fields", "key", key.String(), "group", group, "fields", overwritten)
	}
	t.coverage[gid].Add(id)
	t.puts++
	return nil
}

// Stats returns a snapshot of the table counters and per-group coverage.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		Rows:       len(t.rows),
		Puts:       t.puts,
		Overwrites: t.overwrites,
		Groups:     make(map[string]uint64, len(t.groups)),
		Missing:    make(map[string]uint64, len(t.groups)),
	}
	all := roaring.New()
	all.AddRange(0, uint64(len(t.rows)))
	for i, g := range t.groups {
		s.Groups[g.Name] = t.coverage[i].GetCardinality()
		s.Missing[g.Name] = roaring.AndNot(all, t.coverage[i]).GetCardinality()
	}
	return s
}

// Finalize emits one row per key, sorted ascending by the index columns.
// Columns a row never received are null. The caller owns the returned batch.
func (t *Table) Finalize() (arrow.Record, error) {
	t.mu.Lock()
	rows := make([]*row, len(t.rows))
	copy(rows, t.rows)
	t.mu.Unlock()

	names := t.index.Names()
	sort.SliceStable(rows, func(i, j int) bool {
		for _, n := range names {
			a, _ := rows[i].key.Get(n)
			b, _ := rows[j].key.Get(n)
			if c := schema.Compare(a, b); c != 0 {
				return c < 0
			}
		}
		return false
	})

	out := make([]*schema.Record, len(rows))
	for i, r := range rows {
		out[i] = r.fields
	}
	return schema.BuildRecord(t.mem, t.combined, out)
}

func (t *Table) checkKey(key *schema.Record) (*schema.Record, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil key", ErrKeyMismatch)
	}
	want := t.index.Names()
	got := key.Names()
	if len(got) != len(want) {
		return nil, fmt.Errorf("%w: got %d fields %v, expected %v", ErrKeyMismatch, len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			return nil, fmt.Errorf("%w: got fields %v, expected %v", ErrKeyMismatch, got, want)
		}
		if v, _ := key.Get(want[i]); v.IsNull() {
			return nil, fmt.Errorf("%w: null value for %q", ErrKeyMismatch, want[i])
		}
	}
	cast, err := schema.CoerceRecord(key, t.index, schema.CoerceOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyMismatch, err)
	}
	return cast, nil
}

// lookup returns the row id for key, creating the row if needed. Callers hold t.mu.
func (t *Table) lookup(key *schema.Record) uint32 {
	h := xxh3.HashString(key.String())
	if id, ok := t.find(key, h); ok {
		return id
	}
	fields := key.Prefixed(t.prefix, t.sep)
	t.constants.Each(func(name string, v schema.Value) {
		fields.Set(name, v)
	})
	id := uint32(len(t.rows))
	t.rows = append(t.rows, &row{key: key, fields: fields})
	t.buckets[h] = append(t.buckets[h], id)
	return id
}

func (t *Table) find(key *schema.Record, h uint64) (uint32, bool) {
	for _, id := range t.buckets[h] {
		if t.rows[id].key.Equal(key) {
			return id, true
		}
	}
	return 0, false
}

func isKeyType(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.STRING, arrow.LARGE_STRING,
		arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	}
	return false
}

// nullable returns s with every field marked nullable, since a row may never
// receive a given group.
func nullable(s *schema.Schema) *schema.Schema {
	fields := s.Fields()
	out := make([]arrow.Field, len(fields))
	for i, f := range fields {
		f.Nullable = true
		out[i] = f
	}
	return schema.MustNew(out, s.Metadata())
}
