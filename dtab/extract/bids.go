package extract

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// Default patterns for entities that are not key-value pairs.
var entityPatterns = map[string]string{
	"suffix":    `_([a-zA-Z0-9]*?)\.[^/]+$`,
	"extension": `.*?(\.[^/]+)$`,
}

// EntitySpec configures one BIDS entity column.
type EntitySpec struct {
	Name    string `mapstructure:"name" json:"name"`
	Key     string `mapstructure:"key" json:"key,omitempty"`
	Pattern string `mapstructure:"pattern" json:"pattern,omitempty"`
	Dtype   string `mapstructure:"dtype" json:"dtype,omitempty"`
}

// Entity extracts one "key-value" entity from a path, e.g. "sub-01" -> "01".
type Entity struct {
	Name    string
	Key     string
	Pattern string
	Dtype   string
	re      *regexp.Regexp
}

// NewEntity compiles an entity. Key defaults to Name, Dtype to "str", and the
// pattern to "(?:[_/]|^){key}-(.+?)(?:[._/]|$)". The pattern must contain
// exactly one capture group.
func NewEntity(spec EntitySpec) (*Entity, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidEntity)
	}
	e := &Entity{Name: spec.Name, Key: spec.Key, Pattern: spec.Pattern, Dtype: spec.Dtype}
	if e.Key == "" {
		e.Key = e.Name
	}
	if e.Dtype == "" {
		e.Dtype = "str"
	}
	if e.Dtype != "str" && e.Dtype != "int" {
		return nil, fmt.Errorf("%w: %s: unexpected dtype %q; expected str or int", ErrInvalidEntity, e.Name, e.Dtype)
	}
	if e.Pattern == "" {
		if p, ok := entityPatterns[e.Name]; ok && spec.Key == "" {
			e.Pattern = p
		} else {
			e.Pattern = fmt.Sprintf(`(?:[_/]|^)%s-(.+?)(?:[._/]|$)`, regexp.QuoteMeta(e.Key))
		}
	}
	re, err := regexp.Compile(e.Pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEntity, e.Name, err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("%w: %s: pattern %q must have exactly one capture group", ErrInvalidEntity, e.Name, e.Pattern)
	}
	e.re = re
	return e, nil
}

// Search returns the entity value found in path. The path is slash
// normalized first. ok is false when the entity is absent.
func (e *Entity) Search(path string) (v schema.Value, ok bool, err error) {
	m := e.re.FindStringSubmatch(strings.ReplaceAll(filepath.ToSlash(path), `\`, "/"))
	if m == nil {
		return schema.Null(), false, nil
	}
	if e.Dtype == "int" {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return schema.Null(), false, fmt.Errorf("extract: entity %s value %q: %w", e.Name, m[1], err)
		}
		return schema.Int(n), true, nil
	}
	return schema.String(m[1]), true, nil
}

func (e *Entity) field() arrow.Field {
	dt := arrow.DataType(arrow.BinaryTypes.String)
	if e.Dtype == "int" {
		dt = arrow.PrimitiveTypes.Int64
	}
	return arrow.Field{Name: e.Name, Type: dt, Nullable: false}
}

func (e *Entity) String() string {
	return fmt.Sprintf("Entity(name=%s, key=%s, pattern=%q, dtype=%s)", e.Name, e.Key, e.Pattern, e.Dtype)
}

// BIDSIndexer keys files by BIDS entities parsed from their paths.
type BIDSIndexer struct {
	name     string
	entities []*Entity
	schema   *schema.Schema
	root     string
}

// NewBIDSIndexer builds an indexer from at least one entity.
func NewBIDSIndexer(name string, specs []EntitySpec) (*BIDSIndexer, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one column required", ErrInvalidEntity)
	}
	if name == "" {
		name = "bids"
	}
	entities := make([]*Entity, 0, len(specs))
	fields := make([]arrow.Field, 0, len(specs))
	for _, spec := range specs {
		e, err := NewEntity(spec)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
		fields = append(fields, e.field())
	}
	s, err := schema.New(fields, nil)
	if err != nil {
		return nil, err
	}
	return &BIDSIndexer{name: name, entities: entities, schema: s}, nil
}

func (b *BIDSIndexer) Name() string { return b.name }

func (b *BIDSIndexer) Schema() *schema.Schema { return b.schema }

func (b *BIDSIndexer) SetRoot(dir string) { b.root = dir }

// Root returns the last directory passed to SetRoot.
func (b *BIDSIndexer) Root() string { return b.root }

// Key parses every entity from path. A missing entity yields no key.
func (b *BIDSIndexer) Key(path string) (*schema.Record, error) {
	key := schema.NewRecord()
	for _, e := range b.entities {
		v, ok, err := e.Search(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			slog.Debug("Missing index field; discarding", "field", e.Name, "path", path)
			return nil, nil
		}
		key.Set(e.Name, v)
	}
	return key, nil
}
