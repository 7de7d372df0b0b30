// Package extract defines the units that turn file paths into records
// (Extractor) and into row keys (Indexer), plus the registry that builds them
// from configuration.
package extract

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// DeleteField is the rename map target that drops a field.
const DeleteField = "__delete__"

var (
	ErrNoFields        = errors.New("extract: a non-empty field list or example is required")
	ErrEmptyExample    = errors.New("extract: example produced no record")
	ErrUnknownLoader   = errors.New("extract: unknown loader")
	ErrUnknownIndexer  = errors.New("extract: unknown indexer")
	ErrUnknownType     = errors.New("extract: unknown extractor")
	ErrDuplicateName   = errors.New("extract: name already registered")
	ErrInvalidEntity   = errors.New("extract: invalid entity")
	ErrMissingKeyField = errors.New("extract: missing key field")
)

// Loader reads one file into a raw record. A nil record means the file holds
// nothing to extract. Errors and panics are handled by the caller.
type Loader func(path string) (*schema.Record, error)

// MapLoader adapts a loader returning plain maps. Keys are ordered by name.
func MapLoader(fn func(path string) (map[string]any, error)) Loader {
	return func(path string) (*schema.Record, error) {
		m, err := fn(path)
		if err != nil || m == nil {
			return nil, err
		}
		return schema.RecordFromMap(m)
	}
}

// Extractor maps a file path to an optional record conforming to Schema.
type Extractor interface {
	Name() string
	Schema() *schema.Schema
	// Extract returns nil, nil when the path yields no record.
	Extract(path string) (*schema.Record, error)
}

// Indexer maps a file path to the row key it belongs to.
type Indexer interface {
	Name() string
	Schema() *schema.Schema
	// SetRoot is called when the crawl moves to a new root directory.
	SetRoot(dir string)
	// Key returns nil, nil when no key can be derived for the path.
	Key(path string) (*schema.Record, error)
}

// OverlapPolicy decides what happens when a record overlaps its schema below
// the configured threshold.
type OverlapPolicy int

const (
	// OverlapWarn logs the discrepancy and keeps the record.
	OverlapWarn OverlapPolicy = iota
	// OverlapReject fails the extraction with an *OverlapError.
	OverlapReject
)

func (p OverlapPolicy) String() string {
	if p == OverlapReject {
		return "reject"
	}
	return "warn"
}

// ParseOverlapPolicy parses "warn" or "reject". Empty means warn.
func ParseOverlapPolicy(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "warn":
		return OverlapWarn, nil
	case "reject":
		return OverlapReject, nil
	}
	return OverlapWarn, fmt.Errorf("extract: unknown overlap policy %q", s)
}

// OverlapError reports a record whose field set overlaps its schema below
// the extractor's threshold.
type OverlapError struct {
	Extractor string
	Path      string
	Overlap   float64
	Threshold float64
	Missing   []string
	Extra     []string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("extract: %s: record overlap %.2f < %.2f for %s (missing %v, extra %v)",
		e.Extractor, e.Overlap, e.Threshold, e.Path, e.Missing, e.Extra)
}

// Overlap returns |record ∩ schema| / |schema| along with the schema fields
// missing from rec and the record fields absent from s.
func Overlap(rec *schema.Record, s *schema.Schema) (overlap float64, missing, extra []string) {
	present := 0
	for _, name := range rec.Names() {
		if s.Has(name) {
			present++
		} else {
			extra = append(extra, name)
		}
	}
	for _, name := range s.Names() {
		if !rec.Has(name) {
			missing = append(missing, name)
		}
	}
	if s.Len() == 0 {
		return 1, missing, extra
	}
	sort.Strings(extra)
	return float64(present) / float64(s.Len()), missing, extra
}

// ApplyRenaming renames record fields per renameMap, dropping fields mapped to
// DeleteField. Field order is preserved.
func ApplyRenaming(renameMap map[string]string, rec *schema.Record) *schema.Record {
	if len(renameMap) == 0 || rec == nil {
		return rec
	}
	out := schema.NewRecord()
	rec.Each(func(name string, v schema.Value) {
		target, ok := renameMap[name]
		switch {
		case !ok:
			out.Set(name, v)
		case target != DeleteField:
			out.Set(target, v)
		}
	})
	return out
}

func renameSpecs(renameMap map[string]string, specs []schema.FieldSpec) []schema.FieldSpec {
	if len(renameMap) == 0 {
		return specs
	}
	out := make([]schema.FieldSpec, 0, len(specs))
	for _, spec := range specs {
		target, ok := renameMap[spec.Name]
		switch {
		case !ok:
			out = append(out, spec)
		case target != DeleteField:
			out = append(out, schema.FieldSpec{Name: target, Type: spec.Type})
		}
	}
	return out
}
