package extract

import (
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"

	internal "github.com/ZanzyTHEbar/dirtable/dtab"
	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// DefaultOverlapThreshold is the minimum overlap a data record needs before
// the low-overlap policy applies.
var DefaultOverlapThreshold = internal.DefaultOverlapThreshold

// WrapOptions configures a loader-backed extractor.
type WrapOptions struct {
	Name string
	// Fields declares the schema explicitly. Entries override fields of the
	// same name inferred from Example.
	Fields   []schema.FieldSpec
	Metadata map[string]string
	// Example is a file loaded once to infer the schema.
	Example   string
	RenameMap map[string]string
	// OverlapThreshold defaults to DefaultOverlapThreshold when nil. Zero
	// disables the check.
	OverlapThreshold *float64
	OnLowOverlap     OverlapPolicy
	// WithNull fills fields missing from a record with null. Leave unset for
	// group-wise accumulation where another file may supply the field.
	WithNull bool
	Unsafe   bool
}

// Wrap is an Extractor that runs a Loader and coerces its output.
type Wrap struct {
	name      string
	loader    Loader
	schema    *schema.Schema
	renameMap map[string]string
	threshold float64
	policy    OverlapPolicy
	coerce    schema.CoerceOptions
}

// NewWrap builds a loader-backed extractor.
func NewWrap(loader Loader, opts WrapOptions) (*Wrap, error) {
	if loader == nil {
		return nil, fmt.Errorf("extract: %s: nil loader", opts.Name)
	}

	var fields []arrow.Field
	if opts.Example != "" {
		inferred, err := inferFromExample(loader, opts.Example, opts.RenameMap)
		if err != nil {
			return nil, fmt.Errorf("extract: %s: %w", opts.Name, err)
		}
		fields = inferred.Fields()
	}

	for _, spec := range renameSpecs(opts.RenameMap, opts.Fields) {
		f, err := schema.ParseField(spec.Name, spec.Type)
		if err != nil {
			return nil, fmt.Errorf("extract: %s: %w", opts.Name, err)
		}
		replaced := false
		for i := range fields {
			if fields[i].Name == f.Name {
				fields[i] = f
				replaced = true
				break
			}
		}
		if !replaced {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFields, opts.Name)
	}

	s, err := schema.New(fields, opts.Metadata)
	if err != nil {
		return nil, fmt.Errorf("extract: %s: %w", opts.Name, err)
	}

	threshold := DefaultOverlapThreshold
	if opts.OverlapThreshold != nil {
		threshold = *opts.OverlapThreshold
	}

	return &Wrap{
		name:      opts.Name,
		loader:    loader,
		schema:    s,
		renameMap: opts.RenameMap,
		threshold: threshold,
		policy:    opts.OnLowOverlap,
		coerce:    schema.CoerceOptions{WithNull: opts.WithNull, Unsafe: opts.Unsafe},
	}, nil
}

func inferFromExample(loader Loader, example string, renameMap map[string]string) (*schema.Schema, error) {
	rec, err := loader(example)
	if err != nil {
		return nil, fmt.Errorf("load example %s: %w", example, err)
	}
	rec = ApplyRenaming(renameMap, rec)
	if rec.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyExample, example)
	}
	return schema.Infer([]*schema.Record{rec}, schema.InferOptions{Nullable: true})
}

func (w *Wrap) Name() string { return w.name }

func (w *Wrap) Schema() *schema.Schema { return w.schema }

// Extract loads path, renames and validates the record against the schema,
// then coerces it.
func (w *Wrap) Extract(path string) (*schema.Record, error) {
	rec, err := w.loader(path)
	if err != nil {
		return nil, err
	}
	rec = ApplyRenaming(w.renameMap, rec)
	if rec.Len() == 0 {
		return nil, nil
	}

	overlap, missing, extra := Overlap(rec, w.schema)
	if overlap < 1 {
		slog.Debug("Record does not fully overlap schema",
			"extractor", w.name,
			"path", path,
			"overlap", overlap,
			"missing", missing,
			"extra", extra)
		if w.threshold > 0 && overlap < w.threshold {
			if w.policy == OverlapReject {
				return nil, &OverlapError{
					Extractor: w.name,
					Path:      path,
					Overlap:   overlap,
					Threshold: w.threshold,
					Missing:   missing,
					Extra:     extra,
				}
			}
			slog.Warn("Record overlap below threshold",
				"extractor", w.name,
				"path", path,
				"overlap", overlap,
				"threshold", w.threshold,
				"missing", missing,
				"extra", extra)
		}
	}

	return schema.CoerceRecord(rec, w.schema, w.coerce)
}

func (w *Wrap) String() string {
	return fmt.Sprintf("Wrap(%s, %s, threshold=%.2f, on_low_overlap=%s)", w.name, w.schema, w.threshold, w.policy)
}
