package extract

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// LoaderSpec names a registered loader and its keyword arguments.
type LoaderSpec struct {
	Name   string         `mapstructure:"name" json:"name"`
	Kwargs map[string]any `mapstructure:"kwargs" json:"kwargs,omitempty"`
}

// ExtractorSpec configures one data extractor bound to file patterns.
type ExtractorSpec struct {
	// Name selects the extractor implementation; empty means "wrap".
	Name             string             `mapstructure:"name" json:"name"`
	Pattern          []string           `mapstructure:"pattern" json:"pattern"`
	Label            string             `mapstructure:"label" json:"label"`
	Loader           LoaderSpec         `mapstructure:"loader" json:"loader"`
	Example          string             `mapstructure:"example" json:"example,omitempty"`
	Fields           []schema.FieldSpec `mapstructure:"fields" json:"fields,omitempty"`
	Metadata         map[string]string  `mapstructure:"metadata" json:"metadata,omitempty"`
	RenameMap        map[string]string  `mapstructure:"rename_map" json:"rename_map,omitempty"`
	OverlapThreshold *float64           `mapstructure:"overlap_threshold" json:"overlap_threshold,omitempty"`
	OnLowOverlap     string             `mapstructure:"on_low_overlap" json:"on_low_overlap,omitempty"`
	Unsafe           bool               `mapstructure:"unsafe" json:"unsafe,omitempty"`
}

// IndexerSpec configures a table's indexer.
type IndexerSpec struct {
	// Name selects the indexer implementation: "bids" or "wrap".
	Name     string             `mapstructure:"name" json:"name"`
	Columns  []EntitySpec       `mapstructure:"columns" json:"columns,omitempty"`
	Loader   LoaderSpec         `mapstructure:"loader" json:"loader"`
	Fields   []schema.FieldSpec `mapstructure:"fields" json:"fields,omitempty"`
	Metadata map[string]string  `mapstructure:"metadata" json:"metadata,omitempty"`
}

type (
	LoaderFactory    func(kwargs map[string]any) (Loader, error)
	ExtractorFactory func(r *Registry, id string, spec ExtractorSpec) (Extractor, error)
	IndexerFactory   func(r *Registry, spec IndexerSpec) (Indexer, error)
)

// Registry maps implementation names to factories. It is populated at
// startup and passed explicitly to whatever builds extractors.
type Registry struct {
	mu         sync.RWMutex
	loaders    map[string]LoaderFactory
	extractors map[string]ExtractorFactory
	indexers   map[string]IndexerFactory
}

// NewRegistry returns a registry holding the "wrap" extractor and the "bids"
// and "wrap" indexers. Loaders are registered by the caller.
func NewRegistry() *Registry {
	r := &Registry{
		loaders:    make(map[string]LoaderFactory),
		extractors: make(map[string]ExtractorFactory),
		indexers:   make(map[string]IndexerFactory),
	}
	r.extractors["wrap"] = newWrapFromSpec
	r.indexers["bids"] = newBIDSFromSpec
	r.indexers["wrap"] = newKeyExtractorFromSpec
	return r
}

func (r *Registry) RegisterLoader(name string, f LoaderFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loaders[name]; ok {
		return fmt.Errorf("%w: loader %q", ErrDuplicateName, name)
	}
	r.loaders[name] = f
	return nil
}

func (r *Registry) RegisterExtractor(name string, f ExtractorFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.extractors[name]; ok {
		return fmt.Errorf("%w: extractor %q", ErrDuplicateName, name)
	}
	r.extractors[name] = f
	return nil
}

func (r *Registry) RegisterIndexer(name string, f IndexerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.indexers[name]; ok {
		return fmt.Errorf("%w: indexer %q", ErrDuplicateName, name)
	}
	r.indexers[name] = f
	return nil
}

// Loader builds the loader named by spec.
func (r *Registry) Loader(spec LoaderSpec) (Loader, error) {
	r.mu.RLock()
	f, ok := r.loaders[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownLoader, spec.Name, r.Loaders())
	}
	return f(spec.Kwargs)
}

// NewExtractor builds the extractor for spec, identified by id.
func (r *Registry) NewExtractor(id string, spec ExtractorSpec) (Extractor, error) {
	name := spec.Name
	if name == "" {
		name = "wrap"
	}
	r.mu.RLock()
	f, ok := r.extractors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return f(r, id, spec)
}

// NewIndexer builds the indexer for spec.
func (r *Registry) NewIndexer(spec IndexerSpec) (Indexer, error) {
	r.mu.RLock()
	f, ok := r.indexers[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndexer, spec.Name)
	}
	return f(r, spec)
}

// Loaders returns the registered loader names, sorted.
func (r *Registry) Loaders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaders))
	for n := range r.loaders {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newWrapFromSpec(r *Registry, id string, spec ExtractorSpec) (Extractor, error) {
	loader, err := r.Loader(spec.Loader)
	if err != nil {
		return nil, fmt.Errorf("extractor %s: %w", id, err)
	}
	policy, err := ParseOverlapPolicy(spec.OnLowOverlap)
	if err != nil {
		return nil, fmt.Errorf("extractor %s: %w", id, err)
	}
	return NewWrap(loader, WrapOptions{
		Name:             id,
		Fields:           spec.Fields,
		Metadata:         spec.Metadata,
		Example:          spec.Example,
		RenameMap:        spec.RenameMap,
		OverlapThreshold: spec.OverlapThreshold,
		OnLowOverlap:     policy,
		Unsafe:           spec.Unsafe,
	})
}

func newBIDSFromSpec(_ *Registry, spec IndexerSpec) (Indexer, error) {
	return NewBIDSIndexer("bids", spec.Columns)
}

func newKeyExtractorFromSpec(r *Registry, spec IndexerSpec) (Indexer, error) {
	loader, err := r.Loader(spec.Loader)
	if err != nil {
		return nil, fmt.Errorf("indexer: %w", err)
	}
	zero := 0.0
	w, err := NewWrap(loader, WrapOptions{
		Name:             "index",
		Fields:           spec.Fields,
		Metadata:         spec.Metadata,
		OverlapThreshold: &zero,
		WithNull:         true,
	})
	if err != nil {
		return nil, err
	}
	return NewKeyExtractor(w)
}
