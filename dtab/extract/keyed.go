package extract

import (
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// KeyExtractor adapts an Extractor into an Indexer. Every key field must be
// present and non-null; otherwise the path yields no key.
type KeyExtractor struct {
	ex   Extractor
	root string
}

// NewKeyExtractor wraps ex. Key columns must be string or integer typed.
func NewKeyExtractor(ex Extractor) (*KeyExtractor, error) {
	for _, f := range ex.Schema().Fields() {
		id := f.Type.ID()
		switch id {
		case arrow.STRING, arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
			arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		default:
			return nil, fmt.Errorf("extract: %s: key field %q has type %s; keys must be strings or integers",
				ex.Name(), f.Name, f.Type)
		}
	}
	return &KeyExtractor{ex: ex}, nil
}

func (k *KeyExtractor) Name() string { return k.ex.Name() }

func (k *KeyExtractor) Schema() *schema.Schema { return k.ex.Schema() }

func (k *KeyExtractor) SetRoot(dir string) { k.root = dir }

func (k *KeyExtractor) Key(path string) (*schema.Record, error) {
	rec, err := k.ex.Extract(path)
	if err != nil || rec == nil {
		return nil, err
	}
	for _, name := range k.ex.Schema().Names() {
		v, ok := rec.Get(name)
		if !ok || v.IsNull() {
			slog.Debug("Missing index field; discarding", "indexer", k.ex.Name(), "field", name, "path", path)
			return nil, nil
		}
	}
	return rec, nil
}
