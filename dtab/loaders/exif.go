package loaders

import (
	"os"
	"strings"

	exiflib "github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// NewEXIF returns a loader producing one string field per EXIF tag. Files
// without EXIF data yield no record.
//
// kwargs:
//   - tags: keep only these tag names, in this order
func NewEXIF(kw map[string]any) (extract.Loader, error) {
	tags, err := kwStrings(kw, "tags")
	if err != nil {
		return nil, err
	}

	return func(p string) (*schema.Record, error) {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		x, err := exiflib.Decode(f)
		if err != nil {
			return nil, nil
		}
		w := exifWalker{rec: schema.NewRecord()}
		_ = x.Walk(w)
		if w.rec.Len() == 0 {
			return nil, nil
		}
		if len(tags) == 0 {
			return w.rec, nil
		}

		out := schema.NewRecord()
		for _, t := range tags {
			t = strings.TrimSpace(t)
			if v, ok := w.rec.Get(t); ok {
				out.Set(t, v)
			}
		}
		if out.Len() == 0 {
			return nil, nil
		}
		return out, nil
	}, nil
}

type exifWalker struct{ rec *schema.Record }

func (w exifWalker) Walk(name exiflib.FieldName, tag *tiff.Tag) error {
	s := tag.String()
	if tag.Format() == tiff.StringVal {
		if v, err := tag.StringVal(); err == nil {
			s = v
		}
	}
	w.rec.Set(string(name), schema.String(s))
	return nil
}
