// Package loaders provides the builtin file loaders: JSON documents, single
// row TSV tables, numeric TSV arrays and image EXIF tags.
package loaders

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
)

// Register adds every builtin loader to r.
func Register(r *extract.Registry) error {
	for name, f := range map[string]extract.LoaderFactory{
		"json":      NewJSON,
		"tsv_row":   NewTSVRow,
		"tsv_array": NewTSVArray,
		"exif":      NewEXIF,
	} {
		if err := r.RegisterLoader(name, f); err != nil {
			return err
		}
	}
	return nil
}

func kwString(kw map[string]any, key, def string) (string, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("loaders: kwarg %q must be a string, got %T", key, v)
	}
	return s, nil
}

func kwBool(kw map[string]any, key string, def bool) (bool, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("loaders: kwarg %q: %w", key, err)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("loaders: kwarg %q must be a bool, got %T", key, v)
}

func kwStrings(kw map[string]any, key string) ([]string, error) {
	v, ok := kw[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch s := v.(type) {
	case []string:
		return s, nil
	case string:
		return strings.Split(s, ","), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			es, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("loaders: kwarg %q must hold strings, got %T", key, e)
			}
			out = append(out, es)
		}
		return out, nil
	}
	return nil, fmt.Errorf("loaders: kwarg %q must be a list of strings, got %T", key, v)
}

func kwSeparator(kw map[string]any) (rune, error) {
	sep, err := kwString(kw, "sep", "\t")
	if err != nil {
		return 0, err
	}
	if sep == `\t` {
		sep = "\t"
	}
	r := []rune(sep)
	if len(r) != 1 {
		return 0, fmt.Errorf("loaders: sep must be a single character, got %q", sep)
	}
	return r[0], nil
}
