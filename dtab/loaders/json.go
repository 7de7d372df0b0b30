package loaders

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// NewJSON returns a loader for JSON object files. Fields keep the key order
// of the file.
//
// kwargs:
//   - select: JSONPath picking the object to load (default: the document root)
//   - flatten: join nested object keys into one level (default false)
//   - sep: separator used when flattening (default ".")
func NewJSON(kw map[string]any) (extract.Loader, error) {
	selector, err := kwString(kw, "select", "")
	if err != nil {
		return nil, err
	}
	flatten, err := kwBool(kw, "flatten", false)
	if err != nil {
		return nil, err
	}
	sep, err := kwString(kw, "sep", ".")
	if err != nil {
		return nil, err
	}

	var path jp.Expr
	if selector != "" {
		path, err = jp.ParseString(selector)
		if err != nil {
			return nil, fmt.Errorf("loaders: invalid jsonpath %q: %w", selector, err)
		}
	}

	return func(p string) (*schema.Record, error) {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		doc, err := oj.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		order := newKeyOrder()
		if err := oj.Tokenize(data, order); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}

		loc := ""
		if path != nil {
			results := path.Get(doc)
			if len(results) == 0 {
				return nil, nil
			}
			if locs := path.Locate(doc, 1); len(locs) > 0 {
				loc = exprLoc(locs[0])
			}
			doc = results[0]
		}
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected a JSON object, got %T", p, doc)
		}
		if len(obj) == 0 {
			return nil, nil
		}

		rec := schema.NewRecord()
		if flatten {
			err = order.flattenInto(rec, "", sep, obj, loc)
		} else {
			err = order.fill(rec, obj, loc)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		return rec, nil
	}, nil
}

// A location names a value in the document: one "\x00"-prefixed segment per
// object key, "\x00#n" per array index. The root is "".
func memberLoc(parent, key string) string { return parent + "\x00" + key }
func indexLoc(parent string, i int) string {
	return parent + "\x00#" + strconv.Itoa(i)
}

// exprLoc converts a normalized JSONPath location into a location.
func exprLoc(x jp.Expr) string {
	loc := ""
	for _, f := range x {
		switch t := f.(type) {
		case jp.Child:
			loc = memberLoc(loc, string(t))
		case jp.Nth:
			loc = indexLoc(loc, int(t))
		}
	}
	return loc
}

type orderFrame struct {
	loc   string
	array bool
	next  int    // index of the next array element
	key   string // pending object key
}

// keyOrder is an oj.TokenHandler recording the key order of every object.
type keyOrder struct {
	objects map[string][]string
	stack   []orderFrame
}

func newKeyOrder() *keyOrder {
	return &keyOrder{objects: make(map[string][]string)}
}

// childLoc is the location of the value starting at the current position.
func (o *keyOrder) childLoc() string {
	if len(o.stack) == 0 {
		return ""
	}
	top := &o.stack[len(o.stack)-1]
	if top.array {
		return indexLoc(top.loc, top.next)
	}
	return memberLoc(top.loc, top.key)
}

// done advances the enclosing array past a finished value.
func (o *keyOrder) done() {
	if len(o.stack) > 0 && o.stack[len(o.stack)-1].array {
		o.stack[len(o.stack)-1].next++
	}
}

func (o *keyOrder) Null()         { o.done() }
func (o *keyOrder) Bool(bool)     { o.done() }
func (o *keyOrder) Int(int64)     { o.done() }
func (o *keyOrder) Float(float64) { o.done() }
func (o *keyOrder) Number(string) { o.done() }
func (o *keyOrder) String(string) { o.done() }
func (o *keyOrder) ArrayStart()   { o.stack = append(o.stack, orderFrame{loc: o.childLoc(), array: true}) }
func (o *keyOrder) ArrayEnd()     { o.pop() }
func (o *keyOrder) ObjectEnd()    { o.pop() }
func (o *keyOrder) ObjectStart()  { o.stack = append(o.stack, orderFrame{loc: o.childLoc()}) }

func (o *keyOrder) Key(k string) {
	top := &o.stack[len(o.stack)-1]
	top.key = k
	o.objects[top.loc] = append(o.objects[top.loc], k)
}

func (o *keyOrder) pop() {
	o.stack = o.stack[:len(o.stack)-1]
	o.done()
}

// keys returns the keys of obj at loc in document order. Keys the document
// did not record follow in sorted order.
func (o *keyOrder) keys(obj map[string]any, loc string) []string {
	out := make([]string, 0, len(obj))
	seen := make(map[string]bool, len(obj))
	for _, k := range o.objects[loc] {
		if _, ok := obj[k]; ok && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	if len(out) == len(obj) {
		return out
	}
	rest := make([]string, 0, len(obj)-len(out))
	for k := range obj {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// fill sets every member of obj on rec in document order. Nested objects
// become ordered structs.
func (o *keyOrder) fill(rec *schema.Record, obj map[string]any, loc string) error {
	for _, k := range o.keys(obj, loc) {
		v, err := schema.FromAny(o.ordered(obj[k], memberLoc(loc, k)))
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		rec.Set(k, v)
	}
	return nil
}

// ordered replaces the objects within v by records in document order.
func (o *keyOrder) ordered(v any, loc string) any {
	switch t := v.(type) {
	case map[string]any:
		rec := schema.NewRecord()
		if err := o.fill(rec, t, loc); err != nil {
			return t
		}
		return rec
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = o.ordered(e, indexLoc(loc, i))
		}
		return out
	}
	return v
}

func (o *keyOrder) flattenInto(dst *schema.Record, prefix, sep string, obj map[string]any, loc string) error {
	for _, k := range o.keys(obj, loc) {
		name := k
		if prefix != "" {
			name = prefix + sep + k
		}
		at := memberLoc(loc, k)
		if nested, ok := obj[k].(map[string]any); ok && len(nested) > 0 {
			if err := o.flattenInto(dst, name, sep, nested, at); err != nil {
				return err
			}
			continue
		}
		v, err := schema.FromAny(o.ordered(obj[k], at))
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		dst.Set(name, v)
	}
	return nil
}
