package schema

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// PackedKey marks binary fields whose values are packed opaque payloads.
const PackedKey = "dtab.packed"

// PackedCBOR is the only packing codec currently written.
const PackedCBOR = "cbor"

// Timestamp is the canonical timestamp column type.
var Timestamp = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

var primitiveAliases = map[string]arrow.DataType{
	"bool":      arrow.FixedWidthTypes.Boolean,
	"boolean":   arrow.FixedWidthTypes.Boolean,
	"int8":      arrow.PrimitiveTypes.Int8,
	"int16":     arrow.PrimitiveTypes.Int16,
	"int32":     arrow.PrimitiveTypes.Int32,
	"int64":     arrow.PrimitiveTypes.Int64,
	"int":       arrow.PrimitiveTypes.Int64,
	"uint8":     arrow.PrimitiveTypes.Uint8,
	"uint16":    arrow.PrimitiveTypes.Uint16,
	"uint32":    arrow.PrimitiveTypes.Uint32,
	"uint64":    arrow.PrimitiveTypes.Uint64,
	"float32":   arrow.PrimitiveTypes.Float32,
	"float":     arrow.PrimitiveTypes.Float64,
	"float64":   arrow.PrimitiveTypes.Float64,
	"double":    arrow.PrimitiveTypes.Float64,
	"str":       arrow.BinaryTypes.String,
	"string":    arrow.BinaryTypes.String,
	"utf8":      arrow.BinaryTypes.String,
	"binary":    arrow.BinaryTypes.Binary,
	"bytes":     arrow.BinaryTypes.Binary,
	"timestamp": Timestamp,
	"null":      arrow.Null,
}

var packedAliases = map[string]bool{
	"blob":    true,
	"ndarray": true,
}

// ParseTypeError reports an unsupported or malformed type alias.
type ParseTypeError struct {
	Alias  string
	Reason string
}

func (e *ParseTypeError) Error() string {
	return fmt.Sprintf("schema: invalid type %q: %s", e.Alias, e.Reason)
}

// ParseType parses a type alias such as "float64", "list<int>" or
// "struct<a: str, b: list<float>>" into its canonical arrow type.
func ParseType(alias string) (arrow.DataType, error) {
	p := &typeParser{src: alias}
	dt, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, &ParseTypeError{Alias: alias, Reason: fmt.Sprintf("unexpected trailing input %q", p.src[p.pos:])}
	}
	return dt, nil
}

// ParseField builds a nullable arrow field from a name and type alias.
// Packed aliases ("blob", "ndarray") become binary fields tagged with PackedKey.
func ParseField(name, alias string) (arrow.Field, error) {
	if name == "" {
		return arrow.Field{}, fmt.Errorf("schema: empty field name")
	}
	key := strings.ToLower(strings.TrimSpace(alias))
	if packedAliases[key] {
		return arrow.Field{
			Name:     name,
			Type:     arrow.BinaryTypes.Binary,
			Nullable: true,
			Metadata: arrow.NewMetadata([]string{PackedKey}, []string{PackedCBOR}),
		}, nil
	}
	dt, err := ParseType(alias)
	if err != nil {
		return arrow.Field{}, fmt.Errorf("field %q: %w", name, err)
	}
	return arrow.Field{Name: name, Type: dt, Nullable: true}, nil
}

// IsPacked reports whether f holds packed opaque payloads.
func IsPacked(f arrow.Field) bool {
	return f.Metadata.FindKey(PackedKey) >= 0
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) fail(reason string) error {
	return &ParseTypeError{Alias: p.src, Reason: reason}
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *typeParser) ident() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '<' || c == '>' || c == ',' || c == ':' || c == ' ' || c == '\t' {
			break
		}
		p.pos++
	}
	return strings.ToLower(p.src[start:p.pos])
}

func (p *typeParser) expect(c byte) error {
	p.skipSpace()
	if p.pos >= len(p.src) || p.src[p.pos] != c {
		return p.fail(fmt.Sprintf("expected %q at offset %d", c, p.pos))
	}
	p.pos++
	return nil
}

func (p *typeParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *typeParser) parse() (arrow.DataType, error) {
	name := p.ident()
	if name == "" {
		return nil, p.fail("empty type")
	}
	switch name {
	case "list":
		if err := p.expect('<'); err != nil {
			return nil, err
		}
		elem, err := p.parse()
		if err != nil {
			return nil, err
		}
		if err := p.expect('>'); err != nil {
			return nil, err
		}
		return arrow.ListOf(elem), nil
	case "struct":
		if err := p.expect('<'); err != nil {
			return nil, err
		}
		var fields []arrow.Field
		seen := make(map[string]bool)
		for {
			fname := p.ident()
			if fname == "" {
				return nil, p.fail("empty struct field name")
			}
			if seen[fname] {
				return nil, p.fail(fmt.Sprintf("duplicate struct field %q", fname))
			}
			seen[fname] = true
			if err := p.expect(':'); err != nil {
				return nil, err
			}
			ft, err := p.parse()
			if err != nil {
				return nil, err
			}
			fields = append(fields, arrow.Field{Name: fname, Type: ft, Nullable: true})
			if p.peek() == ',' {
				p.pos++
				continue
			}
			break
		}
		if err := p.expect('>'); err != nil {
			return nil, err
		}
		return arrow.StructOf(fields...), nil
	}
	if packedAliases[name] {
		return arrow.BinaryTypes.Binary, nil
	}
	dt, ok := primitiveAliases[name]
	if !ok {
		return nil, p.fail(fmt.Sprintf("unknown type %q", name))
	}
	return dt, nil
}

func isSignedInt(id arrow.Type) bool {
	switch id {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64:
		return true
	}
	return false
}

func isUnsignedInt(id arrow.Type) bool {
	switch id {
	case arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64:
		return true
	}
	return false
}

func isFloat(id arrow.Type) bool {
	return id == arrow.FLOAT32 || id == arrow.FLOAT64
}

func isNumeric(id arrow.Type) bool {
	return isSignedInt(id) || isUnsignedInt(id) || isFloat(id)
}

func isStringLike(id arrow.Type) bool {
	return id == arrow.STRING || id == arrow.LARGE_STRING
}

func isBinaryLike(id arrow.Type) bool {
	return id == arrow.BINARY || id == arrow.LARGE_BINARY
}

// CanCast reports whether values of type from can be cast to type to
// (possibly failing per value under safe casting).
func CanCast(from, to arrow.DataType) bool {
	if arrow.TypeEqual(from, to) || from.ID() == arrow.NULL {
		return true
	}
	fid, tid := from.ID(), to.ID()
	switch {
	case isNumeric(fid) && isNumeric(tid):
		return true
	case fid == arrow.BOOL && (isNumeric(tid) || tid == arrow.BOOL):
		return true
	case isNumeric(fid) && tid == arrow.BOOL:
		return true
	case isStringLike(tid):
		return isNumeric(fid) || fid == arrow.BOOL || isStringLike(fid) || isBinaryLike(fid) || fid == arrow.TIMESTAMP
	case isStringLike(fid):
		return isNumeric(tid) || tid == arrow.BOOL || isBinaryLike(tid) || tid == arrow.TIMESTAMP
	case isBinaryLike(fid) && isBinaryLike(tid):
		return true
	case fid == arrow.TIMESTAMP && tid == arrow.TIMESTAMP:
		return true
	case fid == arrow.LIST && tid == arrow.LIST:
		return CanCast(from.(*arrow.ListType).Elem(), to.(*arrow.ListType).Elem())
	case fid == arrow.STRUCT && tid == arrow.STRUCT:
		fs, ts := from.(*arrow.StructType), to.(*arrow.StructType)
		for _, f := range fs.Fields() {
			idx, ok := ts.FieldIdx(f.Name)
			if !ok {
				continue
			}
			if !CanCast(f.Type, ts.Field(idx).Type) {
				return false
			}
		}
		return true
	}
	return false
}
