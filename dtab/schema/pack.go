package schema

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NDArray is the packable form of a dense numeric array.
type NDArray struct {
	Shape []int     `cbor:"shape" json:"shape"`
	Dtype string    `cbor:"dtype" json:"dtype"`
	Data  []float64 `cbor:"data" json:"data"`
}

// Size returns the number of elements implied by Shape.
func (a NDArray) Size() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

var packMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Pack encodes an opaque payload for storage in a binary column.
func Pack(v any) ([]byte, error) {
	b, err := packMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: pack %T: %w", v, err)
	}
	return b, nil
}

// Unpack decodes a payload written by Pack into v.
func Unpack(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("schema: unpack: %w", err)
	}
	return nil
}
