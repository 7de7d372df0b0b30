package loaders

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/oj"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/ZanzyTHEbar/dirtable/dtab/extract"
	"github.com/ZanzyTHEbar/dirtable/dtab/schema"
)

// NewTSVRow returns a loader for a record stored as a header plus a single
// data row. Extra rows are ignored.
//
// kwargs:
//   - sep: column separator (default tab)
//   - deserialize: parse cells holding JSON literals such as 1.5, true or
//     [1, 2] (default true). Purely numeric cells like "01" stay strings.
func NewTSVRow(kw map[string]any) (extract.Loader, error) {
	sep, err := kwSeparator(kw)
	if err != nil {
		return nil, err
	}
	deserialize, err := kwBool(kw, "deserialize", true)
	if err != nil {
		return nil, err
	}

	return func(p string) (*schema.Record, error) {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.Comma = sep
		r.LazyQuotes = true
		r.FieldsPerRecord = -1

		header, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read header %s: %w", p, err)
		}
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read row %s: %w", p, err)
		}
		if len(row) != len(header) {
			return nil, fmt.Errorf("%s: row has %d columns, header has %d", p, len(row), len(header))
		}

		rec := schema.NewRecord()
		for i, name := range header {
			cell := row[i]
			v := schema.String(cell)
			if cell == "" || strings.EqualFold(cell, "n/a") {
				v = schema.Null()
			} else if deserialize {
				v = deserializeCell(cell)
			}
			rec.Set(strings.TrimSpace(name), v)
		}
		return rec, nil
	}, nil
}

func deserializeCell(cell string) schema.Value {
	if isDigits(cell) {
		return schema.String(cell)
	}
	parsed, err := oj.ParseString(cell)
	if err != nil {
		return schema.String(cell)
	}
	v, err := schema.FromAny(parsed)
	if err != nil {
		return schema.String(cell)
	}
	return v
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// NewTSVArray returns a loader for a numeric vector or matrix stored as
// separated text. The record holds a single packed ndarray field.
//
// kwargs:
//   - sep: column separator (default tab)
//   - name: field name (default "array")
//   - summary: also emit {name}_mean and {name}_std (default false)
func NewTSVArray(kw map[string]any) (extract.Loader, error) {
	sep, err := kwSeparator(kw)
	if err != nil {
		return nil, err
	}
	name, err := kwString(kw, "name", "array")
	if err != nil {
		return nil, err
	}
	summary, err := kwBool(kw, "summary", false)
	if err != nil {
		return nil, err
	}

	return func(p string) (*schema.Record, error) {
		m, err := readMatrix(p, sep)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, nil
		}

		rows, cols := m.Dims()
		arr := schema.NDArray{Dtype: "float64", Data: mat.DenseCopyOf(m).RawMatrix().Data}
		switch {
		case rows == 1:
			arr.Shape = []int{cols}
		case cols == 1:
			arr.Shape = []int{rows}
		default:
			arr.Shape = []int{rows, cols}
		}

		rec := schema.NewRecord()
		rec.Set(name, schema.Blob(arr))
		if summary {
			mean, std := stat.MeanStdDev(arr.Data, nil)
			rec.Set(name+"_mean", schema.Float(mean))
			rec.Set(name+"_std", schema.Float(std))
		}
		return rec, nil
	}, nil
}

func readMatrix(p string, sep rune) (*mat.Dense, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = sep
	r.Comment = '#'
	r.TrimLeadingSpace = true

	var data []float64
	cols := -1
	rows := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if cols >= 0 && len(rec) != cols {
			return nil, fmt.Errorf("%s: row %d has %d columns, expected %d", p, rows, len(rec), cols)
		}
		cols = len(rec)
		for j, cell := range rec {
			x, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
			if err != nil {
				return nil, fmt.Errorf("%s: row %d column %d: %w", p, rows, j, err)
			}
			data = append(data, x)
		}
		rows++
	}
	if len(data) == 0 {
		return nil, nil
	}
	return mat.NewDense(rows, cols, data), nil
}
