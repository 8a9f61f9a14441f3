// Package dataset reads the inputs of an analysis run (voxel tables and
// response matrices) and writes its matrix outputs.
//
// Voxel tables are YAML sequences of voxel records. Matrices are CSV,
// one row per line, '#' starting a comment line.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/pcklink/decode-encode/voxel"
)

var ErrEmpty = errors.New("matrix has no rows")

// ReadVoxels decodes a YAML sequence of voxels. Unknown fields are an
// error; an empty document is an empty table.
func ReadVoxels(r io.Reader) ([]voxel.Voxel, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var vs []voxel.Voxel
	if err := dec.Decode(&vs); err != nil {
		if errors.Is(err, io.EOF) {
			return []voxel.Voxel{}, nil
		}
		return nil, fmt.Errorf("decode voxels: %w", err)
	}
	return vs, nil
}

func LoadVoxels(path string) ([]voxel.Voxel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	vs, err := ReadVoxels(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vs, nil
}

// WriteVoxels encodes vs as a YAML sequence.
func WriteVoxels(w io.Writer, vs []voxel.Voxel) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(vs); err != nil {
		return err
	}
	return enc.Close()
}

// ReadMatrix parses a CSV matrix. Every row must have the same number of
// fields.
func ReadMatrix(r io.Reader) (*mat.Dense, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return nil, ErrEmpty
	}
	rows, cols := len(records), len(records[0])
	data := make([]float64, 0, rows*cols)
	for i, rec := range records {
		for j, field := range rec {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("read matrix: row %d, column %d: %w", i+1, j+1, err)
			}
			data = append(data, v)
		}
	}
	return mat.NewDense(rows, cols, data), nil
}

func LoadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// WriteMatrix writes m as CSV with the shortest exact float formatting.
func WriteMatrix(w io.Writer, m mat.Matrix) error {
	r, c := m.Dims()
	cw := csv.NewWriter(w)
	rec := make([]string, c)
	for i := 0; i < r; i++ {
		for j := range rec {
			rec[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveMatrix writes m to path, creating parent directories.
func SaveMatrix(path string, m mat.Matrix) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteMatrix(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Rows splits m into its rows, e.g. one flattened stimulus frame per
// timepoint.
func Rows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = mat.Row(nil, i, m)
	}
	return out
}
