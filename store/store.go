// Package store persists covariance-fit parameter vectors so that a later
// fit can be warm-started from them.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Repository loads and saves the warm-start parameter vector of one run
// configuration.
type Repository interface {
	// LoadWarmStart returns the saved vector, or ok == false if none exists.
	LoadWarmStart() (x []float64, ok bool, err error)
	// SaveFitResult replaces the saved vector.
	SaveFitResult(x []float64) error
}

var (
	_ Repository = (*File)(nil)
	_ Repository = (*Memory)(nil)
)

// Key derives a stable file-name-safe key from the values identifying a
// run configuration.
func Key(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// File stores the vector in gonum's binary vector format under dir.
type File struct {
	path string
}

func NewFile(dir, key string) *File {
	return &File{path: filepath.Join(dir, "warmstart-"+key+".bin")}
}

// Path of the artifact.
func (f *File) Path() string {
	return f.path
}

func (f *File) LoadWarmStart() ([]float64, bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read warm start: %w", err)
	}
	var v mat.VecDense
	if err := v.UnmarshalBinary(data); err != nil {
		return nil, false, fmt.Errorf("decode warm start %s: %w", f.path, err)
	}
	return mat.Col(nil, 0, &v), true, nil
}

// SaveFitResult writes to a temporary file in the same directory and
// renames it over the artifact, so readers never see a partial vector.
func (f *File) SaveFitResult(x []float64) error {
	if len(x) == 0 {
		return errors.New("refusing to save an empty parameter vector")
	}
	data, err := mat.NewVecDense(len(x), append([]float64(nil), x...)).MarshalBinary()
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".warmstart-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Memory is an in-process Repository.
type Memory struct {
	mu    sync.Mutex
	x     []float64
	saves int
}

func NewMemory(initial []float64) *Memory {
	m := &Memory{}
	if initial != nil {
		m.x = append([]float64(nil), initial...)
	}
	return m
}

func (m *Memory) LoadWarmStart() ([]float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.x == nil {
		return nil, false, nil
	}
	return append([]float64(nil), m.x...), true, nil
}

func (m *Memory) SaveFitResult(x []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.x = append([]float64(nil), x...)
	m.saves++
	return nil
}

// Saves counts calls to SaveFitResult.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
