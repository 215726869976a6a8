// Package tensor owns the in-memory shape of a mirrored 2D tensor.
//
// Buffers are row-major and little-endian regardless of host, so a tensor's
// bytes can be handed to any transport or shared-memory segment unchanged.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DType is the element type code. The numeric values are part of the wire
// contract.
type DType uint8

const (
	Bool    DType = 0
	Int32   DType = 1
	Float32 DType = 2
	Float64 DType = 3
)

func (d DType) Valid() bool {
	return d <= Float64
}

// Size returns the element width in bytes, or 0 for an unknown code.
func (d DType) Size() int {
	switch d {
	case Bool:
		return 1
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Bool:
		return "bool"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType maps a config name to a DType.
func ParseDType(name string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bool":
		return Bool, nil
	case "int", "int32":
		return Int32, nil
	case "float", "float32":
		return Float32, nil
	case "double", "float64":
		return Float64, nil
	default:
		return 0, fmt.Errorf("tensor: unknown dtype %q", name)
	}
}

// Tensor is a rows x cols buffer of one element type.
type Tensor struct {
	rows  int
	cols  int
	dtype DType
	data  []byte
}

// New allocates a zeroed tensor.
func New(rows, cols int, dtype DType) (*Tensor, error) {
	if err := checkShape(rows, cols, dtype); err != nil {
		return nil, err
	}
	return &Tensor{
		rows:  rows,
		cols:  cols,
		dtype: dtype,
		data:  make([]byte, rows*cols*dtype.Size()),
	}, nil
}

// FromBytes wraps data without copying. len(data) must match the shape.
func FromBytes(rows, cols int, dtype DType, data []byte) (*Tensor, error) {
	if err := checkShape(rows, cols, dtype); err != nil {
		return nil, err
	}
	if want := rows * cols * dtype.Size(); len(data) != want {
		return nil, fmt.Errorf("tensor: %d bytes for %dx%d %s, expected %d", len(data), rows, cols, dtype, want)
	}
	return &Tensor{rows: rows, cols: cols, dtype: dtype, data: data}, nil
}

func checkShape(rows, cols int, dtype DType) error {
	if rows < 1 || cols < 1 {
		return fmt.Errorf("tensor: invalid shape %dx%d", rows, cols)
	}
	if !dtype.Valid() {
		return fmt.Errorf("tensor: unsupported dtype code %d", uint8(dtype))
	}
	return nil
}

func (t *Tensor) Rows() int     { return t.rows }
func (t *Tensor) Cols() int     { return t.cols }
func (t *Tensor) DType() DType  { return t.dtype }
func (t *Tensor) Len() int      { return t.rows * t.cols }
func (t *Tensor) NBytes() int   { return len(t.data) }
func (t *Tensor) Bytes() []byte { return t.data }

// SameShape reports whether o has identical rows, cols and dtype.
func (t *Tensor) SameShape(o *Tensor) bool {
	return o != nil && t.rows == o.rows && t.cols == o.cols && t.dtype == o.dtype
}

func (t *Tensor) Clone() *Tensor {
	data := make([]byte, len(t.data))
	copy(data, t.data)
	return &Tensor{rows: t.rows, cols: t.cols, dtype: t.dtype, data: data}
}

// CopyFrom overwrites t with o's bytes. Shapes must match.
func (t *Tensor) CopyFrom(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("tensor: copy %dx%d %s into %dx%d %s", o.rows, o.cols, o.dtype, t.rows, t.cols, t.dtype)
	}
	copy(t.data, o.data)
	return nil
}

// RowBytes returns the byte view of rows [start, start+n).
func (t *Tensor) RowBytes(start, n int) []byte {
	stride := t.cols * t.dtype.Size()
	return t.data[start*stride : (start+n)*stride]
}

func (t *Tensor) offset(row, col int) int {
	return (row*t.cols + col) * t.dtype.Size()
}

func (t *Tensor) SetFloat32(row, col int, v float32) {
	binary.LittleEndian.PutUint32(t.data[t.offset(row, col):], math.Float32bits(v))
}

func (t *Tensor) Float32At(row, col int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(t.data[t.offset(row, col):]))
}

func (t *Tensor) SetFloat64(row, col int, v float64) {
	binary.LittleEndian.PutUint64(t.data[t.offset(row, col):], math.Float64bits(v))
}

func (t *Tensor) Float64At(row, col int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(t.data[t.offset(row, col):]))
}

func (t *Tensor) SetInt32(row, col int, v int32) {
	binary.LittleEndian.PutUint32(t.data[t.offset(row, col):], uint32(v))
}

func (t *Tensor) Int32At(row, col int) int32 {
	return int32(binary.LittleEndian.Uint32(t.data[t.offset(row, col):]))
}

func (t *Tensor) SetBool(row, col int, v bool) {
	var b byte
	if v {
		b = 1
	}
	t.data[t.offset(row, col)] = b
}

func (t *Tensor) BoolAt(row, col int) bool {
	return t.data[t.offset(row, col)] != 0
}

// FromFloat32 builds a float32 tensor from row-major values.
func FromFloat32(rows, cols int, values []float32) (*Tensor, error) {
	t, err := New(rows, cols, Float32)
	if err != nil {
		return nil, err
	}
	if len(values) != rows*cols {
		return nil, fmt.Errorf("tensor: %d values for %dx%d", len(values), rows, cols)
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(v))
	}
	return t, nil
}

// FromFloat64 builds a float64 tensor from row-major values.
func FromFloat64(rows, cols int, values []float64) (*Tensor, error) {
	t, err := New(rows, cols, Float64)
	if err != nil {
		return nil, err
	}
	if len(values) != rows*cols {
		return nil, fmt.Errorf("tensor: %d values for %dx%d", len(values), rows, cols)
	}
	for i, v := range values {
		binary.LittleEndian.PutUint64(t.data[i*8:], math.Float64bits(v))
	}
	return t, nil
}

// FromInt32 builds an int32 tensor from row-major values.
func FromInt32(rows, cols int, values []int32) (*Tensor, error) {
	t, err := New(rows, cols, Int32)
	if err != nil {
		return nil, err
	}
	if len(values) != rows*cols {
		return nil, fmt.Errorf("tensor: %d values for %dx%d", len(values), rows, cols)
	}
	for i, v := range values {
		binary.LittleEndian.PutUint32(t.data[i*4:], uint32(v))
	}
	return t, nil
}

// Float32s decodes a float32 tensor into a fresh slice.
func (t *Tensor) Float32s() []float32 {
	out := make([]float32, t.Len())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[i*4:]))
	}
	return out
}

// Int32s decodes an int32 tensor into a fresh slice.
func (t *Tensor) Int32s() []int32 {
	out := make([]int32, t.Len())
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.data[i*4:]))
	}
	return out
}
