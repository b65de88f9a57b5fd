package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Mat represents a dense row‑major matrix.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; views produced by
// Rows keep the parent stride.
//
// F32 matrices keep their values in Data. F16 and BF16 matrices keep the raw
// 16-bit words in Half and decode on read, so a reduced-precision matrix never
// holds values that are not representable in its dtype.
type Mat struct {
	R, C   int
	Stride int

	DType DType
	Data  []float32
	Half  []uint16
}

var (
	ErrNegativeDim    = errors.New("negative dimension for matrix")
	ErrMatTooLarge    = errors.New("matrix too large")
	ErrDataMismatch   = errors.New("data length mismatch")
	ErrRowOutOfRange  = errors.New("row index out of range")
	ErrColOutOfRange  = errors.New("column index out of range")
	ErrUnsupportedDTy = errors.New("unsupported dtype")
)

// Elements returns r*c, or ErrMatTooLarge when the product overflows.
func Elements(r, c int) (int, error) {
	if r < 0 || c < 0 {
		return 0, ErrNegativeDim
	}
	if r != 0 && c > math.MaxInt/r {
		return 0, ErrMatTooLarge
	}
	return r * c, nil
}

// NewMat allocates a zeroed F32 matrix.
func NewMat(r, c int) Mat {
	m, err := NewMatOf(F32, r, c)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMatOf allocates a zeroed matrix of the given dtype.
func NewMatOf(d DType, r, c int) (Mat, error) {
	n, err := Elements(r, c)
	if err != nil {
		return Mat{}, err
	}
	m := Mat{R: r, C: c, Stride: c, DType: d}
	switch d {
	case F32:
		m.Data = make([]float32, n)
	case F16, BF16:
		m.Half = make([]uint16, n)
	default:
		return Mat{}, ErrUnsupportedDTy
	}
	return m, nil
}

// FromFloat32 builds a matrix of dtype d from row-major values, rounding each
// value to d.
func FromFloat32(d DType, r, c int, values []float32) (Mat, error) {
	if r*c != len(values) {
		return Mat{}, ErrDataMismatch
	}
	m, err := NewMatOf(d, r, c)
	if err != nil {
		return Mat{}, err
	}
	for i := 0; i < r; i++ {
		m.StoreRow(i, 0, values[i*c:(i+1)*c])
	}
	return m, nil
}

// Validate checks that m's storage can hold R rows of C elements at its
// stride.
func (m *Mat) Validate() error {
	if m.R < 0 || m.C < 0 {
		return ErrNegativeDim
	}
	if m.DType != F32 && m.DType != F16 && m.DType != BF16 {
		return ErrUnsupportedDTy
	}
	if m.R == 0 || m.C == 0 {
		return nil
	}
	if m.Stride < m.C {
		return fmt.Errorf("%w: stride %d is less than %d columns", ErrDataMismatch, m.Stride, m.C)
	}
	span, err := Elements(m.R-1, m.Stride)
	if err != nil || span > math.MaxInt-m.C {
		return ErrMatTooLarge
	}
	span += m.C
	have := len(m.Data)
	if m.DType != F32 {
		have = len(m.Half)
	}
	if have < span {
		return fmt.Errorf("%w: %s storage holds %d elements, %dx%d at stride %d needs %d",
			ErrDataMismatch, m.DType, have, m.R, m.C, m.Stride, span)
	}
	return nil
}

// Convert returns a copy of m stored as dtype d.
func (m *Mat) Convert(d DType) Mat {
	out, err := NewMatOf(d, m.R, m.C)
	if err != nil {
		panic(err)
	}
	row := make([]float32, m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(row, i)
		out.StoreRow(i, 0, row)
	}
	return out
}

// Rows returns a view of rows [r0, r1). Writes through the view update m.
func (m *Mat) Rows(r0, r1 int) Mat {
	if r0 < 0 || r1 < r0 || r1 > m.R {
		panic(ErrRowOutOfRange)
	}
	v := Mat{R: r1 - r0, C: m.C, Stride: m.Stride, DType: m.DType}
	if r1 == r0 {
		return v
	}
	start := r0 * m.Stride
	end := (r1-1)*m.Stride + m.C
	if m.DType == F32 {
		v.Data = m.Data[start:end]
	} else {
		v.Half = m.Half[start:end]
	}
	return v
}

// At decodes a single element.
func (m *Mat) At(i, j int) float32 {
	m.check(i, j)
	off := i*m.Stride + j
	if m.DType == F32 {
		return m.Data[off]
	}
	return decodeHalf(m.DType, m.Half[off])
}

// Set stores v at (i, j), rounding to the matrix dtype.
func (m *Mat) Set(i, j int, v float32) {
	m.check(i, j)
	off := i*m.Stride + j
	if m.DType == F32 {
		m.Data[off] = v
		return
	}
	m.Half[off] = encodeHalf(m.DType, v)
}

// Row returns the i-th row of an F32 matrix without copying. Reduced
// matrices get a freshly decoded copy.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic(ErrRowOutOfRange)
	}
	if m.DType == F32 {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	m.LoadRow(dst[:m.C], i, 0)
}

// LoadRow decodes len(dst) elements of row i starting at column c0.
func (m *Mat) LoadRow(dst []float32, i, c0 int) {
	if i < 0 || i >= m.R {
		panic(ErrRowOutOfRange)
	}
	if c0 < 0 || c0+len(dst) > m.C {
		panic(ErrColOutOfRange)
	}
	off := i*m.Stride + c0
	if m.DType == F32 {
		copy(dst, m.Data[off:off+len(dst)])
		return
	}
	src := m.Half[off : off+len(dst)]
	for j, w := range src {
		dst[j] = decodeHalf(m.DType, w)
	}
}

// StoreRow encodes src into row i starting at column c0.
func (m *Mat) StoreRow(i, c0 int, src []float32) {
	if i < 0 || i >= m.R {
		panic(ErrRowOutOfRange)
	}
	if c0 < 0 || c0+len(src) > m.C {
		panic(ErrColOutOfRange)
	}
	off := i*m.Stride + c0
	if m.DType == F32 {
		copy(m.Data[off:off+len(src)], src)
		return
	}
	dst := m.Half[off : off+len(src)]
	for j, v := range src {
		dst[j] = encodeHalf(m.DType, v)
	}
}

// Float64 returns the matrix as a contiguous row-major float64 slice.
func (m *Mat) Float64() []float64 {
	out := make([]float64, m.R*m.C)
	row := make([]float32, m.C)
	for i := 0; i < m.R; i++ {
		m.RowTo(row, i)
		base := i * m.C
		for j, v := range row {
			out[base+j] = float64(v)
		}
	}
	return out
}

// SameShape reports whether a and b have equal dimensions.
func SameShape(a, b *Mat) bool {
	return a.R == b.R && a.C == b.C
}

// Equal reports whether a and b have the same shape and bit-identical
// decoded values. NaNs compare equal to NaNs with the same bits.
func Equal(a, b *Mat) bool {
	if !SameShape(a, b) {
		return false
	}
	ra := make([]float32, a.C)
	rb := make([]float32, b.C)
	for i := 0; i < a.R; i++ {
		a.RowTo(ra, i)
		b.RowTo(rb, i)
		for j := range ra {
			if math.Float32bits(ra[j]) != math.Float32bits(rb[j]) {
				return false
			}
		}
	}
	return true
}

func (m *Mat) check(i, j int) {
	if i < 0 || i >= m.R {
		panic(ErrRowOutOfRange)
	}
	if j < 0 || j >= m.C {
		panic(ErrColOutOfRange)
	}
}
