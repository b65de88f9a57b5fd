package groupgemm

import "github.com/samcharles93/mgemm/internal/tensor"

// accum is the accumulator precision of a kernel.
type accum interface {
	float32 | float64
}

// packRows decodes m[r0:r1, c0:c1] into dst as r1-r0 contiguous rows of
// length c1-c0. The column axis of m is the contraction axis.
func packRows(dst []float32, m *tensor.Mat, r0, r1, c0, c1 int) {
	w := c1 - c0
	for i := r0; i < r1; i++ {
		off := (i - r0) * w
		m.LoadRow(dst[off:off+w], i, c0)
	}
}

// packCols decodes m[r0:r1, c0:c1] transposed into dst as c1-c0 contiguous
// rows of length r1-r0. The row axis of m is the contraction axis.
func packCols(dst, buf []float32, m *tensor.Mat, r0, r1, c0, c1 int) {
	depth := r1 - r0
	row := buf[:c1-c0]
	for d := 0; d < depth; d++ {
		m.LoadRow(row, r0+d, c0)
		for j, v := range row {
			dst[j*depth+d] = v
		}
	}
}

// dotTile accumulates acc[i*cols+j] += Σ_d a[i*depth+d]·b[j*depth+d]. Both
// operands are packed with the contraction axis innermost. The summation
// order is fixed, so repeated calls give identical bits.
func dotTile[T accum](acc []T, a, b []float32, rows, cols, depth int) {
	for i := 0; i < rows; i++ {
		aRow := a[i*depth : (i+1)*depth]
		accRow := acc[i*cols : (i+1)*cols]
		for j := 0; j < cols; j++ {
			bRow := b[j*depth : (j+1)*depth]
			var s0, s1, s2, s3 T
			d := 0
			for ; d+4 <= depth; d += 4 {
				s0 += T(aRow[d]) * T(bRow[d])
				s1 += T(aRow[d+1]) * T(bRow[d+1])
				s2 += T(aRow[d+2]) * T(bRow[d+2])
				s3 += T(aRow[d+3]) * T(bRow[d+3])
			}
			for ; d < depth; d++ {
				s0 += T(aRow[d]) * T(bRow[d])
			}
			accRow[j] += (s0 + s1) + (s2 + s3)
		}
	}
}

// accBuf returns a zeroed accumulator of n elements from the worker scratch.
func accBuf[T accum](s *scratch, n int) []T {
	var zero T
	var buf any
	if _, wide := any(zero).(float64); wide {
		buf = s.acc64[:n]
	} else {
		buf = s.acc32[:n]
	}
	out := buf.([]T)
	clear(out)
	return out
}

// storeTile encodes a rows×cols accumulator into m at (r0, c0).
func storeTile[T accum](m *tensor.Mat, acc []T, buf []float32, r0, c0, rows, cols int) {
	row := buf[:cols]
	for i := 0; i < rows; i++ {
		src := acc[i*cols : (i+1)*cols]
		for j, v := range src {
			row[j] = float32(v)
		}
		m.StoreRow(r0+i, c0, row)
	}
}
