package verify

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/tensor"
)

// operand is a tensor decoded to a gonum matrix.
type operand struct {
	rows, cols int
	data       []float64
}

func decode(m *tensor.Mat) operand {
	return operand{rows: m.R, cols: m.C, data: m.Float64()}
}

// slice returns rows [r0, r1) as a gonum matrix sharing o's storage.
func (o operand) slice(r0, r1 int) *mat.Dense {
	return mat.NewDense(r1-r0, o.cols, o.data[r0*o.cols:r1*o.cols])
}

// encode rounds a float64 result into a matrix of dtype d.
func encode(d tensor.DType, r, c int, values []float64) (tensor.Mat, error) {
	f := make([]float32, len(values))
	for i, v := range values {
		f[i] = float32(v)
	}
	return tensor.FromFloat32(d, r, c, f)
}

// refProblem mirrors the engine's validation so the reference fails the
// same way on bad input.
type refProblem struct {
	offsets []int
	n       int
	layout  groupgemm.WeightLayout
}

func (p refProblem) weight(w operand, g int) *mat.Dense {
	if p.layout == groupgemm.PerGroupWeight {
		return w.slice(g*p.n, (g+1)*p.n)
	}
	return w.slice(0, p.n)
}

// empty reports a zero-width product, which gonum cannot represent.
func (p refProblem) empty(x *tensor.Mat) bool {
	return p.n == 0 || x.C == 0
}

func planReference(x, w *tensor.Mat, sizes []int, layout groupgemm.WeightLayout) (refProblem, error) {
	offsets, err := groupgemm.Offsets(sizes)
	if err != nil {
		return refProblem{}, err
	}
	if offsets[len(sizes)] != x.R || w.C != x.C {
		return refProblem{}, errors.Wrapf(groupgemm.ErrShapeMismatch,
			"reference: X %dx%d, W %dx%d, rows %d", x.R, x.C, w.R, w.C, offsets[len(sizes)])
	}
	p := refProblem{offsets: offsets, n: w.R, layout: layout}
	if layout == groupgemm.PerGroupWeight {
		if w.R%len(sizes) != 0 {
			return refProblem{}, errors.Wrapf(groupgemm.ErrShapeMismatch, "reference: W rows %d, groups %d", w.R, len(sizes))
		}
		p.n = w.R / len(sizes)
	}
	return p, nil
}

// ReferenceForward computes Y with an explicit loop over groups, one dense
// float64 product per non-empty group. The result is rounded to the dtype of
// X.
func ReferenceForward(x, w *tensor.Mat, sizes []int, layout groupgemm.WeightLayout) (tensor.Mat, error) {
	p, err := planReference(x, w, sizes, layout)
	if err != nil {
		return tensor.Mat{}, err
	}
	xs, ws := decode(x), decode(w)
	out := make([]float64, x.R*p.n)
	for g := range sizes {
		s, e := p.offsets[g], p.offsets[g+1]
		if s == e || p.empty(x) {
			continue
		}
		yg := mat.NewDense(e-s, p.n, out[s*p.n:e*p.n])
		yg.Mul(xs.slice(s, e), p.weight(ws, g).T())
	}
	return encode(x.DType, x.R, p.n, out)
}

// ReferenceBackward computes the adjoint of ReferenceForward per group:
// grad_X_g = grad_Y_g @ W_g and grad_W accumulates grad_Y_g^T @ X_g in group
// order.
func ReferenceBackward(gradY, x, w *tensor.Mat, sizes []int, layout groupgemm.WeightLayout) (gradX, gradW tensor.Mat, err error) {
	p, err := planReference(x, w, sizes, layout)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	if gradY.R != x.R || gradY.C != p.n {
		return tensor.Mat{}, tensor.Mat{}, errors.Wrapf(groupgemm.ErrShapeMismatch,
			"reference: grad_Y %dx%d, want %dx%d", gradY.R, gradY.C, x.R, p.n)
	}
	gys, xs, ws := decode(gradY), decode(x), decode(w)
	gx := make([]float64, x.R*x.C)
	gw := make([]float64, w.R*w.C)

	var partial mat.Dense
	for g := range sizes {
		s, e := p.offsets[g], p.offsets[g+1]
		if s == e || p.empty(x) {
			continue
		}
		gyg := gys.slice(s, e)
		gxg := mat.NewDense(e-s, x.C, gx[s*x.C:e*x.C])
		gxg.Mul(gyg, p.weight(ws, g))

		base := 0
		if layout == groupgemm.PerGroupWeight {
			base = g * p.n
		}
		dst := mat.NewDense(p.n, x.C, gw[base*x.C:(base+p.n)*x.C])
		partial.Reset()
		partial.Mul(gyg.T(), xs.slice(s, e))
		dst.Add(dst, &partial)
	}

	if gradX, err = encode(x.DType, x.R, x.C, gx); err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	if gradW, err = encode(x.DType, w.R, w.C, gw); err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	return gradX, gradW, nil
}
