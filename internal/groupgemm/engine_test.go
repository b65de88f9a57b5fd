package groupgemm

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mgemm/internal/tensor"
)

func randMat(t *testing.T, d tensor.DType, r, c int, seed int64) tensor.Mat {
	t.Helper()
	m := must.M1(tensor.NewMatOf(d, r, c))
	tensor.FillNormal(&m, seed)
	return m
}

// naiveForward is the per-group loop Y[s:e] = X[s:e] @ W_g^T in float64.
func naiveForward(x, w *tensor.Mat, sizes []int, layout WeightLayout) []float64 {
	n := w.R
	if layout == PerGroupWeight {
		n = w.R / len(sizes)
	}
	y := make([]float64, x.R*n)
	offsets := must.M1(Offsets(sizes))
	for g := range sizes {
		base := 0
		if layout == PerGroupWeight {
			base = g * n
		}
		for i := offsets[g]; i < offsets[g+1]; i++ {
			for j := 0; j < n; j++ {
				var s float64
				for k := 0; k < x.C; k++ {
					s += float64(x.At(i, k)) * float64(w.At(base+j, k))
				}
				y[i*n+j] = s
			}
		}
	}
	return y
}

// naiveBackward returns grad_X (M, K) and grad_W (rows(W), K) in float64.
func naiveBackward(gy, x, w *tensor.Mat, sizes []int, layout WeightLayout) (gx, gw []float64) {
	n := gy.C
	gx = make([]float64, x.R*x.C)
	gw = make([]float64, w.R*w.C)
	offsets := must.M1(Offsets(sizes))
	for g := range sizes {
		base := 0
		if layout == PerGroupWeight {
			base = g * n
		}
		for i := offsets[g]; i < offsets[g+1]; i++ {
			for k := 0; k < x.C; k++ {
				var s float64
				for j := 0; j < n; j++ {
					s += float64(gy.At(i, j)) * float64(w.At(base+j, k))
				}
				gx[i*x.C+k] = s
			}
			for j := 0; j < n; j++ {
				dy := float64(gy.At(i, j))
				for k := 0; k < x.C; k++ {
					gw[(base+j)*x.C+k] += dy * float64(x.At(i, k))
				}
			}
		}
	}
	return gx, gw
}

// requireClose checks |a-e| <= atol + rtol·|e| for every element.
func requireClose(t *testing.T, got *tensor.Mat, want []float64, rtol, atol float64) {
	t.Helper()
	require.Equal(t, len(want), got.R*got.C)
	vals := got.Float64()
	for i, e := range want {
		if math.Abs(vals[i]-e) > atol+rtol*math.Abs(e) {
			t.Fatalf("element (%d, %d): got %g want %g", i/got.C, i%got.C, vals[i], e)
		}
	}
}

func smallTiles() Config {
	cfg := DefaultConfig()
	cfg.TileM, cfg.TileN, cfg.TileK = 8, 8, 16
	cfg.Workers = 4
	return cfg
}

func TestForwardMatchesNaive(t *testing.T) {
	cases := []struct {
		name  string
		sizes []int
	}{
		{"single", []int{37}},
		{"even", []int{10, 10, 10, 10}},
		{"uneven", EvenSplit(37, 8)},
		{"zero-groups", []int{0, 13, 0, 0, 11, 7, 0}},
		{"straddling", []int{3, 5, 1, 1, 20}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := must.M1(Sum(tc.sizes))
			x := randMat(t, tensor.F32, m, 45, 1)
			w := randMat(t, tensor.F32, 29, 45, 2)

			y, err := New(smallTiles()).Forward(&x, &w, tc.sizes)
			require.NoError(t, err)
			assert.Equal(t, m, y.R)
			assert.Equal(t, 29, y.C)
			requireClose(t, &y, naiveForward(&x, &w, tc.sizes, SharedWeight), 1e-4, 1e-4)
		})
	}
}

func TestForwardDefaultTiles(t *testing.T) {
	sizes := []int{70, 0, 130}
	x := randMat(t, tensor.F32, 200, 600, 3)
	w := randMat(t, tensor.F32, 90, 600, 4)

	y, err := Forward(&x, &w, sizes)
	require.NoError(t, err)
	requireClose(t, &y, naiveForward(&x, &w, sizes, SharedWeight), 1e-3, 1e-3)
}

func TestForwardReducedPrecision(t *testing.T) {
	for _, d := range []tensor.DType{tensor.F16, tensor.BF16} {
		t.Run(d.String(), func(t *testing.T) {
			sizes := []int{9, 0, 14}
			x := randMat(t, d, 23, 40, 5)
			w := randMat(t, d, 17, 40, 6)

			y, err := New(smallTiles()).Forward(&x, &w, sizes)
			require.NoError(t, err)
			assert.Equal(t, d, y.DType)
			// Inputs are already representable, so only the output rounding
			// separates the engine from the float64 loop.
			requireClose(t, &y, naiveForward(&x, &w, sizes, SharedWeight), 1e-2, 1e-3)
		})
	}
}

func TestSingleGroupEqualsPlainMatmul(t *testing.T) {
	x := randMat(t, tensor.F32, 33, 21, 7)
	w := randMat(t, tensor.F32, 19, 21, 8)

	y := must.M1(New(smallTiles()).Forward(&x, &w, []int{33}))

	for i := 0; i < x.R; i++ {
		for j := 0; j < w.R; j++ {
			var s float64
			for k := 0; k < x.C; k++ {
				s += float64(x.At(i, k)) * float64(w.At(j, k))
			}
			require.InDelta(t, s, float64(y.At(i, j)), 1e-4)
		}
	}
}

func TestBackwardMatchesNaive(t *testing.T) {
	for _, red := range []Reduction{ReduceOwner, ReduceAtomic, ReduceTree} {
		t.Run(red.String(), func(t *testing.T) {
			sizes := []int{11, 0, 6, 20}
			x := randMat(t, tensor.F32, 37, 26, 9)
			w := randMat(t, tensor.F32, 18, 26, 10)
			gy := randMat(t, tensor.F32, 37, 18, 11)

			cfg := smallTiles()
			cfg.Reduction = red
			gx, gw, err := New(cfg).Backward(&gy, &x, &w, sizes)
			require.NoError(t, err)
			assert.Equal(t, [2]int{37, 26}, [2]int{gx.R, gx.C})
			assert.Equal(t, [2]int{18, 26}, [2]int{gw.R, gw.C})

			wantX, wantW := naiveBackward(&gy, &x, &w, sizes, SharedWeight)
			requireClose(t, &gx, wantX, 1e-4, 1e-4)
			requireClose(t, &gw, wantW, 1e-4, 1e-4)
		})
	}
}

func TestBackwardReducedPrecision(t *testing.T) {
	sizes := []int{16, 16, 0, 16}
	x := randMat(t, tensor.BF16, 48, 24, 12)
	w := randMat(t, tensor.BF16, 20, 24, 13)
	gy := randMat(t, tensor.BF16, 48, 20, 14)

	gx, gw, err := New(smallTiles()).Backward(&gy, &x, &w, sizes)
	require.NoError(t, err)
	assert.Equal(t, tensor.BF16, gx.DType)
	assert.Equal(t, tensor.BF16, gw.DType)

	wantX, wantW := naiveBackward(&gy, &x, &w, sizes, SharedWeight)
	requireClose(t, &gx, wantX, 1e-2, 1e-2)
	requireClose(t, &gw, wantW, 1e-2, 1e-2)
}

func TestReductionsAgree(t *testing.T) {
	sizes := EvenSplit(61, 8)
	x := randMat(t, tensor.F32, 61, 33, 15)
	w := randMat(t, tensor.F32, 27, 33, 16)
	gy := randMat(t, tensor.F32, 61, 27, 17)

	var grads []tensor.Mat
	for _, red := range []Reduction{ReduceOwner, ReduceAtomic, ReduceTree} {
		cfg := smallTiles()
		cfg.Reduction = red
		_, gw, err := New(cfg).Backward(&gy, &x, &w, sizes)
		require.NoError(t, err)
		grads = append(grads, gw)
	}
	want := grads[0].Float64()
	for _, gw := range grads[1:] {
		requireClose(t, &gw, want, 1e-5, 1e-5)
	}
}

func TestDeterministicReductionsReproduce(t *testing.T) {
	sizes := []int{40, 0, 33, 7, 50}
	x := randMat(t, tensor.F32, 130, 70, 18)
	w := randMat(t, tensor.F32, 45, 70, 19)
	gy := randMat(t, tensor.F32, 130, 45, 20)

	for _, red := range []Reduction{ReduceOwner, ReduceTree} {
		t.Run(red.String(), func(t *testing.T) {
			require.True(t, red.Deterministic())
			cfg := smallTiles()
			cfg.Reduction = red
			cfg.Workers = 8
			e := New(cfg)

			gx0, gw0, err := e.Backward(&gy, &x, &w, sizes)
			require.NoError(t, err)
			for range 3 {
				gx1, gw1, err := e.Backward(&gy, &x, &w, sizes)
				require.NoError(t, err)
				assert.True(t, tensor.Equal(&gx0, &gx1))
				assert.True(t, tensor.Equal(&gw0, &gw1))
			}
		})
	}
	assert.False(t, ReduceAtomic.Deterministic())
}

func TestZeroGroupIsNoOp(t *testing.T) {
	x := randMat(t, tensor.F32, 48, 32, 21)
	w := randMat(t, tensor.F32, 24, 32, 22)
	gy := randMat(t, tensor.F32, 48, 24, 23)
	withZero := []int{16, 0, 16, 16}
	without := []int{16, 16, 16}

	for _, red := range []Reduction{ReduceOwner, ReduceTree} {
		cfg := smallTiles()
		cfg.Reduction = red
		e := New(cfg)

		y0 := must.M1(e.Forward(&x, &w, withZero))
		y1 := must.M1(e.Forward(&x, &w, without))
		assert.True(t, tensor.Equal(&y0, &y1), "forward, %s", red)

		gx0, gw0, err := e.Backward(&gy, &x, &w, withZero)
		require.NoError(t, err)
		gx1, gw1, err := e.Backward(&gy, &x, &w, without)
		require.NoError(t, err)
		assert.True(t, tensor.Equal(&gx0, &gx1), "grad_X, %s", red)
		assert.True(t, tensor.Equal(&gw0, &gw1), "grad_W, %s", red)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	sizes := []int{12, 9, 15}
	x := randMat(t, tensor.F32, 36, 20, 24)
	w := randMat(t, tensor.F32, 14, 20, 25)
	e := New(smallTiles())

	y := must.M1(e.Forward(&x, &w, sizes))

	// Changing one group's rows leaves every other group's output untouched.
	x2 := x.Convert(tensor.F32)
	for i := 12; i < 21; i++ {
		for k := 0; k < x2.C; k++ {
			x2.Set(i, k, x2.At(i, k)*3+1)
		}
	}
	y2 := must.M1(e.Forward(&x2, &w, sizes))
	for _, rows := range [][2]int{{0, 12}, {21, 36}} {
		a, b := y.Rows(rows[0], rows[1]), y2.Rows(rows[0], rows[1])
		assert.True(t, tensor.Equal(&a, &b), "rows %v", rows)
	}
}

func TestPerGroupWeightLayout(t *testing.T) {
	sizes := []int{7, 0, 12, 5}
	groups := len(sizes)
	x := randMat(t, tensor.F32, 24, 18, 26)
	w := randMat(t, tensor.F32, groups*10, 18, 27)
	gy := randMat(t, tensor.F32, 24, 10, 28)

	cfg := smallTiles()
	cfg.Layout = PerGroupWeight
	cfg.Reduction = ReduceAtomic
	e := New(cfg)

	y, err := e.Forward(&x, &w, sizes)
	require.NoError(t, err)
	assert.Equal(t, 10, y.C)
	requireClose(t, &y, naiveForward(&x, &w, sizes, PerGroupWeight), 1e-4, 1e-4)

	gx, gw, err := e.Backward(&gy, &x, &w, sizes)
	require.NoError(t, err)
	assert.Equal(t, groups*10, gw.R)
	wantX, wantW := naiveBackward(&gy, &x, &w, sizes, PerGroupWeight)
	requireClose(t, &gx, wantX, 1e-4, 1e-4)
	requireClose(t, &gw, wantW, 1e-4, 1e-4)

	// The empty group's slice stays zero.
	empty := gw.Rows(10, 20)
	for _, v := range empty.Float64() {
		require.Zero(t, v)
	}
}

func TestWideAccumulator(t *testing.T) {
	sizes := []int{20, 20}
	x := randMat(t, tensor.F32, 40, 300, 29)
	w := randMat(t, tensor.F32, 16, 300, 30)
	gy := randMat(t, tensor.F32, 40, 16, 31)

	for _, red := range []Reduction{ReduceOwner, ReduceAtomic, ReduceTree} {
		cfg := smallTiles()
		cfg.WideAccumulator = true
		cfg.Reduction = red
		e := New(cfg)

		y := must.M1(e.Forward(&x, &w, sizes))
		requireClose(t, &y, naiveForward(&x, &w, sizes, SharedWeight), 1e-6, 1e-6)

		gx, gw, err := e.Backward(&gy, &x, &w, sizes)
		require.NoError(t, err)
		wantX, wantW := naiveBackward(&gy, &x, &w, sizes, SharedWeight)
		requireClose(t, &gx, wantX, 1e-6, 1e-6)
		requireClose(t, &gw, wantW, 1e-6, 1e-6)
	}
}

func TestForwardErrors(t *testing.T) {
	x := randMat(t, tensor.F32, 10, 8, 32)
	w := randMat(t, tensor.F32, 6, 8, 33)
	wBad := randMat(t, tensor.F32, 6, 9, 34)
	wHalf := randMat(t, tensor.F16, 6, 8, 35)
	e := New(DefaultConfig())

	_, err := e.Forward(&x, &w, []int{4, 4})
	assert.True(t, errors.Is(err, ErrShapeMismatch), "sum != rows: %v", err)

	_, err = e.Forward(&x, &wBad, []int{10})
	assert.True(t, errors.Is(err, ErrShapeMismatch), "K mismatch: %v", err)

	_, err = e.Forward(&x, &wHalf, []int{10})
	assert.True(t, errors.Is(err, ErrShapeMismatch), "dtype mismatch: %v", err)

	_, err = e.Forward(nil, &w, []int{10})
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = e.Forward(&x, &w, []int{12, -2})
	assert.True(t, errors.Is(err, ErrInvalidGroupSize))

	_, err = e.Forward(&x, &w, nil)
	assert.True(t, errors.Is(err, ErrInvalidGroupSize))

	cfg := DefaultConfig()
	cfg.Layout = PerGroupWeight
	_, err = New(cfg).Forward(&x, &w, []int{3, 3, 4, 0})
	assert.True(t, errors.Is(err, ErrShapeMismatch), "rows(W) %% G: %v", err)
}

func TestBackwardErrors(t *testing.T) {
	x := randMat(t, tensor.F32, 10, 8, 36)
	w := randMat(t, tensor.F32, 6, 8, 37)
	gy := randMat(t, tensor.F32, 10, 6, 38)
	gyRows := randMat(t, tensor.F32, 9, 6, 39)
	gyCols := randMat(t, tensor.F32, 10, 5, 40)
	gyHalf := randMat(t, tensor.BF16, 10, 6, 41)
	e := New(DefaultConfig())

	for name, g := range map[string]*tensor.Mat{"rows": &gyRows, "cols": &gyCols, "dtype": &gyHalf, "nil": nil} {
		_, _, err := e.Backward(g, &x, &w, []int{10})
		assert.True(t, errors.Is(err, ErrShapeMismatch), "%s: %v", name, err)
	}

	_, _, err := e.Backward(&gy, &x, &w, []int{-1, 11})
	assert.True(t, errors.Is(err, ErrInvalidGroupSize))
}

func TestMalformedStorage(t *testing.T) {
	w := randMat(t, tensor.F32, 2, 2, 45)
	gy := randMat(t, tensor.F32, 2, 2, 46)
	e := New(DefaultConfig())

	for name, x := range map[string]*tensor.Mat{
		"zero stride":     {R: 2, C: 2, DType: tensor.F32, Data: []float32{1, 0, 0, 1}},
		"short data":      {R: 2, C: 2, Stride: 2, DType: tensor.F32, Data: []float32{1, 0, 0}},
		"nil half":        {R: 2, C: 2, Stride: 2, DType: tensor.F16},
		"data not half":   {R: 2, C: 2, Stride: 2, DType: tensor.BF16, Data: []float32{1, 0, 0, 1}},
		"short at stride": {R: 2, C: 2, Stride: 3, DType: tensor.F32, Data: []float32{1, 0, 0, 0}},
		"unknown dtype":   {R: 2, C: 2, Stride: 2, DType: tensor.DType(9), Data: []float32{1, 0, 0, 1}},
	} {
		_, err := e.Forward(x, &w, []int{1, 1})
		assert.True(t, errors.Is(err, ErrShapeMismatch), "forward X %s: %v", name, err)
		_, err = e.Forward(&gy, x, []int{1, 1})
		assert.True(t, errors.Is(err, ErrShapeMismatch), "forward W %s: %v", name, err)
		_, _, err = e.Backward(x, &gy, &w, []int{1, 1})
		assert.True(t, errors.Is(err, ErrShapeMismatch), "backward grad_Y %s: %v", name, err)
	}

	// A strided view is well formed even though its slice ends short of
	// R*Stride.
	parent := randMat(t, tensor.F32, 2, 4, 47)
	view := tensor.Mat{R: 2, C: 2, Stride: 4, DType: tensor.F32, Data: parent.Data[:6]}
	y, err := e.Forward(&view, &w, []int{2})
	require.NoError(t, err)
	assert.InDelta(t, float64(view.At(1, 0)*w.At(0, 0)+view.At(1, 1)*w.At(0, 1)), float64(y.At(1, 0)), 1e-5)
}

func TestElementBudget(t *testing.T) {
	x := randMat(t, tensor.F32, 10, 8, 42)
	w := randMat(t, tensor.F32, 6, 8, 43)
	gy := randMat(t, tensor.F32, 10, 6, 44)

	cfg := DefaultConfig()
	cfg.MaxElements = 50
	_, err := New(cfg).Forward(&x, &w, []int{10})
	assert.True(t, errors.Is(err, ErrResourceExhausted), "%v", err)

	cfg.MaxElements = 80
	_, _, err = New(cfg).Backward(&gy, &x, &w, []int{10})
	assert.NoError(t, err)

	// The tree needs one 6x8 partial per non-empty group.
	cfg.Reduction = ReduceTree
	_, _, err = New(cfg).Backward(&gy, &x, &w, []int{5, 5})
	assert.True(t, errors.Is(err, ErrResourceExhausted), "%v", err)
	_, _, err = New(cfg).Backward(&gy, &x, &w, []int{10, 0})
	assert.NoError(t, err)
}
