package verify

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/mgemm/internal/logger"
	"github.com/samcharles93/mgemm/internal/tensor"
)

func TestToleranceFor(t *testing.T) {
	assert.Equal(t, Loose, ToleranceFor(tensor.F16))
	assert.Equal(t, Loose, ToleranceFor(tensor.BF16))
	assert.Equal(t, Strict, ToleranceFor(tensor.F32))
}

func TestToleranceClose(t *testing.T) {
	assert.True(t, Strict.Close(1.0005, 1))
	assert.False(t, Strict.Close(1.01, 1))
	assert.True(t, Loose.Close(10, 14))
	assert.False(t, Loose.Close(0, 2))
	assert.False(t, Loose.Close(math.NaN(), 1))
	assert.False(t, Loose.Close(math.NaN(), math.NaN()))
	assert.True(t, Strict.Close(math.Inf(1), math.Inf(1)))
	assert.False(t, Loose.Close(math.Inf(1), 1e9))
}

func TestCompareLocatesLargestDifference(t *testing.T) {
	expected := must.M1(tensor.FromFloat32(tensor.F32, 2, 3, []float32{1, 2, 0, 4, 5, 6}))
	actual := must.M1(tensor.FromFloat32(tensor.F32, 2, 3, []float32{1, 2, 0, 4, 7.5, 0}))

	d, err := Compare("Forward output", &actual, &expected, Strict)
	require.NoError(t, err)
	assert.False(t, d.Close)
	assert.Equal(t, 6.0, d.MaxDiff)
	assert.Equal(t, [2]int{1, 2}, [2]int{d.MaxRow, d.MaxCol})
	assert.Equal(t, 0.0, d.Actual)
	assert.Equal(t, 6.0, d.Expected)
	assert.Equal(t, 2, d.Mismatch)
	assert.Equal(t, 6, d.Elements)
	assert.Equal(t, [2]int{2, 1}, d.Zeros)

	d, err = Compare("Forward output", &actual, &expected, Tolerance{RTol: 1, ATol: 1})
	require.NoError(t, err)
	assert.True(t, d.Close)
}

func TestCompareCountsNaN(t *testing.T) {
	expected := must.M1(tensor.FromFloat32(tensor.F32, 1, 3, []float32{1, 2, 3}))
	nan := float32(math.NaN())
	actual := must.M1(tensor.FromFloat32(tensor.F32, 1, 3, []float32{1, nan, 3.1}))

	d, err := Compare("grad_x", &actual, &expected, Loose)
	require.NoError(t, err)
	assert.False(t, d.Close)
	assert.Equal(t, [2]int{1, 0}, d.NaNs)
	assert.Equal(t, 1, d.Mismatch)
	assert.InDelta(t, 0.1, d.MaxDiff, 1e-6)
	assert.Equal(t, 2, d.MaxCol)
}

func TestCompareShapeMismatch(t *testing.T) {
	a := tensor.NewMat(2, 3)
	b := tensor.NewMat(3, 2)
	_, err := Compare("Y", &a, &b, Strict)
	assert.Error(t, err)
}

func TestDiffLog(t *testing.T) {
	var buf bytes.Buffer
	log := logger.Text(&buf, -4)

	pass := Diff{Name: "grad_w", MaxDiff: 0.25, MaxRow: 3, MaxCol: 7, Close: true}
	pass.Log(log)
	out := buf.String()
	assert.Contains(t, out, "Largest grad_w difference: 0.25 at (3, 7)")
	assert.Contains(t, out, "SUCCESS: grad_w matches reference")
	assert.NotContains(t, out, "Zeros in")

	buf.Reset()
	fail := Diff{Name: "grad_x", Elements: 8, Zeros: [2]int{4, 0}, NaNs: [2]int{2, 0}}
	fail.Log(log)
	out = buf.String()
	assert.Contains(t, out, "FAILURE: grad_x mismatch detected")
	assert.Contains(t, out, "Zeros in grad_x (actual): 4/8 (50.00%)")
	assert.Contains(t, out, "Zeros in grad_x (expected): 0/8 (0.00%)")
	assert.Contains(t, out, "NaN values detected in grad_x: 2")
	assert.Less(t, strings.Index(out, "(actual)"), strings.Index(out, "(expected)"))
}

func TestDivergenceError(t *testing.T) {
	err := checkDiffs("B", []Diff{
		{Name: "Forward output", Close: true},
		{Name: "grad_w", MaxDiff: 3, Mismatch: 5, Elements: 10, Tol: Loose},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNumericalDivergence))

	var div *DivergenceError
	require.True(t, errors.As(err, &div))
	assert.Equal(t, "B", div.Case)
	require.Len(t, div.Diffs, 1)
	assert.Equal(t, "grad_w", div.Diffs[0].Name)
	assert.Contains(t, err.Error(), "5/10 elements")

	assert.NoError(t, checkDiffs("A", []Diff{{Close: true}}))

	err = &DivergenceError{Case: "D", Check: "zero-group/Y"}
	assert.Contains(t, err.Error(), "check zero-group/Y failed")
}
