package verify

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/samcharles93/mgemm/internal/logger"
	"github.com/samcharles93/mgemm/internal/tensor"
)

var (
	// ErrNumericalDivergence reports an output outside tolerance of the
	// reference. The concrete error is a *DivergenceError.
	ErrNumericalDivergence = errors.New("numerical divergence")
	// ErrUnknownScenario reports a scenario name missing from the catalogue.
	ErrUnknownScenario = errors.New("unknown scenario")
)

// Tolerance is an allclose bound: |a-e| <= ATol + RTol·|e|.
type Tolerance struct {
	RTol float64 `json:"rtol" yaml:"rtol"`
	ATol float64 `json:"atol" yaml:"atol"`
}

var (
	// Loose is the bound used for 16-bit storage.
	Loose = Tolerance{RTol: 0.5, ATol: 0.5}
	// Strict is the bound used for float32 storage.
	Strict = Tolerance{RTol: 1e-3, ATol: 1e-3}
)

// ToleranceFor returns Loose for reduced-precision dtypes and Strict
// otherwise.
func ToleranceFor(d tensor.DType) Tolerance {
	if d.Reduced() {
		return Loose
	}
	return Strict
}

// Close reports whether actual is within t of expected. NaN is never close.
func (t Tolerance) Close(actual, expected float64) bool {
	if math.IsNaN(actual) || math.IsNaN(expected) {
		return false
	}
	if math.IsInf(actual, 0) || math.IsInf(expected, 0) {
		return actual == expected
	}
	return math.Abs(actual-expected) <= t.ATol+t.RTol*math.Abs(expected)
}

// Diff summarises the comparison of one output tensor with its reference.
type Diff struct {
	Name     string  `json:"name" yaml:"name"`
	Rows     int     `json:"rows" yaml:"rows"`
	Cols     int     `json:"cols" yaml:"cols"`
	MaxDiff  float64 `json:"max_diff" yaml:"max_diff"`
	MaxRow   int     `json:"max_row" yaml:"max_row"`
	MaxCol   int     `json:"max_col" yaml:"max_col"`
	Actual   float64 `json:"actual" yaml:"actual"`
	Expected float64 `json:"expected" yaml:"expected"`
	Close    bool    `json:"close" yaml:"close"`
	Mismatch int     `json:"mismatched" yaml:"mismatched"`
	Elements int     `json:"elements" yaml:"elements"`
	// Zeros and NaNs count [actual, expected].
	Zeros [2]int    `json:"zeros" yaml:"zeros"`
	NaNs  [2]int    `json:"nans" yaml:"nans"`
	Tol   Tolerance `json:"tolerance" yaml:"tolerance"`
}

// Compare checks actual against expected element by element. The largest
// difference is located over non-NaN pairs; a NaN on either side counts as a
// mismatch.
func Compare(name string, actual, expected *tensor.Mat, tol Tolerance) (Diff, error) {
	if !tensor.SameShape(actual, expected) {
		return Diff{}, errors.Errorf("%s: shape %dx%d, reference %dx%d",
			name, actual.R, actual.C, expected.R, expected.C)
	}
	d := Diff{
		Name:     name,
		Rows:     actual.R,
		Cols:     actual.C,
		Elements: actual.R * actual.C,
		Close:    true,
		Tol:      tol,
		MaxRow:   -1,
		MaxCol:   -1,
	}
	ra := make([]float32, actual.C)
	re := make([]float32, expected.C)
	for i := 0; i < actual.R; i++ {
		actual.RowTo(ra, i)
		expected.RowTo(re, i)
		for j := range ra {
			a, e := float64(ra[j]), float64(re[j])
			if a == 0 {
				d.Zeros[0]++
			}
			if e == 0 {
				d.Zeros[1]++
			}
			aNaN, eNaN := math.IsNaN(a), math.IsNaN(e)
			if aNaN {
				d.NaNs[0]++
			}
			if eNaN {
				d.NaNs[1]++
			}
			if !tol.Close(a, e) {
				d.Close = false
				d.Mismatch++
			}
			if aNaN || eNaN {
				continue
			}
			if diff := math.Abs(a - e); d.MaxRow < 0 || diff > d.MaxDiff {
				d.MaxDiff, d.MaxRow, d.MaxCol = diff, i, j
				d.Actual, d.Expected = a, e
			}
		}
	}
	return d, nil
}

// Log writes d to log. Zero and NaN counts are only reported on failure.
func (d Diff) Log(log logger.Logger) {
	log.Info(fmt.Sprintf("Largest %s difference: %g at (%d, %d)", d.Name, d.MaxDiff, d.MaxRow, d.MaxCol))
	log.Info(fmt.Sprintf("Values: %g vs %g", d.Actual, d.Expected))
	if d.Close {
		log.Info(fmt.Sprintf("SUCCESS: %s matches reference", d.Name))
		return
	}
	log.Error(fmt.Sprintf("FAILURE: %s mismatch detected", d.Name), "mismatched", d.Mismatch, "elements", d.Elements)
	for side, n := range []int{d.Zeros[0], d.Zeros[1]} {
		log.Info(fmt.Sprintf("Zeros in %s (%s): %d/%d (%.2f%%)", d.Name, sides[side], n, d.Elements, percent(n, d.Elements)))
	}
	if d.NaNs[0] > 0 {
		log.Error(fmt.Sprintf("NaN values detected in %s: %d", d.Name, d.NaNs[0]))
	}
}

var sides = [2]string{"actual", "expected"}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// DivergenceError carries the failed comparisons of one case, or the name
// of the property check that failed.
type DivergenceError struct {
	Case  string
	Check string
	Diffs []Diff
}

func (e *DivergenceError) Error() string {
	if len(e.Diffs) == 0 {
		if e.Check != "" {
			return fmt.Sprintf("%s: %v: check %s failed", e.Case, ErrNumericalDivergence, e.Check)
		}
		return fmt.Sprintf("%s: %v", e.Case, ErrNumericalDivergence)
	}
	d := e.Diffs[0]
	msg := fmt.Sprintf("%s: %v in %s: max diff %g at (%d, %d), %d/%d elements outside rtol=%g atol=%g",
		e.Case, ErrNumericalDivergence, d.Name, d.MaxDiff, d.MaxRow, d.MaxCol, d.Mismatch, d.Elements, d.Tol.RTol, d.Tol.ATol)
	if len(e.Diffs) > 1 {
		msg += fmt.Sprintf(" (and %d more)", len(e.Diffs)-1)
	}
	return msg
}

func (e *DivergenceError) Unwrap() error { return ErrNumericalDivergence }

// checkDiffs returns a *DivergenceError for the diffs that are not close.
func checkDiffs(name string, diffs []Diff) error {
	var failed []Diff
	for _, d := range diffs {
		if !d.Close {
			failed = append(failed, d)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &DivergenceError{Case: name, Diffs: failed}
}
