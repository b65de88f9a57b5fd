package verify

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/logger"
	"github.com/samcharles93/mgemm/internal/tensor"
)

// Status is the outcome of one case.
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Check is one named property verified for a case.
type Check struct {
	Name   string `json:"name" yaml:"name"`
	OK     bool   `json:"ok" yaml:"ok"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// CaseResult is the outcome of one scenario.
type CaseResult struct {
	Scenario Scenario      `json:"scenario" yaml:"scenario"`
	Sizes    []int         `json:"sizes" yaml:"sizes"`
	Status   Status        `json:"status" yaml:"status"`
	Diffs    []Diff        `json:"diffs,omitempty" yaml:"diffs,omitempty"`
	Checks   []Check       `json:"checks,omitempty" yaml:"checks,omitempty"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Forward  time.Duration `json:"forward_ns" yaml:"forward"`
	Backward time.Duration `json:"backward_ns,omitempty" yaml:"backward,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns" yaml:"elapsed"`

	err error
}

// Err returns the error that failed the case, if any. A numerical failure
// is a *DivergenceError.
func (r CaseResult) Err() error {
	return r.err
}

func (r *CaseResult) check(name string, ok bool, format string, args ...any) {
	c := Check{Name: name, OK: ok}
	if format != "" {
		c.Detail = fmt.Sprintf(format, args...)
	}
	r.Checks = append(r.Checks, c)
}

// Runner runs scenarios against the engine and the reference, one case at a
// time. A case that errors or panics is recorded and the sweep moves on.
type Runner struct {
	// Config is the engine configuration; the weight layout is taken from
	// each scenario.
	Config groupgemm.Config
	// Seed drives the random inputs: X uses Seed, W Seed+1, grad_Y Seed+2.
	Seed int64
	// Tolerance overrides the per-dtype default when set.
	Tolerance *Tolerance
	Log       logger.Logger
	// OnCase is called after every case with the number of finished cases.
	OnCase func(done, total int, res CaseResult)
}

func (r *Runner) log() logger.Logger {
	if r.Log == nil {
		return logger.Discard()
	}
	return r.Log
}

// Run executes cases in order and returns the report. Cancelling ctx stops
// the sweep between cases; the partial report is returned with ctx's error.
func (r *Runner) Run(ctx context.Context, cases []Scenario) (*Report, error) {
	report := newReport(r.Config, r.Seed)
	for i, s := range cases {
		if err := ctx.Err(); err != nil {
			report.finish()
			return report, errors.Wrapf(err, "sweep stopped after %d of %d cases", i, len(cases))
		}
		res := r.RunCase(s)
		report.Cases = append(report.Cases, res)
		if r.OnCase != nil {
			r.OnCase(i+1, len(cases), res)
		}
	}
	report.finish()
	return report, nil
}

// RunCase runs a single scenario. It never panics.
func (r *Runner) RunCase(s Scenario) (res CaseResult) {
	log := r.log().With("case", s.Name)
	res = CaseResult{Scenario: s, Sizes: s.GroupSizes()}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			res.err = errors.Errorf("panic: %v", p)
			log.Error("case panicked", "panic", p, "stack", string(debug.Stack()))
		}
		res.Elapsed = time.Since(start)
		switch {
		case res.err == nil:
			res.Status = StatusPass
			log.Info(fmt.Sprintf("SUCCESS: %s passed all checks", s.Name), "elapsed", res.Elapsed)
		case errors.Is(res.err, ErrNumericalDivergence):
			res.Status = StatusFail
			res.Error = res.err.Error()
			log.Error(fmt.Sprintf("FAILURE: %s failed one or more checks", s.Name), "err", res.err)
		default:
			res.Status = StatusError
			res.Error = res.err.Error()
			log.Error(fmt.Sprintf("%s test failed with error", s.Name), "err", res.err)
		}
	}()

	res.err = r.runCase(s, &res, log)
	return res
}

func (r *Runner) tolerance(d tensor.DType) Tolerance {
	if r.Tolerance != nil {
		return *r.Tolerance
	}
	return ToleranceFor(d)
}

func (r *Runner) runCase(s Scenario, res *CaseResult, log logger.Logger) error {
	if err := s.Validate(); err != nil {
		return err
	}
	sizes := res.Sizes
	rows := s.Rows()
	tol := r.tolerance(s.DType)
	layout := s.Layout()

	log.Info("Test setup", "groups", len(sizes), "m", rows, "k", s.K, "n", s.N, "dtype", s.DType.String(), "sizes", sizes)

	offsets, err := groupgemm.Offsets(sizes)
	if err != nil {
		return err
	}
	if err := checkBudget(s, r.Config.MaxElements); err != nil {
		return err
	}
	res.check("rows", offsets[len(sizes)] == rows && coversOnce(offsets),
		"offsets end at %d, X has %d rows", offsets[len(sizes)], rows)

	x, err := tensor.NewMatOf(s.DType, rows, s.K)
	if err != nil {
		return err
	}
	w, err := tensor.NewMatOf(s.DType, s.WeightRows(), s.K)
	if err != nil {
		return err
	}
	tensor.FillNormal(&x, r.Seed)
	tensor.FillNormal(&w, r.Seed+1)

	cfg := r.Config
	cfg.Layout = layout
	cfg.Logger = log
	engine := groupgemm.New(cfg)

	t0 := time.Now()
	y, err := engine.Forward(&x, &w, sizes)
	if err != nil {
		return errors.Wrap(err, "forward")
	}
	res.Forward = time.Since(t0)
	res.check("shape/Y", y.R == rows && y.C == s.N, "%dx%d", y.R, y.C)

	yRef, err := ReferenceForward(&x, &w, sizes, layout)
	if err != nil {
		return errors.Wrap(err, "reference forward")
	}
	diff, err := Compare("Forward output", &y, &yRef, tol)
	if err != nil {
		return err
	}
	diff.Log(log)
	res.Diffs = append(res.Diffs, diff)

	var gx, gw, gy tensor.Mat
	if s.Backward {
		gy, err = tensor.NewMatOf(s.DType, rows, s.N)
		if err != nil {
			return err
		}
		tensor.FillNormal(&gy, r.Seed+2)

		t0 = time.Now()
		gx, gw, err = engine.Backward(&gy, &x, &w, sizes)
		if err != nil {
			return errors.Wrap(err, "backward")
		}
		res.Backward = time.Since(t0)
		res.check("shape/grad_x", gx.R == rows && gx.C == s.K, "%dx%d", gx.R, gx.C)
		res.check("shape/grad_w", gw.R == s.WeightRows() && gw.C == s.K, "%dx%d", gw.R, gw.C)

		gxRef, gwRef, err := ReferenceBackward(&gy, &x, &w, sizes, layout)
		if err != nil {
			return errors.Wrap(err, "reference backward")
		}
		for _, pair := range []struct {
			name           string
			actual, expect *tensor.Mat
		}{{"grad_x", &gx, &gxRef}, {"grad_w", &gw, &gwRef}} {
			d, err := Compare(pair.name, pair.actual, pair.expect, tol)
			if err != nil {
				return err
			}
			d.Log(log)
			res.Diffs = append(res.Diffs, d)
		}

		lhs, rhs, scale := adjoint(&gy, &y, &gx, &x)
		res.check("adjoint/x", math.Abs(lhs-rhs) <= tol.RTol*scale+tol.ATol,
			"<dY,Y>=%g <dX,X>=%g", lhs, rhs)
		lhs, rhs, scale = adjoint(&gy, &y, &gw, &w)
		res.check("adjoint/w", math.Abs(lhs-rhs) <= tol.RTol*scale+tol.ATol,
			"<dY,Y>=%g <dW,W>=%g", lhs, rhs)
	}

	if s.ZeroGroupCheck {
		if err := r.checkZeroGroups(engine, s, sizes, &x, &w, &y, &gy, &gx, &gw, res); err != nil {
			return err
		}
	}

	if err := checkDiffs(s.Name, res.Diffs); err != nil {
		return err
	}
	for _, c := range res.Checks {
		if !c.OK {
			return &DivergenceError{Case: s.Name, Check: c.Name}
		}
	}
	return nil
}

// checkZeroGroups reruns the case without its empty groups. Removing an
// empty group must not change a single output bit unless the grad_W
// reduction is order-dependent, in which case grad_W is compared within
// tolerance. In the per-group layout the empty groups' weight slices are
// dropped too.
func (r *Runner) checkZeroGroups(engine *groupgemm.Engine, s Scenario, sizes []int, x, w, y, gy, gx, gw *tensor.Mat, res *CaseResult) error {
	var kept, dropped []int
	for g, size := range sizes {
		if size > 0 {
			kept = append(kept, g)
		} else {
			dropped = append(dropped, g)
		}
	}
	if len(dropped) == 0 || len(kept) == 0 {
		res.check("zero-group", true, "no empty group to remove")
		return nil
	}
	compact := make([]int, len(kept))
	for i, g := range kept {
		compact[i] = sizes[g]
	}
	w2 := *w
	if s.PerGroupWeight {
		w2 = keepSlices(w, kept, s.N)
	}

	y2, err := engine.Forward(x, &w2, compact)
	if err != nil {
		return errors.Wrap(err, "forward without empty groups")
	}
	res.check("zero-group/Y", tensor.Equal(y, &y2), "groups %v removed", dropped)
	res.check("zero-group/nan", countNaN(y) == 0, "")

	if !s.Backward {
		return nil
	}
	gx2, gw2, err := engine.Backward(gy, x, &w2, compact)
	if err != nil {
		return errors.Wrap(err, "backward without empty groups")
	}
	res.check("zero-group/grad_x", tensor.Equal(gx, &gx2), "")

	gwFull := *gw
	if s.PerGroupWeight {
		gwFull = keepSlices(gw, kept, s.N)
	}
	if engine.Config().Reduction.Deterministic() || s.PerGroupWeight {
		res.check("zero-group/grad_w", tensor.Equal(&gwFull, &gw2), "")
	} else {
		d, err := Compare("grad_w without empty groups", &gwFull, &gw2, r.tolerance(s.DType))
		if err != nil {
			return err
		}
		res.check("zero-group/grad_w", d.Close, "max diff %g", d.MaxDiff)
	}
	return nil
}

// checkBudget rejects s before its operands are allocated when one of them
// exceeds limit elements. A limit of 0 only rejects sizes that overflow.
func checkBudget(s Scenario, limit int) error {
	n, err := s.Elements()
	if err != nil {
		return errors.Wrapf(groupgemm.ErrResourceExhausted, "%s: %v", s.Name, err)
	}
	if limit > 0 && n > limit {
		return errors.Wrapf(groupgemm.ErrResourceExhausted, "%s: operands need %d elements, budget is %d", s.Name, n, limit)
	}
	return nil
}

// keepSlices copies the n-row slices of m listed in groups into a new matrix.
func keepSlices(m *tensor.Mat, groups []int, n int) tensor.Mat {
	out, err := tensor.NewMatOf(m.DType, len(groups)*n, m.C)
	if err != nil {
		panic(err)
	}
	row := make([]float32, m.C)
	for i, g := range groups {
		for r := 0; r < n; r++ {
			m.RowTo(row, g*n+r)
			out.StoreRow(i*n+r, 0, row)
		}
	}
	return out
}

// coversOnce reports whether offsets are non-decreasing from zero, so every
// row belongs to exactly one group.
func coversOnce(offsets []int) bool {
	if len(offsets) == 0 || offsets[0] != 0 {
		return false
	}
	for g := 1; g < len(offsets); g++ {
		if offsets[g] < offsets[g-1] {
			return false
		}
	}
	return true
}

// adjoint returns <a, b>, <c, d> and Σ|a·b|. For Y = X·W^T the inner
// products <dY, Y>, <dX, X> and <dW, W> are equal.
func adjoint(a, b, c, d *tensor.Mat) (lhs, rhs, scale float64) {
	av, bv := a.Float64(), b.Float64()
	for i := range av {
		lhs += av[i] * bv[i]
		scale += math.Abs(av[i] * bv[i])
	}
	cv, dv := c.Float64(), d.Float64()
	for i := range cv {
		rhs += cv[i] * dv[i]
	}
	return lhs, rhs, scale
}

func countNaN(m *tensor.Mat) int {
	n := 0
	for _, v := range m.Float64() {
		if math.IsNaN(v) {
			n++
		}
	}
	return n
}
