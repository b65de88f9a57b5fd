package groupgemm

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/samcharles93/mgemm/internal/logger"
	"github.com/samcharles93/mgemm/internal/tensor"
)

// problem is a validated grouped GEMM: X (m, k), W (n, k) or (groups·n, k),
// with group g owning rows [offsets[g], offsets[g+1]).
type problem struct {
	offsets []int
	groups  int
	m, k, n int
	layout  WeightLayout
	dtype   tensor.DType
}

// weightBase is the first row of W that group g reads.
func (p problem) weightBase(g int) int {
	if p.layout == PerGroupWeight {
		return g * p.n
	}
	return 0
}

// weightRows is the row count of W and grad_W.
func (p problem) weightRows() int {
	if p.layout == PerGroupWeight {
		return p.groups * p.n
	}
	return p.n
}

// activeGroups lists the groups that own at least one row, in order.
func (p problem) activeGroups() []int {
	active := make([]int, 0, p.groups)
	for g := range p.groups {
		if p.offsets[g+1] > p.offsets[g] {
			active = append(active, g)
		}
	}
	return active
}

// Engine runs grouped GEMMs with a fixed configuration. It holds no state
// between calls and is safe for concurrent use.
type Engine struct {
	cfg Config
	log logger.Logger
}

// New returns an Engine. A nil Config.Logger discards engine logs.
func New(cfg Config) *Engine {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{cfg: cfg, log: log}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

var defaultEngine = New(DefaultConfig())

// Forward computes Y = X_g @ W^T per group with the default engine.
func Forward(x, w *tensor.Mat, sizes []int) (tensor.Mat, error) {
	return defaultEngine.Forward(x, w, sizes)
}

// Backward computes grad_X and grad_W with the default engine.
func Backward(gradY, x, w *tensor.Mat, sizes []int) (gradX, gradW tensor.Mat, err error) {
	return defaultEngine.Backward(gradY, x, w, sizes)
}

// plan validates the operands of a forward call.
func (e *Engine) plan(x, w *tensor.Mat, sizes []int) (problem, error) {
	if x == nil || w == nil {
		return problem{}, errors.Wrap(ErrShapeMismatch, "nil operand")
	}
	if err := checkStorage("X", x); err != nil {
		return problem{}, err
	}
	if err := checkStorage("W", w); err != nil {
		return problem{}, err
	}
	offsets, err := Offsets(sizes)
	if err != nil {
		return problem{}, err
	}
	p := problem{
		offsets: offsets,
		groups:  len(sizes),
		m:       x.R,
		k:       x.C,
		layout:  e.cfg.Layout,
		dtype:   x.DType,
	}
	if total := offsets[len(sizes)]; total != x.R {
		return problem{}, errors.Wrapf(ErrShapeMismatch, "group sizes sum to %d, X has %d rows", total, x.R)
	}
	if w.C != x.C {
		return problem{}, errors.Wrapf(ErrShapeMismatch, "X has %d columns, W has %d", x.C, w.C)
	}
	if w.DType != x.DType {
		return problem{}, errors.Wrapf(ErrShapeMismatch, "X is %s, W is %s", x.DType, w.DType)
	}
	p.n = w.R
	if p.layout == PerGroupWeight {
		if w.R%p.groups != 0 {
			return problem{}, errors.Wrapf(ErrShapeMismatch, "W has %d rows, not divisible by %d groups", w.R, p.groups)
		}
		p.n = w.R / p.groups
	}
	return p, nil
}

// planBackward validates the operands of a backward call.
func (e *Engine) planBackward(gradY, x, w *tensor.Mat, sizes []int) (problem, error) {
	p, err := e.plan(x, w, sizes)
	if err != nil {
		return problem{}, err
	}
	if gradY == nil {
		return problem{}, errors.Wrap(ErrShapeMismatch, "nil grad_Y")
	}
	if err := checkStorage("grad_Y", gradY); err != nil {
		return problem{}, err
	}
	if gradY.R != p.m || gradY.C != p.n {
		return problem{}, errors.Wrapf(ErrShapeMismatch, "grad_Y is %dx%d, want %dx%d", gradY.R, gradY.C, p.m, p.n)
	}
	if gradY.DType != p.dtype {
		return problem{}, errors.Wrapf(ErrShapeMismatch, "grad_Y is %s, X is %s", gradY.DType, p.dtype)
	}
	return p, nil
}

// checkStorage rejects a matrix whose backing slice does not cover its
// shape, before any worker indexes it.
func checkStorage(name string, m *tensor.Mat) error {
	if err := m.Validate(); err != nil {
		return errors.Wrapf(ErrShapeMismatch, "%s: %v", name, err)
	}
	return nil
}

// reserve checks that a buffer of r×c elements fits the element budget.
func (e *Engine) reserve(what string, r, c int) error {
	n, err := tensor.Elements(r, c)
	if err != nil {
		return errors.Wrapf(ErrResourceExhausted, "%s %dx%d: %v", what, r, c, err)
	}
	if e.cfg.MaxElements > 0 && n > e.cfg.MaxElements {
		return errors.Wrapf(ErrResourceExhausted, "%s needs %d elements, budget is %d", what, n, e.cfg.MaxElements)
	}
	return nil
}

func (e *Engine) alloc(what string, d tensor.DType, r, c int) (tensor.Mat, error) {
	if err := e.reserve(what, r, c); err != nil {
		return tensor.Mat{}, err
	}
	m, err := tensor.NewMatOf(d, r, c)
	if err != nil {
		return tensor.Mat{}, errors.Wrapf(ErrResourceExhausted, "%s: %v", what, err)
	}
	return m, nil
}

// Forward computes Y[s:e] = X[s:e] @ W_g^T for every group in one dispatch.
// Y has the dtype of X; rows of zero-size groups do not exist, so they
// contribute nothing.
func (e *Engine) Forward(x, w *tensor.Mat, sizes []int) (tensor.Mat, error) {
	p, err := e.plan(x, w, sizes)
	if err != nil {
		return tensor.Mat{}, err
	}
	y, err := e.alloc("Y", p.dtype, p.m, p.n)
	if err != nil {
		return tensor.Mat{}, err
	}
	tm, tn, tk := e.cfg.tiles(p.m, p.k, p.n)
	start := time.Now()
	if e.cfg.WideAccumulator {
		dispatch(newForwardKernel[float64](&y, x, w, p, tm, tn, tk), e.cfg.Workers)
	} else {
		dispatch(newForwardKernel[float32](&y, x, w, p, tm, tn, tk), e.cfg.Workers)
	}
	e.trace("forward", p, tm, tn, tk, start)
	return y, nil
}

// Backward computes grad_X[s:e] = grad_Y[s:e] @ W_g and
// grad_W = Σ_g grad_Y_g^T @ X_g. In the per-group layout grad_W stacks one
// slice per group.
func (e *Engine) Backward(gradY, x, w *tensor.Mat, sizes []int) (gradX, gradW tensor.Mat, err error) {
	p, err := e.planBackward(gradY, x, w, sizes)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	red := e.reduction(p)
	if err := e.reserveWorkspace(p, red); err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	gradX, err = e.alloc("grad_X", p.dtype, p.m, p.k)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}
	gradW, err = e.alloc("grad_W", p.dtype, p.weightRows(), p.k)
	if err != nil {
		return tensor.Mat{}, tensor.Mat{}, err
	}

	start := time.Now()
	tm, tn, tk := e.cfg.tiles(p.m, p.n, p.k)
	if e.cfg.WideAccumulator {
		dispatch(newGradXKernel[float64](&gradX, gradY, w, p, tm, tn, tk), e.cfg.Workers)
	} else {
		dispatch(newGradXKernel[float32](&gradX, gradY, w, p, tm, tn, tk), e.cfg.Workers)
	}
	e.trace("grad_x", p, tm, tn, tk, start)

	start = time.Now()
	tm, tn, tk = e.cfg.tiles(p.n, p.m, p.k)
	if e.cfg.WideAccumulator {
		runGradW[float64](&gradW, gradY, x, p, red, tm, tn, tk, e.cfg.Workers)
	} else {
		runGradW[float32](&gradW, gradY, x, p, red, tm, tn, tk, e.cfg.Workers)
	}
	e.trace("grad_w", p, tm, tn, tk, start, "reduction", red.String())
	return gradX, gradW, nil
}

// reduction is the effective grad_W reduction for p. Disjoint per-group
// slices always have a single writer.
func (e *Engine) reduction(p problem) Reduction {
	if p.layout == PerGroupWeight {
		return ReduceOwner
	}
	return e.cfg.Reduction
}

// reserveWorkspace checks the extra grad_W buffers of the atomic and tree
// reductions against the budget.
func (e *Engine) reserveWorkspace(p problem, red Reduction) error {
	switch red {
	case ReduceAtomic:
		return e.reserve("atomic workspace", p.n, p.k)
	case ReduceTree:
		size, err := tensor.Elements(p.n, p.k)
		if err != nil {
			return errors.Wrapf(ErrResourceExhausted, "tree partials: %v", err)
		}
		return e.reserve("tree partials", len(p.activeGroups()), size)
	}
	return nil
}

func (e *Engine) trace(op string, p problem, tm, tn, tk int, start time.Time, extra ...any) {
	if !e.log.Enabled(slog.LevelDebug) {
		return
	}
	args := []any{
		"groups", p.groups,
		"m", p.m, "k", p.k, "n", p.n,
		"dtype", p.dtype.String(),
		"layout", p.layout.String(),
		"tiles", [3]int{tm, tn, tk},
		"took", time.Since(start),
	}
	e.log.Debug(op, append(args, extra...)...)
}
