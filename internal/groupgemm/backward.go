package groupgemm

import (
	"math"
	"sync/atomic"

	"github.com/samcharles93/mgemm/internal/tensor"
)

// gradXKernel computes grad_X[s:e] = grad_Y[s:e] @ W_g. Same grid and
// runtime group lookup as the forward kernel; tiles cover (M, K).
type gradXKernel[T accum] struct {
	gx, gy, w *tensor.Mat
	p         problem

	tm, tn, tk         int
	rowTiles, colTiles int
}

func newGradXKernel[T accum](gx, gy, w *tensor.Mat, p problem, tm, tn, tk int) *gradXKernel[T] {
	return &gradXKernel[T]{
		gx: gx, gy: gy, w: w, p: p,
		tm: tm, tn: tn, tk: tk,
		rowTiles: ceilDiv(p.m, tm),
		colTiles: ceilDiv(p.k, tn),
	}
}

func (k *gradXKernel[T]) tileCount() int {
	return k.rowTiles * k.colTiles
}

func (k *gradXKernel[T]) runTile(t int, s *scratch) {
	r0 := (t / k.colTiles) * k.tm
	r1 := min(r0+k.tm, k.p.m)
	c0 := (t % k.colTiles) * k.tn
	c1 := min(c0+k.tn, k.p.k)
	cols := c1 - c0

	s.segs = appendSegments(s.segs[:0], k.p.offsets, r0, r1, k.p.layout == SharedWeight)
	for _, seg := range s.segs {
		rows := seg.hi - seg.lo
		wb := k.p.weightBase(seg.group)
		acc := accBuf[T](s, rows*cols)
		for n0 := 0; n0 < k.p.n; n0 += k.tk {
			n1 := min(n0+k.tk, k.p.n)
			packRows(s.a, k.gy, seg.lo, seg.hi, n0, n1)
			packCols(s.b, s.row, k.w, wb+n0, wb+n1, c0, c1)
			dotTile(acc, s.a, s.b, rows, cols, n1-n0)
		}
		storeTile(k.gx, acc, s.row, seg.lo, c0, rows, cols)
	}
}

// weightTiles is the (N, K) tile grid of one grad_W slice. The contraction
// runs over rows of grad_Y and X, blocked by tk.
type weightTiles struct {
	tm, tn, tk         int
	rowTiles, colTiles int
}

func newWeightTiles(p problem, tm, tn, tk int) weightTiles {
	return weightTiles{
		tm: tm, tn: tn, tk: tk,
		rowTiles: ceilDiv(p.n, tm),
		colTiles: ceilDiv(p.k, tn),
	}
}

func (w weightTiles) perSlice() int {
	return w.rowTiles * w.colTiles
}

// bounds returns the n and k ranges of tile t within a slice.
func (w weightTiles) bounds(t int, p problem) (n0, n1, c0, c1 int) {
	n0 = (t / w.colTiles) * w.tm
	n1 = min(n0+w.tm, p.n)
	c0 = (t % w.colTiles) * w.tn
	c1 = min(c0+w.tn, p.k)
	return n0, n1, c0, c1
}

// accumulateGroup adds grad_Y[s:e, n0:n1]^T @ X[s:e, c0:c1] into acc.
// An empty group leaves acc untouched.
func accumulateGroup[T accum](acc []T, s *scratch, gy, x *tensor.Mat, p problem, g, tk, n0, n1, c0, c1 int) {
	rows, cols := n1-n0, c1-c0
	for m0 := p.offsets[g]; m0 < p.offsets[g+1]; m0 += tk {
		m1 := min(m0+tk, p.offsets[g+1])
		packCols(s.a, s.row, gy, m0, m1, n0, n1)
		packCols(s.b, s.row, x, m0, m1, c0, c1)
		dotTile(acc, s.a, s.b, rows, cols, m1-m0)
	}
}

// gradWOwnerKernel gives each grad_W tile a single writer. In the shared
// layout the tile sums all groups in ascending order; in the per-group
// layout slice g only ever sees group g.
type gradWOwnerKernel[T accum] struct {
	gw, gy, x *tensor.Mat
	p         problem
	tiles     weightTiles
	slices    int
}

func (k *gradWOwnerKernel[T]) tileCount() int {
	return k.slices * k.tiles.perSlice()
}

func (k *gradWOwnerKernel[T]) runTile(t int, s *scratch) {
	slice := t / k.tiles.perSlice()
	n0, n1, c0, c1 := k.tiles.bounds(t%k.tiles.perSlice(), k.p)
	rows, cols := n1-n0, c1-c0
	acc := accBuf[T](s, rows*cols)
	if k.p.layout == PerGroupWeight {
		accumulateGroup(acc, s, k.gy, k.x, k.p, slice, k.tiles.tk, n0, n1, c0, c1)
	} else {
		for g := range k.p.groups {
			accumulateGroup(acc, s, k.gy, k.x, k.p, g, k.tiles.tk, n0, n1, c0, c1)
		}
	}
	storeTile(k.gw, acc, s.row, slice*k.p.n+n0, c0, rows, cols)
}

// gradWAtomicKernel runs one task per (non-empty group, tile) and adds the
// partial tile into a shared workspace.
type gradWAtomicKernel[T accum] struct {
	gy, x  *tensor.Mat
	p      problem
	tiles  weightTiles
	active []int
	ws     *atomicWorkspace
}

func (k *gradWAtomicKernel[T]) tileCount() int {
	return len(k.active) * k.tiles.perSlice()
}

func (k *gradWAtomicKernel[T]) runTile(t int, s *scratch) {
	g := k.active[t/k.tiles.perSlice()]
	n0, n1, c0, c1 := k.tiles.bounds(t%k.tiles.perSlice(), k.p)
	rows, cols := n1-n0, c1-c0
	acc := accBuf[T](s, rows*cols)
	accumulateGroup(acc, s, k.gy, k.x, k.p, g, k.tiles.tk, n0, n1, c0, c1)
	for i := 0; i < rows; i++ {
		base := (n0+i)*k.p.k + c0
		for j, v := range acc[i*cols : (i+1)*cols] {
			k.ws.add(base+j, float64(v))
		}
	}
}

// atomicWorkspace is an N×K accumulator updated with compare-and-swap adds.
type atomicWorkspace struct {
	f32 []atomic.Uint32
	f64 []atomic.Uint64
}

func newAtomicWorkspace(n int, wide bool) *atomicWorkspace {
	if wide {
		return &atomicWorkspace{f64: make([]atomic.Uint64, n)}
	}
	return &atomicWorkspace{f32: make([]atomic.Uint32, n)}
}

func (w *atomicWorkspace) add(i int, v float64) {
	if w.f64 != nil {
		cell := &w.f64[i]
		for {
			old := cell.Load()
			next := math.Float64bits(math.Float64frombits(old) + v)
			if cell.CompareAndSwap(old, next) {
				return
			}
		}
	}
	cell := &w.f32[i]
	for {
		old := cell.Load()
		next := math.Float32bits(math.Float32frombits(old) + float32(v))
		if cell.CompareAndSwap(old, next) {
			return
		}
	}
}

func (w *atomicWorkspace) load(i int) float32 {
	if w.f64 != nil {
		return float32(math.Float64frombits(w.f64[i].Load()))
	}
	return math.Float32frombits(w.f32[i].Load())
}

// gradWPartialKernel writes group active[i]'s contribution into partials[i].
// Tasks never share a destination tile.
type gradWPartialKernel[T accum] struct {
	gy, x    *tensor.Mat
	p        problem
	tiles    weightTiles
	active   []int
	partials [][]T
}

func (k *gradWPartialKernel[T]) tileCount() int {
	return len(k.active) * k.tiles.perSlice()
}

func (k *gradWPartialKernel[T]) runTile(t int, s *scratch) {
	idx := t / k.tiles.perSlice()
	n0, n1, c0, c1 := k.tiles.bounds(t%k.tiles.perSlice(), k.p)
	rows, cols := n1-n0, c1-c0
	acc := accBuf[T](s, rows*cols)
	accumulateGroup(acc, s, k.gy, k.x, k.p, k.active[idx], k.tiles.tk, n0, n1, c0, c1)
	dst := k.partials[idx]
	for i := 0; i < rows; i++ {
		copy(dst[(n0+i)*k.p.k+c0:], acc[i*cols:(i+1)*cols])
	}
}

// flatChunk is the number of contiguous elements one reduction tile covers.
const flatChunk = 16 * 1024

// treeLevelKernel performs one level of the pairwise tree sum:
// partials[i] += partials[i+stride] for i = 0, 2·stride, 4·stride, ...
type treeLevelKernel[T accum] struct {
	partials [][]T
	stride   int
	size     int
}

func (k *treeLevelKernel[T]) tileCount() int {
	return ceilDiv(k.size, flatChunk)
}

func (k *treeLevelKernel[T]) runTile(t int, _ *scratch) {
	lo := t * flatChunk
	hi := min(lo+flatChunk, k.size)
	for i := 0; i+k.stride < len(k.partials); i += 2 * k.stride {
		dst := k.partials[i][lo:hi]
		src := k.partials[i+k.stride][lo:hi]
		for j := range dst {
			dst[j] += src[j]
		}
	}
}

// storeKernel encodes a flat row-major N×K source into grad_W, tiled by
// rows.
type storeKernel struct {
	dst  *tensor.Mat
	load func(i int) float32
}

const storeRows = 16

func (k *storeKernel) tileCount() int {
	return ceilDiv(k.dst.R, storeRows)
}

func (k *storeKernel) runTile(t int, s *scratch) {
	r0 := t * storeRows
	r1 := min(r0+storeRows, k.dst.R)
	cols := k.dst.C
	for r := r0; r < r1; r++ {
		for c0 := 0; c0 < cols; c0 += len(s.row) {
			row := s.row[:min(len(s.row), cols-c0)]
			for j := range row {
				row[j] = k.load(r*cols + c0 + j)
			}
			k.dst.StoreRow(r, c0, row)
		}
	}
}

// runGradW computes grad_W with the configured reduction.
func runGradW[T accum](gw, gy, x *tensor.Mat, p problem, red Reduction, tm, tn, tk, workers int) {
	tiles := newWeightTiles(p, tm, tn, tk)

	if p.layout == PerGroupWeight || red == ReduceOwner {
		slices := 1
		if p.layout == PerGroupWeight {
			slices = p.groups
		}
		dispatch(&gradWOwnerKernel[T]{gw: gw, gy: gy, x: x, p: p, tiles: tiles, slices: slices}, workers)
		return
	}

	active := p.activeGroups()
	if len(active) == 0 {
		return
	}
	size := p.n * p.k

	switch red {
	case ReduceAtomic:
		var zero T
		_, wide := any(zero).(float64)
		ws := newAtomicWorkspace(size, wide)
		dispatch(&gradWAtomicKernel[T]{gy: gy, x: x, p: p, tiles: tiles, active: active, ws: ws}, workers)
		dispatch(&storeKernel{dst: gw, load: ws.load}, workers)
	case ReduceTree:
		partials := make([][]T, len(active))
		for i := range partials {
			partials[i] = make([]T, size)
		}
		dispatch(&gradWPartialKernel[T]{gy: gy, x: x, p: p, tiles: tiles, active: active, partials: partials}, workers)
		for stride := 1; stride < len(partials); stride *= 2 {
			dispatch(&treeLevelKernel[T]{partials: partials, stride: stride, size: size}, workers)
		}
		sum := partials[0]
		dispatch(&storeKernel{dst: gw, load: func(i int) float32 { return float32(sum[i]) }}, workers)
	}
}
