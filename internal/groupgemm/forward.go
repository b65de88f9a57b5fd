package groupgemm

import "github.com/samcharles93/mgemm/internal/tensor"

// forwardKernel computes Y[s:e] = X[s:e] @ W_g^T over a grid of
// (row tile, column tile) pairs covering the whole output. A tile finds the
// group of its first row by binary search over the offsets and splits at any
// group boundary it straddles.
type forwardKernel[T accum] struct {
	y, x, w *tensor.Mat
	p       problem

	tm, tn, tk         int
	rowTiles, colTiles int
}

func newForwardKernel[T accum](y, x, w *tensor.Mat, p problem, tm, tn, tk int) *forwardKernel[T] {
	return &forwardKernel[T]{
		y: y, x: x, w: w, p: p,
		tm: tm, tn: tn, tk: tk,
		rowTiles: ceilDiv(p.m, tm),
		colTiles: ceilDiv(p.n, tn),
	}
}

func (k *forwardKernel[T]) tileCount() int {
	return k.rowTiles * k.colTiles
}

func (k *forwardKernel[T]) runTile(t int, s *scratch) {
	r0 := (t / k.colTiles) * k.tm
	r1 := min(r0+k.tm, k.p.m)
	c0 := (t % k.colTiles) * k.tn
	c1 := min(c0+k.tn, k.p.n)
	cols := c1 - c0

	s.segs = appendSegments(s.segs[:0], k.p.offsets, r0, r1, k.p.layout == SharedWeight)
	for _, seg := range s.segs {
		rows := seg.hi - seg.lo
		wb := k.p.weightBase(seg.group)
		acc := accBuf[T](s, rows*cols)
		for k0 := 0; k0 < k.p.k; k0 += k.tk {
			k1 := min(k0+k.tk, k.p.k)
			packRows(s.a, k.x, seg.lo, seg.hi, k0, k1)
			packRows(s.b, k.w, wb+c0, wb+c1, k0, k1)
			dotTile(acc, s.a, s.b, rows, cols, k1-k0)
		}
		storeTile(k.y, acc, s.row, seg.lo, c0, rows, cols)
	}
}
