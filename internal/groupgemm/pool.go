package groupgemm

import (
	"runtime"
	"sync"
)

// tileKernel is one dispatch: a grid of independent output tiles.
type tileKernel interface {
	tileCount() int
	runTile(t int, s *scratch)
}

// scratch is per-worker packing space, sized for the largest tiles.
type scratch struct {
	a     []float32
	b     []float32
	row   []float32
	acc32 []float32
	acc64 []float64
	segs  []segment
}

func newScratch() *scratch {
	return &scratch{
		a:     make([]float32, maxTileM*maxTileK),
		b:     make([]float32, maxTileN*maxTileK),
		row:   make([]float32, max(maxTileM, maxTileN, maxTileK)),
		acc32: make([]float32, maxTileM*maxTileN),
		acc64: make([]float64, maxTileM*maxTileN),
		segs:  make([]segment, 0, 8),
	}
}

var scratchPool = sync.Pool{New: func() any { return newScratch() }}

type tileTask struct {
	kernel tileKernel
	lo, hi int
	done   chan struct{}
}

// Each dispatch splits its grid into at most chunksPerWorker chunks per
// worker so uneven tiles (boundary splits, skewed groups) even out.
const chunksPerWorker = 4

type tilePool struct {
	size      int
	tasks     chan tileTask
	doneSlots chan chan struct{}
}

func newTilePool() *tilePool {
	size := max(runtime.GOMAXPROCS(0), 1)
	p := &tilePool{
		size:      size,
		tasks:     make(chan tileTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		// Buffered for every chunk of a dispatch so workers never block on
		// completion while the dispatcher is still enqueueing.
		p.doneSlots <- make(chan struct{}, size*chunksPerWorker)
	}
	for range size {
		go func(s *scratch) {
			for task := range p.tasks {
				for t := task.lo; t < task.hi; t++ {
					task.kernel.runTile(t, s)
				}
				task.done <- struct{}{}
			}
		}(newScratch())
	}
	return p
}

var tileWorkPool = newTilePool()

// dispatch runs every tile of k and returns once all of them finished.
func dispatch(k tileKernel, workers int) {
	tiles := k.tileCount()
	if tiles == 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	workers = min(workers, tiles, tileWorkPool.size)
	if workers <= 1 {
		s := scratchPool.Get().(*scratch)
		for t := range tiles {
			k.runTile(t, s)
		}
		scratchPool.Put(s)
		return
	}

	chunk := ceilDiv(tiles, min(tiles, workers*chunksPerWorker))
	chunks := ceilDiv(tiles, chunk)

	done := <-tileWorkPool.doneSlots
	for c := range chunks {
		lo := c * chunk
		tileWorkPool.tasks <- tileTask{
			kernel: k,
			lo:     lo,
			hi:     min(lo+chunk, tiles),
			done:   done,
		}
	}
	for range chunks {
		<-done
	}
	tileWorkPool.doneSlots <- done
}
