package groupgemm

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// Offsets converts G group sizes into G+1 row boundaries: offsets[0] is 0,
// offsets[G] is the total row count and group g owns rows
// [offsets[g], offsets[g+1]). Zero sizes produce empty ranges.
func Offsets(sizes []int) ([]int, error) {
	if len(sizes) == 0 {
		return nil, errors.Wrap(ErrInvalidGroupSize, "at least one group is required")
	}
	offsets := make([]int, len(sizes)+1)
	// Single branch-free scan; the sign bit of neg collects any negative size.
	neg := 0
	for g, s := range sizes {
		offsets[g+1] = offsets[g] + s
		neg |= s
	}
	if neg < 0 {
		for g, s := range sizes {
			if s < 0 {
				return nil, errors.Wrapf(ErrInvalidGroupSize, "group %d has size %d", g, s)
			}
		}
	}
	for g := range sizes {
		if offsets[g+1] < offsets[g] {
			return nil, errors.Wrapf(ErrInvalidGroupSize, "group sizes overflow at group %d", g)
		}
	}
	return offsets, nil
}

// EvenSplit divides m rows into g groups of m/g rows, handing the remainder
// out one row at a time to the first groups.
func EvenSplit(m, g int) []int {
	if g <= 0 {
		return nil
	}
	base, rem := m/g, m%g
	sizes := make([]int, g)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes
}

// Sum returns the total of sizes, or an error if the total overflows.
func Sum(sizes []int) (int, error) {
	total := 0
	for _, s := range sizes {
		if s > 0 && total > math.MaxInt-s {
			return 0, errors.Wrap(ErrInvalidGroupSize, "group sizes overflow")
		}
		total += s
	}
	return total, nil
}

// groupOf returns the non-empty group that owns row. row must lie in
// [0, offsets[G]).
func groupOf(offsets []int, row int) int {
	return sort.Search(len(offsets)-1, func(g int) bool {
		return offsets[g+1] > row
	})
}

// segment is the part of a row tile that belongs to one group.
type segment struct {
	group  int
	lo, hi int
}

// appendSegments splits rows [r0, r1) at group boundaries, looking the first
// group up at runtime and walking forward from there. When merge is set,
// consecutive groups are folded into one segment; callers use it when all
// groups read the same weight. Empty groups never produce a segment.
func appendSegments(dst []segment, offsets []int, r0, r1 int, merge bool) []segment {
	if r0 >= r1 {
		return dst
	}
	g := groupOf(offsets, r0)
	if merge {
		return append(dst, segment{group: g, lo: r0, hi: r1})
	}
	for lo := r0; lo < r1; g++ {
		hi := min(offsets[g+1], r1)
		if hi > lo {
			dst = append(dst, segment{group: g, lo: lo, hi: hi})
			lo = hi
		}
	}
	return dst
}
