package groupgemm

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsets(t *testing.T) {
	offsets, err := Offsets([]int{2048, 0, 2048, 2048})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2048, 2048, 4096, 6144}, offsets)

	offsets, err = Offsets([]int{0})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, offsets)
}

func TestOffsetsRejectsInvalid(t *testing.T) {
	_, err := Offsets(nil)
	assert.True(t, errors.Is(err, ErrInvalidGroupSize))

	_, err = Offsets([]int{4, -1, 4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidGroupSize))
	assert.Contains(t, err.Error(), "group 1")

	_, err = Offsets([]int{math.MaxInt, 1})
	assert.True(t, errors.Is(err, ErrInvalidGroupSize))
}

func TestEvenSplit(t *testing.T) {
	assert.Equal(t, []int{2048, 2048, 2048, 2048}, EvenSplit(8192, 4))

	sizes := EvenSplit(4099, 8)
	assert.Equal(t, []int{513, 513, 513, 512, 512, 512, 512, 512}, sizes)
	total, err := Sum(sizes)
	require.NoError(t, err)
	assert.Equal(t, 4099, total)

	assert.Nil(t, EvenSplit(10, 0))
}

func TestSumOverflow(t *testing.T) {
	_, err := Sum([]int{math.MaxInt, 1})
	assert.True(t, errors.Is(err, ErrInvalidGroupSize))
}

func TestGroupOfSkipsEmptyGroups(t *testing.T) {
	offsets := []int{0, 3, 3, 3, 7, 10}
	want := []int{0, 0, 0, 3, 3, 3, 3, 4, 4, 4}
	for row, g := range want {
		assert.Equal(t, g, groupOf(offsets, row), "row %d", row)
	}
}

func TestAppendSegments(t *testing.T) {
	offsets := []int{0, 3, 3, 5, 9}

	segs := appendSegments(nil, offsets, 0, 8, false)
	assert.Equal(t, []segment{
		{group: 0, lo: 0, hi: 3},
		{group: 2, lo: 3, hi: 5},
		{group: 3, lo: 5, hi: 8},
	}, segs)

	segs = appendSegments(nil, offsets, 4, 6, false)
	assert.Equal(t, []segment{{group: 2, lo: 4, hi: 5}, {group: 3, lo: 5, hi: 6}}, segs)

	segs = appendSegments(nil, offsets, 2, 9, true)
	assert.Equal(t, []segment{{group: 0, lo: 2, hi: 9}}, segs)

	assert.Empty(t, appendSegments(nil, offsets, 4, 4, false))
}

func TestSegmentsCoverEveryRowOnce(t *testing.T) {
	sizes := []int{5, 0, 0, 17, 1, 0, 9}
	offsets, err := Offsets(sizes)
	require.NoError(t, err)
	total := offsets[len(sizes)]

	for _, tile := range []int{1, 4, 8, 32} {
		seen := make([]int, total)
		for r0 := 0; r0 < total; r0 += tile {
			for _, seg := range appendSegments(nil, offsets, r0, min(r0+tile, total), false) {
				require.Greater(t, sizes[seg.group], 0, "empty group %d produced a segment", seg.group)
				for r := seg.lo; r < seg.hi; r++ {
					require.GreaterOrEqual(t, r, offsets[seg.group])
					require.Less(t, r, offsets[seg.group+1])
					seen[r]++
				}
			}
		}
		for r, n := range seen {
			require.Equal(t, 1, n, "tile %d row %d", tile, r)
		}
	}
}
