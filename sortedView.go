package reqsketch

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

// SortedView is a snapshot of a sketch's retained items in ascending order
// together with their cumulative weights. It does not change when the
// sketch is updated afterwards.
type SortedView[T any] struct {
	items      []T
	cumWeights []uint64
	n          uint64
	less       func(a, b T) bool
	isNaN      func(T) bool
}

type weightedItem[T any] struct {
	item   T
	weight uint64
}

func newSortedView[T any](levels []*compactor[T], n uint64, less func(a, b T) bool, isNaN func(T) bool) *SortedView[T] {
	size := 0
	for _, c := range levels {
		size += len(c.items)
	}
	entries := make([]weightedItem[T], 0, size)
	for _, c := range levels {
		w := uint64(1) << c.lgWeight
		for _, item := range c.items {
			entries = append(entries, weightedItem[T]{item, w})
		}
	}
	cmp := compareFunc(less)
	slices.SortStableFunc(entries, func(a, b weightedItem[T]) int {
		return cmp(a.item, b.item)
	})

	v := &SortedView[T]{
		items:      make([]T, len(entries)),
		cumWeights: make([]uint64, len(entries)),
		n:          n,
		less:       less,
		isNaN:      isNaN,
	}
	var total uint64
	for i, e := range entries {
		total += e.weight
		v.items[i] = e.item
		v.cumWeights[i] = total
	}
	return v
}

// Len returns the number of retained items in the view.
func (v *SortedView[T]) Len() int {
	return len(v.items)
}

// N returns the total weight of the view.
func (v *SortedView[T]) N() uint64 {
	return v.n
}

// Rank returns the normalized rank of item, or NaN for a NaN item.
func (v *SortedView[T]) Rank(item T, inclusive bool) float64 {
	if v.isNaN != nil && v.isNaN(item) {
		return math.NaN()
	}
	idx := countBelow(v.items, true, item, inclusive, v.less)
	if idx == 0 {
		return 0
	}
	return float64(v.cumWeights[idx-1]) / float64(v.n)
}

// Quantile returns the item at the normalized rank.
func (v *SortedView[T]) Quantile(rank float64, inclusive bool) (T, error) {
	if !validRank(rank) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrInvalidRank, rank)
	}
	return v.quantile(rank, inclusive), nil
}

func (v *SortedView[T]) quantile(rank float64, inclusive bool) T {
	target := rank * float64(v.n)
	idx := sort.Search(len(v.items), func(i int) bool {
		w := float64(v.cumWeights[i])
		if inclusive {
			return w >= target
		}
		return w > target
	})
	if idx == len(v.items) {
		idx--
	}
	return v.items[idx]
}

// CDF returns the normalized ranks of the split points followed by 1.
func (v *SortedView[T]) CDF(splitPoints []T, inclusive bool) ([]float64, error) {
	if err := checkSplitPoints(splitPoints, v.less, v.isNaN); err != nil {
		return nil, err
	}
	return v.cdf(splitPoints, inclusive), nil
}

func (v *SortedView[T]) cdf(splitPoints []T, inclusive bool) []float64 {
	out := make([]float64, len(splitPoints)+1)
	for i, p := range splitPoints {
		out[i] = v.Rank(p, inclusive)
	}
	out[len(splitPoints)] = 1
	return out
}

// PMF returns the mass between consecutive split points.
func (v *SortedView[T]) PMF(splitPoints []T, inclusive bool) ([]float64, error) {
	if err := checkSplitPoints(splitPoints, v.less, v.isNaN); err != nil {
		return nil, err
	}
	return v.pmf(splitPoints, inclusive), nil
}

func (v *SortedView[T]) pmf(splitPoints []T, inclusive bool) []float64 {
	out := v.cdf(splitPoints, inclusive)
	for i := len(out) - 1; i > 0; i-- {
		out[i] -= out[i-1]
	}
	return out
}

// ForEach calls f with every item in ascending order and its weight until
// f returns true.
func (v *SortedView[T]) ForEach(f func(item T, weight uint64) (stop bool)) {
	var prev uint64
	for i, item := range v.items {
		if f(item, v.cumWeights[i]-prev) {
			return
		}
		prev = v.cumWeights[i]
	}
}

// checkSplitPoints requires split points to be strictly increasing and
// free of NaN.
func checkSplitPoints[T any](splitPoints []T, less func(a, b T) bool, isNaN func(T) bool) error {
	for i, p := range splitPoints {
		if isNaN != nil && isNaN(p) {
			return fmt.Errorf("%w: NaN at index %d", ErrInvalidSplitPoints, i)
		}
		if i > 0 && !less(splitPoints[i-1], p) {
			return fmt.Errorf("%w: index %d", ErrInvalidSplitPoints, i)
		}
	}
	return nil
}
