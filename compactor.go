package reqsketch

import (
	"math"
	"math/bits"
	"slices"
)

const (
	// initNumSections is the number of sections a new compactor starts with.
	initNumSections = 3
	// capacityMultiplier relates sections to nominal capacity: a compactor
	// holds two buffers worth of sections before it compacts.
	capacityMultiplier = 2
)

// compactor holds the items of one level of the hierarchy. Every item at
// level L stands for 2^L items of the input stream.
//
// The capacity model follows the relative-error scheme: the buffer is split
// into numSections sections of sectionSize items. The state counter records
// how many compactions happened so far; its trailing ones decide how many
// sections the next compaction touches, so sections far from the protected
// end are compacted far more often than those close to it.
type compactor[T any] struct {
	lgWeight       uint8
	hra            bool
	coin           bool
	sorted         bool
	sectionSizeRaw float64
	sectionSize    uint32
	numSections    uint32
	state          uint64
	items          []T
	less           func(a, b T) bool
}

func newCompactor[T any](lgWeight uint8, hra bool, k int, less func(a, b T) bool) *compactor[T] {
	return &compactor[T]{
		lgWeight:       lgWeight,
		hra:            hra,
		sorted:         true,
		sectionSizeRaw: float64(k),
		sectionSize:    uint32(k),
		numSections:    initNumSections,
		less:           less,
	}
}

func (c *compactor[T]) nomCapacity() int {
	return capacityMultiplier * int(c.numSections) * int(c.sectionSize)
}

func (c *compactor[T]) needsCompaction() bool {
	return len(c.items) >= c.nomCapacity()
}

func (c *compactor[T]) insert(item T) {
	if c.sorted && len(c.items) > 0 && c.less(item, c.items[len(c.items)-1]) {
		c.sorted = false
	}
	c.items = append(c.items, item)
}

func (c *compactor[T]) sort() {
	if c.sorted {
		return
	}
	slices.SortFunc(c.items, compareFunc(c.less))
	c.sorted = true
}

// compact halves part of the buffer and pushes the surviving half into
// next. It returns how many items left retention and by how much the
// nominal capacity of this level changed.
func (c *compactor[T]) compact(next *compactor[T], src BitSource) (removed, capacityDelta int) {
	startingCapacity := c.nomCapacity()
	secsToCompact := min(uint32(bits.TrailingZeros64(^c.state))+1, c.numSections)

	c.sort()
	lo, hi := c.compactionRange(secsToCompact)

	if c.state&1 == 1 {
		c.coin = !c.coin
	} else {
		c.coin = src.Bit()
	}

	promoted := promoteEvensOrOdds(c.items[lo:hi], c.coin)
	next.absorbSorted(promoted)
	c.items = append(c.items[:lo], c.items[hi:]...)

	c.state++
	c.ensureEnoughSections()
	return hi - lo - len(promoted), c.nomCapacity() - startingCapacity
}

// compactionRange returns the even-sized window [lo, hi) of the sorted
// buffer to compact. The first half of the capacity and the sections not
// selected by the state counter stay untouched, on the low-value side for
// low rank accuracy and on the high-value side for high rank accuracy.
func (c *compactor[T]) compactionRange(secsToCompact uint32) (lo, hi int) {
	n := len(c.items)
	nonCompact := c.nomCapacity()/2 + int(c.numSections-secsToCompact)*int(c.sectionSize)
	if (n-nonCompact)&1 == 1 {
		nonCompact++
	}
	if c.hra {
		return 0, n - nonCompact
	}
	return nonCompact, n
}

// ensureEnoughSections doubles the number of sections (shrinking each by
// sqrt(2)) once the state counter has gone through all combinations of
// the current sections. Section size never drops below MinK.
func (c *compactor[T]) ensureEnoughSections() bool {
	if c.numSections-1 >= 64 {
		return false
	}
	ssr := c.sectionSizeRaw / math.Sqrt2
	ne := nearestEven(ssr)
	if c.state >= uint64(1)<<(c.numSections-1) && ne >= MinK {
		c.sectionSizeRaw = ssr
		c.sectionSize = ne
		c.numSections <<= 1
		return true
	}
	return false
}

// absorbSorted merges a sorted run into the buffer, keeping it sorted.
func (c *compactor[T]) absorbSorted(run []T) {
	c.sort()
	c.items = mergeSorted(c.items, run, c.less)
}

// merge folds the items and compaction history of other into c.
func (c *compactor[T]) merge(other *compactor[T]) {
	c.state |= other.state
	for c.ensureEnoughSections() {
	}
	theirs := other.items
	if !other.sorted {
		theirs = slices.Clone(theirs)
		slices.SortFunc(theirs, compareFunc(c.less))
	}
	c.absorbSorted(theirs)
}

func (c *compactor[T]) clone() *compactor[T] {
	cp := *c
	cp.items = slices.Clone(c.items)
	return &cp
}

func promoteEvensOrOdds[T any](items []T, odds bool) []T {
	out := make([]T, 0, len(items)/2)
	i := 0
	if odds {
		i = 1
	}
	for ; i < len(items); i += 2 {
		out = append(out, items[i])
	}
	return out
}

func mergeSorted[T any](a, b []T, less func(a, b T) bool) []T {
	out := make([]T, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if less(b[j], a[i]) {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func compareFunc[T any](less func(a, b T) bool) func(a, b T) int {
	return func(a, b T) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		default:
			return 0
		}
	}
}

func nearestEven(x float64) uint32 {
	return uint32(math.Round(x/2)) << 1
}
