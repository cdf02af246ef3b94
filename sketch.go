// Package reqsketch provides the Relative Error Quantiles (REQ) sketch,
// a streaming summary answering rank and quantile queries over a large,
// possibly unbounded stream of ordered items while retaining only a small
// subset of them.
//
// Error is relative to the distance from the favored end of the
// distribution: by default ranks close to 0 are the most accurate, and with
// WithHighRankAccuracy ranks close to 1 are.
//
// A Sketch is not safe for concurrent mutation. Queries do not modify the
// sketch and may run concurrently with each other.
package reqsketch

import (
	"fmt"
	"math"
	"reflect"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

const (
	// MinK is the smallest accepted k.
	MinK = 4
	// MaxK is the largest accepted k.
	MaxK = 1024
	// DefaultK gives a normalized rank error of roughly 1% at the
	// unfavored end of the distribution.
	DefaultK = 12
)

// Sketch is a REQ sketch over items of type T.
type Sketch[T any] struct {
	k           int
	hra         bool
	n           uint64
	minItem     T
	maxItem     T
	levels      []*compactor[T]
	numRetained int
	maxNomSize  int

	less   func(a, b T) bool
	serde  SerDe[T]
	nan    T
	hasNaN bool
	isNaN  func(T) bool
	bits   BitSource
	logger *zap.Logger
}

// New returns an empty sketch ordering items with less. Items are
// serialized with DefaultSerDe.
func New[T any](k int, less func(a, b T) bool, opts ...Option) (*Sketch[T], error) {
	return NewWithSerDe(k, less, DefaultSerDe[T](), opts...)
}

// NewWithSerDe is like New but serializes items with serde.
func NewWithSerDe[T any](k int, less func(a, b T) bool, serde SerDe[T], opts ...Option) (*Sketch[T], error) {
	if k < MinK || k > MaxK || k%2 != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidK, k)
	}
	if less == nil {
		return nil, fmt.Errorf("less function must not be nil")
	}
	if serde == nil {
		return nil, fmt.Errorf("serde must not be nil")
	}
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}
	s := &Sketch[T]{
		k:      k,
		hra:    o.hra,
		less:   less,
		serde:  serde,
		bits:   o.bits,
		logger: o.logger,
	}
	s.nan, s.isNaN, s.hasNaN = floatTraits[T]()
	s.appendLevel()
	return s, nil
}

// NewOrdered returns an empty sketch over a naturally ordered type.
func NewOrdered[T constraints.Ordered](k int, opts ...Option) (*Sketch[T], error) {
	return New(k, func(a, b T) bool { return a < b }, opts...)
}

// NewFloat64 returns an empty sketch over float64 values.
func NewFloat64(k int, opts ...Option) (*Sketch[float64], error) {
	return NewOrdered[float64](k, opts...)
}

// K returns the accuracy parameter the sketch was built with.
func (s *Sketch[T]) K() int {
	return s.k
}

// HighRankAccuracy reports whether ranks close to 1 are favored.
func (s *Sketch[T]) HighRankAccuracy() bool {
	return s.hra
}

// N returns the number of items the sketch has seen.
func (s *Sketch[T]) N() uint64 {
	return s.n
}

// NumRetained returns the number of items currently stored.
func (s *Sketch[T]) NumRetained() int {
	return s.numRetained
}

// NumLevels returns the height of the compactor hierarchy.
func (s *Sketch[T]) NumLevels() int {
	return len(s.levels)
}

// IsEmpty reports whether no item has been added.
func (s *Sketch[T]) IsEmpty() bool {
	return s.n == 0
}

// IsEstimationMode reports whether at least one compaction happened, in
// which case answers are approximate.
func (s *Sketch[T]) IsEstimationMode() bool {
	return len(s.levels) > 1
}

// MinItem returns the smallest item seen.
func (s *Sketch[T]) MinItem() (T, error) {
	if s.IsEmpty() {
		return s.nan, s.emptyErr()
	}
	return s.minItem, nil
}

// MaxItem returns the largest item seen.
func (s *Sketch[T]) MaxItem() (T, error) {
	if s.IsEmpty() {
		return s.nan, s.emptyErr()
	}
	return s.maxItem, nil
}

// Update adds item to the sketch. NaN floating point values are ignored.
func (s *Sketch[T]) Update(item T) {
	if s.isNaN != nil && s.isNaN(item) {
		return
	}
	if s.n == 0 {
		s.minItem, s.maxItem = item, item
	} else {
		if s.less(item, s.minItem) {
			s.minItem = item
		}
		if s.less(s.maxItem, item) {
			s.maxItem = item
		}
	}
	s.levels[0].insert(item)
	s.numRetained++
	s.n++
	if s.levels[0].needsCompaction() {
		s.compress()
	}
}

// Rank returns the normalized rank of item: the weighted fraction of the
// stream strictly below item, or at or below it when inclusive is set.
// On an empty sketch the result is NaN. A NaN item is rejected with
// ErrInvalidItem.
func (s *Sketch[T]) Rank(item T, inclusive bool) (float64, error) {
	if s.isNaN != nil && s.isNaN(item) {
		return math.NaN(), ErrInvalidItem
	}
	if s.IsEmpty() {
		return math.NaN(), s.emptyErr()
	}
	var weight uint64
	for _, c := range s.levels {
		weight += uint64(countBelow(c.items, c.sorted, item, inclusive, s.less)) << c.lgWeight
	}
	return float64(weight) / float64(s.n), nil
}

// Quantile returns the item at the given normalized rank. With inclusive
// unset it is the first item whose cumulative weight exceeds rank*N;
// with inclusive set, the first whose cumulative weight reaches it.
func (s *Sketch[T]) Quantile(rank float64, inclusive bool) (T, error) {
	if s.IsEmpty() {
		return s.nan, s.emptyErr()
	}
	if !validRank(rank) {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrInvalidRank, rank)
	}
	return s.sortedView().quantile(rank, inclusive), nil
}

// Quantiles returns the items at each of ranks, sorting the retained
// items only once. It returns ErrEmptySketch on an empty sketch whatever
// the item type.
func (s *Sketch[T]) Quantiles(ranks []float64, inclusive bool) ([]T, error) {
	if s.IsEmpty() {
		return nil, ErrEmptySketch
	}
	for _, r := range ranks {
		if !validRank(r) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRank, r)
		}
	}
	view := s.sortedView()
	out := make([]T, len(ranks))
	for i, r := range ranks {
		out[i] = view.quantile(r, inclusive)
	}
	return out, nil
}

// CDF returns the cumulative distribution at the given split points. The
// result has one more element than splitPoints, the last being 1. It
// returns ErrEmptySketch on an empty sketch whatever the item type.
func (s *Sketch[T]) CDF(splitPoints []T, inclusive bool) ([]float64, error) {
	if s.IsEmpty() {
		return nil, ErrEmptySketch
	}
	if err := s.checkSplitPoints(splitPoints); err != nil {
		return nil, err
	}
	return s.sortedView().cdf(splitPoints, inclusive), nil
}

// PMF returns the probability mass of each interval delimited by the
// split points, including the two open-ended ones. Like CDF it returns
// ErrEmptySketch on an empty sketch.
func (s *Sketch[T]) PMF(splitPoints []T, inclusive bool) ([]float64, error) {
	if s.IsEmpty() {
		return nil, ErrEmptySketch
	}
	if err := s.checkSplitPoints(splitPoints); err != nil {
		return nil, err
	}
	return s.sortedView().pmf(splitPoints, inclusive), nil
}

// SortedView returns an immutable snapshot of the retained items in
// order, for answering many queries without re-sorting.
func (s *Sketch[T]) SortedView() (*SortedView[T], error) {
	if s.IsEmpty() {
		return nil, ErrEmptySketch
	}
	return s.sortedView(), nil
}

// ForEach calls f with every retained item and its weight, level by
// level, until f returns true.
func (s *Sketch[T]) ForEach(f func(item T, weight uint64) (stop bool)) {
	for _, c := range s.levels {
		w := uint64(1) << c.lgWeight
		for _, item := range c.items {
			if f(item, w) {
				return
			}
		}
	}
}

// Reset returns the sketch to its empty state, keeping its configuration.
func (s *Sketch[T]) Reset() {
	var zero T
	s.n = 0
	s.minItem, s.maxItem = zero, zero
	s.levels = nil
	s.numRetained = 0
	s.maxNomSize = 0
	s.appendLevel()
}

// Clone returns a deep copy of the sketch with its own copy of the
// BitSource, so the two can be updated from different goroutines. The
// logger is shared.
func (s *Sketch[T]) Clone() *Sketch[T] {
	cp := s.snapshot()
	cp.bits = cloneBits(s.bits)
	return cp
}

// snapshot copies the levels but shares the BitSource.
func (s *Sketch[T]) snapshot() *Sketch[T] {
	cp := *s
	cp.levels = make([]*compactor[T], len(s.levels))
	for i, c := range s.levels {
		cp.levels[i] = c.clone()
	}
	return &cp
}

func (s *Sketch[T]) compress() {
	for h := 0; h < len(s.levels); h++ {
		if !s.levels[h].needsCompaction() {
			continue
		}
		if h+1 == len(s.levels) {
			s.grow()
		}
		removed, delta := s.levels[h].compact(s.levels[h+1], s.bits)
		s.numRetained -= removed
		s.maxNomSize += delta
	}
}

func (s *Sketch[T]) grow() {
	s.appendLevel()
	s.logger.Debug("added compactor level",
		zap.Int("level", len(s.levels)-1),
		zap.Uint64("n", s.n),
		zap.Int("retained", s.numRetained),
	)
}

func (s *Sketch[T]) appendLevel() {
	c := newCompactor(uint8(len(s.levels)), s.hra, s.k, s.less)
	s.levels = append(s.levels, c)
	s.maxNomSize += c.nomCapacity()
}

func (s *Sketch[T]) recount() {
	s.numRetained, s.maxNomSize = 0, 0
	for _, c := range s.levels {
		s.numRetained += len(c.items)
		s.maxNomSize += c.nomCapacity()
	}
}

func (s *Sketch[T]) sortedView() *SortedView[T] {
	return newSortedView(s.levels, s.n, s.less, s.isNaN)
}

func (s *Sketch[T]) emptyErr() error {
	if s.hasNaN {
		return nil
	}
	return ErrEmptySketch
}

func (s *Sketch[T]) checkSplitPoints(splitPoints []T) error {
	return checkSplitPoints(splitPoints, s.less, s.isNaN)
}

func validRank(rank float64) bool {
	return rank >= 0 && rank <= 1
}

// countBelow counts items strictly below item, or at or below it when
// inclusive is set.
func countBelow[T any](items []T, sorted bool, item T, inclusive bool, less func(a, b T) bool) int {
	below := func(x T) bool {
		if inclusive {
			return !less(item, x)
		}
		return less(x, item)
	}
	if sorted {
		return sort.Search(len(items), func(i int) bool { return !below(items[i]) })
	}
	count := 0
	for _, x := range items {
		if below(x) {
			count++
		}
	}
	return count
}

// floatTraits reports the NaN value and NaN test of item types whose
// underlying type is float32 or float64. Other types have neither.
func floatTraits[T any]() (nan T, isNaN func(T) bool, ok bool) {
	var zero T
	switch any(zero).(type) {
	case float64:
		f := func(x float64) bool { return math.IsNaN(x) }
		return any(math.NaN()).(T), any(f).(func(T) bool), true
	case float32:
		f := func(x float32) bool { return x != x }
		return any(float32(math.NaN())).(T), any(f).(func(T) bool), true
	}
	t := reflect.TypeFor[T]()
	switch t.Kind() {
	case reflect.Float32, reflect.Float64:
		nan = reflect.ValueOf(math.NaN()).Convert(t).Interface().(T)
		isNaN = func(x T) bool { return math.IsNaN(reflect.ValueOf(x).Float()) }
		return nan, isNaN, true
	}
	return zero, nil, false
}
