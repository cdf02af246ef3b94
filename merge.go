package reqsketch

import (
	"fmt"

	"go.uber.org/zap"
)

// Merge folds other into s. Both sketches must share k and rank accuracy;
// otherwise ErrMergeConfiguration is returned and s is left unchanged.
// other is not modified and may be s itself.
func (s *Sketch[T]) Merge(other *Sketch[T]) error {
	if other == nil {
		return nil
	}
	if other.k != s.k || other.hra != s.hra {
		return fmt.Errorf("%w: k %d and %d, high rank accuracy %t and %t",
			ErrMergeConfiguration, s.k, other.k, s.hra, other.hra)
	}
	if other.IsEmpty() {
		return nil
	}
	if other == s {
		other = s.snapshot()
	}

	if s.IsEmpty() {
		s.minItem, s.maxItem = other.minItem, other.maxItem
	} else {
		if s.less(other.minItem, s.minItem) {
			s.minItem = other.minItem
		}
		if s.less(s.maxItem, other.maxItem) {
			s.maxItem = other.maxItem
		}
	}
	s.n += other.n

	for len(s.levels) < len(other.levels) {
		s.grow()
	}
	for i, c := range other.levels {
		s.levels[i].merge(c)
	}
	s.recount()
	s.compress()

	s.logger.Debug("merged sketch",
		zap.Uint64("n", s.n),
		zap.Uint64("other_n", other.n),
		zap.Int("levels", len(s.levels)),
		zap.Int("retained", s.numRetained),
	)
	return nil
}
