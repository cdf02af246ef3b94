package reqsketch

import (
	"fmt"
	"math"
)

const fixedRSEFactor = 0.084

var relativeRSEFactor = math.Sqrt(0.0512 / initNumSections)

// RankLowerBound returns an approximate lower bound of the true rank
// behind an estimated normalized rank, at numStdDev (1, 2 or 3) standard
// deviations.
func (s *Sketch[T]) RankLowerBound(rank float64, numStdDev int) (float64, error) {
	if err := checkBoundArgs(rank, numStdDev); err != nil {
		return 0, err
	}
	return math.Max(0, rank-float64(numStdDev)*s.rankError(rank)), nil
}

// RankUpperBound is the upper counterpart of RankLowerBound.
func (s *Sketch[T]) RankUpperBound(rank float64, numStdDev int) (float64, error) {
	if err := checkBoundArgs(rank, numStdDev); err != nil {
		return 0, err
	}
	return math.Min(1, rank+float64(numStdDev)*s.rankError(rank)), nil
}

func (s *Sketch[T]) rankError(rank float64) float64 {
	return rankStdDev(s.k, len(s.levels), rank, s.n, s.hra)
}

// RSE returns the a priori relative standard error of a normalized rank
// for a sketch with the given k and accuracy mode after n updates. It is
// zero for ranks the sketch keeps exactly.
func RSE(k int, rank float64, hra bool, n uint64) float64 {
	return rankStdDev(k, 2, rank, n, hra)
}

// rankStdDev is the smaller of the relative and the fixed error terms,
// or zero while the rank is still exact.
func rankStdDev(k, numLevels int, rank float64, n uint64, hra bool) float64 {
	if isExactRank(k, numLevels, rank, n, hra) {
		return 0
	}
	distance := rank
	if hra {
		distance = 1 - rank
	}
	relative := relativeRSEFactor / float64(k) * distance
	fixed := fixedRSEFactor / float64(k)
	return math.Min(relative, fixed)
}

// isExactRank reports whether rank falls in the part of the distribution
// that level 0 still holds verbatim.
func isExactRank(k, numLevels int, rank float64, n uint64, hra bool) bool {
	baseCap := uint64(k) * initNumSections
	if numLevels == 1 || n <= baseCap {
		return true
	}
	thresh := float64(baseCap) / float64(n)
	if hra {
		return rank >= 1-thresh
	}
	return rank <= thresh
}

func checkBoundArgs(rank float64, numStdDev int) error {
	if !validRank(rank) {
		return fmt.Errorf("%w: %v", ErrInvalidRank, rank)
	}
	if numStdDev < 1 || numStdDev > 3 {
		return fmt.Errorf("%w: %d", ErrInvalidNumStdDev, numStdDev)
	}
	return nil
}
