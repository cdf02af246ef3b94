package reqsketch

import "errors"

var (
	// ErrInvalidK is returned when k is odd or outside [MinK, MaxK].
	ErrInvalidK = errors.New("k must be even and within [4, 1024]")

	// ErrInvalidRank is returned when a normalized rank is outside [0, 1].
	ErrInvalidRank = errors.New("normalized rank cannot be less than zero or greater than 1.0")

	// ErrInvalidItem is returned when a query item is NaN.
	ErrInvalidItem = errors.New("query item must not be NaN")

	// ErrInvalidSplitPoints is returned by PMF and CDF when split points
	// are not unique and strictly increasing.
	ErrInvalidSplitPoints = errors.New("split points must be unique and monotonically increasing")

	// ErrInvalidNumStdDev is returned when a number of standard deviations
	// other than 1, 2 or 3 is requested.
	ErrInvalidNumStdDev = errors.New("number of standard deviations must be 1, 2 or 3")

	// ErrEmptySketch is returned by queries on an empty sketch whose item
	// type has no NaN value to report instead.
	ErrEmptySketch = errors.New("operation is undefined for an empty sketch")

	// ErrMergeConfiguration is returned when merging sketches built with
	// different k or rank accuracy.
	ErrMergeConfiguration = errors.New("incompatible sketch configuration")

	// ErrDeserialization wraps every failure to decode a serialized sketch.
	ErrDeserialization = errors.New("malformed sketch image")
)
