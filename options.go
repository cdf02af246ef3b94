package reqsketch

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type options struct {
	hra       bool
	bits      BitSource
	seed      *uint64
	logger    *zap.Logger
	nilBits   bool
	nilLogger bool
}

// Option configures a Sketch at construction or deserialization time.
type Option func(*options)

// WithHighRankAccuracy selects which end of the distribution keeps the
// extra precision. With hra set, ranks close to 1 are the most accurate
// (useful for tail latencies); otherwise ranks close to 0 are.
func WithHighRankAccuracy(hra bool) Option {
	return func(o *options) {
		o.hra = hra
	}
}

// WithBitSource sets the coin used by compactions.
func WithBitSource(bits BitSource) Option {
	return func(o *options) {
		if bits == nil {
			o.nilBits = true
			return
		}
		o.bits = bits
	}
}

// WithSeed makes compactions reproducible by seeding the default BitSource.
// It is ignored when WithBitSource is also given.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = &seed
	}
}

// WithLogger sets the logger used for debug events such as level growth
// and merges. The default logger discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.nilLogger = true
			return
		}
		o.logger = logger
	}
}

func newOptions(opts []Option) (*options, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var err error
	if o.nilBits {
		err = multierr.Append(err, fmt.Errorf("bit source must not be nil"))
	}
	if o.nilLogger {
		err = multierr.Append(err, fmt.Errorf("logger must not be nil"))
	}
	if err != nil {
		return nil, err
	}

	if o.bits == nil {
		if o.seed != nil {
			o.bits = NewBitSource(*o.seed)
		} else {
			o.bits = newRandomBitSource()
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o, nil
}
