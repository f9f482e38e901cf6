package timeline

import "log/slog"

// DefaultMaximumSize is the number of entries a timeline keeps unless
// configured otherwise.
const DefaultMaximumSize = 1000

// EvictionPolicy defines which entry is dropped when a timeline is over its
// maximum size.
type EvictionPolicy int

const (
	// EvictOldest drops the entry with the smallest timestamp. This is the
	// default and matches a single producer pushing increasing timestamps.
	EvictOldest EvictionPolicy = iota
	// EvictClosest finds the two entries closest in time and drops the older
	// one, which keeps the retained entries spread over the widest span.
	EvictClosest
)

// String returns the policy name.
func (p EvictionPolicy) String() string {
	switch p {
	case EvictOldest:
		return "oldest"
	case EvictClosest:
		return "closest"
	default:
		return "unknown"
	}
}

// options holds the configuration for a Timeline.
type options struct {
	maximumSize int
	eviction    EvictionPolicy
	validator   func(Object) bool
	logger      *slog.Logger
}

// Option is a function that configures a Timeline's options.
type Option func(*options)

// WithMaximumSize sets the number of retained entries. Values below 1 are
// ignored. The default is DefaultMaximumSize.
func WithMaximumSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maximumSize = n
		}
	}
}

// WithEvictionPolicy sets the eviction policy. The default is EvictOldest.
func WithEvictionPolicy(p EvictionPolicy) Option {
	return func(o *options) {
		o.eviction = p
	}
}

// WithValidator sets the predicate behind IsObjectValid. Without one every
// object is valid.
func WithValidator(fn func(Object) bool) Option {
	return func(o *options) {
		o.validator = fn
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
