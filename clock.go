package timeline

import (
	"time"

	"github.com/aristanetworks/goarista/monotime"
)

// Timestamp is a point on the process monotonic clock, in milliseconds.
// The epoch is arbitrary but stable for the life of the process, so
// timestamps are only comparable within one process.
type Timestamp float64

// Now returns the current monotonic time.
func Now() Timestamp {
	return Timestamp(float64(monotime.Now()) / float64(time.Millisecond))
}

// Milliseconds converts a duration to a timestamp offset.
func Milliseconds(d time.Duration) Timestamp {
	return Timestamp(float64(d) / float64(time.Millisecond))
}

// Duration converts a timestamp offset back to a duration.
func (t Timestamp) Duration() time.Duration {
	return time.Duration(float64(t) * float64(time.Millisecond))
}

// Clock is a source of timestamps. Producers take one so tests can drive
// time explicitly.
type Clock interface {
	Now() Timestamp
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() Timestamp

// Now calls f.
func (f ClockFunc) Now() Timestamp { return f() }

// MonotonicClock is the Clock backed by Now.
var MonotonicClock Clock = ClockFunc(Now)
