package timeline

import "errors"

// Absence (no entry at a timestamp, nothing in range) is reported as a nil
// Object or a false ok value, never as one of these errors.
var (
	// ErrCapacity indicates a layout with more than MaxElements slots.
	ErrCapacity = errors.New("timeline: more than 64 elements")

	// ErrOutOfRange indicates an element index outside the object's layout.
	ErrOutOfRange = errors.New("timeline: element index out of range")

	// ErrNotPresent indicates a read of an element that was never populated.
	ErrNotPresent = errors.New("timeline: element not present")

	// ErrPublished indicates a producer-side mutation of an object that has
	// already been pushed into a timeline.
	ErrPublished = errors.New("timeline: object already published")

	// ErrElementSize indicates element data whose length does not match its slot.
	ErrElementSize = errors.New("timeline: element size mismatch")

	// ErrInvalidLayout indicates a slot with a negative offset or length.
	ErrInvalidLayout = errors.New("timeline: invalid layout")

	// ErrIncompatible indicates a deep copy between objects of different shapes.
	ErrIncompatible = errors.New("timeline: incompatible object")

	// ErrInvalidSize indicates a non-positive maximum size or buffer size.
	ErrInvalidSize = errors.New("timeline: size must be positive")

	// ErrClosed indicates an allocation on a closed timeline.
	ErrClosed = errors.New("timeline: closed")
)
