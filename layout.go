package timeline

import "fmt"

// MaxElements is the largest number of slots a GenericObject can carry; one
// bit of the presence mask per slot.
const MaxElements = 64

// Slot locates one element inside a GenericObject payload.
type Slot struct {
	Offset int `json:"offset"`
	Length int `json:"length"`
}

// Layout is the per-slot placement of elements in a payload. Slots may have
// different lengths and need not be contiguous.
type Layout []Slot

// UniformLayout returns n contiguous slots of size bytes each.
func UniformLayout(n, size int) Layout {
	l := make(Layout, n)
	for i := range l {
		l[i] = Slot{Offset: i * size, Length: size}
	}
	return l
}

// Validate checks slot count and slot bounds.
func (l Layout) Validate() error {
	if len(l) > MaxElements {
		return fmt.Errorf("%w: %d slots", ErrCapacity, len(l))
	}
	for i, s := range l {
		if s.Offset < 0 || s.Length < 0 {
			return fmt.Errorf("%w: slot %d at %d+%d", ErrInvalidLayout, i, s.Offset, s.Length)
		}
	}
	return nil
}

// PayloadSize returns the number of bytes needed to hold every slot.
func (l Layout) PayloadSize() int {
	size := 0
	for _, s := range l {
		if end := s.Offset + s.Length; end > size {
			size = end
		}
	}
	return size
}

// Equal reports whether both layouts place every slot identically.
func (l Layout) Equal(o Layout) bool {
	if len(l) != len(o) {
		return false
	}
	for i := range l {
		if l[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of l.
func (l Layout) Clone() Layout {
	return append(Layout(nil), l...)
}
