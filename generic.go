package timeline

import (
	"fmt"
	"iter"
	"math/bits"

	"github.com/jonoton/go-timeline/internal/pool"
)

// GenericObject is a Buffer split into up to 64 independently present
// elements. A presence mask records which slots the producer has filled.
//
// Only the producer may add or set elements, and only before the object is
// pushed; afterwards every mutator returns ErrPublished.
type GenericObject struct {
	Buffer

	layout  Layout
	mask    uint64
	present int
}

// NewGenericObject returns a heap object with maxElementNum slots of
// elementSize bytes each.
func NewGenericObject(ts Timestamp, maxElementNum, elementSize int) (*GenericObject, error) {
	if elementSize < 0 || maxElementNum < 0 {
		return nil, fmt.Errorf("%w: %d elements of %d bytes", ErrInvalidLayout, maxElementNum, elementSize)
	}
	return NewGenericObjectWithLayout(ts, UniformLayout(maxElementNum, elementSize))
}

// NewGenericObjectWithLayout returns a heap object with an explicit layout.
func NewGenericObjectWithLayout(ts Timestamp, layout Layout) (*GenericObject, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	g := &GenericObject{layout: layout.Clone()}
	g.init(ts, make([]byte, layout.PayloadSize()))
	return g, nil
}

func newPooledGenericObject(ts Timestamp, p *pool.Pool, layout Layout) (*GenericObject, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	g := &GenericObject{layout: layout.Clone()}
	size := layout.PayloadSize()
	if size == 0 {
		g.init(ts, nil)
		return g, nil
	}
	if err := g.initFromPool(ts, p, size); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *GenericObject) generic() *GenericObject { return g }

// AsGeneric returns the GenericObject behind o, which may be a
// *GenericObject or a *TypedObject, with ok false for plain buffers.
func AsGeneric(o Object) (*GenericObject, bool) {
	if w, ok := o.(interface{ generic() *GenericObject }); ok {
		return w.generic(), true
	}
	return nil, false
}

// Layout returns a copy of the object layout.
func (g *GenericObject) Layout() Layout { return g.layout.Clone() }

// GetMaxElementNum returns the number of slots.
func (g *GenericObject) GetMaxElementNum() int { return len(g.layout) }

// GetElementSize returns the size of slot i, or 0 when i is out of range.
func (g *GenericObject) GetElementSize(i int) int {
	if i < 0 || i >= len(g.layout) {
		return 0
	}
	return g.layout[i].Length
}

// GetPresentElementNum returns the number of populated slots.
func (g *GenericObject) GetPresentElementNum() int { return g.present }

// GetMask returns the presence bitmask; bit i is set when slot i is populated.
func (g *GenericObject) GetMask() uint64 { return g.mask }

// IsPresent reports whether slot i is populated. Out-of-range indices are
// never present.
func (g *GenericObject) IsPresent(i int) bool {
	if i < 0 || i >= len(g.layout) {
		return false
	}
	return g.mask&(1<<uint(i)) != 0
}

func (g *GenericObject) slot(i int) ([]byte, error) {
	if i < 0 || i >= len(g.layout) {
		return nil, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(g.layout))
	}
	s := g.layout[i]
	return g.data[s.Offset : s.Offset+s.Length : s.Offset+s.Length], nil
}

// AddElement marks slot i present and returns its memory for the producer to
// fill.
func (g *GenericObject) AddElement(i int) ([]byte, error) {
	if g.Published() {
		return nil, ErrPublished
	}
	mem, err := g.slot(i)
	if err != nil {
		return nil, err
	}
	if !g.IsPresent(i) {
		g.mask |= 1 << uint(i)
		g.present++
	}
	return mem, nil
}

// SetElement copies data into slot i and marks it present. data must be
// exactly the slot length.
func (g *GenericObject) SetElement(i int, data []byte) error {
	if g.Published() {
		return ErrPublished
	}
	mem, err := g.slot(i)
	if err != nil {
		return err
	}
	if len(data) != len(mem) {
		return fmt.Errorf("%w: slot %d holds %d bytes, got %d", ErrElementSize, i, len(mem), len(data))
	}
	if _, err := g.AddElement(i); err != nil {
		return err
	}
	copy(mem, data)
	return nil
}

// GetElement returns the read-only content of slot i.
func (g *GenericObject) GetElement(i int) ([]byte, error) {
	mem, err := g.slot(i)
	if err != nil {
		return nil, err
	}
	if !g.IsPresent(i) {
		return nil, fmt.Errorf("%w: slot %d", ErrNotPresent, i)
	}
	return mem, nil
}

// Present iterates over the populated slots in index order.
func (g *GenericObject) Present() iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		for m := g.mask; m != 0; m &= m - 1 {
			i := bits.TrailingZeros64(m)
			s := g.layout[i]
			if !yield(i, g.data[s.Offset:s.Offset+s.Length:s.Offset+s.Length]) {
				return
			}
		}
	}
}

// DeepCopy duplicates src's layout, presence mask, payload and timestamp into
// g. src must be a generic object.
func (g *GenericObject) DeepCopy(src Object) error {
	if g.Published() {
		return ErrPublished
	}
	s, ok := AsGeneric(src)
	if !ok {
		return fmt.Errorf("%w: %T into *GenericObject", ErrIncompatible, src)
	}
	if s == g {
		return nil
	}
	g.layout = s.layout.Clone()
	g.mask = s.mask
	g.present = s.present
	g.copyPayload(&s.Buffer)
	g.setTimestamp(s.Timestamp())
	return nil
}
