package timeline

import (
	"encoding/binary"
	"fmt"
	"iter"
)

// GenericTimeline is a Timeline whose objects are GenericObjects holding up
// to maxElementNum elements of the fixed-size type T. Elements are stored in
// little-endian binary form, so T must have a fixed encoded size (numbers,
// arrays and structs of those).
type GenericTimeline[T any] struct {
	*Timeline
	layout Layout
}

// NewGenericTimeline creates a typed timeline. Any validator passed in opts
// is replaced by a layout check.
func NewGenericTimeline[T any](maxElementNum int, opts ...Option) (*GenericTimeline[T], error) {
	var zero T
	size := binary.Size(zero)
	if size <= 0 {
		return nil, fmt.Errorf("%w: %T has no fixed binary size", ErrInvalidLayout, zero)
	}
	if maxElementNum < 1 {
		return nil, fmt.Errorf("%w: %d elements", ErrInvalidSize, maxElementNum)
	}
	layout := UniformLayout(maxElementNum, size)
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	gt := &GenericTimeline[T]{layout: layout}
	opts = append(opts, WithValidator(gt.isValid))
	gt.Timeline = New(opts...)
	return gt, nil
}

func (gt *GenericTimeline[T]) isValid(o Object) bool {
	g, ok := AsGeneric(o)
	return ok && g.layout.Equal(gt.layout)
}

// ReserveBuffers reserves pool blocks for count buffers.
func (gt *GenericTimeline[T]) ReserveBuffers(count int) error {
	return gt.ReservePool(gt.layout.PayloadSize(), count)
}

// GetMaxElementNum returns the number of elements per buffer.
func (gt *GenericTimeline[T]) GetMaxElementNum() int { return len(gt.layout) }

// GetElementSize returns the encoded size of T.
func (gt *GenericTimeline[T]) GetElementSize() int { return gt.layout[0].Length }

// CreateBuffer returns an empty, unpublished buffer for ts.
func (gt *GenericTimeline[T]) CreateBuffer(ts Timestamp) (*TypedObject[T], error) {
	g, err := gt.CreateGenericObject(ts, gt.layout)
	if err != nil {
		return nil, err
	}
	return &TypedObject[T]{GenericObject: g}, nil
}

// GetBuffer returns the buffer at exactly ts, or nil. The caller must
// Release it.
func (gt *GenericTimeline[T]) GetBuffer(ts Timestamp) *TypedObject[T] {
	return gt.typed(gt.GetObject(ts))
}

// GetClosestBuffer is GetClosestObject returning a typed buffer.
func (gt *GenericTimeline[T]) GetClosestBuffer(ts Timestamp, dir Direction) *TypedObject[T] {
	return gt.typed(gt.GetClosestObject(ts, dir))
}

// GetNewerBuffer is GetNewerObject returning a typed buffer.
func (gt *GenericTimeline[T]) GetNewerBuffer() *TypedObject[T] {
	return gt.typed(gt.GetNewerObject())
}

// typed drops objects of the wrong shape, releasing their reference.
func (gt *GenericTimeline[T]) typed(o Object) *TypedObject[T] {
	if o == nil {
		return nil
	}
	g, ok := AsGeneric(o)
	if !ok || !g.layout.Equal(gt.layout) {
		o.Release()
		return nil
	}
	return &TypedObject[T]{GenericObject: g}
}

// TypedObject is a GenericObject whose elements are values of T.
type TypedObject[T any] struct {
	*GenericObject
}

// SetElement encodes v into slot i and marks it present.
func (o *TypedObject[T]) SetElement(v T, i int) error {
	if o.Published() {
		return ErrPublished
	}
	mem, err := o.slot(i)
	if err != nil {
		return err
	}
	if _, err := binary.Encode(mem, binary.LittleEndian, v); err != nil {
		return fmt.Errorf("%w: slot %d: %v", ErrElementSize, i, err)
	}
	_, err = o.AddElement(i)
	return err
}

// GetElement decodes slot i.
func (o *TypedObject[T]) GetElement(i int) (T, error) {
	var v T
	mem, err := o.GenericObject.GetElement(i)
	if err != nil {
		return v, err
	}
	if _, err := binary.Decode(mem, binary.LittleEndian, &v); err != nil {
		return v, fmt.Errorf("%w: slot %d: %v", ErrElementSize, i, err)
	}
	return v, nil
}

// Elements iterates over the decoded populated elements in index order.
// Slots that fail to decode are skipped.
func (o *TypedObject[T]) Elements() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i, mem := range o.Present() {
			var v T
			if _, err := binary.Decode(mem, binary.LittleEndian, &v); err != nil {
				continue
			}
			if !yield(i, v) {
				return
			}
		}
	}
}
