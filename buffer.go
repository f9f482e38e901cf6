package timeline

import (
	"math"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/jonoton/go-timeline/internal/pool"
)

// Object is an immutable timestamped snapshot stored in a Timeline.
// It is implemented by *Buffer, *GenericObject and *TypedObject.
//
// Objects are reference counted. Whoever creates an object owns one
// reference; PushObject and SetObject consume it, and every object returned
// by a Timeline query carries a fresh reference the caller must Release.
// Memory obtained from a timeline pool is recycled only when the last
// reference is released.
type Object interface {
	// Timestamp returns the key the object is (or will be) stored under.
	Timestamp() Timestamp
	// Size returns the payload size in bytes.
	Size() int
	// Bytes returns the payload. It must be treated as read-only once the
	// object is published.
	Bytes() []byte
	// Digest returns a 64-bit xxhash of the payload.
	Digest() uint64
	// Published reports whether the object has been pushed into a timeline.
	Published() bool
	// Retain takes an additional reference.
	Retain()
	// Release drops a reference.
	Release()

	base() *Buffer
}

// Buffer is a raw byte payload with a timestamp.
type Buffer struct {
	ts        atomic.Uint64
	refs      atomic.Int32
	published atomic.Bool

	data    []byte
	block   pool.Block
	pool    *pool.Pool
	deleter func([]byte)
}

// NewBuffer returns a zeroed heap buffer of size bytes.
func NewBuffer(ts Timestamp, size int) *Buffer {
	b := &Buffer{}
	b.init(ts, make([]byte, size))
	return b
}

// NewBufferFrom wraps caller-supplied memory. Ownership of data passes to the
// buffer; deleter, if not nil, is called with it once the last reference is
// released.
func NewBufferFrom(ts Timestamp, data []byte, deleter func([]byte)) *Buffer {
	b := &Buffer{}
	b.init(ts, data)
	b.deleter = deleter
	return b
}

func (b *Buffer) init(ts Timestamp, data []byte) {
	b.setTimestamp(ts)
	b.data = data
	b.refs.Store(1)
}

func (b *Buffer) initFromPool(ts Timestamp, p *pool.Pool, size int) error {
	blk, err := p.Allocate(size)
	if err != nil {
		return err
	}
	b.init(ts, blk.Bytes())
	b.block = blk
	b.pool = p
	return nil
}

func (b *Buffer) base() *Buffer { return b }

// Timestamp returns the buffer timestamp.
func (b *Buffer) Timestamp() Timestamp {
	return Timestamp(math.Float64frombits(b.ts.Load()))
}

// setTimestamp is only called by the owning producer before publication or
// by a Timeline while it holds its write lock.
func (b *Buffer) setTimestamp(ts Timestamp) {
	b.ts.Store(math.Float64bits(float64(ts)))
}

// Size returns the payload size in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Bytes returns the payload.
func (b *Buffer) Bytes() []byte { return b.data }

// Digest returns a 64-bit xxhash of the payload.
func (b *Buffer) Digest() uint64 { return xxhash.Sum64(b.data) }

// Published reports whether the buffer has been pushed into a timeline.
func (b *Buffer) Published() bool { return b.published.Load() }

func (b *Buffer) publish() { b.published.Store(true) }

// Retain takes an additional reference.
func (b *Buffer) Retain() { b.refs.Add(1) }

// Release drops a reference. The payload memory is reclaimed when the count
// reaches zero. Releasing more often than retained panics.
func (b *Buffer) Release() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		b.free()
	case n < 0:
		panic("timeline: buffer released more times than retained")
	}
}

func (b *Buffer) free() {
	switch {
	case b.pool != nil:
		// A stale block here would mean a double free, which the reference
		// count already rules out.
		_ = b.pool.Release(b.block)
		b.pool = nil
	case b.deleter != nil:
		b.deleter(b.data)
		b.deleter = nil
	}
}

// DeepCopy duplicates src's payload and timestamp into b. The result is a
// private, unpublished copy; b must not have been published.
func (b *Buffer) DeepCopy(src Object) error {
	if b.Published() {
		return ErrPublished
	}
	s := src.base()
	if s == b {
		return nil
	}
	b.copyPayload(s)
	b.setTimestamp(s.Timestamp())
	return nil
}

// copyPayload replaces b's memory with a heap copy when the sizes differ.
func (b *Buffer) copyPayload(s *Buffer) {
	if len(b.data) != len(s.data) {
		b.free()
		b.data = make([]byte, len(s.data))
	}
	copy(b.data, s.data)
}

// Clone returns an unpublished heap copy of o with its own reference. Use it
// when a consumer needs a mutable snapshot that outlives the timeline entry.
func Clone(o Object) Object {
	if src, ok := AsGeneric(o); ok {
		g := &GenericObject{}
		g.refs.Store(1)
		_ = g.DeepCopy(src)
		return g
	}
	b := &Buffer{}
	b.refs.Store(1)
	_ = b.DeepCopy(o)
	return b
}
