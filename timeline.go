package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/jonoton/go-timeline/internal/pool"
)

// Direction constrains a closest-object query.
type Direction int

const (
	// Both returns the entry nearest in absolute distance; an exact tie
	// resolves to the past entry.
	Both Direction = iota
	// Past returns the newest entry at or before the query timestamp.
	Past
	// Future returns the oldest entry at or after the query timestamp.
	Future
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case Both:
		return "both"
	case Past:
		return "past"
	case Future:
		return "future"
	default:
		return "unknown"
	}
}

const btreeDegree = 16

type entry struct {
	ts  Timestamp
	obj Object
}

func entryLess(a, b entry) bool { return a.ts < b.ts }

// Stats is a snapshot of timeline counters.
type Stats struct {
	Len           int
	MaximumSize   int
	Pushed        uint64
	Replaced      uint64
	Evicted       uint64
	Popped        uint64
	DroppedEvents uint64
	Pool          PoolStats
}

// PoolStats reports the timeline's block pool.
type PoolStats struct {
	BlockSize  int
	BlockCount int
	InUse      int
	Hits       uint64
	Fallbacks  uint64
}

// Timeline is a bounded, timestamp-ordered collection of objects shared
// between producers and consumers running on their own goroutines.
//
// Reads take a shared lock and writes an exclusive one; lookups are
// O(log n). Nothing ever blocks on a consumer: when producers outrun
// consumers the oldest entries are evicted.
type Timeline struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[entry]
	opts   options
	pool   *pool.Pool
	closed bool

	watch watchers

	pushed   atomic.Uint64
	replaced atomic.Uint64
	evicted  atomic.Uint64
	popped   atomic.Uint64
}

// New creates an empty timeline.
func New(opts ...Option) *Timeline {
	cfg := options{
		maximumSize: DefaultMaximumSize,
		eviction:    EvictOldest,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Timeline{
		tree: btree.NewG[entry](btreeDegree, entryLess),
		opts: cfg,
		pool: pool.New(pool.WithLogger(cfg.logger)),
	}
}

// ReservePool pre-allocates blockCount blocks of blockSize bytes for
// CreateBuffer and CreateGenericObject. It may be called once; a second call
// with a different geometry fails. Without a reservation, or once the blocks
// are all in use, buffers are allocated on the heap.
func (t *Timeline) ReservePool(blockSize, blockCount int) error {
	if err := t.pool.Reserve(blockSize, blockCount); err != nil {
		return fmt.Errorf("timeline: reserve pool: %w", err)
	}
	return nil
}

// CreateBuffer returns an unpublished buffer of size bytes backed by the
// timeline pool.
func (t *Timeline) CreateBuffer(ts Timestamp, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: buffer of %d bytes", ErrInvalidSize, size)
	}
	b := &Buffer{}
	if err := b.initFromPool(ts, t.pool, size); err != nil {
		return nil, t.poolError(err)
	}
	return b, nil
}

// CreateGenericObject returns an unpublished generic object backed by the
// timeline pool.
func (t *Timeline) CreateGenericObject(ts Timestamp, layout Layout) (*GenericObject, error) {
	g, err := newPooledGenericObject(ts, t.pool, layout)
	if err != nil {
		return nil, t.poolError(err)
	}
	return g, nil
}

func (t *Timeline) poolError(err error) error {
	if errors.Is(err, pool.ErrClosed) {
		return ErrClosed
	}
	return err
}

// PushObject inserts o under its timestamp and consumes the caller's
// reference. An existing entry at the same timestamp is replaced. If the
// timeline is then over its maximum size, entries are evicted according to
// the eviction policy (oldest first by default). On a closed timeline the
// reference is released and nothing is stored.
//
// Once pushed, o is published: its elements can no longer be mutated.
func (t *Timeline) PushObject(o Object) {
	b := o.base()
	b.publish()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		o.Release()
		return
	}
	var drop []Object
	if old := t.insertLocked(b.Timestamp(), o); old != nil {
		drop = append(drop, old)
	}
	drop = append(drop, t.enforceBoundLocked()...)
	t.mu.Unlock()

	releaseAll(drop)
}

// SetObject stores o at ts whether or not an entry exists there, re-keying o
// to ts. It consumes the caller's reference and enforces the size bound like
// PushObject. To move an entry already in the timeline use ModifyTime.
func (t *Timeline) SetObject(ts Timestamp, o Object) {
	b := o.base()
	b.publish()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		o.Release()
		return
	}
	b.setTimestamp(ts)
	var drop []Object
	if old := t.insertLocked(ts, o); old != nil {
		drop = append(drop, old)
	}
	drop = append(drop, t.enforceBoundLocked()...)
	t.mu.Unlock()

	releaseAll(drop)
}

// insertLocked returns the entry it replaced, if any.
func (t *Timeline) insertLocked(ts Timestamp, o Object) Object {
	t.pushed.Add(1)
	old, replaced := t.tree.ReplaceOrInsert(entry{ts: ts, obj: o})
	t.watch.emit(Event{Kind: Pushed, Timestamp: ts})
	if !replaced {
		return nil
	}
	t.replaced.Add(1)
	return old.obj
}

func (t *Timeline) enforceBoundLocked() []Object {
	var drop []Object
	for t.tree.Len() > t.opts.maximumSize {
		var e entry
		var ok bool
		switch t.opts.eviction {
		case EvictClosest:
			e, ok = t.closestPairLocked()
			if ok {
				t.tree.Delete(e)
			}
		default:
			e, ok = t.tree.DeleteMin()
		}
		if !ok {
			break
		}
		t.evicted.Add(1)
		t.watch.emit(Event{Kind: Evicted, Timestamp: e.ts})
		drop = append(drop, e.obj)
	}
	if len(drop) > 0 {
		t.opts.logger.Debug("timeline: evicted entries",
			"count", len(drop),
			"policy", t.opts.eviction.String(),
			"maximum_size", t.opts.maximumSize)
	}
	return drop
}

// closestPairLocked returns the older entry of the two adjacent entries with
// the smallest gap.
func (t *Timeline) closestPairLocked() (entry, bool) {
	var prev, victim entry
	var minGap Timestamp
	first, found := true, false
	t.tree.Ascend(func(e entry) bool {
		if !first {
			gap := e.ts - prev.ts
			if !found || gap < minGap {
				minGap = gap
				victim = prev
				found = true
			}
		}
		first = false
		prev = e
		return true
	})
	return victim, found
}

// PopObject removes the entry at ts and hands its reference to the caller.
// It returns nil when no entry exists at ts.
func (t *Timeline) PopObject(ts Timestamp) Object {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.tree.Delete(entry{ts: ts})
	if !ok {
		return nil
	}
	t.popped.Add(1)
	t.watch.emit(Event{Kind: Removed, Timestamp: ts})
	return e.obj
}

// GetObject returns the entry at exactly ts, or nil. The caller must Release
// the returned object.
func (t *Timeline) GetObject(ts Timestamp) Object {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.tree.Get(entry{ts: ts})
	if !ok {
		return nil
	}
	e.obj.Retain()
	return e.obj
}

// GetClosestObject returns the entry nearest to ts in the given direction,
// or nil when no entry qualifies. The caller must Release the returned
// object.
func (t *Timeline) GetClosestObject(ts Timestamp, dir Direction) Object {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.closestLocked(ts, dir)
	if !ok {
		return nil
	}
	e.obj.Retain()
	return e.obj
}

func (t *Timeline) closestLocked(ts Timestamp, dir Direction) (entry, bool) {
	pivot := entry{ts: ts}

	var past, future entry
	var hasPast, hasFuture bool
	if dir != Future {
		t.tree.DescendLessOrEqual(pivot, func(e entry) bool {
			past, hasPast = e, true
			return false
		})
	}
	if dir != Past {
		t.tree.AscendGreaterOrEqual(pivot, func(e entry) bool {
			future, hasFuture = e, true
			return false
		})
	}

	switch {
	case hasPast && hasFuture:
		if future.ts-ts < ts-past.ts {
			return future, true
		}
		return past, true
	case hasPast:
		return past, true
	case hasFuture:
		return future, true
	default:
		return entry{}, false
	}
}

// GetObjects returns every entry with from <= timestamp <= to in ascending
// order. The caller must Release each returned object.
func (t *Timeline) GetObjects(from, to Timestamp) []Object {
	if from > to {
		return nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Object
	t.tree.AscendGreaterOrEqual(entry{ts: from}, func(e entry) bool {
		if e.ts > to {
			return false
		}
		e.obj.Retain()
		out = append(out, e.obj)
		return true
	})
	return out
}

// GetNewerObject returns the entry with the greatest timestamp, or nil when
// the timeline is empty. The caller must Release the returned object.
func (t *Timeline) GetNewerObject() Object {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.tree.Max()
	if !ok {
		return nil
	}
	e.obj.Retain()
	return e.obj
}

// GetNewerTimestamp returns the greatest timestamp, with ok false when the
// timeline is empty.
func (t *Timeline) GetNewerTimestamp() (Timestamp, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.tree.Max()
	return e.ts, ok
}

// GetOldestTimestamp returns the smallest timestamp, with ok false when the
// timeline is empty.
func (t *Timeline) GetOldestTimestamp() (Timestamp, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.tree.Min()
	return e.ts, ok
}

// ModifyTime re-keys the entry at oldTS to newTS. It does nothing when no
// entry exists at oldTS; an entry already at newTS is replaced.
func (t *Timeline) ModifyTime(oldTS, newTS Timestamp) {
	t.mu.Lock()
	e, ok := t.tree.Delete(entry{ts: oldTS})
	if !ok {
		t.mu.Unlock()
		return
	}
	e.ts = newTS
	e.obj.base().setTimestamp(newTS)

	var old Object
	if prev, replaced := t.tree.ReplaceOrInsert(e); replaced {
		t.replaced.Add(1)
		old = prev.obj
	}
	t.watch.emit(Event{Kind: Modified, Timestamp: newTS})
	t.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// ClearTimeline removes every entry. The maximum size and the pool
// reservation are kept.
func (t *Timeline) ClearTimeline() {
	t.mu.Lock()
	drop := t.drainLocked()
	t.watch.emit(Event{Kind: Cleared})
	t.mu.Unlock()

	releaseAll(drop)
}

func (t *Timeline) drainLocked() []Object {
	drop := make([]Object, 0, t.tree.Len())
	t.tree.Ascend(func(e entry) bool {
		drop = append(drop, e.obj)
		return true
	})
	t.tree.Clear(false)
	return drop
}

// IsObjectValid reports whether o has the shape this timeline expects.
// PushObject does not call it; producers check their own objects.
func (t *Timeline) IsObjectValid(o Object) bool {
	if o == nil {
		return false
	}
	if t.opts.validator == nil {
		return true
	}
	return t.opts.validator(o)
}

// SetMaximumSize changes the number of retained entries. Shrinking evicts
// immediately.
func (t *Timeline) SetMaximumSize(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: maximum size %d", ErrInvalidSize, n)
	}

	t.mu.Lock()
	t.opts.maximumSize = n
	drop := t.enforceBoundLocked()
	t.mu.Unlock()

	releaseAll(drop)
	t.opts.logger.Info("timeline: maximum size changed", "maximum_size", n, "evicted", len(drop))
	return nil
}

// GetMaximumSize returns the configured maximum size.
func (t *Timeline) GetMaximumSize() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.opts.maximumSize
}

// Len returns the number of entries.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// Timestamps returns every key in ascending order.
func (t *Timeline) Timestamps() []Timestamp {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Timestamp, 0, t.tree.Len())
	t.tree.Ascend(func(e entry) bool {
		out = append(out, e.ts)
		return true
	})
	return out
}

// DeepCopy replaces t's content with private copies of every entry of src
// and adopts src's maximum size and eviction policy. The copies are heap
// allocated and share no memory with src.
func (t *Timeline) DeepCopy(src *Timeline) {
	if src == t {
		return
	}

	src.mu.RLock()
	maxSize, eviction := src.opts.maximumSize, src.opts.eviction
	snapshot := make([]entry, 0, src.tree.Len())
	src.tree.Ascend(func(e entry) bool {
		e.obj.Retain()
		snapshot = append(snapshot, e)
		return true
	})
	src.mu.RUnlock()

	copies := make([]entry, len(snapshot))
	for i, e := range snapshot {
		c := Clone(e.obj)
		c.base().publish()
		copies[i] = entry{ts: e.ts, obj: c}
		e.obj.Release()
	}

	t.mu.Lock()
	drop := t.drainLocked()
	t.opts.maximumSize = maxSize
	t.opts.eviction = eviction
	for _, e := range copies {
		t.tree.ReplaceOrInsert(e)
	}
	t.watch.emit(Event{Kind: Cleared})
	t.mu.Unlock()

	releaseAll(drop)
}

// Watch subscribes to mutation events. Events that do not fit in the
// channel buffer are dropped rather than blocking the mutation. The returned
// function unsubscribes and closes the channel.
func (t *Timeline) Watch(buffer int) (<-chan Event, func()) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	return t.watch.add(buffer)
}

// Stats returns a snapshot of the timeline counters.
func (t *Timeline) Stats() Stats {
	t.mu.RLock()
	n, maxSize := t.tree.Len(), t.opts.maximumSize
	t.mu.RUnlock()

	ps := t.pool.Stats()
	return Stats{
		Len:           n,
		MaximumSize:   maxSize,
		Pushed:        t.pushed.Load(),
		Replaced:      t.replaced.Load(),
		Evicted:       t.evicted.Load(),
		Popped:        t.popped.Load(),
		DroppedEvents: t.watch.dropped.Load(),
		Pool: PoolStats{
			BlockSize:  ps.BlockSize,
			BlockCount: ps.BlockCount,
			InUse:      ps.InUse,
			Hits:       ps.Hits,
			Fallbacks:  ps.Fallbacks,
		},
	}
}

// Close releases every entry, closes watch channels and the pool. Objects
// still referenced by consumers stay valid until they are released. Close is
// idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	drop := t.drainLocked()
	t.watch.closeAll()
	t.mu.Unlock()

	releaseAll(drop)
	return t.pool.Close()
}

func releaseAll(objs []Object) {
	for _, o := range objs {
		o.Release()
	}
}
