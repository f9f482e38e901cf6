package timeline

import (
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helper Functions ---

func newTestTimeline(t *testing.T, opts ...Option) *Timeline {
	t.Helper()
	tl := New(opts...)
	t.Cleanup(func() { _ = tl.Close() })
	return tl
}

// pushAt pushes an 8-byte buffer whose payload encodes its timestamp.
func pushAt(tl *Timeline, ts Timestamp) {
	b := NewBuffer(ts, 8)
	binary.LittleEndian.PutUint64(b.Bytes(), uint64(ts))
	tl.PushObject(b)
}

func payloadOf(o Object) uint64 {
	return binary.LittleEndian.Uint64(o.Bytes())
}

func timestampsOf(objs []Object) []Timestamp {
	out := make([]Timestamp, len(objs))
	for i, o := range objs {
		out[i] = o.Timestamp()
	}
	return out
}

// waitForCondition waits until a condition is met or a timeout occurs.
func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

// --- Tests ---

func TestNewWithOptions(t *testing.T) {
	tl := newTestTimeline(t)
	assert.Equal(t, DefaultMaximumSize, tl.GetMaximumSize())
	assert.Zero(t, tl.Len())

	tl = newTestTimeline(t, WithMaximumSize(7), WithEvictionPolicy(EvictClosest), WithMaximumSize(0))
	assert.Equal(t, 7, tl.GetMaximumSize(), "a non-positive size must be ignored")
	assert.Equal(t, EvictClosest, tl.opts.eviction)
}

func TestPushEvictsOldest(t *testing.T) {
	tl := newTestTimeline(t, WithMaximumSize(3))
	for _, ts := range []Timestamp{10, 20, 30, 40} {
		pushAt(tl, ts)
	}

	assert.Equal(t, []Timestamp{20, 30, 40}, tl.Timestamps())
	assert.Nil(t, tl.GetObject(10))

	st := tl.Stats()
	assert.Equal(t, 3, st.Len)
	assert.Equal(t, uint64(4), st.Pushed)
	assert.Equal(t, uint64(1), st.Evicted)
}

func TestPushOutOfOrder(t *testing.T) {
	tl := newTestTimeline(t, WithMaximumSize(3))
	for _, ts := range []Timestamp{30, 10, 40, 20} {
		pushAt(tl, ts)
	}
	assert.Equal(t, []Timestamp{20, 30, 40}, tl.Timestamps())
}

func TestPushReplacesSameTimestamp(t *testing.T) {
	tl := newTestTimeline(t)

	first := NewBuffer(10, 1)
	first.Bytes()[0] = 'a'
	first.Retain()
	tl.PushObject(first)

	second := NewBuffer(10, 1)
	second.Bytes()[0] = 'b'
	tl.PushObject(second)

	assert.Equal(t, 1, tl.Len())
	assert.Equal(t, int32(1), first.refs.Load(), "the replaced entry must drop its reference")
	first.Release()

	got := tl.GetObject(10)
	require.NotNil(t, got)
	defer got.Release()
	assert.Equal(t, byte('b'), got.Bytes()[0])
	assert.Equal(t, uint64(1), tl.Stats().Replaced)
}

func TestSetObjectRekeys(t *testing.T) {
	tl := newTestTimeline(t)
	tl.SetObject(50, NewBuffer(1, 4))

	assert.Nil(t, tl.GetObject(1))
	got := tl.GetObject(50)
	require.NotNil(t, got)
	defer got.Release()
	assert.Equal(t, Timestamp(50), got.Timestamp())
	assert.True(t, got.Published())
}

func TestGetClosestObject(t *testing.T) {
	tl := newTestTimeline(t)
	assert.Nil(t, tl.GetClosestObject(15, Both), "empty timeline")

	pushAt(tl, 10)
	pushAt(tl, 20)

	cases := []struct {
		name string
		ts   Timestamp
		dir  Direction
		want Timestamp
		none bool
	}{
		{name: "tie resolves to past", ts: 15, dir: Both, want: 10},
		{name: "nearer future", ts: 16, dir: Both, want: 20},
		{name: "nearer past", ts: 14, dir: Both, want: 10},
		{name: "exact both", ts: 20, dir: Both, want: 20},
		{name: "before all both", ts: 5, dir: Both, want: 10},
		{name: "after all both", ts: 25, dir: Both, want: 20},
		{name: "past", ts: 15, dir: Past, want: 10},
		{name: "past inclusive", ts: 20, dir: Past, want: 20},
		{name: "past before all", ts: 5, dir: Past, none: true},
		{name: "future", ts: 15, dir: Future, want: 20},
		{name: "future inclusive", ts: 10, dir: Future, want: 10},
		{name: "future after all", ts: 25, dir: Future, none: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := tl.GetClosestObject(tc.ts, tc.dir)
			if tc.none {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			defer got.Release()
			assert.Equal(t, tc.want, got.Timestamp())
		})
	}
}

func TestGetObjects(t *testing.T) {
	tl := newTestTimeline(t)
	for ts := Timestamp(10); ts <= 50; ts += 10 {
		pushAt(tl, ts)
	}

	got := tl.GetObjects(15, 40)
	assert.Equal(t, []Timestamp{20, 30, 40}, timestampsOf(got))
	releaseAll(got)

	got = tl.GetObjects(10, 10)
	assert.Equal(t, []Timestamp{10}, timestampsOf(got))
	releaseAll(got)

	assert.Empty(t, tl.GetObjects(41, 49))
	assert.Nil(t, tl.GetObjects(40, 20))
}

func TestNewerAndOldest(t *testing.T) {
	tl := newTestTimeline(t)

	_, ok := tl.GetNewerTimestamp()
	assert.False(t, ok)
	_, ok = tl.GetOldestTimestamp()
	assert.False(t, ok)
	assert.Nil(t, tl.GetNewerObject())

	pushAt(tl, 30)
	pushAt(tl, 10)
	pushAt(tl, 20)

	newest, ok := tl.GetNewerTimestamp()
	require.True(t, ok)
	assert.Equal(t, Timestamp(30), newest)

	oldest, ok := tl.GetOldestTimestamp()
	require.True(t, ok)
	assert.Equal(t, Timestamp(10), oldest)

	o := tl.GetNewerObject()
	require.NotNil(t, o)
	assert.Equal(t, uint64(30), payloadOf(o))
	o.Release()
}

func TestPopObject(t *testing.T) {
	tl := newTestTimeline(t)
	pushAt(tl, 10)

	o := tl.PopObject(10)
	require.NotNil(t, o)
	assert.Equal(t, int32(1), o.base().refs.Load(), "pop hands over the timeline reference")
	assert.Equal(t, uint64(10), payloadOf(o))
	o.Release()

	assert.Nil(t, tl.GetObject(10))
	assert.Nil(t, tl.PopObject(10))
	assert.Equal(t, uint64(1), tl.Stats().Popped)
}

func TestModifyTime(t *testing.T) {
	tl := newTestTimeline(t)
	pushAt(tl, 5)

	tl.ModifyTime(5, 50)
	assert.Nil(t, tl.GetObject(5))
	o := tl.GetObject(50)
	require.NotNil(t, o)
	assert.Equal(t, Timestamp(50), o.Timestamp())
	assert.Equal(t, uint64(5), payloadOf(o), "the payload moves with the entry")
	o.Release()

	t.Run("missing entry is a no-op", func(t *testing.T) {
		tl.ModifyTime(99, 100)
		assert.Equal(t, []Timestamp{50}, tl.Timestamps())
	})

	t.Run("collision replaces the target", func(t *testing.T) {
		pushAt(tl, 60)
		tl.ModifyTime(50, 60)
		assert.Equal(t, []Timestamp{60}, tl.Timestamps())
		o := tl.GetObject(60)
		require.NotNil(t, o)
		assert.Equal(t, uint64(5), payloadOf(o))
		o.Release()
	})
}

func TestClearTimelineKeepsMaximumSize(t *testing.T) {
	tl := newTestTimeline(t, WithMaximumSize(3))
	pushAt(tl, 1)
	pushAt(tl, 2)

	tl.ClearTimeline()
	assert.Zero(t, tl.Len())
	assert.Equal(t, 3, tl.GetMaximumSize())
	_, ok := tl.GetNewerTimestamp()
	assert.False(t, ok)

	for ts := Timestamp(1); ts <= 5; ts++ {
		pushAt(tl, ts)
	}
	assert.Equal(t, []Timestamp{3, 4, 5}, tl.Timestamps())
}

func TestSetMaximumSize(t *testing.T) {
	tl := newTestTimeline(t)
	for ts := Timestamp(1); ts <= 5; ts++ {
		pushAt(tl, ts)
	}

	require.NoError(t, tl.SetMaximumSize(2))
	assert.Equal(t, []Timestamp{4, 5}, tl.Timestamps())
	assert.Equal(t, 2, tl.GetMaximumSize())

	require.ErrorIs(t, tl.SetMaximumSize(0), ErrInvalidSize)
	assert.Equal(t, 2, tl.GetMaximumSize())
}

func TestEvictClosest(t *testing.T) {
	tl := newTestTimeline(t, WithMaximumSize(3), WithEvictionPolicy(EvictClosest))
	for _, ts := range []Timestamp{0, 10, 11, 30} {
		pushAt(tl, ts)
	}
	assert.Equal(t, []Timestamp{0, 11, 30}, tl.Timestamps())
}

func TestObjectOutlivesEviction(t *testing.T) {
	tl := newTestTimeline(t, WithMaximumSize(1))
	require.NoError(t, tl.ReservePool(8, 2))

	b, err := tl.CreateBuffer(1, 8)
	require.NoError(t, err)
	b.Bytes()[0] = 0xAA
	tl.PushObject(b)

	held := tl.GetObject(1)
	require.NotNil(t, held)

	next, err := tl.CreateBuffer(2, 8)
	require.NoError(t, err)
	tl.PushObject(next)

	assert.Nil(t, tl.GetObject(1), "entry 1 is evicted")
	assert.Equal(t, byte(0xAA), held.Bytes()[0], "a held object stays intact")
	assert.Equal(t, 2, tl.Stats().Pool.InUse)

	held.Release()
	assert.Equal(t, 1, tl.Stats().Pool.InUse)
}

func TestPoolReuse(t *testing.T) {
	tl := newTestTimeline(t)
	require.NoError(t, tl.ReservePool(16, 1))
	require.NoError(t, tl.ReservePool(16, 1))
	require.Error(t, tl.ReservePool(32, 1))

	b, err := tl.CreateBuffer(1, 16)
	require.NoError(t, err)
	tl.PushObject(b)
	tl.ClearTimeline()
	assert.Zero(t, tl.Stats().Pool.InUse)

	b, err = tl.CreateBuffer(2, 16)
	require.NoError(t, err)
	spill, err := tl.CreateBuffer(3, 16)
	require.NoError(t, err)

	st := tl.Stats().Pool
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Fallbacks)
	assert.Equal(t, 16, st.BlockSize)
	assert.Equal(t, 1, st.BlockCount)

	b.Release()
	spill.Release()

	_, err = tl.CreateBuffer(4, 0)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestPushPublishes(t *testing.T) {
	tl := newTestTimeline(t)
	g, err := tl.CreateGenericObject(1, UniformLayout(2, 4))
	require.NoError(t, err)
	require.NoError(t, g.SetElement(0, []byte{1, 2, 3, 4}))
	assert.False(t, g.Published())

	g.Retain()
	tl.PushObject(g)
	defer g.Release()

	assert.True(t, g.Published())
	require.ErrorIs(t, g.SetElement(1, []byte{1, 2, 3, 4}), ErrPublished)
	_, err = g.AddElement(1)
	require.ErrorIs(t, err, ErrPublished)
}

func TestIsObjectValid(t *testing.T) {
	tl := newTestTimeline(t)
	assert.False(t, tl.IsObjectValid(nil))
	assert.True(t, tl.IsObjectValid(NewBuffer(0, 1)))

	sized := newTestTimeline(t, WithValidator(func(o Object) bool { return o.Size() == 4 }))
	assert.True(t, sized.IsObjectValid(NewBuffer(0, 4)))
	assert.False(t, sized.IsObjectValid(NewBuffer(0, 5)))
}

func TestWatch(t *testing.T) {
	tl := newTestTimeline(t, WithMaximumSize(1))
	events, cancel := tl.Watch(16)

	pushAt(tl, 1)
	pushAt(tl, 2)
	tl.ModifyTime(2, 3)
	o := tl.PopObject(3)
	require.NotNil(t, o)
	o.Release()
	tl.ClearTimeline()

	want := []Event{
		{Kind: Pushed, Timestamp: 1},
		{Kind: Pushed, Timestamp: 2},
		{Kind: Evicted, Timestamp: 1},
		{Kind: Modified, Timestamp: 3},
		{Kind: Removed, Timestamp: 3},
		{Kind: Cleared},
	}
	for _, w := range want {
		select {
		case ev := <-events:
			assert.Equal(t, w, ev)
		case <-time.After(time.Second):
			t.Fatalf("missing event %v", w.Kind)
		}
	}

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open, "cancel closes the channel")
}

func TestWatchDropsWhenFull(t *testing.T) {
	tl := newTestTimeline(t)
	events, cancel := tl.Watch(1)
	defer cancel()

	pushAt(tl, 1)
	pushAt(tl, 2)
	pushAt(tl, 3)

	assert.Equal(t, uint64(2), tl.Stats().DroppedEvents)
	ev := <-events
	assert.Equal(t, Timestamp(1), ev.Timestamp)
}

func TestDeepCopyTimeline(t *testing.T) {
	src := newTestTimeline(t, WithMaximumSize(5))
	require.NoError(t, src.ReservePool(8, 4))
	for ts := Timestamp(1); ts <= 3; ts++ {
		g, err := src.CreateGenericObject(ts, UniformLayout(2, 4))
		require.NoError(t, err)
		require.NoError(t, g.SetElement(1, []byte{byte(ts), 0, 0, 0}))
		src.PushObject(g)
	}

	dst := newTestTimeline(t)
	pushAt(dst, 100)
	dst.DeepCopy(src)

	assert.Equal(t, []Timestamp{1, 2, 3}, dst.Timestamps())
	assert.Equal(t, 5, dst.GetMaximumSize())

	a, b := src.GetObject(2), dst.GetObject(2)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.NotSame(t, &a.Bytes()[0], &b.Bytes()[0], "copies share no memory")
	g, ok := AsGeneric(b)
	require.True(t, ok)
	assert.Equal(t, uint64(0b10), g.GetMask())
	a.Release()
	b.Release()

	src.ClearTimeline()
	assert.Equal(t, 3, dst.Len())
	assert.Zero(t, src.Stats().Pool.InUse, "copies never hold source blocks")
}

func TestClose(t *testing.T) {
	tl := New()
	require.NoError(t, tl.ReservePool(8, 2))
	b, err := tl.CreateBuffer(1, 8)
	require.NoError(t, err)
	tl.PushObject(b)
	held := tl.GetObject(1)
	events, _ := tl.Watch(1)

	require.NoError(t, tl.Close())
	require.NoError(t, tl.Close())

	assert.Zero(t, tl.Len())
	_, open := <-events
	assert.False(t, open)

	late := NewBuffer(2, 1)
	late.Retain()
	tl.PushObject(late)
	assert.Equal(t, int32(1), late.refs.Load(), "a push after close only releases")
	assert.Zero(t, tl.Len())

	_, err = tl.CreateBuffer(3, 8)
	require.ErrorIs(t, err, ErrClosed)

	closed, _ := tl.Watch(1)
	_, open = <-closed
	assert.False(t, open)

	held.Release()
	assert.Zero(t, tl.Stats().Pool.InUse)
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	const (
		pushes  = 2000
		readers = 3
		maxSize = 50
	)
	tl := newTestTimeline(t, WithMaximumSize(maxSize))
	require.NoError(t, tl.ReservePool(8, maxSize+readers*8))

	var done atomic.Bool
	var reads atomic.Int64
	var wg sync.WaitGroup

	check := func(o Object) {
		defer o.Release()
		ts := o.Timestamp()
		if ts < 1 || ts > pushes || ts != Timestamp(int(ts)) {
			t.Errorf("read a timestamp that was never pushed: %v", ts)
		}
		if payloadOf(o) != uint64(ts) {
			t.Errorf("payload %d does not belong to %v", payloadOf(o), ts)
		}
		reads.Add(1)
	}

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !done.Load() {
				q := Timestamp(rand.Float64() * pushes)
				if o := tl.GetClosestObject(q, Both); o != nil {
					check(o)
				}
				if o := tl.GetNewerObject(); o != nil {
					check(o)
				}
				for _, o := range tl.GetObjects(q, q+5) {
					check(o)
				}
			}
		}()
	}

	for ts := Timestamp(1); ts <= pushes; ts++ {
		b, err := tl.CreateBuffer(ts, 8)
		require.NoError(t, err)
		binary.LittleEndian.PutUint64(b.Bytes(), uint64(ts))
		tl.PushObject(b)
	}
	waitForCondition(t, func() bool { return reads.Load() > 0 }, 5*time.Second)
	done.Store(true)
	wg.Wait()

	got := tl.Timestamps()
	require.Len(t, got, maxSize)
	assert.Equal(t, Timestamp(pushes-maxSize+1), got[0])
	assert.Equal(t, Timestamp(pushes), got[maxSize-1])
	assert.Equal(t, maxSize, tl.Stats().Pool.InUse)
}
