package timeline

import (
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferReferenceCounting(t *testing.T) {
	var freed int
	b := NewBufferFrom(1, []byte("frame"), func(data []byte) {
		assert.Equal(t, []byte("frame"), data)
		freed++
	})

	b.Retain()
	b.Release()
	assert.Zero(t, freed)
	b.Release()
	assert.Equal(t, 1, freed)

	assert.Panics(t, func() { b.Release() })
}

func TestBufferDigest(t *testing.T) {
	b := NewBuffer(0, 4)
	copy(b.Bytes(), "abcd")
	assert.Equal(t, xxhash.Sum64String("abcd"), b.Digest())

	before := b.Digest()
	b.Bytes()[0] = 'z'
	assert.NotEqual(t, before, b.Digest())
}

func TestBufferDeepCopy(t *testing.T) {
	src := NewBuffer(7, 3)
	copy(src.Bytes(), "xyz")

	dst := NewBuffer(0, 1)
	require.NoError(t, dst.DeepCopy(src))
	assert.Equal(t, Timestamp(7), dst.Timestamp())
	assert.Equal(t, []byte("xyz"), dst.Bytes())

	src.Bytes()[0] = 'a'
	assert.Equal(t, byte('x'), dst.Bytes()[0])

	require.NoError(t, dst.DeepCopy(dst))

	dst.publish()
	require.ErrorIs(t, dst.DeepCopy(src), ErrPublished)
}

func TestBufferDeepCopyFromGeneric(t *testing.T) {
	g, err := NewGenericObject(5, 2, 2)
	require.NoError(t, err)
	require.NoError(t, g.SetElement(0, []byte{1, 2}))

	b := NewBuffer(0, 4)
	require.NoError(t, b.DeepCopy(g))
	assert.Equal(t, []byte{1, 2, 0, 0}, b.Bytes())
}

func TestCloneBuffer(t *testing.T) {
	tl := newTestTimeline(t)
	require.NoError(t, tl.ReservePool(4, 1))
	b, err := tl.CreateBuffer(9, 4)
	require.NoError(t, err)
	copy(b.Bytes(), "data")
	tl.PushObject(b)

	o := tl.GetObject(9)
	require.NotNil(t, o)
	c := Clone(o)
	o.Release()
	tl.ClearTimeline()

	assert.Zero(t, tl.Stats().Pool.InUse, "a clone does not pin the pool block")
	assert.Equal(t, []byte("data"), c.Bytes())
	assert.Equal(t, Timestamp(9), c.Timestamp())
	assert.False(t, c.Published())
	c.Release()
}

func TestTimestampConversions(t *testing.T) {
	assert.Equal(t, Timestamp(1.5), Milliseconds(1500*time.Microsecond))
	assert.Equal(t, 2500*time.Microsecond, Timestamp(2.5).Duration())

	a := Now()
	b := MonotonicClock.Now()
	assert.LessOrEqual(t, a, b)

	fixed := ClockFunc(func() Timestamp { return 42 })
	assert.Equal(t, Timestamp(42), fixed.Now())
}
