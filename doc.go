/*
Package timeline provides a thread-safe, bounded, timestamp-ordered store of
immutable data snapshots, shared between a producer and any number of
consumers running on their own goroutines.

A producer creates an object (a raw Buffer or a GenericObject split into up to
64 elements), fills it, and pushes it. From then on the object is published and
read-only. Consumers ask for the snapshot at, before, after or nearest to a
point in time and never block the producer: when the timeline is over its
maximum size the oldest entries are evicted.

Key Features:

  - Ordered Lookups: Exact, closest (Both, Past, Future), newest and range
    queries, all O(log n) on a B-tree keyed by millisecond timestamps.

  - Reference Counting: Every object returned by a query carries a reference
    the caller must Release. An evicted object stays valid until its last
    reader lets go, and only then is its memory recycled.

  - Pooled Memory: ReservePool pre-allocates a fixed-block arena so
    CreateBuffer and CreateGenericObject do not allocate per push. When the
    arena is exhausted buffers silently fall back to the heap.

  - Presence Masks: A GenericObject records which of its elements the
    producer filled, so partial snapshots are explicit.

  - Typed Timelines: GenericTimeline[T] stores fixed-size values of T and
    decodes them on read.

Example: Basic Usage

	tl := timeline.New(timeline.WithMaximumSize(3))
	defer tl.Close()

	b, _ := tl.CreateBuffer(timeline.Now(), 16)
	copy(b.Bytes(), payload)
	tl.PushObject(b) // consumes the reference

	if o := tl.GetClosestObject(timeline.Now(), timeline.Past); o != nil {
		defer o.Release()
		fmt.Println(o.Timestamp(), o.Size())
	}

Example: Elements With Presence

	tl := timeline.New()
	defer tl.Close()
	_ = tl.ReservePool(4*8, 16)

	g, _ := tl.CreateGenericObject(ts, timeline.UniformLayout(4, 8))
	_ = g.SetElement(1, lidar)
	_ = g.SetElement(3, imu)
	tl.PushObject(g)

	o := tl.GetObject(ts)
	defer o.Release()
	for i, data := range o.(*timeline.GenericObject).Present() {
		fmt.Println(i, len(data)) // slots 1 and 3 only
	}

Example: Typed Timeline

	tt, _ := timeline.NewGenericTimeline[float64](3)
	defer tt.Close()

	buf, _ := tt.CreateBuffer(ts)
	_ = buf.SetElement(1.5, 0)
	tt.PushObject(buf)

	if got := tt.GetNewerBuffer(); got != nil {
		v, _ := got.GetElement(0)
		got.Release()
		fmt.Println(v)
	}
*/
package timeline
