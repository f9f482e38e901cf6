package timeline

import (
	"sync"
	"sync/atomic"
)

// EventKind identifies a timeline mutation.
type EventKind int

const (
	// Pushed is sent for PushObject and SetObject.
	Pushed EventKind = iota
	// Removed is sent for PopObject.
	Removed
	// Evicted is sent for every entry dropped by the size bound.
	Evicted
	// Modified is sent by ModifyTime with the new timestamp.
	Modified
	// Cleared is sent by ClearTimeline.
	Cleared
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case Pushed:
		return "pushed"
	case Removed:
		return "removed"
	case Evicted:
		return "evicted"
	case Modified:
		return "modified"
	case Cleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// Event describes one timeline mutation.
type Event struct {
	Kind      EventKind
	Timestamp Timestamp
}

// watchers fans events out to subscribers without ever blocking the
// mutating goroutine; a full subscriber channel drops the event.
type watchers struct {
	mu      sync.Mutex
	next    int
	subs    map[int]chan Event
	dropped atomic.Uint64
}

func (w *watchers) add(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	w.mu.Lock()
	if w.subs == nil {
		w.subs = make(map[int]chan Event)
	}
	id := w.next
	w.next++
	w.subs[id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			if _, ok := w.subs[id]; ok {
				delete(w.subs, id)
				close(ch)
			}
			w.mu.Unlock()
		})
	}
}

func (w *watchers) emit(ev Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			w.dropped.Add(1)
		}
	}
}

func (w *watchers) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, ch := range w.subs {
		delete(w.subs, id)
		close(ch)
	}
}
