// Package synchronizer aligns several timelines on a common timestamp.
//
// Each call to Synchronize looks at the newest entry of every populated
// source. The newest of those is the reference; every source whose newest
// entry lies within the tolerance of the reference takes part, and the
// synchronization timestamp is the oldest of their newest entries. This keeps
// the result current while every participating source can still serve it.
// Each participant is then queried for the entry closest to the
// synchronization timestamp minus its own delay.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonoton/go-timeline"
)

// DefaultTolerance is used when New is given a non-positive tolerance.
const DefaultTolerance = 500 * time.Millisecond

var (
	// ErrDuplicateSource indicates an AddSource call with a name already in use.
	ErrDuplicateSource = errors.New("synchronizer: duplicate source")

	// ErrUnknownSource indicates a SetDelay call for a name never added.
	ErrUnknownSource = errors.New("synchronizer: unknown source")
)

// Source is the read side of a timeline. *timeline.Timeline satisfies it.
type Source interface {
	GetNewerTimestamp() (timeline.Timestamp, bool)
	GetClosestObject(ts timeline.Timestamp, dir timeline.Direction) timeline.Object
}

// Result is one synchronized set of objects. Objects holds a reference per
// entry; call Release once done with them.
type Result struct {
	Timestamp timeline.Timestamp
	Objects   map[string]timeline.Object
	// Unsynchronized lists populated sources whose newest entry was outside
	// the tolerance, or that had no entry near the timestamp.
	Unsynchronized []string
}

// Release drops every object reference held by r.
func (r Result) Release() {
	for _, o := range r.Objects {
		o.Release()
	}
}

// Stats counts Synchronize outcomes.
type Stats struct {
	Synced  uint64
	Skipped uint64
}

type options struct {
	logger *slog.Logger
}

// Option configures a Synchronizer.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type source struct {
	name  string
	src   Source
	delay timeline.Timestamp
}

// Synchronizer matches entries across sources. It is safe for concurrent
// use; calls to Synchronize are serialized.
type Synchronizer struct {
	mu        sync.Mutex
	tolerance timeline.Timestamp
	sources   []source
	last      timeline.Timestamp
	hasLast   bool
	stats     Stats
	logger    *slog.Logger
}

// New creates a synchronizer with no sources.
func New(tolerance time.Duration, opts ...Option) *Synchronizer {
	cfg := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Synchronizer{
		tolerance: timeline.Milliseconds(tolerance),
		logger:    cfg.logger,
	}
}

// AddSource registers src under name. delay is subtracted from the
// synchronization timestamp when querying src; negative delays are clamped
// to zero.
func (s *Synchronizer) AddSource(name string, src Source, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(name) >= 0 {
		return fmt.Errorf("%w: %q", ErrDuplicateSource, name)
	}
	s.sources = append(s.sources, source{name: name, src: src, delay: s.clampDelay(name, delay)})
	s.logger.Info("synchronizer: source added", "source", name, "delay", delay)
	return nil
}

// SetDelay changes the delay of a registered source.
func (s *Synchronizer) SetDelay(name string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	s.sources[i].delay = s.clampDelay(name, delay)
	return nil
}

func (s *Synchronizer) clampDelay(name string, delay time.Duration) timeline.Timestamp {
	if delay < 0 {
		s.logger.Warn("synchronizer: negative delay clamped to zero", "source", name, "delay", delay)
		return 0
	}
	return timeline.Milliseconds(delay)
}

func (s *Synchronizer) indexLocked(name string) int {
	return slices.IndexFunc(s.sources, func(src source) bool { return src.name == name })
}

// Reset forgets the last synchronization timestamp, so the next call to
// Synchronize does not skip. Call it after a source timeline was cleared.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.hasLast = false
	s.last = 0
	s.mu.Unlock()
}

// Synchronize computes the next synchronized set. ok is false when no source
// holds data or the synchronization timestamp has not moved since the
// previous call.
func (s *Synchronizer) Synchronize() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type newest struct {
		src *source
		ts  timeline.Timestamp
	}
	populated := make([]newest, 0, len(s.sources))
	var maxTS timeline.Timestamp
	for i := range s.sources {
		ts, ok := s.sources[i].src.GetNewerTimestamp()
		if !ok {
			continue
		}
		if len(populated) == 0 || ts > maxTS {
			maxTS = ts
		}
		populated = append(populated, newest{src: &s.sources[i], ts: ts})
	}
	if len(populated) == 0 {
		s.stats.Skipped++
		s.logger.Debug("synchronizer: skipped, no source holds data")
		return Result{}, false
	}

	syncTS := maxTS
	var participants []*source
	var res Result
	for _, p := range populated {
		if maxTS-p.ts < s.tolerance {
			syncTS = min(syncTS, p.ts)
			participants = append(participants, p.src)
		} else {
			res.Unsynchronized = append(res.Unsynchronized, p.src.name)
		}
	}

	if s.hasLast && s.last == syncTS {
		s.stats.Skipped++
		s.logger.Debug("synchronizer: skipped, timestamp unchanged", "timestamp", float64(syncTS))
		return Result{}, false
	}
	s.last, s.hasLast = syncTS, true

	res.Timestamp = syncTS
	res.Objects = make(map[string]timeline.Object, len(participants))
	for _, p := range participants {
		o := p.src.GetClosestObject(syncTS-p.delay, timeline.Both)
		if o == nil {
			s.logger.Warn("synchronizer: no entry near timestamp",
				"source", p.name, "timestamp", float64(syncTS-p.delay))
			res.Unsynchronized = append(res.Unsynchronized, p.name)
			continue
		}
		res.Objects[p.name] = o
	}
	s.stats.Synced++
	return res, true
}

// Stats returns the outcome counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run calls Synchronize every interval and hands each successful result to
// fn. The result is released after fn returns, so fn must Retain anything it
// keeps. Run returns when ctx is done.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration, fn func(Result)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, ok := s.Synchronize()
			if !ok {
				continue
			}
			fn(res)
			res.Release()
		}
	}
}
