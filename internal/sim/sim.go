// Package sim drives a timeline with one producer and several readers and
// checks every read against what was actually pushed.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonoton/go-timeline"
	"github.com/jonoton/go-timeline/recorder"
)

// Config describes one simulation run.
type Config struct {
	Iterations  int
	Interval    time.Duration // Pause between pushes. Zero pushes flat out.
	Readers     int
	MaximumSize int
	Elements    int // Slots per object, at most timeline.MaxElements
	ElementSize int // Bytes per slot, at least 8

	Clock    timeline.Clock
	Recorder *recorder.Recorder // Optional; records every push under RunID
	RunID    string
	Logger   *slog.Logger
}

// Report summarizes a finished run.
type Report struct {
	RunID      string        `json:"run_id"`
	Pushed     uint64        `json:"pushed"`
	Reads      uint64        `json:"reads"`
	EmptyReads uint64        `json:"empty_reads"`
	Violations uint64        `json:"violations"`
	Evicted    uint64        `json:"evicted"`
	Retained   int           `json:"retained"`
	PoolHits   uint64        `json:"pool_hits"`
	Fallbacks  uint64        `json:"pool_fallbacks"`
	Recorded   uint64        `json:"recorded"`
	Missed     uint64        `json:"missed"`
	Duration   time.Duration `json:"duration"`
}

// ErrInvalidConfig indicates a configuration Run cannot execute.
var ErrInvalidConfig = errors.New("sim: invalid config")

func (c *Config) validate() error {
	switch {
	case c.Iterations < 1:
		return fmt.Errorf("%w: iterations %d", ErrInvalidConfig, c.Iterations)
	case c.Readers < 0:
		return fmt.Errorf("%w: readers %d", ErrInvalidConfig, c.Readers)
	case c.Elements < 1 || c.Elements > timeline.MaxElements:
		return fmt.Errorf("%w: elements %d", ErrInvalidConfig, c.Elements)
	case c.ElementSize < 8:
		return fmt.Errorf("%w: element size %d", ErrInvalidConfig, c.ElementSize)
	}
	if c.MaximumSize < 1 {
		c.MaximumSize = timeline.DefaultMaximumSize
	}
	if c.Clock == nil {
		c.Clock = timeline.MonotonicClock
	}
	if c.RunID == "" {
		c.RunID = recorder.NewRunID()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nil
}

// ledger remembers the digest of every pushed timestamp.
type ledger struct {
	mu      sync.RWMutex
	digests map[timeline.Timestamp]uint64
}

func (l *ledger) add(ts timeline.Timestamp, digest uint64) {
	l.mu.Lock()
	l.digests[ts] = digest
	l.mu.Unlock()
}

func (l *ledger) check(o timeline.Object) bool {
	l.mu.RLock()
	want, ok := l.digests[o.Timestamp()]
	l.mu.RUnlock()
	return ok && want == o.Digest()
}

type runner struct {
	cfg    Config
	tl     *timeline.Timeline
	layout timeline.Layout
	ledger ledger

	reads      atomic.Uint64
	emptyReads atomic.Uint64
	violations atomic.Uint64
}

// Run executes cfg and reports what happened. It returns early with ctx's
// error if ctx is cancelled.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if err := cfg.validate(); err != nil {
		return Report{}, err
	}

	r := &runner{
		cfg:    cfg,
		tl:     timeline.New(timeline.WithMaximumSize(cfg.MaximumSize), timeline.WithLogger(cfg.Logger)),
		layout: timeline.UniformLayout(cfg.Elements, cfg.ElementSize),
		ledger: ledger{digests: make(map[timeline.Timestamp]uint64, cfg.Iterations)},
	}
	defer r.tl.Close()

	// Every retained entry, the one being filled, and a few per reader.
	blocks := cfg.MaximumSize + 1 + cfg.Readers*2
	if err := r.tl.ReservePool(r.layout.PayloadSize(), blocks); err != nil {
		return Report{}, err
	}

	cfg.Logger.Info("sim: run started",
		"run_id", cfg.RunID,
		"iterations", cfg.Iterations,
		"readers", cfg.Readers,
		"maximum_size", cfg.MaximumSize)
	start := time.Now()

	var follow sync.WaitGroup
	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	var baseRecorded, baseMissed uint64
	if cfg.Recorder != nil {
		baseRecorded, baseMissed = cfg.Recorder.Counts()
		events, unwatch := r.tl.Watch(1024)
		defer unwatch()
		follow.Add(1)
		go func() {
			defer follow.Done()
			if err := cfg.Recorder.FollowEvents(followCtx, cfg.RunID, r.tl, events); err != nil && !errors.Is(err, context.Canceled) {
				cfg.Logger.Error("sim: recorder stopped", "error", err)
			}
		}()
	}

	var done atomic.Bool
	var readers sync.WaitGroup
	for i := 0; i < cfg.Readers; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			r.read(&done)
		}()
	}

	pushed, err := r.produce(ctx)
	done.Store(true)
	readers.Wait()

	var recorded, missed uint64
	if cfg.Recorder != nil {
		r.drainRecorder(ctx, baseRecorded+baseMissed+pushed)
		stopFollow()
		follow.Wait()
		recorded, missed = cfg.Recorder.Counts()
		recorded -= baseRecorded
		missed -= baseMissed
	}

	st := r.tl.Stats()
	rep := Report{
		RunID:      cfg.RunID,
		Pushed:     pushed,
		Reads:      r.reads.Load(),
		EmptyReads: r.emptyReads.Load(),
		Violations: r.violations.Load(),
		Evicted:    st.Evicted,
		Retained:   st.Len,
		PoolHits:   st.Pool.Hits,
		Fallbacks:  st.Pool.Fallbacks,
		Recorded:   recorded,
		Missed:     missed,
		Duration:   time.Since(start),
	}
	cfg.Logger.Info("sim: run finished",
		"run_id", rep.RunID,
		"pushed", rep.Pushed,
		"reads", rep.Reads,
		"violations", rep.Violations,
		"duration", rep.Duration)
	return rep, err
}

func (r *runner) produce(ctx context.Context) (uint64, error) {
	var pushed uint64
	var last timeline.Timestamp
	for i := 0; i < r.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return pushed, err
		}

		ts := r.cfg.Clock.Now()
		if i > 0 && ts <= last {
			ts = last + 0.001
		}
		last = ts

		g, err := r.tl.CreateGenericObject(ts, r.layout)
		if err != nil {
			return pushed, fmt.Errorf("sim: create object %d: %w", i, err)
		}
		for e := 0; e < r.cfg.Elements; e++ {
			// Leave every third slot out so presence is exercised.
			if (i+e)%3 == 0 {
				continue
			}
			mem, err := g.AddElement(e)
			if err != nil {
				g.Release()
				return pushed, err
			}
			binary.LittleEndian.PutUint32(mem, uint32(i))
			binary.LittleEndian.PutUint32(mem[4:], uint32(e))
		}
		r.ledger.add(ts, g.Digest())
		r.tl.PushObject(g)
		pushed++

		if r.cfg.Interval > 0 {
			select {
			case <-ctx.Done():
				return pushed, ctx.Err()
			case <-time.After(r.cfg.Interval):
			}
		}
	}
	return pushed, nil
}

func (r *runner) read(done *atomic.Bool) {
	for !done.Load() {
		r.verify(r.tl.GetClosestObject(r.cfg.Clock.Now(), timeline.Both))
		r.verify(r.tl.GetNewerObject())
	}
}

func (r *runner) verify(o timeline.Object) {
	if o == nil {
		r.emptyReads.Add(1)
		return
	}
	defer o.Release()
	r.reads.Add(1)
	if !r.ledger.check(o) {
		r.violations.Add(1)
		r.cfg.Logger.Warn("sim: read does not match any push", "timestamp", float64(o.Timestamp()))
	}
}

// drainRecorder waits until the recorder has accounted for target pushes,
// counting events the watch channel dropped, or until ctx is done.
func (r *runner) drainRecorder(ctx context.Context, target uint64) {
	for {
		recorded, missed := r.cfg.Recorder.Counts()
		if recorded+missed+r.tl.Stats().DroppedEvents >= target {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Millisecond):
		}
	}
}
