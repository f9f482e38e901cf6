// Package recorder persists published timeline snapshots to SQLite and
// replays them into a timeline.
//
// A recording is keyed by run and timestamp. Recording a snapshot at a
// timestamp that already exists in the run replaces it, which mirrors the
// timeline's own replace-on-push rule.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/jonoton/go-timeline"
)

const (
	// KindBuffer marks a raw buffer snapshot.
	KindBuffer = "buffer"
	// KindGeneric marks a generic object snapshot with layout and mask.
	KindGeneric = "generic"
)

var (
	// ErrCorrupt indicates a stored payload whose digest no longer matches.
	ErrCorrupt = errors.New("recorder: payload digest mismatch")

	// ErrUnknownKind indicates a row written by an incompatible version.
	ErrUnknownKind = errors.New("recorder: unknown snapshot kind")
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	run_id      TEXT    NOT NULL,
	ts          REAL    NOT NULL,
	kind        TEXT    NOT NULL,
	size        INTEGER NOT NULL,
	mask        INTEGER NOT NULL DEFAULT 0,
	present     INTEGER NOT NULL DEFAULT 0,
	layout      TEXT,
	digest      TEXT    NOT NULL,
	payload     BLOB,
	recorded_at INTEGER NOT NULL,
	PRIMARY KEY (run_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_snapshots_recorded ON snapshots (run_id, recorded_at);
`

// Snapshot describes one stored entry without its payload.
type Snapshot struct {
	Timestamp timeline.Timestamp `json:"ts"`
	Kind      string             `json:"kind"`
	Size      int                `json:"size"`
	Mask      uint64             `json:"mask,omitempty"`
	Present   int                `json:"present,omitempty"`
	Layout    timeline.Layout    `json:"layout,omitempty"`
	Digest    string             `json:"digest"`
}

// Run summarizes one recording.
type Run struct {
	ID    string             `json:"id"`
	Count int                `json:"count"`
	First timeline.Timestamp `json:"first"`
	Last  timeline.Timestamp `json:"last"`
}

type options struct {
	logger *slog.Logger
}

// Option configures a Recorder.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Recorder writes snapshots to a SQLite database. It is safe for concurrent
// use.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger

	recorded atomic.Uint64
	missed   atomic.Uint64
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Recorder, error) {
	cfg := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under Follow.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: schema: %w", err)
	}

	cfg.logger.Info("recorder: opened", "path", path)
	return &Recorder{db: db, logger: cfg.logger}, nil
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record stores o under runID, replacing any snapshot at the same timestamp.
func (r *Recorder) Record(ctx context.Context, runID string, o timeline.Object) error {
	kind := KindBuffer
	var mask uint64
	var present int
	var layout []byte
	if g, ok := timeline.AsGeneric(o); ok {
		kind = KindGeneric
		mask = g.GetMask()
		present = g.GetPresentElementNum()
		var err error
		if layout, err = sonnet.Marshal(g.Layout()); err != nil {
			return fmt.Errorf("recorder: encode layout: %w", err)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots
			(run_id, ts, kind, size, mask, present, layout, digest, payload, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID,
		float64(o.Timestamp()),
		kind,
		o.Size(),
		int64(mask),
		present,
		nullString(layout),
		strconv.FormatUint(o.Digest(), 16),
		o.Bytes(),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("recorder: insert %v: %w", o.Timestamp(), err)
	}
	r.recorded.Add(1)
	return nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// Follow records every entry pushed into tl until ctx is done or tl is
// closed. Entries evicted before they could be read are counted as missed.
func (r *Recorder) Follow(ctx context.Context, runID string, tl *timeline.Timeline) error {
	events, cancel := tl.Watch(1024)
	defer cancel()
	return r.FollowEvents(ctx, runID, tl, events)
}

// FollowEvents is Follow for a subscription the caller already holds, so no
// push between subscribing and following is lost.
func (r *Recorder) FollowEvents(ctx context.Context, runID string, tl *timeline.Timeline, events <-chan timeline.Event) error {
	r.logger.Info("recorder: following timeline", "run_id", runID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind != timeline.Pushed && ev.Kind != timeline.Modified {
				continue
			}
			o := tl.GetObject(ev.Timestamp)
			if o == nil {
				r.missed.Add(1)
				continue
			}
			err := r.Record(ctx, runID, o)
			o.Release()
			if err != nil {
				return err
			}
		}
	}
}

// Counts returns the number of recorded and missed snapshots.
func (r *Recorder) Counts() (recorded, missed uint64) {
	return r.recorded.Load(), r.missed.Load()
}

// Snapshots lists the snapshots of runID in timestamp order.
func (r *Recorder) Snapshots(ctx context.Context, runID string) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, kind, size, mask, present, layout, digest
		FROM snapshots WHERE run_id = ? ORDER BY ts`, runID)
	if err != nil {
		return nil, fmt.Errorf("recorder: query %s: %w", runID, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		var ts float64
		var mask int64
		var layout sql.NullString
		if err := rows.Scan(&ts, &s.Kind, &s.Size, &mask, &s.Present, &layout, &s.Digest); err != nil {
			return nil, fmt.Errorf("recorder: scan: %w", err)
		}
		s.Timestamp = timeline.Timestamp(ts)
		s.Mask = uint64(mask)
		if layout.Valid {
			if err := sonnet.Unmarshal([]byte(layout.String), &s.Layout); err != nil {
				return nil, fmt.Errorf("recorder: decode layout at %v: %w", ts, err)
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Load pushes every snapshot of runID into tl in timestamp order and returns
// how many were loaded. Each payload is verified against its digest.
func (r *Recorder) Load(ctx context.Context, runID string, tl *timeline.Timeline) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ts, kind, mask, layout, digest, payload
		FROM snapshots WHERE run_id = ? ORDER BY ts`, runID)
	if err != nil {
		return 0, fmt.Errorf("recorder: query %s: %w", runID, err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			ts      float64
			kind    string
			mask    int64
			layout  sql.NullString
			digest  string
			payload []byte
		)
		if err := rows.Scan(&ts, &kind, &mask, &layout, &digest, &payload); err != nil {
			return n, fmt.Errorf("recorder: scan: %w", err)
		}

		o, err := r.restore(tl, timeline.Timestamp(ts), kind, uint64(mask), layout, payload)
		if err != nil {
			return n, err
		}
		if got := strconv.FormatUint(o.Digest(), 16); got != digest {
			o.Release()
			return n, fmt.Errorf("%w: at %v", ErrCorrupt, ts)
		}
		tl.PushObject(o)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	r.logger.Info("recorder: run loaded", "run_id", runID, "snapshots", n)
	return n, nil
}

func (r *Recorder) restore(tl *timeline.Timeline, ts timeline.Timestamp, kind string, mask uint64, layout sql.NullString, payload []byte) (timeline.Object, error) {
	switch kind {
	case KindBuffer:
		if len(payload) == 0 {
			return timeline.NewBuffer(ts, 0), nil
		}
		b, err := tl.CreateBuffer(ts, len(payload))
		if err != nil {
			return nil, err
		}
		copy(b.Bytes(), payload)
		return b, nil

	case KindGeneric:
		var l timeline.Layout
		if layout.Valid {
			if err := sonnet.Unmarshal([]byte(layout.String), &l); err != nil {
				return nil, fmt.Errorf("recorder: decode layout at %v: %w", ts, err)
			}
		}
		g, err := tl.CreateGenericObject(ts, l)
		if err != nil {
			return nil, err
		}
		if len(payload) != g.Size() {
			g.Release()
			return nil, fmt.Errorf("%w: at %v payload is %d bytes, layout needs %d", ErrCorrupt, ts, len(payload), g.Size())
		}
		copy(g.Bytes(), payload)
		for m := mask; m != 0; m &= m - 1 {
			if _, err := g.AddElement(bits.TrailingZeros64(m)); err != nil {
				g.Release()
				return nil, fmt.Errorf("%w: at %v: %v", ErrCorrupt, ts, err)
			}
		}
		return g, nil

	default:
		return nil, fmt.Errorf("%w: %q at %v", ErrUnknownKind, kind, ts)
	}
}

// Runs lists every recording, oldest first.
func (r *Recorder) Runs(ctx context.Context) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, COUNT(*), MIN(ts), MAX(ts)
		FROM snapshots GROUP BY run_id ORDER BY MIN(recorded_at)`)
	if err != nil {
		return nil, fmt.Errorf("recorder: query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var run Run
		var first, last float64
		if err := rows.Scan(&run.ID, &run.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("recorder: scan: %w", err)
		}
		run.First, run.Last = timeline.Timestamp(first), timeline.Timestamp(last)
		out = append(out, run)
	}
	return out, rows.Err()
}
