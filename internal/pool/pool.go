// Package pool provides the fixed-block arena used by timelines to carve
// buffer payloads without a heap allocation per push.
//
// A Pool is reserved once with a block size and a block count. Allocate hands
// out zeroed blocks from the arena; when the arena is exhausted, not reserved,
// or the request is larger than a block, the pool falls back to a plain heap
// allocation. Fallback is a performance degradation, not a failure, unless it
// has been disabled with WithHeapFallback(false).
//
// Every arena block carries a generation counter. A Block value remembers the
// generation it was handed out with, so releasing the same Block twice, or a
// Block whose slot has since been recycled, is detected and rejected with
// ErrStaleBlock instead of corrupting the free list.
//
// All methods are safe for concurrent use. The internal mutex is only held for
// the duration of a single call.
package pool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrInvalidSize indicates a non-positive block size, block count or request.
	ErrInvalidSize = errors.New("pool: size must be positive")

	// ErrReserved indicates a second Reserve call with a different geometry.
	ErrReserved = errors.New("pool: already reserved with a different geometry")

	// ErrExhausted indicates that no block is free and heap fallback is disabled.
	ErrExhausted = errors.New("pool: no free block")

	// ErrStaleBlock indicates a release of a block that is not currently allocated.
	ErrStaleBlock = errors.New("pool: stale or already released block")

	// ErrClosed indicates an operation on a closed pool.
	ErrClosed = errors.New("pool: closed")
)

const heapIndex = -1

// Block is a handle to memory obtained from a Pool.
type Block struct {
	data  []byte
	index int32
	gen   uint32
}

// Bytes returns the block memory. The slice must not be used after Release.
func (b Block) Bytes() []byte { return b.data }

// Len returns the usable size of the block.
func (b Block) Len() int { return len(b.data) }

// Pooled reports whether the block lives in the arena (false for heap fallbacks).
func (b Block) Pooled() bool { return b.index != heapIndex }

// Stats is a snapshot of pool usage.
type Stats struct {
	BlockSize  int
	BlockCount int
	InUse      int
	Hits       uint64
	Fallbacks  uint64
	Releases   uint64
	Stale      uint64
}

type slot struct {
	gen   uint32
	inUse bool
}

type options struct {
	heapFallback bool
	logger       *slog.Logger
}

// Option configures a Pool.
type Option func(*options)

// WithHeapFallback enables or disables heap allocation when the arena cannot
// serve a request. Enabled by default.
func WithHeapFallback(enabled bool) Option {
	return func(o *options) {
		o.heapFallback = enabled
	}
}

// WithLogger sets the logger used for reservation and fallback events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Pool is a fixed-block allocator with heap fallback.
type Pool struct {
	mu    sync.Mutex
	opts  options
	arena *arena
	slots []slot
	free  []int32

	blockSize int
	inUse     int
	closed    bool

	hits      uint64
	fallbacks uint64
	releases  uint64
	stale     uint64
}

// New creates an empty pool. Until Reserve is called every allocation is a
// heap fallback.
func New(opts ...Option) *Pool {
	cfg := options{
		heapFallback: true,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pool{opts: cfg}
}

// Reserve pre-allocates an arena of blockCount blocks of blockSize bytes.
// Calling it again with the same geometry is a no-op; any other geometry
// returns ErrReserved.
func (p *Pool) Reserve(blockSize, blockCount int) error {
	if blockSize <= 0 || blockCount <= 0 {
		return fmt.Errorf("%w: block size %d, block count %d", ErrInvalidSize, blockSize, blockCount)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.arena != nil {
		if p.blockSize == blockSize && len(p.slots) == blockCount {
			return nil
		}
		return fmt.Errorf("%w: have %dx%d, want %dx%d",
			ErrReserved, len(p.slots), p.blockSize, blockCount, blockSize)
	}

	a, err := newArena(blockSize * blockCount)
	if err != nil {
		return fmt.Errorf("pool: reserve %d bytes: %w", blockSize*blockCount, err)
	}

	p.arena = a
	p.blockSize = blockSize
	p.slots = make([]slot, blockCount)
	p.free = make([]int32, blockCount)
	// Lowest index on top of the stack.
	for i := range p.free {
		p.free[i] = int32(blockCount - 1 - i)
	}

	p.opts.logger.Info("pool: arena reserved",
		"block_size", blockSize,
		"block_count", blockCount,
		"mmap", a.mapped)
	return nil
}

// Allocate returns a zeroed block of exactly size bytes.
func (p *Pool) Allocate(size int) (Block, error) {
	if size <= 0 {
		return Block{}, fmt.Errorf("%w: request %d", ErrInvalidSize, size)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Block{}, ErrClosed
	}

	if p.arena != nil && size <= p.blockSize && len(p.free) > 0 {
		idx := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		s := &p.slots[idx]
		s.inUse = true
		p.inUse++
		p.hits++
		gen := s.gen
		off := int(idx) * p.blockSize
		data := p.arena.mem[off : off+size : off+size]
		p.mu.Unlock()

		clear(data)
		return Block{data: data, index: idx, gen: gen}, nil
	}

	if !p.opts.heapFallback {
		p.mu.Unlock()
		return Block{}, fmt.Errorf("%w: request %d, block size %d", ErrExhausted, size, p.blockSize)
	}
	p.fallbacks++
	reserved := p.arena != nil
	p.mu.Unlock()

	if reserved {
		p.opts.logger.Debug("pool: heap fallback", "size", size)
	}
	return Block{data: make([]byte, size), index: heapIndex}, nil
}

// Release returns a block to the pool. Heap fallbacks are left to the garbage
// collector.
func (p *Pool) Release(b Block) error {
	if !b.Pooled() {
		p.mu.Lock()
		p.releases++
		p.mu.Unlock()
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if int(b.index) >= len(p.slots) {
		p.stale++
		return fmt.Errorf("%w: index %d", ErrStaleBlock, b.index)
	}
	s := &p.slots[b.index]
	if !s.inUse || s.gen != b.gen {
		p.stale++
		return fmt.Errorf("%w: index %d generation %d", ErrStaleBlock, b.index, b.gen)
	}

	s.inUse = false
	s.gen++
	p.inUse--
	p.releases++
	p.free = append(p.free, b.index)

	if p.closed && p.inUse == 0 {
		p.unmapLocked()
	}
	return nil
}

// Valid reports whether b is still the live allocation of its slot.
func (p *Pool) Valid(b Block) bool {
	if !b.Pooled() {
		return b.data != nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(b.index) >= len(p.slots) {
		return false
	}
	s := p.slots[b.index]
	return s.inUse && s.gen == b.gen
}

// BlockSize returns the reserved block size, or 0 before Reserve.
func (p *Pool) BlockSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blockSize
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		BlockSize:  p.blockSize,
		BlockCount: len(p.slots),
		InUse:      p.inUse,
		Hits:       p.hits,
		Fallbacks:  p.fallbacks,
		Releases:   p.releases,
		Stale:      p.stale,
	}
}

// Close stops further allocations. The arena is freed immediately if no block
// is outstanding, otherwise when the last block is released. Close is
// idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.inUse == 0 {
		return p.unmapLocked()
	}
	p.opts.logger.Debug("pool: close deferred", "outstanding", p.inUse)
	return nil
}

func (p *Pool) unmapLocked() error {
	if p.arena == nil {
		return nil
	}
	err := p.arena.free()
	p.arena = nil
	if err != nil {
		return fmt.Errorf("pool: free arena: %w", err)
	}
	return nil
}
