// Package buffer implements the fixed-capacity message ring that stores
// ingested envelopes and replays them to subscribers.
package buffer

import (
	"errors"
	"sync"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ErrInvalidCapacity is returned by New for capacities below one.
var ErrInvalidCapacity = errors.New("buffer capacity must be at least 1")

// Entry is one stored container together with its logical write index and
// arrival time.
type Entry struct {
	Index     uint64
	Timestamp time.Time
	Container *envelope.Container
}

type slot struct {
	entry Entry
	live  bool
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Buffer) {
		b.logger = logger
	}
}

// WithClock replaces time.Now for arrival timestamps and time window reads.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) {
		b.now = now
	}
}

// WithEvictionCounter sets a counter incremented on every eviction.
func WithEvictionCounter(counter *atomic.Int64) Option {
	return func(b *Buffer) {
		b.evictions = counter
	}
}

// WithRetireHook sets fn to be called whenever the oldest live index advances,
// through eviction or Reset, with the new oldest live index. fn runs with the
// buffer locked and must not call back into the buffer.
func WithRetireHook(fn func(oldest uint64)) Option {
	return func(b *Buffer) {
		b.onRetire = fn
	}
}

// Buffer is a fixed-capacity ring of containers. Writes never block; once the
// ring is full each write evicts the oldest entry. All state is guarded by a
// single mutex; subscriber callbacks run on per-subscriber goroutines and never
// hold it.
type Buffer struct {
	mu sync.Mutex

	capacity   int
	slots      []slot
	writeIndex uint64
	head       uint64 // oldest live index

	subscribers map[string]*subscriber
	closed      bool
	wg          sync.WaitGroup

	// filename -> envelope ids whose error events reference it
	filenames map[string]map[string]struct{}
	// envelope id -> filenames registered for it
	envelopeFiles map[string][]string

	now       func() time.Time
	logger    *zap.Logger
	evictions *atomic.Int64
	onRetire  func(oldest uint64)
}

// New creates a buffer holding at most capacity entries.
func New(capacity int, opts ...Option) (*Buffer, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	b := &Buffer{
		capacity:      capacity,
		slots:         make([]slot, capacity),
		subscribers:   make(map[string]*subscriber),
		filenames:     make(map[string]map[string]struct{}),
		envelopeFiles: make(map[string][]string),
		now:           time.Now,
		logger:        zap.NewNop(),
		evictions:     atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Put appends c, evicting the oldest entry when the ring is full, and wakes
// every subscriber. The container is parsed before the lock is taken so that
// its stack frame filenames can be indexed.
func (b *Buffer) Put(c *envelope.Container) Entry {
	files := filenamesOf(c)
	envelopeID := c.EnvelopeID()

	b.mu.Lock()
	defer b.mu.Unlock()

	pos := b.writeIndex % uint64(b.capacity)
	if b.writeIndex-b.head >= uint64(b.capacity) {
		b.evict(b.slots[pos])
		b.head++
		b.retire()
	}

	entry := Entry{
		Index:     b.writeIndex,
		Timestamp: b.now(),
		Container: c,
	}
	b.slots[pos] = slot{entry: entry, live: true}
	b.writeIndex++

	if envelopeID != "" && len(files) > 0 {
		b.index(envelopeID, files)
	}

	for _, sub := range b.subscribers {
		sub.wake()
	}

	return entry
}

func (b *Buffer) evict(s slot) {
	if !s.live {
		return
	}
	if id := s.entry.Container.EnvelopeID(); id != "" {
		b.unindex(id)
	}
	b.evictions.Inc()
	b.logger.Debug("Evicting entry from buffer due to capacity limit",
		zap.Uint64("index", s.entry.Index),
		zap.Object("container", s.entry.Container),
		zap.Duration("age", b.now().Sub(s.entry.Timestamp)))
}

func (b *Buffer) retire() {
	if b.onRetire != nil {
		b.onRetire(b.head)
	}
}

// Read returns the live entries matching f, newest first.
func (b *Buffer) Read(f Filter) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids map[string]struct{}
	if f.Filename != "" && !f.All {
		ids = b.filenames[f.Filename]
		if len(ids) == 0 {
			return []Entry{}
		}
	}

	now := b.now()
	entries := make([]Entry, 0, b.writeIndex-b.head)
	for i := b.writeIndex; i > b.head; i-- {
		entry := b.slots[(i-1)%uint64(b.capacity)].entry
		if !f.match(entry, now, ids) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

// Clear drops every entry and rewinds the write sequence to zero. Subscriber
// cursors move to the new, empty head.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropSlots()
	b.writeIndex = 0
	b.head = 0
	for _, sub := range b.subscribers {
		sub.cursor = 0
	}
	b.logger.Debug("Buffer cleared")
}

// Reset drops every entry but keeps the write sequence, so subscriber cursors
// stay continuous and only entries written afterwards are delivered.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dropSlots()
	b.head = b.writeIndex
	b.retire()
	b.logger.Debug("Buffer reset", zap.Uint64("write_index", b.writeIndex))
}

func (b *Buffer) dropSlots() {
	for i := range b.slots {
		b.slots[i] = slot{}
	}
	b.filenames = make(map[string]map[string]struct{})
	b.envelopeFiles = make(map[string][]string)
}

// Len returns the number of live entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.writeIndex - b.head)
}

// Capacity returns the fixed capacity.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// WriteIndex returns the logical index the next Put will use.
func (b *Buffer) WriteIndex() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeIndex
}

// Stats is a point-in-time view of buffer state.
type Stats struct {
	Capacity         int
	Len              int
	WriteIndex       uint64
	OldestIndex      uint64
	Subscribers      int
	Evictions        int64
	IndexedFilenames int
}

// Stats returns current counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Capacity:         b.capacity,
		Len:              int(b.writeIndex - b.head),
		WriteIndex:       b.writeIndex,
		OldestIndex:      b.head,
		Subscribers:      len(b.subscribers),
		Evictions:        b.evictions.Load(),
		IndexedFilenames: len(b.filenames),
	}
}
