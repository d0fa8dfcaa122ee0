package buffer

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Callback receives entries in write order.
type Callback func(Entry)

type subscriber struct {
	id       string
	cursor   uint64
	callback Callback

	// notify has capacity one: any number of wakeups between two drains
	// collapse into a single pending signal.
	notify chan struct{}
	done   chan struct{}

	// deliverMu is held from the cancellation check through the callback,
	// so Unsubscribe can wait out a delivery in progress.
	deliverMu sync.Mutex

	// goroutine running the callbacks, 0 until it starts
	goid atomic.Uint64
}

func (s *subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Subscribe registers callback and returns the subscriber id. If resumeID is
// the envelope id of a live entry, delivery starts right after that entry;
// otherwise it starts at the oldest live entry. The backlog is delivered
// asynchronously. Subscribe returns "" once the buffer is closed.
func (b *Buffer) Subscribe(callback Callback, resumeID string) string {
	sub := &subscriber{
		id:       uuid.NewString(),
		callback: callback,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}

	sub.cursor = b.head
	resumed := false
	if resumeID != "" {
		for i := b.writeIndex; i > b.head; i-- {
			entry := b.slots[(i-1)%uint64(b.capacity)].entry
			if entry.Container.EnvelopeID() == resumeID {
				sub.cursor = i
				resumed = true
				break
			}
		}
	}

	b.subscribers[sub.id] = sub
	b.wg.Add(1)
	sub.wake()
	backlog := b.writeIndex - sub.cursor
	b.mu.Unlock()

	b.logger.Debug("Subscriber registered",
		zap.String("subscriber_id", sub.id),
		zap.Bool("resumed", resumed),
		zap.Uint64("backlog", backlog))

	go b.run(sub)
	return sub.id
}

// Unsubscribe removes the subscriber. Pending deliveries are dropped and a
// callback already running is waited for: once Unsubscribe returns the
// callback is not running and will not be called again. A callback may
// unsubscribe itself; that call returns without waiting. Unknown ids are
// ignored.
func (b *Buffer) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.subscribers, id)
	close(sub.done)
	b.mu.Unlock()

	b.logger.Debug("Subscriber removed", zap.String("subscriber_id", id))

	if sub.deliverMu.TryLock() {
		sub.deliverMu.Unlock()
		return
	}
	if sub.goid.Load() == currentGoroutine() {
		return
	}
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock()
}

// Close removes every subscriber and waits for their goroutines to exit.
// It must not be called from a callback.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.done)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Buffer) run(sub *subscriber) {
	defer b.wg.Done()
	sub.goid.Store(currentGoroutine())
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
			b.drain(sub)
		}
	}
}

// drain delivers every entry between the subscriber's cursor (or the oldest
// live entry, if the cursor fell behind) and the write index.
func (b *Buffer) drain(sub *subscriber) {
	b.mu.Lock()
	if sub.cancelled() {
		b.mu.Unlock()
		return
	}
	start := sub.cursor
	if start < b.head {
		start = b.head
	}
	var entries []Entry
	if b.writeIndex > start {
		entries = make([]Entry, 0, b.writeIndex-start)
		for i := start; i < b.writeIndex; i++ {
			entries = append(entries, b.slots[i%uint64(b.capacity)].entry)
		}
	}
	sub.cursor = b.writeIndex
	b.mu.Unlock()

	for _, entry := range entries {
		if !sub.deliver(entry) {
			return
		}
	}
}

// deliver runs the callback unless the subscriber was removed. It reports
// whether delivery should continue.
func (s *subscriber) deliver(entry Entry) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.cancelled() {
		return false
	}
	s.callback(entry)
	return true
}

// currentGoroutine returns the id of the calling goroutine, parsed from the
// "goroutine N [" header of its stack trace.
func currentGoroutine() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i >= 0 {
		field = field[:i]
	}
	id, _ := strconv.ParseUint(string(field), 10, 64)
	return id
}
