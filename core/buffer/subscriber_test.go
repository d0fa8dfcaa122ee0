package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// collector records delivered entries.
type collector struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *collector) add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *collector) values() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return values(c.entries)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

const waitFor = 2 * time.Second

func TestLateSubscriberReceivesBacklog(t *testing.T) {
	b := newBuffer(t, 5)
	for i := 0; i < 3; i++ {
		b.Put(plain(i))
	}

	var got collector
	id := b.Subscribe(got.add, "")
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return got.len() > 3 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"0", "1", "2"}, got.values())
}

func TestSubscriberReceivesLiveWritesInOrder(t *testing.T) {
	b := newBuffer(t, 100)

	var got collector
	b.Subscribe(got.add, "")
	for i := 0; i < 50; i++ {
		b.Put(plain(i))
	}

	require.Eventually(t, func() bool { return got.len() == 50 }, waitFor, 5*time.Millisecond)
	for i, e := range got.entries {
		assert.Equal(t, uint64(i), e.Index)
	}
}

func TestLaggingSubscriberSkipsEvicted(t *testing.T) {
	b := newBuffer(t, 3)

	entered := make(chan struct{})
	release := make(chan struct{})
	var got collector
	var once sync.Once
	b.Subscribe(func(e Entry) {
		got.add(e)
		once.Do(func() {
			close(entered)
			<-release
		})
	}, "")

	b.Put(plain(0))
	<-entered

	// The subscriber is stuck on entry 0 while the ring wraps twice.
	for i := 1; i <= 6; i++ {
		b.Put(plain(i))
	}
	close(release)

	require.Eventually(t, func() bool { return got.len() == 4 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return got.len() > 4 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"0", "4", "5", "6"}, got.values())
}

func TestSubscribeResume(t *testing.T) {
	b := newBuffer(t, 5)
	first := errorEnvelope("a.js")
	second := errorEnvelope("b.js")
	third := errorEnvelope("c.js")
	b.Put(first)
	b.Put(second)
	b.Put(third)

	var resumed collector
	b.Subscribe(resumed.add, second.EnvelopeID())
	require.Eventually(t, func() bool { return resumed.len() == 1 }, waitFor, 5*time.Millisecond)
	assert.Same(t, third, resumed.entries[0].Container)

	var unknown collector
	b.Subscribe(unknown.add, "no-such-envelope")
	require.Eventually(t, func() bool { return unknown.len() == 3 }, waitFor, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBuffer(t, 5)

	var got collector
	id := b.Subscribe(got.add, "")
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.Unsubscribe("unknown")

	b.Put(plain(1))
	assert.Never(t, func() bool { return got.len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestUnsubscribeWaitsForRunningCallback(t *testing.T) {
	b := newBuffer(t, 10)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var once sync.Once
	id := b.Subscribe(func(Entry) {
		calls.Inc()
		once.Do(func() {
			close(entered)
			<-release
		})
	}, "")

	for i := 0; i < 3; i++ {
		b.Put(plain(i))
	}
	<-entered

	returned := make(chan struct{})
	go func() {
		b.Unsubscribe(id)
		close(returned)
	}()
	isClosed := func() bool {
		select {
		case <-returned:
			return true
		default:
			return false
		}
	}
	assert.Never(t, isClosed, 50*time.Millisecond, 5*time.Millisecond, "unsubscribe waits for the callback")

	close(release)
	require.Eventually(t, isClosed, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestNoCallbackAfterUnsubscribeReturns(t *testing.T) {
	b := newBuffer(t, 64)

	for round := 0; round < 50; round++ {
		var stopped atomic.Bool
		var late atomic.Int32
		id := b.Subscribe(func(Entry) {
			if stopped.Load() {
				late.Inc()
			}
		}, "")

		writing := make(chan struct{})
		go func() {
			defer close(writing)
			for i := 0; i < 20; i++ {
				b.Put(plain(i))
			}
		}()
		b.Unsubscribe(id)
		stopped.Store(true)
		<-writing

		time.Sleep(time.Millisecond)
		require.Zero(t, late.Load(), "round %d", round)
	}
}

func TestUnsubscribeFromOwnCallback(t *testing.T) {
	b := newBuffer(t, 10)

	var id atomic.String
	var got collector
	returned := make(chan struct{})
	var once sync.Once
	id.Store(b.Subscribe(func(e Entry) {
		got.add(e)
		b.Unsubscribe(id.Load())
		once.Do(func() { close(returned) })
	}, ""))

	for i := 0; i < 3; i++ {
		b.Put(plain(i))
	}

	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("unsubscribe from inside the callback did not return")
	}
	assert.Never(t, func() bool { return got.len() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestBurstCoalescesWakeups(t *testing.T) {
	b := newBuffer(t, 100)

	entered := make(chan struct{})
	release := make(chan struct{})
	var got collector
	var once sync.Once
	id := b.Subscribe(func(e Entry) {
		got.add(e)
		once.Do(func() {
			close(entered)
			<-release
		})
	}, "")

	b.Put(plain(0))
	<-entered

	for i := 1; i <= 50; i++ {
		b.Put(plain(i))
	}
	b.mu.Lock()
	pending := len(b.subscribers[id].notify)
	b.mu.Unlock()
	assert.Equal(t, 1, pending, "fifty writes leave a single wakeup")

	close(release)
	require.Eventually(t, func() bool { return got.len() == 51 }, waitFor, 5*time.Millisecond)
	for i, e := range got.entries {
		assert.Equal(t, uint64(i), e.Index)
	}

	b.mu.Lock()
	pending = len(b.subscribers[id].notify)
	b.mu.Unlock()
	assert.Zero(t, pending, "one drain consumed the whole burst")
}

func TestClearRewindsSubscribers(t *testing.T) {
	b := newBuffer(t, 5)
	var got collector
	b.Subscribe(got.add, "")

	b.Put(plain(1))
	b.Put(plain(2))
	require.Eventually(t, func() bool { return got.len() == 2 }, waitFor, 5*time.Millisecond)

	b.Clear()
	b.Put(plain(3))
	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, got.values())
}

func TestResetDoesNotReplay(t *testing.T) {
	b := newBuffer(t, 5)
	var got collector
	b.Subscribe(got.add, "")

	b.Put(plain(1))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, 5*time.Millisecond)

	b.Reset()
	b.Put(plain(2))
	require.Eventually(t, func() bool { return got.len() == 2 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return got.len() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2"}, got.values())
}

func TestIndependentSubscribers(t *testing.T) {
	b := newBuffer(t, 10)
	subs := make([]*collector, 4)
	for i := range subs {
		subs[i] = &collector{}
		b.Subscribe(subs[i].add, "")
	}
	for i := 0; i < 5; i++ {
		b.Put(plain(i))
	}

	for _, c := range subs {
		c := c
		require.Eventually(t, func() bool { return c.len() == 5 }, waitFor, 5*time.Millisecond)
		assert.Equal(t, []string{"0", "1", "2", "3", "4"}, c.values())
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b, err := New(2)
	require.NoError(t, err)
	b.Close()
	assert.Equal(t, "", b.Subscribe(func(Entry) {}, ""))
}
