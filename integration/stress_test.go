package integration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConcurrentProducersAndStreams posts from several goroutines while
// streams are open and checks every stream sees every envelope in write order.
func TestConcurrentProducersAndStreams(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	const (
		producers   = 8
		perProducer = 25
		streams     = 3
		total       = producers * perProducer
	)
	tf := NewTestFramework(t, WithBufferSize(total))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type result struct {
		ids []string
		err error
	}
	results := make(chan result, streams)
	for i := 0; i < streams; i++ {
		frames, errs := tf.Tail(ctx, "")
		go func() {
			var ids []string
			for f := range frames {
				ids = append(ids, f.ID)
				if len(ids) == total {
					break
				}
			}
			select {
			case err := <-errs:
				results <- result{ids, err}
			default:
				results <- result{ids, nil}
			}
		}()
	}

	var wg sync.WaitGroup
	errs := make(chan error, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				body := ErrorEnvelope(traceA, fmt.Sprintf("producer %d message %d", p, i), "stress.go")
				resp, _, err := tf.Post("/stream", envelope.ContentType, []byte(body), nil)
				if err != nil {
					errs <- err
					return
				}
				if resp.StatusCode != http.StatusOK {
					errs <- fmt.Errorf("unexpected status %s", resp.Status)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := tf.Events()
	require.NoError(t, err)
	require.Len(t, events, total)

	// Buffer order, oldest first
	var want []string
	for i := len(events) - 1; i >= 0; i-- {
		want = append(want, events[i].EnvelopeID)
	}

	for i := 0; i < streams; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.Equal(t, want, r.ids)
		case <-ctx.Done():
			t.Fatal("timed out waiting for streams")
		}
	}
}
