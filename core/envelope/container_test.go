package envelope

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContainerMemoizesParse(t *testing.T) {
	data := buildEnvelope(`{}`, `{"type":"event"}`, `{"message":"once"}`)
	c := NewContainer(ContentType, data, "sentry.javascript.node/8.0.0")

	first, err := c.ParsedEnvelope()
	require.NoError(t, err)
	second, err := c.ParsedEnvelope()
	require.NoError(t, err)

	assert.Same(t, first, second, "second call must return the cached envelope")
	assert.Equal(t, first.ID(), c.EnvelopeID())
}

func TestContainerConcurrentParse(t *testing.T) {
	data := buildEnvelope(`{}`, `{"type":"transaction"}`, `{}`)
	c := NewContainer(ContentType, data, "")

	var wg sync.WaitGroup
	results := make([]*Envelope, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.ParsedEnvelope()
		}(i)
	}
	wg.Wait()

	for _, env := range results {
		assert.Same(t, results[0], env)
	}
}

func TestContainerEventTypesDoesNotParse(t *testing.T) {
	data := buildEnvelope(`{}`, `{"type":"event"}`, `{}`, `{"type":"attachment","length":1}`, `x`)
	c := NewContainer(ContentType, data, "")

	assert.Equal(t, "envelope", c.EventTypes())
	assert.False(t, c.Parsed(), "EventTypes must not trigger a parse")

	assert.Equal(t, "event+attachment", c.ParsedEventTypes())
	assert.True(t, c.Parsed())
	assert.Equal(t, "event+attachment", c.EventTypes(), "cached result is reused")
}

func TestContainerUnparsable(t *testing.T) {
	c := NewContainer("application/json", []byte("{not an envelope"), "")

	env, err := c.ParsedEnvelope()
	assert.Nil(t, env)
	assert.ErrorIs(t, err, ErrInvalidHeader)
	assert.Equal(t, "", c.EnvelopeID())
	assert.Equal(t, "envelope", c.ParsedEventTypes())

	_, again := c.ParsedEnvelope()
	assert.Equal(t, err, again, "failure is memoized too")
}

func TestContainerAccessors(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	data := []byte("{}\n")
	c := NewContainer(ContentType, data, "ua", WithReceivedAt(at))

	assert.Equal(t, ContentType, c.ContentType())
	assert.Equal(t, data, c.Data())
	assert.Equal(t, "ua", c.UserAgent())
	assert.Equal(t, at, c.ReceivedAt())
}

func TestContainerLogObject(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	data := buildEnvelope(`{}`, `{"type":"event"}`, `{"message":"x"}`)
	c := NewContainer(ContentType, data, "ua", WithParser(NewParser(logger)))
	logger.Info("received", zap.Object("container", c))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()["container"].(map[string]interface{})
	assert.Equal(t, "envelope", fields["event_types"])
	assert.False(t, c.Parsed(), "logging a container must not parse it")
}
