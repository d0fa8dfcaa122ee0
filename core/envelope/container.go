package envelope

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"
)

// fallbackEventTypes labels containers that are not (yet) parsed.
const fallbackEventTypes = "envelope"

// Container wraps one ingested payload. The raw fields never change after
// construction; the parsed envelope is computed at most once.
type Container struct {
	contentType string
	data        []byte
	userAgent   string
	receivedAt  time.Time
	parser      *Parser

	once     sync.Once
	parsed   atomic.Bool
	envelope *Envelope
	err      error
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

// WithParser sets the parser used on first access.
func WithParser(p *Parser) ContainerOption {
	return func(c *Container) {
		c.parser = p
	}
}

// WithReceivedAt overrides the arrival time.
func WithReceivedAt(t time.Time) ContainerOption {
	return func(c *Container) {
		c.receivedAt = t
	}
}

// NewContainer wraps data received with the given content type and sender user agent.
func NewContainer(contentType string, data []byte, userAgent string, opts ...ContainerOption) *Container {
	c := &Container{
		contentType: contentType,
		data:        data,
		userAgent:   userAgent,
		receivedAt:  time.Now(),
		parser:      defaultParser,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ContentType returns the content type the payload arrived with.
func (c *Container) ContentType() string { return c.contentType }

// Data returns the raw payload. Callers must not modify it.
func (c *Container) Data() []byte { return c.data }

// UserAgent returns the sender's user agent, if known.
func (c *Container) UserAgent() string { return c.userAgent }

// ReceivedAt returns when the container was created.
func (c *Container) ReceivedAt() time.Time { return c.receivedAt }

// ParsedEnvelope parses the payload on first call and returns the memoized
// result on every later call.
func (c *Container) ParsedEnvelope() (*Envelope, error) {
	c.once.Do(func() {
		c.envelope, c.err = c.parser.Parse(c.data)
		c.parsed.Store(true)
	})
	return c.envelope, c.err
}

// Parsed reports whether ParsedEnvelope has already run.
func (c *Container) Parsed() bool {
	return c.parsed.Load()
}

// EnvelopeID returns the id assigned during parsing, or "" if the payload is
// not an envelope.
func (c *Container) EnvelopeID() string {
	env, err := c.ParsedEnvelope()
	if err != nil {
		return ""
	}
	return env.ID()
}

// EventTypes returns the item types joined with "+". It never triggers a
// parse; until one has happened it returns "envelope".
func (c *Container) EventTypes() string {
	if !c.parsed.Load() {
		return fallbackEventTypes
	}
	return c.eventTypes()
}

// ParsedEventTypes is like EventTypes but parses the payload if needed.
func (c *Container) ParsedEventTypes() string {
	_, _ = c.ParsedEnvelope()
	return c.eventTypes()
}

func (c *Container) eventTypes() string {
	if c.err != nil || c.envelope == nil || len(c.envelope.Items) == 0 {
		return fallbackEventTypes
	}
	return strings.Join(c.envelope.ItemTypes(), "+")
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c *Container) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("content_type", c.contentType)
	enc.AddInt("size", len(c.data))
	enc.AddString("event_types", c.EventTypes())
	if c.userAgent != "" {
		enc.AddString("user_agent", c.userAgent)
	}
	if c.parsed.Load() && c.envelope != nil {
		enc.AddString("envelope_id", c.envelope.ID())
	}
	return nil
}
