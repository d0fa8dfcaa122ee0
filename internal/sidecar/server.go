package sidecar

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/buffer"
	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/event"
	"github.com/deepaksharma/envelope-sidecar/core/spantree"
	"github.com/deepaksharma/envelope-sidecar/core/traces"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// streamBacklog bounds entries queued between a subscriber and its HTTP writer.
const streamBacklog = 64

func (s *Sidecar) routes() *gin.Engine {
	if !s.cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.New(corsConfig(s.cfg.AllowedOrigins)))
	r.Use(s.metrics.Middleware())

	// Ingest
	r.POST("/stream", s.handleIngest)
	r.POST("/api/:project/envelope/", s.handleEnvelope)
	r.POST("/api/:project/envelope", s.handleEnvelope)

	// Live stream
	r.GET("/stream", s.handleStream)

	// Queries
	r.GET("/api/events", s.handleEvents)
	r.GET("/api/traces", s.handleTraces)
	r.GET("/api/traces/:id", s.handleTrace)
	r.GET("/api/traces/:id/text", s.handleTraceText)

	// Buffer control
	r.DELETE("/clear", s.handleClear)
	r.POST("/reset", s.handleReset)

	r.GET("/health", s.handleHealth)
	metrics := promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})
	r.GET("/metrics", func(c *gin.Context) {
		if s.snapshots != nil {
			s.snapshots.UpdateMetrics()
		}
		metrics.ServeHTTP(c.Writer, c.Request)
	})

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Content-Length", "Content-Encoding",
			"Accept-Encoding", "Last-Event-ID", "Cache-Control",
			"X-Sentry-Auth", "Sentry-Trace", "Baggage",
		},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

// requestLogger logs one line per request, at debug for successful requests.
func (s *Sidecar) requestLogger() gin.HandlerFunc {
	logger := s.logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("Request failed", fields...)
			return
		}
		logger.Debug("Request served", fields...)
	}
}

// handleIngest accepts any payload. Untyped and text/plain bodies are treated
// as envelopes, which is what browser SDKs send to avoid CORS preflights.
func (s *Sidecar) handleIngest(c *gin.Context) {
	contentType := c.ContentType()
	if contentType == "" || contentType == "text/plain" {
		contentType = envelope.ContentType
	}
	s.ingest(c, contentType)
}

// handleEnvelope serves the SDK-compatible envelope endpoint.
func (s *Sidecar) handleEnvelope(c *gin.Context) {
	s.ingest(c, envelope.ContentType)
}

func (s *Sidecar) ingest(c *gin.Context, contentType string) {
	body, err := readBody(c.Request, s.cfg.MaxBodyBytes)
	if err != nil {
		_ = c.Error(err)
		switch {
		case errors.Is(err, ErrUnsupportedEncoding):
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		case errors.Is(err, ErrBodyTooLarge):
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	entry := s.Ingest(contentType, body, c.Request.UserAgent())
	c.JSON(http.StatusOK, gin.H{
		"id":    entry.Container.EnvelopeID(),
		"index": entry.Index,
	})
}

// handleStream streams buffered and live entries as server-sent events.
// Last-Event-ID (header or lastEventId query) resumes after that envelope.
func (s *Sidecar) handleStream(c *gin.Context) {
	resumeID := c.GetHeader("Last-Event-ID")
	if resumeID == "" {
		resumeID = c.Query("lastEventId")
	}

	ctx := c.Request.Context()
	entries := make(chan buffer.Entry, streamBacklog)
	// closed before unsubscribing so a callback blocked on a full channel
	// returns and Unsubscribe does not wait on it
	gone := make(chan struct{})
	id := s.buffer.Subscribe(func(entry buffer.Entry) {
		select {
		case entries <- entry:
		case <-gone:
		case <-ctx.Done():
		case <-s.stopChan:
		}
	}, resumeID)
	if id == "" {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	defer func() {
		close(gone)
		s.buffer.Unsubscribe(id)
	}()

	s.metrics.StreamClients.Inc()
	defer s.metrics.StreamClients.Dec()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case entry := <-entries:
			if err := writeEntry(c.Writer, entry); err != nil {
				s.logger.Debug("Stream client write failed", zap.Error(err))
				return
			}
			c.Writer.Flush()
		case <-heartbeat.C:
			if err := writeHeartbeat(c.Writer); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

type eventSummary struct {
	Index       uint64    `json:"index"`
	EnvelopeID  string    `json:"envelope_id,omitempty"`
	ContentType string    `json:"content_type"`
	EventTypes  string    `json:"event_types"`
	Size        int       `json:"size"`
	ReceivedAt  time.Time `json:"received_at"`
	Titles      []string  `json:"titles,omitempty"`
	TraceIDs    []string  `json:"trace_ids,omitempty"`
}

func summarize(entry buffer.Entry) eventSummary {
	c := entry.Container
	out := eventSummary{
		Index:       entry.Index,
		EnvelopeID:  c.EnvelopeID(),
		ContentType: c.ContentType(),
		EventTypes:  c.ParsedEventTypes(),
		Size:        len(c.Data()),
		ReceivedAt:  c.ReceivedAt(),
	}
	env, err := c.ParsedEnvelope()
	if err != nil {
		return out
	}
	events, _, _ := event.Extract(env)
	for _, ev := range events {
		if title := ev.Title(); title != "" {
			out.Titles = append(out.Titles, title)
		}
		if traceID := ev.TraceID(); traceID != "" {
			out.TraceIDs = append(out.TraceIDs, traceID)
		}
	}
	return out
}

// handleEvents lists buffered entries, newest first.
//
// Query parameters: all, window (seconds), envelope_id, filename.
func (s *Sidecar) handleEvents(c *gin.Context) {
	filter := buffer.Filter{
		EnvelopeID: c.Query("envelope_id"),
		Filename:   c.Query("filename"),
	}
	if all := c.Query("all"); all != "" {
		v, err := strconv.ParseBool(all)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "all must be a boolean"})
			return
		}
		filter.All = v
	}
	if window := c.Query("window"); window != "" {
		secs, err := strconv.ParseFloat(window, 64)
		if err != nil || secs <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "window must be a positive number of seconds"})
			return
		}
		filter.TimeWindow = time.Duration(secs * float64(time.Second))
	}

	entries := s.buffer.Read(filter)
	out := make([]eventSummary, 0, len(entries))
	for _, entry := range entries {
		out = append(out, summarize(entry))
	}
	c.JSON(http.StatusOK, out)
}

type traceSummary struct {
	TraceID          string          `json:"trace_id"`
	RootTransaction  string          `json:"root_transaction,omitempty"`
	Method           string          `json:"method,omitempty"`
	StartTimestamp   event.Timestamp `json:"start_timestamp"`
	Timestamp        event.Timestamp `json:"timestamp"`
	DurationMs       float64         `json:"duration_ms"`
	SpanCount        int             `json:"span_count"`
	ErrorCount       int             `json:"error_count"`
	TransactionCount int             `json:"transaction_count"`
	LogCount         int             `json:"log_count"`
}

type traceDetail struct {
	traceSummary
	Spans []*spantree.Node `json:"spans"`
}

func summarizeTrace(t traces.Trace) traceSummary {
	return traceSummary{
		TraceID:          t.TraceID,
		RootTransaction:  t.RootTransactionName,
		Method:           t.RootTransactionMethod,
		StartTimestamp:   t.StartTimestamp,
		Timestamp:        t.Timestamp,
		DurationMs:       float64(t.Duration()) / float64(time.Millisecond),
		SpanCount:        t.SpanCount,
		ErrorCount:       t.ErrorCount,
		TransactionCount: t.TransactionCount,
		LogCount:         t.LogCount,
	}
}

func (s *Sidecar) handleTraces(c *gin.Context) {
	all := s.traces.Traces()
	out := make([]traceSummary, 0, len(all))
	for _, t := range all {
		out = append(out, summarizeTrace(t))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Sidecar) handleTrace(c *gin.Context) {
	traceID := c.Param("id")
	t, ok := s.traces.Trace(traceID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	forest, _ := s.traces.Forest(traceID)
	c.JSON(http.StatusOK, traceDetail{traceSummary: summarizeTrace(t), Spans: forest})
}

func (s *Sidecar) handleTraceText(c *gin.Context) {
	lines, ok := s.traces.Render(c.Param("id"))
	if !ok {
		c.String(http.StatusNotFound, "trace not found\n")
		return
	}
	c.String(http.StatusOK, strings.Join(lines, "\n")+"\n")
}

func (s *Sidecar) handleClear(c *gin.Context) {
	s.Clear()
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Sidecar) handleReset(c *gin.Context) {
	s.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Sidecar) handleHealth(c *gin.Context) {
	stats := s.buffer.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"buffered":    stats.Len,
		"capacity":    stats.Capacity,
		"write_index": stats.WriteIndex,
		"subscribers": stats.Subscribers,
		"evictions":   stats.Evictions,
		"traces":      s.traces.Size(),
	})
}
