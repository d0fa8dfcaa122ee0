// Package sidecar wires the envelope buffer, trace aggregator and snapshot
// store behind an HTTP server.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/deepaksharma/envelope-sidecar/core/buffer"
	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/core/traces"
	"github.com/deepaksharma/envelope-sidecar/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Sidecar is a running envelope sidecar.
type Sidecar struct {
	cfg    *config.Config
	logger *zap.Logger

	parser  *envelope.Parser
	buffer  *buffer.Buffer
	traces  *traces.Aggregator
	metrics *Metrics

	// Snapshot store, nil when disabled
	snapshots      *SnapshotManager
	compactionCron *cron.Cron

	engine   *gin.Engine
	server   *http.Server
	listener net.Listener

	aggregatorSub string

	started  atomic.Bool
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a sidecar from cfg. When a snapshot path is configured the
// previous buffer contents are restored before New returns.
func New(cfg *config.Config, logger *zap.Logger) (*Sidecar, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bufferEvictions := atomic.NewInt64(0)
	traceEvictions := atomic.NewInt64(0)

	agg := traces.NewAggregator(cfg.MaxTraces, logger.Named("traces"))
	agg.SetEvictionCounter(traceEvictions)

	// Traces never outlive the buffer entries they were built from.
	buf, err := buffer.New(cfg.BufferSize,
		buffer.WithLogger(logger.Named("buffer")),
		buffer.WithEvictionCounter(bufferEvictions),
		buffer.WithRetireHook(agg.Retire),
	)
	if err != nil {
		return nil, err
	}

	s := &Sidecar{
		cfg:      cfg,
		logger:   logger,
		parser:   envelope.NewParser(logger.Named("parser")),
		buffer:   buf,
		traces:   agg,
		metrics:  NewMetrics(buf, agg, bufferEvictions, traceEvictions),
		stopChan: make(chan struct{}),
	}

	if cfg.SnapshotPath != "" {
		s.snapshots, err = NewSnapshotManager(
			cfg.SnapshotPath,
			cfg.CompactionTargetSize,
			s.metrics.snapshotAge,
			s.metrics.snapshotSize,
			s.metrics.compactionCount,
			logger.Named("snapshot"),
		)
		if err != nil {
			buf.Close()
			return nil, err
		}
		s.restore()
	}

	s.aggregatorSub = buf.Subscribe(func(entry buffer.Entry) {
		agg.Add(entry.Index, entry.Container)
	}, "")

	s.engine = s.routes()
	return s, nil
}

func (s *Sidecar) restore() {
	containers, savedAt, err := s.snapshots.Load(s.parser)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			s.logger.Info("No snapshot found, starting with an empty buffer")
			return
		}
		s.logger.Warn("Failed to load snapshot, starting with an empty buffer", zap.Error(err))
		return
	}
	for _, c := range containers {
		s.buffer.Put(c)
	}
	s.logger.Info("Restored buffer from snapshot",
		zap.Int("entries", len(containers)),
		zap.Time("saved_at", savedAt))
}

// Handler returns the HTTP handler without starting a listener.
func (s *Sidecar) Handler() http.Handler { return s.engine }

// Buffer returns the message buffer.
func (s *Sidecar) Buffer() *buffer.Buffer { return s.buffer }

// Traces returns the trace aggregator.
func (s *Sidecar) Traces() *traces.Aggregator { return s.traces }

// Metrics returns the Prometheus collectors.
func (s *Sidecar) Metrics() *Metrics { return s.metrics }

// Addr returns the bound listen address once Start has succeeded.
func (s *Sidecar) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Ingest wraps data in a container and appends it to the buffer.
func (s *Sidecar) Ingest(contentType string, data []byte, userAgent string) buffer.Entry {
	c := envelope.NewContainer(contentType, data, userAgent, envelope.WithParser(s.parser))
	entry := s.buffer.Put(c)

	s.metrics.EnvelopesReceived.WithLabelValues(contentType).Inc()
	s.metrics.BytesReceived.Add(float64(len(data)))
	if contentType == envelope.ContentType {
		if _, err := c.ParsedEnvelope(); err != nil {
			s.metrics.ParseFailures.Inc()
			s.logger.Warn("Received unparsable envelope", zap.Object("container", c), zap.Error(err))
		}
	}

	s.logger.Debug("Envelope received",
		zap.Uint64("index", entry.Index),
		zap.Object("container", c))
	return entry
}

// Clear empties the buffer and the trace aggregator. Subscribers see a fresh
// sequence starting at index 0.
func (s *Sidecar) Clear() {
	s.buffer.Clear()
	s.traces.Reset()
	s.logger.Info("Buffer cleared")
}

// Reset hides buffered entries from new readers without rewinding indices.
func (s *Sidecar) Reset() {
	// The buffer's retire hook drops every trace built from hidden entries.
	s.buffer.Reset()
	s.logger.Info("Buffer reset")
}

// Start binds the listener and begins serving. Background snapshotting and
// compaction start when configured.
func (s *Sidecar) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("sidecar already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	if s.snapshots != nil {
		s.wg.Add(1)
		go s.snapshotLoop()

		if s.cfg.CompactionSchedule != "" {
			s.compactionCron = cron.New(cron.WithLogger(newCronLogger(s.logger.Named("cron"))))
			if _, err := s.compactionCron.AddFunc(s.cfg.CompactionSchedule, s.compact); err != nil {
				return fmt.Errorf("failed to schedule compaction: %w", err)
			}
			s.compactionCron.Start()
		}
	}

	s.logger.Info("Sidecar listening",
		zap.String("addr", ln.Addr().String()),
		zap.Int("buffer_size", s.cfg.BufferSize),
		zap.Bool("snapshots", s.snapshots != nil))
	return nil
}

func (s *Sidecar) snapshotLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.snapshot()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sidecar) snapshot() {
	if err := s.snapshots.Save(s.liveEntries()); err != nil {
		s.logger.Error("Failed to save snapshot", zap.Error(err))
	}
}

func (s *Sidecar) compact() {
	s.snapshots.UpdateMetrics()
	if err := s.snapshots.Compact(); err != nil {
		s.logger.Error("Failed to compact snapshot", zap.Error(err))
	}
}

// liveEntries returns every live entry, oldest first.
func (s *Sidecar) liveEntries() []buffer.Entry {
	entries := s.buffer.Read(buffer.Filter{All: true})
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// Shutdown stops serving, writes a final snapshot and releases resources.
// Open event streams are closed first so the server can drain.
func (s *Sidecar) Shutdown(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		close(s.stopChan)

		if s.server != nil {
			if err := s.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to shut down HTTP server: %w", err))
			}
		}
		if s.compactionCron != nil {
			<-s.compactionCron.Stop().Done()
		}
		s.wg.Wait()

		if s.snapshots != nil {
			s.snapshot()
			if err := s.snapshots.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close snapshot store: %w", err))
			}
		}

		s.buffer.Unsubscribe(s.aggregatorSub)
		s.buffer.Close()
		s.logger.Info("Sidecar stopped")
	})
	return errors.Join(errs...)
}

// zapToCronLogger adapts zap.Logger to cron.Logger
type zapToCronLogger struct {
	sugar *zap.SugaredLogger
}

func newCronLogger(logger *zap.Logger) zapToCronLogger {
	return zapToCronLogger{sugar: logger.Sugar()}
}

func (l zapToCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapToCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
