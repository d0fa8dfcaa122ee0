package sidecar

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/deepaksharma/envelope-sidecar/core/buffer"
	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	bucketEntries = []byte("entries")
	bucketMeta    = []byte("meta")
	keySavedAt    = []byte("saved_at")
)

// ErrNoSnapshot is returned by Load when the file holds no snapshot yet.
var ErrNoSnapshot = errors.New("no snapshot found")

// SnapshotManager persists buffer contents to a bolt file so a restarted
// sidecar can replay recent envelopes.
type SnapshotManager struct {
	mu sync.Mutex
	db *bolt.DB

	// Configuration
	path                 string
	compactionTargetSize int64

	// State
	lastSnapshot time.Time

	// Metrics
	snapshotAgeGauge       *atomic.Int64
	dbSizeGauge            *atomic.Int64
	compactionCountCounter *atomic.Int64

	logger *zap.Logger
}

// NewSnapshotManager opens (or creates) the snapshot file at path.
func NewSnapshotManager(
	path string,
	compactionTargetSize int64,
	snapshotAgeGauge, dbSizeGauge, compactionCountCounter *atomic.Int64,
	logger *zap.Logger,
) (*SnapshotManager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	db, err := openBolt(path)
	if err != nil {
		return nil, err
	}

	m := &SnapshotManager{
		db:                     db,
		path:                   path,
		compactionTargetSize:   compactionTargetSize,
		snapshotAgeGauge:       snapshotAgeGauge,
		dbSizeGauge:            dbSizeGauge,
		compactionCountCounter: compactionCountCounter,
		logger:                 logger,
	}
	m.updateSize()
	return m, nil
}

func openBolt(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	return db, nil
}

// Save replaces the stored snapshot with entries, oldest first.
func (m *SnapshotManager) Save(entries []buffer.Entry) error {
	start := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	saved := 0
	err := m.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to drop entries: %w", err)
		}
		b, err := tx.CreateBucket(bucketEntries)
		if err != nil {
			return fmt.Errorf("failed to create entries bucket: %w", err)
		}

		for i, entry := range entries {
			record, err := serializeContainer(entry.Container)
			if err != nil {
				m.logger.Error("Failed to serialize envelope",
					zap.Uint64("index", entry.Index),
					zap.Error(err))
				continue
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(i))
			if err := b.Put(key, record); err != nil {
				return fmt.Errorf("failed to write entry: %w", err)
			}
			saved++
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}
		ts := make([]byte, 8)
		binary.BigEndian.PutUint64(ts, uint64(start.UnixNano()))
		return meta.Put(keySavedAt, ts)
	})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	m.lastSnapshot = time.Now()
	m.snapshotAgeGauge.Store(0)
	m.updateSize()

	m.logger.Debug("Snapshot completed",
		zap.Int("entries_saved", saved),
		zap.Int("total_entries", len(entries)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Load returns the stored containers, oldest first. Records that fail to
// decode are skipped.
func (m *SnapshotManager) Load(parser *envelope.Parser) ([]*envelope.Container, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		containers []*envelope.Container
		savedAt    time.Time
	)
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b == nil {
			return ErrNoSnapshot
		}
		if meta := tx.Bucket(bucketMeta); meta != nil {
			if ts := meta.Get(keySavedAt); len(ts) == 8 {
				savedAt = time.Unix(0, int64(binary.BigEndian.Uint64(ts)))
			}
		}

		return b.ForEach(func(k, v []byte) error {
			c, err := deserializeContainer(v, parser)
			if err != nil {
				m.logger.Warn("Failed to load snapshot entry",
					zap.Binary("key", k),
					zap.Error(err))
				return nil
			}
			containers = append(containers, c)
			return nil
		})
	})
	if err != nil {
		return nil, time.Time{}, err
	}

	m.logger.Info("Loaded envelopes from snapshot",
		zap.Int("entries_loaded", len(containers)),
		zap.Time("saved_at", savedAt))
	return containers, savedAt, nil
}

// Compact rewrites the snapshot file into a fresh one, reclaiming pages freed
// by earlier saves. It is a no-op while the file is below the target size.
func (m *SnapshotManager) Compact() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fi, err := os.Stat(m.path)
	if err != nil {
		return fmt.Errorf("failed to get database size: %w", err)
	}
	currentSize := fi.Size()
	if currentSize < m.compactionTargetSize {
		m.logger.Debug("Skipping compaction - current size below target",
			zap.Int64("current_size", currentSize),
			zap.Int64("target_size", m.compactionTargetSize))
		return nil
	}

	start := time.Now()
	m.logger.Info("Starting snapshot compaction", zap.Int64("current_size", currentSize))

	tmpPath := m.path + ".compact"
	if err := m.copyInto(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot database: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		// Reopen the original so later saves still work.
		db, openErr := openBolt(m.path)
		if openErr == nil {
			m.db = db
		}
		return errors.Join(fmt.Errorf("failed to replace snapshot file: %w", err), openErr)
	}
	db, err := openBolt(m.path)
	if err != nil {
		return err
	}
	m.db = db

	m.updateSize()
	newSize := m.dbSizeGauge.Load()
	m.compactionCountCounter.Inc()

	m.logger.Info("Snapshot compaction completed",
		zap.Int64("original_size", currentSize),
		zap.Int64("new_size", newSize),
		zap.Float64("reduction_pct", float64(currentSize-newSize)*100/float64(currentSize)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// copyInto copies every bucket of the open database into a new file at dst.
func (m *SnapshotManager) copyInto(dst string) error {
	_ = os.Remove(dst)
	out, err := openBolt(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	return m.db.View(func(src *bolt.Tx) error {
		return out.Update(func(dstTx *bolt.Tx) error {
			return src.ForEach(func(name []byte, b *bolt.Bucket) error {
				nb, err := dstTx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", name, err)
				}
				return b.ForEach(func(k, v []byte) error {
					return nb.Put(k, v)
				})
			})
		})
	})
}

// UpdateMetrics refreshes the snapshot age gauge.
func (m *SnapshotManager) UpdateMetrics() {
	m.mu.Lock()
	last := m.lastSnapshot
	m.mu.Unlock()
	if !last.IsZero() {
		m.snapshotAgeGauge.Store(int64(time.Since(last).Seconds()))
	}
}

// Close releases the database.
func (m *SnapshotManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Close()
}

func (m *SnapshotManager) updateSize() {
	if fi, err := os.Stat(m.path); err == nil {
		m.dbSizeGauge.Store(fi.Size())
	}
}
