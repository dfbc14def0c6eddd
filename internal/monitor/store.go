package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotWriter persists the full monitor table. The Store is the sole
// writer of the durable snapshot; implementations must replace the previous
// snapshot atomically.
type SnapshotWriter interface {
	WriteSnapshot(monitors map[string]*PositionMonitor) error
}

// Store is the in-memory table of monitors, one per (symbol, side, account)
// key, mirrored to durable persistence after every mutation batch.
// It provides thread-safe access; all mutation of monitor records is
// funnelled through Upsert.
type Store struct {
	mu       sync.RWMutex
	monitors map[Key]*PositionMonitor
	writer   SnapshotWriter
	logger   zerolog.Logger
}

// NewStore creates an empty store backed by the given snapshot writer.
// writer may be nil for tests.
func NewStore(writer SnapshotWriter, logger zerolog.Logger) *Store {
	return &Store{
		monitors: make(map[Key]*PositionMonitor),
		writer:   writer,
		logger:   logger.With().Str("component", "MonitorStore").Logger(),
	}
}

// Load seeds the store from a persisted monitor map, as produced by the
// snapshot loader. Keys missing an account dimension are rejected here as
// a last line of defence; the loader is expected to have migrated them.
func (s *Store) Load(monitors []*PositionMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range monitors {
		key := m.Key()
		if !key.Valid() {
			return fmt.Errorf("%w: %s", ErrInvalidKey, key)
		}
		if m.FilledTPIndices == nil {
			m.FilledTPIndices = make(map[int]bool)
		}
		s.monitors[key] = m
	}
	s.logger.Info().Int("count", len(monitors)).Msg("Monitors loaded into store")
	return nil
}

// Get retrieves a copy of the monitor for the key, or ErrMonitorNotFound.
// Callers receive a clone; mutations only take effect through Upsert.
func (s *Store) Get(key Key) (*PositionMonitor, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.monitors[key]
	if !exists {
		return nil, ErrMonitorNotFound
	}
	return m.Clone(), nil
}

// Upsert inserts or replaces the monitor under its own key and persists
// the snapshot. Keys lacking any dimension are rejected: the legacy
// symbol_side key format must not be reintroduced.
func (s *Store) Upsert(m *PositionMonitor) error {
	key := m.Key()
	if !key.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m.UpdatedAt = time.Now()
	s.monitors[key] = m.Clone()
	return s.persistLocked()
}

// Remove deletes the monitor for the key and persists the snapshot.
func (s *Store) Remove(key Key) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidKey, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.monitors[key]; !exists {
		return ErrMonitorNotFound
	}
	delete(s.monitors, key)
	return s.persistLocked()
}

// All returns copies of every monitor, in no particular order.
func (s *Store) All() []*PositionMonitor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	monitors := make([]*PositionMonitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m.Clone())
	}
	return monitors
}

// Count returns the number of tracked monitors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.monitors)
}

// persistLocked writes the snapshot under the held write lock so snapshot
// writes are serialized and never observe a half-applied mutation.
func (s *Store) persistLocked() error {
	if s.writer == nil {
		return nil
	}

	byKey := make(map[string]*PositionMonitor, len(s.monitors))
	for key, m := range s.monitors {
		byKey[key.String()] = m
	}
	if err := s.writer.WriteSnapshot(byKey); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist monitor snapshot")
		return fmt.Errorf("persisting monitor snapshot: %w", err)
	}
	return nil
}
