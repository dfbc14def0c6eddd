// Package persist implements the durable monitor snapshot: a versioned
// JSON file replaced atomically on every write, with one-shot schema
// migrations run at load time.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bybit-trading-bot/internal/monitor"
)

// SchemaVersion is the current snapshot schema. Version 1 predates the
// account-qualified key format and the ordered TP leg list.
const SchemaVersion = 2

// ErrCorrupted means the snapshot exists but cannot be parsed. This is
// fatal at startup: falling back to an empty store would orphan every
// live position, so operator intervention is required instead.
var ErrCorrupted = errors.New("monitor snapshot is corrupted")

type snapshotFile struct {
	SchemaVersion int                                  `json:"schema_version"`
	SavedAt       time.Time                            `json:"saved_at"`
	Monitors      map[string]*monitor.PositionMonitor  `json:"monitors"`
}

// SnapshotStore reads and writes the monitor snapshot at a fixed path.
// Writes are serialized and use write-temp-then-rename so a crash mid-write
// can never truncate the previous good snapshot.
type SnapshotStore struct {
	mu     sync.Mutex
	path   string
	logger zerolog.Logger
}

// NewSnapshotStore creates a store for the given file path.
func NewSnapshotStore(path string, logger zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		path:   path,
		logger: logger.With().Str("component", "SnapshotStore").Logger(),
	}
}

// WriteSnapshot atomically replaces the snapshot with the given monitor
// table. Implements monitor.SnapshotWriter.
func (s *SnapshotStore) WriteSnapshot(monitors map[string]*monitor.PositionMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snapshotFile{
		SchemaVersion: SchemaVersion,
		SavedAt:       time.Now().UTC(),
		Monitors:      monitors,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(s.path), uuid.NewString()))

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot, migrating older schema versions in place. A
// missing file yields an empty monitor list; an unparseable file yields
// ErrCorrupted and must not be papered over.
func (s *SnapshotStore) Load() ([]*monitor.PositionMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Str("path", s.path).Msg("No snapshot found, starting with empty store")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var header struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	if header.SchemaVersion < SchemaVersion {
		migrated, err := Migrate(data, header.SchemaVersion)
		if err != nil {
			return nil, err
		}
		data = migrated
		s.logger.Info().
			Int("from_version", header.SchemaVersion).
			Int("to_version", SchemaVersion).
			Msg("Snapshot migrated")
	} else if header.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("%w: snapshot version %d is newer than supported %d",
			ErrCorrupted, header.SchemaVersion, SchemaVersion)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}

	monitors := make([]*monitor.PositionMonitor, 0, len(file.Monitors))
	for key, m := range file.Monitors {
		if !m.Key().Valid() {
			return nil, fmt.Errorf("%w: monitor %q has an invalid key after migration", ErrCorrupted, key)
		}
		monitors = append(monitors, m)
	}

	s.logger.Info().Int("count", len(monitors)).Msg("Snapshot loaded")
	return monitors, nil
}
