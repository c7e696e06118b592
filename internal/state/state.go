package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot is the operator-visible delivery progress, persisted as JSON next
// to the queue database. It is advisory: the queue itself is the source of
// truth after a crash.
type Snapshot struct {
	LastAckedSequence int64     `json:"last_acked_sequence"`
	TotalDelivered    int64     `json:"total_delivered"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store persists the snapshot with write-to-temp-then-rename so a power cut
// mid-write leaves the previous snapshot intact.
type Store struct {
	path string
	mu   sync.Mutex
	snap Snapshot
}

// Load reads the snapshot at path. A missing or unreadable file starts from
// zero rather than failing: the snapshot is reporting, not state.
func Load(path string) *Store {
	s := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return s
	}
	s.snap = snap
	return s
}

// Acked records a successful delivery checkpoint.
func (s *Store) Acked(lastSequence int64, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastSequence > s.snap.LastAckedSequence {
		s.snap.LastAckedSequence = lastSequence
	}
	s.snap.TotalDelivered += int64(count)
	s.snap.UpdatedAt = time.Now()

	return s.write()
}

// Snapshot returns the current progress.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Store) write() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
