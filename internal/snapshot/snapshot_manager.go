package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialise the coordinator's queue and inventory into a JSON snapshot
// 2. Write atomically (temp file + rename) so a crash never leaves half a file
// 3. Check the schema version and the counts on load
// 4. Move an unreadable file aside so the next write does not bury it
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// SchemaVersion is the format written by this build.
const SchemaVersion = 1

// ============================================================================
// Manager
// ============================================================================

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write stores data atomically, creating the parent directory if needed.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = time.Now()
	}

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file yields ErrSnapshotNotFound; an
// unreadable one ErrCorruptedSnapshot or ErrIncompatibleVersion.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if data.SchemaVer != SchemaVersion {
		return types.SnapshotData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	for r, n := range data.Inventory {
		if n < 0 {
			return types.SnapshotData{}, fmt.Errorf("%w: negative count %s=%d", ErrCorruptedSnapshot, r, n)
		}
	}
	if data.Inventory == nil {
		data.Inventory = make(types.Inventory)
	}

	return data, nil
}

// Quarantine renames the current file to <path>.corrupt-<timestamp> and
// returns the new name.
func (m *Manager) Quarantine() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst := fmt.Sprintf("%s.corrupt-%s", m.path, time.Now().Format("20060102_150405"))
	if err := os.Rename(m.path, dst); err != nil {
		return "", fmt.Errorf("failed to move snapshot aside: %w", err)
	}
	return dst, nil
}

// Exists reports whether the snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}
