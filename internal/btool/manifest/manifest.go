// Package manifest owns the lifecycle of snapshot records on disk under
// <backup_root>/manifests/.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"

	"github.com/gingerrexayers/btool-go/internal/btool/chunk"
)

// Version tags the manifest schema. It lets a future version evolve the
// on-disk shape without breaking readers of older manifests.
const Version = "2.0"

// ErrNotFound indicates the requested snapshot id has no manifest file.
var ErrNotFound = errors.New("manifest: snapshot not found")

// ErrCorrupt indicates a manifest file is unreadable or fails schema
// validation.
var ErrCorrupt = errors.New("manifest: corrupt")

// ErrDuplicatePath indicates AddFile was called with a path already
// present in the snapshot.
var ErrDuplicatePath = errors.New("manifest: duplicate path")

// FileEntry is one record per regular file in a snapshot.
type FileEntry struct {
	Path        string              `json:"path"`
	Size        int64               `json:"size"`
	ModTime     time.Time           `json:"mod_time"`
	Chunks      []chunk.Descriptor  `json:"chunks"`
	FileHash    string              `json:"file_hash"`
	Permissions os.FileMode         `json:"permissions"`
	IsDir       bool                `json:"is_dir"`
}

// Snapshot is one backup run's durable record.
type Snapshot struct {
	ID           string                 `json:"id"`
	Version      string                 `json:"version"`
	Timestamp    time.Time              `json:"timestamp"`
	SourcePath   string                 `json:"source_path"`
	Files        map[string]*FileEntry  `json:"files"`
	TotalSize    int64                  `json:"total_size"`
	TotalFiles   int64                  `json:"total_files"`
	UniqueChunks int64                  `json:"unique_chunks"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// AddFile appends a file entry to the snapshot and updates its
// accounting fields. It rejects a path already present.
func (s *Snapshot) AddFile(path string, size int64, modTime time.Time, perm os.FileMode, isDir bool, chunks []chunk.Descriptor, fileHash string) error {
	if _, exists := s.Files[path]; exists {
		return fmt.Errorf("manifest: add file %q: %w", path, ErrDuplicatePath)
	}
	s.Files[path] = &FileEntry{
		Path:        path,
		Size:        size,
		ModTime:     modTime,
		Chunks:      chunks,
		FileHash:    fileHash,
		Permissions: perm,
		IsDir:       isDir,
	}
	s.TotalSize += size
	s.TotalFiles++
	return nil
}

// Manager handles snapshot manifest persistence under <backupRoot>/manifests/.
type Manager struct {
	backupRoot string
}

// New creates a Manager rooted at backupRoot.
func New(backupRoot string) *Manager {
	return &Manager{backupRoot: backupRoot}
}

func (m *Manager) dir() string {
	return filepath.Join(m.backupRoot, "manifests")
}

// Init creates the manifests directory if absent.
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.dir(), 0755); err != nil {
		return fmt.Errorf("manifest: create manifests dir: %w", err)
	}
	return nil
}

// Create returns a fresh, empty in-memory snapshot for sourcePath.
func (m *Manager) Create(sourcePath string) *Snapshot {
	return &Snapshot{
		ID:         uuid.New().String(),
		Version:    Version,
		Timestamp:  time.Now().UTC(),
		SourcePath: sourcePath,
		Files:      make(map[string]*FileEntry),
		Metadata:   make(map[string]interface{}),
	}
}

// Save serializes snapshot to <backupRoot>/manifests/<id>.json and
// atomically overwrites latest.json with the same content. Both writes
// go through write-to-temp-then-rename, so a crash never leaves either
// file truncated or latest.json pointing at a partially written id file.
func (m *Manager) Save(snapshot *Snapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal snapshot %s: %w", snapshot.ID, err)
	}

	manifestPath := filepath.Join(m.dir(), snapshot.ID+".json")
	if err := renameio.WriteFile(manifestPath, data, 0644); err != nil {
		return fmt.Errorf("manifest: write %s: %w", manifestPath, err)
	}

	latestPath := filepath.Join(m.dir(), "latest.json")
	if err := renameio.WriteFile(latestPath, data, 0644); err != nil {
		return fmt.Errorf("manifest: write latest pointer: %w", err)
	}

	return nil
}

// Load reads and deserializes the manifest with the given id.
func (m *Manager) Load(id string) (*Snapshot, error) {
	return m.loadPath(filepath.Join(m.dir(), id+".json"))
}

// LoadLatest loads the manifest most recently referenced by latest.json.
func (m *Manager) LoadLatest() (*Snapshot, error) {
	return m.loadPath(filepath.Join(m.dir(), "latest.json"))
}

func (m *Manager) loadPath(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest: %s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal %s: %w", path, ErrCorrupt)
	}
	return &snapshot, nil
}

// List enumerates the manifests directory, deserializing each *.json
// entry except latest.json. Entries that fail to deserialize are
// silently skipped.
func (m *Manager) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(m.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest: read manifests dir: %w", err)
	}

	var snapshots []*Snapshot
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "latest.json" || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		snapshot, err := m.Load(id)
		if err != nil {
			continue
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}
