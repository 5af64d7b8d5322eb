// Package chunk implements the content-addressed, deduplicating chunk
// store that backs every btool snapshot.
package chunk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// Size is the fixed window size used to split a file into chunks. It is
// constant for the lifetime of a snapshot; changing it does not affect
// chunks already on disk, since each chunk is addressed by its own hash.
const Size = 64 * 1024

// HashHexLen is the length, in hex characters, of a chunk hash (BLAKE3,
// 256-bit digest).
const HashHexLen = 64

// ErrMissing indicates a requested chunk has no backing file on disk.
var ErrMissing = errors.New("chunk: object missing from store")

// Descriptor is the immutable record of one stored byte window.
type Descriptor struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Path string `json:"path"`
}

// Store is a content-addressed repository of chunks rooted at
// <backupRoot>/chunks/. It is safe for concurrent use.
type Store struct {
	backupRoot string

	mu    sync.RWMutex
	known map[string]struct{} // presence cache, avoids redundant stat calls
}

// New creates a Store rooted at backupRoot. Init must be called before
// any Store/Get call that expects the fan-out directories to exist.
func New(backupRoot string) *Store {
	return &Store{
		backupRoot: backupRoot,
		known:      make(map[string]struct{}),
	}
}

func (s *Store) chunksDir() string {
	return filepath.Join(s.backupRoot, "chunks")
}

// Init ensures the chunk store's directory layout exists, pre-creating
// the 256 two-hex-character fan-out directories.
func (s *Store) Init() error {
	chunksDir := s.chunksDir()
	if err := os.MkdirAll(chunksDir, 0755); err != nil {
		return fmt.Errorf("chunk: create chunks dir: %w", err)
	}
	for i := 0; i < 256; i++ {
		subdir := fmt.Sprintf("%02x", i)
		if err := os.MkdirAll(filepath.Join(chunksDir, subdir), 0755); err != nil {
			return fmt.Errorf("chunk: create fan-out dir %s: %w", subdir, err)
		}
	}
	return nil
}

func (s *Store) locator(hash string) string {
	return filepath.Join(s.chunksDir(), hash[:2], hash)
}

// hashBytes computes the hex-encoded BLAKE3 digest of data.
func hashBytes(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Exists reports whether a chunk with the given hash is present, without
// reading its contents. The in-memory presence cache is consulted first.
func (s *Store) Exists(hash string) bool {
	s.mu.RLock()
	_, cached := s.known[hash]
	s.mu.RUnlock()
	if cached {
		return true
	}

	if _, err := os.Stat(s.locator(hash)); err != nil {
		return false
	}

	s.mu.Lock()
	s.known[hash] = struct{}{}
	s.mu.Unlock()
	return true
}

// Store writes data under its content address and returns a descriptor.
// If a chunk with the same hash already exists, the existing file is
// left untouched and a descriptor referencing it is returned. Concurrent
// callers racing to store identical content both succeed.
func (s *Store) Store(data []byte) (Descriptor, error) {
	desc, _, err := s.store(data)
	return desc, err
}

// StoreTracked behaves like Store but additionally reports whether this
// call introduced the chunk for the first time, so callers can account
// for deduplication (unique_chunks, dedup ratio) without a separate,
// racy Exists check.
func (s *Store) StoreTracked(data []byte) (Descriptor, bool, error) {
	return s.store(data)
}

func (s *Store) store(data []byte) (Descriptor, bool, error) {
	hash := hashBytes(data)
	locator := s.locator(hash)

	desc := Descriptor{Hash: hash, Size: int64(len(data)), Path: s.relLocator(hash)}

	if s.Exists(hash) {
		return desc, false, nil
	}

	// Write a temporary sibling, then link it into place, so a crash
	// mid-write never leaves a truncated hash-named file observable to
	// readers.
	tmp, err := os.CreateTemp(filepath.Dir(locator), hash+".tmp-*")
	if err != nil {
		return Descriptor{}, false, fmt.Errorf("chunk: create temp file for %s: %w", hash, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return Descriptor{}, false, fmt.Errorf("chunk: write temp file for %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return Descriptor{}, false, fmt.Errorf("chunk: close temp file for %s: %w", hash, err)
	}

	// Unlike a rename, a link fails when the hash-named file already
	// exists, so of several racing writers exactly one reports the chunk
	// as new and an existing file is never replaced.
	err = os.Link(tmpPath, locator)
	os.Remove(tmpPath)
	if err != nil {
		// Another writer may have just won the race to create this
		// hash-named file; that is success, not failure.
		if os.IsExist(err) || s.Exists(hash) {
			return desc, false, nil
		}
		return Descriptor{}, false, fmt.Errorf("chunk: link into place for %s: %w", hash, err)
	}

	s.mu.Lock()
	s.known[hash] = struct{}{}
	s.mu.Unlock()

	return desc, true, nil
}

// relLocator returns the storage_locator relative path for a hash.
func (s *Store) relLocator(hash string) string {
	return filepath.ToSlash(filepath.Join("chunks", hash[:2], hash))
}

// Get retrieves the full contents of the chunk identified by hash.
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.locator(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("chunk: %s: %w", hash, ErrMissing)
		}
		return nil, fmt.Errorf("chunk: read %s: %w", hash, err)
	}
	return data, nil
}

// ChunkFile opens path and splits it into sequential fixed-size windows,
// storing each non-empty window. Reading is streaming: memory use is
// bounded by Size regardless of file length.
func (s *Store) ChunkFile(path string) ([]Descriptor, error) {
	descriptors, _, err := s.ChunkFileTracked(path)
	return descriptors, err
}

// ChunkFileTracked behaves like ChunkFile but also reports how many of
// the returned chunks were newly introduced by this call, for
// deduplication accounting.
func (s *Store) ChunkFileTracked(path string) ([]Descriptor, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("chunk: open %s: %w", path, err)
	}
	defer f.Close()
	return s.ChunkReaderTracked(f)
}

// ChunkReader splits r into sequential fixed-size windows, storing each
// non-empty window and returning the ordered descriptor sequence.
func (s *Store) ChunkReader(r io.Reader) ([]Descriptor, error) {
	descriptors, _, err := s.ChunkReaderTracked(r)
	return descriptors, err
}

// ChunkReaderTracked behaves like ChunkReader but also reports how many
// of the returned chunks were newly introduced by this call.
func (s *Store) ChunkReaderTracked(r io.Reader) ([]Descriptor, int, error) {
	var descriptors []Descriptor
	var newCount int
	buf := make([]byte, Size)

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			window := make([]byte, n)
			copy(window, buf[:n])
			desc, isNew, storeErr := s.store(window)
			if storeErr != nil {
				return nil, 0, storeErr
			}
			descriptors = append(descriptors, desc)
			if isNew {
				newCount++
			}
		}
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// Final, short window already handled above.
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("chunk: read window: %w", err)
		}
	}

	return descriptors, newCount, nil
}

// FileHash folds an ordered sequence of chunk hashes into a single
// per-file integrity root. Empty sequences return the empty string. A
// single chunk returns its own hash unchanged (single-chunk shortcut).
// Otherwise the chunks' raw hash bytes are fed in order into a fresh
// BLAKE3 hasher (the linear-fold baseline; a future Merkle-tree upgrade
// is isolated here and nowhere else).
func FileHash(descriptors []Descriptor) (string, error) {
	switch len(descriptors) {
	case 0:
		return "", nil
	case 1:
		return descriptors[0].Hash, nil
	}

	h := blake3.New()
	for _, d := range descriptors {
		raw, err := hex.DecodeString(d.Hash)
		if err != nil {
			return "", fmt.Errorf("chunk: malformed chunk hash %q: %w", d.Hash, err)
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
