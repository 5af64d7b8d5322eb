package backup

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/btool-go/internal/btool/chunk"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func sha256Of(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestRunBasicBackupAndRestore(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()
	dest := t.TempDir()

	writeFile(t, source, "a.txt", []byte("Hello, World!")) // 13 bytes
	writeFile(t, source, "b.txt", []byte("One more test file!")) // 19 bytes

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	assert.EqualValues(t, 2, snapshot.TotalFiles)
	assert.EqualValues(t, 32, snapshot.TotalSize)

	require.NoError(t, engine.RestoreFile(snapshot.ID, "a.txt", filepath.Join(dest, "a.txt")))
	require.NoError(t, engine.RestoreFile(snapshot.ID, "b.txt", filepath.Join(dest, "b.txt")))

	assert.Equal(t, sha256Of(t, filepath.Join(source, "a.txt")), sha256Of(t, filepath.Join(dest, "a.txt")))
	assert.Equal(t, sha256Of(t, filepath.Join(source, "b.txt")), sha256Of(t, filepath.Join(dest, "b.txt")))
}

func TestRunChunkLevelDeduplication(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()

	content := []byte("identical content shared across two files")
	writeFile(t, source, "one.txt", content)
	writeFile(t, source, "two.txt", content)

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	// Both files hash to the same single chunk, so only one unique chunk
	// is ever written to disk.
	assert.EqualValues(t, 1, snapshot.UniqueChunks)

	oneHash := snapshot.Files["one.txt"].FileHash
	twoHash := snapshot.Files["two.txt"].FileHash
	assert.Equal(t, oneHash, twoHash)

	entries, err := os.ReadDir(filepath.Join(backupRoot, "chunks", snapshot.Files["one.txt"].Chunks[0].Hash[:2]))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunReBackupUnchangedTreeHasNoNewChunks(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()

	writeFile(t, source, "a.txt", []byte("stable content"))

	engine := NewEngine(backupRoot)
	first, err := engine.Run(source)
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.UniqueChunks)

	second, err := engine.Run(source)
	require.NoError(t, err)
	assert.EqualValues(t, 0, second.UniqueChunks)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestRunLargeFileChunking(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()
	dest := t.TempDir()

	size := 3*chunk.Size + 100
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	writeFile(t, source, "big.bin", data)

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	entry := snapshot.Files["big.bin"]
	require.Len(t, entry.Chunks, 4)
	assert.EqualValues(t, chunk.Size, entry.Chunks[0].Size)
	assert.EqualValues(t, chunk.Size, entry.Chunks[1].Size)
	assert.EqualValues(t, chunk.Size, entry.Chunks[2].Size)
	assert.EqualValues(t, 100, entry.Chunks[3].Size)

	destPath := filepath.Join(dest, "big.bin")
	require.NoError(t, engine.RestoreFile(snapshot.ID, "big.bin", destPath))
	assert.Equal(t, sha256Of(t, filepath.Join(source, "big.bin")), sha256Of(t, destPath))
}

func TestRunEmptyFile(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()
	dest := t.TempDir()

	writeFile(t, source, "empty.txt", []byte{})

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	entry := snapshot.Files["empty.txt"]
	assert.Empty(t, entry.Chunks)
	assert.Empty(t, entry.FileHash)

	destPath := filepath.Join(dest, "empty.txt")
	require.NoError(t, engine.RestoreFile(snapshot.ID, "empty.txt", destPath))
	info, err := os.Stat(destPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestRestoreFileMissingFromSnapshot(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()
	dest := t.TempDir()

	writeFile(t, source, "a.txt", []byte("present"))

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	destPath := filepath.Join(dest, "missing.txt")
	err = engine.RestoreFile(snapshot.ID, "missing.txt", destPath)
	require.ErrorIs(t, err, ErrFileNotInSnapshot)

	_, statErr := os.Stat(destPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunSymlinksNotFollowed(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()

	target := writeFile(t, source, "real.txt", []byte("real content"))
	require.NoError(t, os.Symlink(target, filepath.Join(source, "link.txt")))

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	_, hasReal := snapshot.Files["real.txt"]
	_, hasLink := snapshot.Files["link.txt"]
	assert.True(t, hasReal)
	assert.False(t, hasLink)
}

func TestRunSubdirectoriesRecorded(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()
	dest := t.TempDir()

	writeFile(t, source, filepath.Join("nested", "deep", "c.txt"), []byte("nested file"))

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	entry, ok := snapshot.Files["nested/deep/c.txt"]
	require.True(t, ok)
	assert.False(t, entry.IsDir)

	require.NoError(t, engine.RestoreSnapshot(snapshot.ID, dest))
	assert.Equal(t,
		sha256Of(t, filepath.Join(source, "nested", "deep", "c.txt")),
		sha256Of(t, filepath.Join(dest, "nested", "deep", "c.txt")),
	)
}

func TestPlanDoesNotPersistSnapshot(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()

	writeFile(t, source, "a.txt", []byte("planned but not saved"))

	engine := NewEngine(backupRoot)
	plan, err := engine.Plan(source)
	require.NoError(t, err)
	assert.EqualValues(t, 1, plan.TotalFiles)

	snapshots, err := engine.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestPlanThenRunSkipsRedundantChunkWrites(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()

	writeFile(t, source, "a.txt", []byte("content measured during plan"))

	engine := NewEngine(backupRoot)
	plan, err := engine.Plan(source)
	require.NoError(t, err)
	assert.EqualValues(t, 1, plan.UniqueChunks)

	snapshot, err := engine.Run(source)
	require.NoError(t, err)
	assert.EqualValues(t, 0, snapshot.UniqueChunks)
}

func TestListSnapshotsAndGetSnapshot(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()

	writeFile(t, source, "a.txt", []byte("one"))

	engine := NewEngine(backupRoot)
	first, err := engine.Run(source)
	require.NoError(t, err)

	writeFile(t, source, "b.txt", []byte("two"))
	second, err := engine.Run(source)
	require.NoError(t, err)

	snapshots, err := engine.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	ids := []string{snapshots[0].ID, snapshots[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)

	fetched, err := engine.GetSnapshot(second.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fetched.TotalFiles)
}

func TestRestoreFileVerifyModeDetectsCorruption(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()
	dest := t.TempDir()

	writeFile(t, source, "a.txt", []byte("verify me"))

	engine := NewEngine(backupRoot, WithVerify(true))
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	hash := snapshot.Files["a.txt"].Chunks[0].Hash
	chunkPath := filepath.Join(backupRoot, "chunks", hash[:2], hash)
	require.NoError(t, os.WriteFile(chunkPath, []byte("corrupted!"), 0644))

	err = engine.RestoreFile(snapshot.ID, "a.txt", filepath.Join(dest, "a.txt"))
	require.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestBtoolignoreExcludesMatchedFiles(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()

	writeFile(t, source, ".btoolignore", []byte("*.log\n"))
	writeFile(t, source, "keep.txt", []byte("keep"))
	writeFile(t, source, "skip.log", []byte("skip"))

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	_, hasKeep := snapshot.Files["keep.txt"]
	_, hasSkip := snapshot.Files["skip.log"]
	assert.True(t, hasKeep)
	assert.False(t, hasSkip)
}

func TestRestoreFilePreservesPermissionsAndModTime(t *testing.T) {
	source := t.TempDir()
	backupRoot := t.TempDir()
	dest := t.TempDir()

	path := writeFile(t, source, "a.txt", []byte("permissions matter"))
	require.NoError(t, os.Chmod(path, 0600))
	modTime := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, modTime, modTime))

	engine := NewEngine(backupRoot)
	snapshot, err := engine.Run(source)
	require.NoError(t, err)

	destPath := filepath.Join(dest, "a.txt")
	require.NoError(t, engine.RestoreFile(snapshot.ID, "a.txt", destPath))

	info, err := os.Stat(destPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.WithinDuration(t, modTime, info.ModTime(), time.Second)
}
