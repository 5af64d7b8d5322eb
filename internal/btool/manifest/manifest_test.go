package manifest

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gingerrexayers/btool-go/internal/btool/chunk"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New(t.TempDir())
	require.NoError(t, m.Init())
	return m
}

func TestCreateProducesFreshSnapshot(t *testing.T) {
	m := newTestManager(t)
	s1 := m.Create("/src")
	s2 := m.Create("/src")

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, Version, s1.Version)
	assert.Equal(t, "/src", s1.SourcePath)
	assert.Empty(t, s1.Files)
}

func TestAddFileAccounting(t *testing.T) {
	m := newTestManager(t)
	s := m.Create("/src")

	err := s.AddFile("a.txt", 13, time.Now(), 0644, false, []chunk.Descriptor{{Hash: "h1", Size: 13}}, "h1")
	require.NoError(t, err)
	err = s.AddFile("b.txt", 19, time.Now(), 0644, false, []chunk.Descriptor{{Hash: "h2", Size: 19}}, "h2")
	require.NoError(t, err)

	assert.EqualValues(t, 2, s.TotalFiles)
	assert.EqualValues(t, 32, s.TotalSize)
}

func TestAddFileRejectsDuplicatePath(t *testing.T) {
	m := newTestManager(t)
	s := m.Create("/src")

	require.NoError(t, s.AddFile("a.txt", 1, time.Now(), 0644, false, nil, ""))
	err := s.AddFile("a.txt", 1, time.Now(), 0644, false, nil, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicatePath)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	s := m.Create("/src")
	require.NoError(t, s.AddFile("a.txt", 13, time.Now().Truncate(time.Second), 0644, false,
		[]chunk.Descriptor{{Hash: "abc", Size: 13, Path: "chunks/ab/abc"}}, "abc"))

	require.NoError(t, m.Save(s))

	loaded, err := m.Load(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, loaded.ID)
	assert.Equal(t, s.TotalSize, loaded.TotalSize)
	require.Contains(t, loaded.Files, "a.txt")
	assert.Equal(t, "abc", loaded.Files["a.txt"].FileHash)
}

func TestSaveUpdatesLatestPointer(t *testing.T) {
	m := newTestManager(t)

	s1 := m.Create("/src")
	require.NoError(t, m.Save(s1))

	s2 := m.Create("/src")
	require.NoError(t, m.Save(s2))

	latest, err := m.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, s2.ID, latest.ID)
}

func TestLoadMissingSnapshot(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Load("does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadCorruptManifest(t *testing.T) {
	m := newTestManager(t)
	s := m.Create("/src")
	require.NoError(t, m.Save(s))

	corruptPath := m.dir() + "/" + s.ID + ".json"
	require.NoError(t, writeCorrupt(corruptPath))

	_, err := m.Load(s.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestListSkipsLatestAndCorruptEntries(t *testing.T) {
	m := newTestManager(t)
	s1 := m.Create("/src")
	require.NoError(t, m.Save(s1))
	s2 := m.Create("/src")
	require.NoError(t, m.Save(s2))

	require.NoError(t, writeCorrupt(m.dir()+"/broken.json"))

	snapshots, err := m.List()
	require.NoError(t, err)
	assert.Len(t, snapshots, 2)
}

func TestListEmptyDirectory(t *testing.T) {
	m := newTestManager(t)
	snapshots, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func writeCorrupt(path string) error {
	return os.WriteFile(path, []byte("{not valid json"), 0644)
}
