package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := NewBoltDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestEntries(t *testing.T) {
	db, _ := openTestDB(t)

	entry, err := db.GetEntry("primary", "a.txt")
	require.NoError(t, err)
	assert.Nil(t, entry)

	mod := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.PutEntry("primary", &RemoteEntry{RelPath: "a.txt", FileSize: 3, ModTime: mod.UnixNano()}))
	require.NoError(t, db.PutEntry("primary", &RemoteEntry{RelPath: "docs/b.txt", FileSize: 4}))
	require.NoError(t, db.PutEntry("primary", &RemoteEntry{RelPath: "docs/deep/c.txt", FileSize: 5}))
	require.NoError(t, db.PutEntry("primary", &RemoteEntry{RelPath: "docsx.txt", FileSize: 6}))
	require.NoError(t, db.PutEntry("backup", &RemoteEntry{RelPath: "a.txt"}))

	entry, err = db.GetEntry("primary", "a.txt")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(3), entry.FileSize)
	assert.True(t, entry.ModTimeAsTime().Equal(mod))
	assert.NotZero(t, entry.LastSyncTime)

	require.NoError(t, db.RenameEntry("primary", "docs", "archive"))
	all, err := db.ListEntries("primary")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "archive/b.txt", "archive/deep/c.txt", "docsx.txt"}, keys(all))
	assert.Equal(t, "archive/deep/c.txt", all["archive/deep/c.txt"].RelPath)

	require.NoError(t, db.DeleteEntry("primary", "archive"))
	require.NoError(t, db.DeleteEntry("primary", "a.txt"))
	all, err = db.ListEntries("primary")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"docsx.txt"}, keys(all))

	other, err := db.ListEntries("backup")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestTasksSurviveReopen(t *testing.T) {
	db, path := openTestDB(t)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		seq, err := db.NextSequence("primary")
		require.NoError(t, err)
		seqs = append(seqs, seq)
		require.NoError(t, db.PutTask("primary", &TaskRecord{Seq: seq, Op: "UPLOAD", TargetPath: "f"}))
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
	require.NoError(t, db.DeleteTask("primary", 2))
	require.NoError(t, db.PutTask("primary", &TaskRecord{Seq: 3, Op: "UPLOAD", TargetPath: "f", AttemptCount: 2}))
	require.NoError(t, db.Close())

	db, err := NewBoltDB(path)
	require.NoError(t, err)
	defer db.Close()

	tasks, err := db.LoadTasks("primary")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, uint64(1), tasks[0].Seq)
	assert.Equal(t, uint64(3), tasks[1].Seq)
	assert.Equal(t, 2, tasks[1].AttemptCount)

	seq, err := db.NextSequence("primary")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	none, err := db.LoadTasks("unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func keys(m map[string]*RemoteEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
