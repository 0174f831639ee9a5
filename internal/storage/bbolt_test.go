package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/wire"
)

func createTempDB(t *testing.T) (*BboltDb, string, func()) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "replica.db")

	db, err := NewBboltStorage(dbPath)
	require.NoError(t, err)
	require.NotNil(t, db)

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, dbPath, cleanup
}

func learnedAppend(position, proposal uint64, data []byte) *wire.Action {
	p := proposal
	l := true
	return &wire.Action{
		Position:  position,
		Promised:  proposal,
		Performed: &p,
		Learned:   &l,
		Type:      wire.ActionAppend,
		Append:    data,
	}
}

func TestNewBboltStorage(t *testing.T) {
	t.Run("creates new database successfully", func(t *testing.T) {
		db, dbPath, cleanup := createTempDB(t)
		defer cleanup()

		assert.NotNil(t, db)

		_, err := os.Stat(dbPath)
		assert.NoError(t, err)
	})

	t.Run("fails with invalid path", func(t *testing.T) {
		db, err := NewBboltStorage("/invalid/path/that/does/not/exist/replica.db")
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestBboltStorage_PersistAndRead(t *testing.T) {
	db, _, cleanup := createTempDB(t)
	defer cleanup()

	t.Run("persists and reads back a record", func(t *testing.T) {
		action := learnedAppend(1, 2, []byte("hello world"))
		require.NoError(t, db.Persist(action))

		got, err := db.Read(1)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.Position)
		assert.Equal(t, []byte("hello world"), got.Append)
		assert.True(t, got.IsLearned())
	})

	t.Run("overwrites a record at the same position", func(t *testing.T) {
		promiseOnly := &wire.Action{Position: 5, Promised: 1}
		require.NoError(t, db.Persist(promiseOnly))

		got, err := db.Read(5)
		require.NoError(t, err)
		assert.Nil(t, got.Performed)

		require.NoError(t, db.Persist(learnedAppend(5, 3, []byte("value"))))

		got, err = db.Read(5)
		require.NoError(t, err)
		require.NotNil(t, got.Performed)
		assert.Equal(t, uint64(3), *got.Performed)
	})

	t.Run("missing position is an error", func(t *testing.T) {
		_, err := db.Read(99)
		assert.Error(t, err)
	})
}

func TestBboltStorage_Restore(t *testing.T) {
	t.Run("fresh store restores to empty defaults", func(t *testing.T) {
		db, _, cleanup := createTempDB(t)
		defer cleanup()

		state, err := db.Restore()
		require.NoError(t, err)
		assert.Equal(t, wire.StatusEmpty, state.Metadata.Status)
		assert.Equal(t, uint64(0), state.Metadata.Promised)
		assert.Equal(t, uint64(0), state.Begin)
		assert.Equal(t, uint64(0), state.End)
		assert.Empty(t, state.Missing)
	})

	t.Run("restore survives reopen", func(t *testing.T) {
		db, dbPath, cleanup := createTempDB(t)
		defer cleanup()

		require.NoError(t, db.Persist(learnedAppend(0, 1, nil)))
		require.NoError(t, db.Persist(learnedAppend(1, 1, []byte("a"))))
		// Position 2 was promised and accepted but never learned.
		p := uint64(1)
		require.NoError(t, db.Persist(&wire.Action{
			Position: 2, Promised: 1, Performed: &p,
			Type: wire.ActionAppend, Append: []byte("b"),
		}))
		require.NoError(t, db.PersistMetadata(&wire.Metadata{Status: wire.StatusVoting, Promised: 4}))
		require.NoError(t, db.Close())

		reopened, err := NewBboltStorage(dbPath)
		require.NoError(t, err)
		defer reopened.Close()

		state, err := reopened.Restore()
		require.NoError(t, err)
		assert.Equal(t, wire.StatusVoting, state.Metadata.Status)
		assert.Equal(t, uint64(4), state.Metadata.Promised)
		assert.Equal(t, uint64(0), state.Begin)
		assert.Equal(t, uint64(2), state.End)
		assert.Equal(t, []uint64{2}, state.Missing)
	})
}

func TestBboltStorage_LearnedTruncateDeletesBelow(t *testing.T) {
	db, _, cleanup := createTempDB(t)
	defer cleanup()

	for i := uint64(0); i < 10; i++ {
		require.NoError(t, db.Persist(learnedAppend(i, 1, []byte{byte(i)})))
	}

	to := uint64(7)
	p := uint64(2)
	l := true
	require.NoError(t, db.Persist(&wire.Action{
		Position: 10, Promised: 2, Performed: &p, Learned: &l,
		Type: wire.ActionTruncate, TruncateTo: &to,
	}))

	for i := uint64(0); i < 7; i++ {
		_, err := db.Read(i)
		assert.Error(t, err, "position %d should have been deleted", i)
	}
	for i := uint64(7); i <= 10; i++ {
		_, err := db.Read(i)
		assert.NoError(t, err, "position %d should have survived", i)
	}

	state, err := db.Restore()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), state.Begin)
	assert.Equal(t, uint64(10), state.End)
}

func TestBboltStorage_TruncateCostIsBoundedByRecords(t *testing.T) {
	db, _, cleanup := createTempDB(t)
	defer cleanup()

	// Only two records exist, far apart. The truncate spans a gap of
	// twenty million positions and must still complete quickly because
	// deletion walks records, not positions.
	require.NoError(t, db.Persist(learnedAppend(0, 1, []byte("old"))))

	const far = uint64(2e7)
	require.NoError(t, db.Persist(learnedAppend(far, 1, []byte("new"))))

	to := far
	p := uint64(2)
	l := true
	require.NoError(t, db.Persist(&wire.Action{
		Position: far + 1, Promised: 2, Performed: &p, Learned: &l,
		Type: wire.ActionTruncate, TruncateTo: &to,
	}))

	_, err := db.Read(0)
	assert.Error(t, err)
	_, err = db.Read(far)
	assert.NoError(t, err)
}
