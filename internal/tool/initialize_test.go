package tool

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/replica"
	"replog/internal/wire"
)

func TestInitialize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")

	require.NoError(t, Initialize(path, nil))

	rep, err := replica.Open(path)
	require.NoError(t, err)
	defer rep.Close()
	assert.Equal(t, wire.StatusVoting, rep.Status())
}

func TestInitializeIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")

	require.NoError(t, Initialize(path, nil))
	require.NoError(t, Initialize(path, nil))

	rep, err := replica.Open(path)
	require.NoError(t, err)
	defer rep.Close()
	assert.Equal(t, wire.StatusVoting, rep.Status())
}

func TestInitializePreservesThePromise(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")

	rep, err := replica.Open(path)
	require.NoError(t, err)
	require.NoError(t, rep.SetStatus(wire.StatusVoting))
	_, err = rep.Promise(context.Background(), &wire.PromiseRequest{Proposal: 9})
	require.NoError(t, err)
	require.NoError(t, rep.SetStatus(wire.StatusRecovering))
	require.NoError(t, rep.Close())

	require.NoError(t, Initialize(path, nil))

	reopened, err := replica.Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, wire.StatusVoting, reopened.Status())
	assert.Equal(t, uint64(9), reopened.Promised())
}
