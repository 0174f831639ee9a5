package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/network"
	"replog/internal/replica"
	"replog/internal/wire"
)

// testCluster is an in-process group of voting replicas sharing one
// transport and one network view.
type testCluster struct {
	replicas  []*replica.Replica
	addrs     []string
	transport *network.LocalTransport
	net       *network.Network
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()

	c := &testCluster{transport: network.NewLocalTransport()}
	dir := t.TempDir()
	for i := 0; i < size; i++ {
		addr := fmt.Sprintf("replica-%d", i)
		rep, err := replica.Open(filepath.Join(dir, addr))
		require.NoError(t, err)
		require.NoError(t, rep.SetStatus(wire.StatusVoting))
		t.Cleanup(func() { rep.Close() })

		c.replicas = append(c.replicas, rep)
		c.addrs = append(c.addrs, addr)
		c.transport.Register(addr, rep)
	}
	c.net = network.New(c.transport, c.addrs)
	return c
}

// coordinator builds a coordinator for member i with a short phase timeout
// so failure cases resolve quickly.
func (c *testCluster) coordinator(t *testing.T, i int) *Coordinator {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Quorum = len(c.replicas)/2 + 1
	cfg.PhaseTimeout = 100 * time.Millisecond

	coord, err := New(cfg, c.replicas[i], c.net)
	require.NoError(t, err)
	return coord
}

func TestCoordinatorElect(t *testing.T) {
	cluster := newTestCluster(t, 3)
	coord := cluster.coordinator(t, 0)
	ctx := context.Background()

	index, err := coord.Elect(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), index, "a fresh log elects at position zero")
	assert.True(t, coord.Elected())

	t.Run("the election filled position zero with a nop", func(t *testing.T) {
		actions, err := cluster.replicas[0].Read(0, 0)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.True(t, actions[0].IsLearned())
		assert.Equal(t, wire.ActionNop, actions[0].Type)
	})
}

func TestCoordinatorAppendAndTruncate(t *testing.T) {
	cluster := newTestCluster(t, 3)
	coord := cluster.coordinator(t, 0)
	ctx := context.Background()

	_, err := coord.Elect(ctx)
	require.NoError(t, err)

	position, err := coord.Append(ctx, []byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), position)

	position, err = coord.Append(ctx, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), position)
	assert.Equal(t, uint64(2), coord.Index())

	t.Run("appends replicate to the whole group", func(t *testing.T) {
		for i, rep := range cluster.replicas {
			rep := rep
			require.Eventually(t, func() bool {
				if rep.End() < 2 {
					return false
				}
				actions, err := rep.Read(1, 1)
				return err == nil && len(actions) == 1 && actions[0].IsLearned()
			}, 2*time.Second, 10*time.Millisecond, "replica %d never learned position 1", i)
		}
	})

	t.Run("truncate occupies its own position", func(t *testing.T) {
		position, err := coord.Truncate(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), position)

		require.Eventually(t, func() bool {
			return cluster.replicas[0].Begin() == 2
		}, 2*time.Second, 10*time.Millisecond)

		_, err = cluster.replicas[0].Read(1, 3)
		assert.ErrorIs(t, err, replica.ErrReadRangeTruncated)
	})
}

func TestCoordinatorNotElected(t *testing.T) {
	cluster := newTestCluster(t, 3)
	coord := cluster.coordinator(t, 0)

	_, err := coord.Append(context.Background(), []byte("too early"))
	assert.ErrorIs(t, err, ErrNotElected)

	_, err = coord.Truncate(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotElected)
}

func TestCoordinatorElectionPendsWithoutQuorum(t *testing.T) {
	cluster := newTestCluster(t, 3)
	cluster.transport.Drop("replica-1")
	cluster.transport.Drop("replica-2")

	coord := cluster.coordinator(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := coord.Elect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded,
		"an election without quorum stays pending until the caller gives up")
	assert.False(t, coord.Elected())

	t.Run("the election succeeds once the partition heals", func(t *testing.T) {
		cluster.transport.Restore("replica-1")
		cluster.transport.Restore("replica-2")

		index, err := coord.Elect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(0), index)
	})
}

func TestCoordinatorDemotion(t *testing.T) {
	cluster := newTestCluster(t, 3)
	ctx := context.Background()

	first := cluster.coordinator(t, 0)
	_, err := first.Elect(ctx)
	require.NoError(t, err)

	second := cluster.coordinator(t, 1)
	_, err = second.Elect(ctx)
	require.NoError(t, err, "a newer election supersedes the old coordinator")

	_, err = first.Append(ctx, []byte("from the usurped"))
	assert.ErrorIs(t, err, ErrDemoted)
	assert.False(t, first.Elected())

	t.Run("the new coordinator keeps writing", func(t *testing.T) {
		position, err := second.Append(ctx, []byte("from the usurper"))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), position)
	})

	t.Run("the demoted coordinator can be elected again", func(t *testing.T) {
		index, err := first.Elect(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), index)

		position, err := first.Append(ctx, []byte("back in charge"))
		require.NoError(t, err)
		assert.Equal(t, uint64(2), position)
	})
}

func TestFill(t *testing.T) {
	cluster := newTestCluster(t, 3)
	ctx := context.Background()
	quorum := 2
	timeout := 100 * time.Millisecond

	t.Run("an untouched position converges on the fallback", func(t *testing.T) {
		fallback := &wire.Action{Position: 0, Type: wire.ActionNop}
		action, err := Fill(ctx, cluster.net, quorum, timeout, 1, 0, fallback)
		require.NoError(t, err)
		assert.Equal(t, wire.ActionNop, action.Type)
		assert.True(t, action.IsLearned())
	})

	t.Run("a performed action wins over the fallback", func(t *testing.T) {
		// One replica accepted an append at position 1 from a proposer
		// that died before announcing it.
		_, err := cluster.replicas[2].Write(ctx, &wire.WriteRequest{
			Proposal: 2,
			Position: 1,
			Type:     wire.ActionAppend,
			Append:   []byte("orphaned"),
		})
		require.NoError(t, err)

		fallback := &wire.Action{Position: 1, Type: wire.ActionNop}
		action, err := Fill(ctx, cluster.net, 3, timeout, 3, 1, fallback)
		require.NoError(t, err)
		assert.Equal(t, wire.ActionAppend, action.Type)
		assert.Equal(t, []byte("orphaned"), action.Append)
	})

	t.Run("a higher promise conflicts", func(t *testing.T) {
		position := uint64(2)
		_, err := cluster.replicas[0].Promise(ctx, &wire.PromiseRequest{Proposal: 10, Position: &position})
		require.NoError(t, err)

		fallback := &wire.Action{Position: position, Type: wire.ActionNop}
		_, err = Fill(ctx, cluster.net, 3, timeout, 5, position, fallback)

		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, uint64(10), conflict.Proposal)
	})
}
