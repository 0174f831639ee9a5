package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/network"
	"replog/internal/replica"
	"replog/internal/wire"
)

// testGroup is an in-process group of replicas in arbitrary statuses
// sharing one transport.
type testGroup struct {
	replicas  []*replica.Replica
	addrs     []string
	transport *network.LocalTransport
	networks  []*network.Network
}

func newTestGroup(t *testing.T, size int) *testGroup {
	t.Helper()

	g := &testGroup{transport: network.NewLocalTransport()}
	dir := t.TempDir()
	for i := 0; i < size; i++ {
		addr := fmt.Sprintf("replica-%d", i)
		rep, err := replica.Open(filepath.Join(dir, addr))
		require.NoError(t, err)
		t.Cleanup(func() { rep.Close() })

		g.replicas = append(g.replicas, rep)
		g.addrs = append(g.addrs, addr)
		g.transport.Register(addr, rep)
	}
	for range g.replicas {
		g.networks = append(g.networks, network.New(g.transport, g.addrs))
	}
	return g
}

// fastConfig returns a recovery config with short intervals so tests
// resolve quickly.
func fastConfig(quorum int, autoInitialize bool) *Config {
	cfg := DefaultConfig()
	cfg.Quorum = quorum
	cfg.AutoInitialize = autoInitialize
	cfg.RetryInterval = 50 * time.Millisecond
	cfg.PhaseTimeout = 100 * time.Millisecond
	return cfg
}

func TestRecoverAlreadyVoting(t *testing.T) {
	group := newTestGroup(t, 1)
	require.NoError(t, group.replicas[0].SetStatus(wire.StatusVoting))

	err := Recover(context.Background(), group.replicas[0], group.networks[0], fastConfig(1, false))
	assert.NoError(t, err, "a voting replica recovers without touching the group")
}

func TestRecoverAutoInitialize(t *testing.T) {
	group := newTestGroup(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, len(group.replicas))
	for i, rep := range group.replicas {
		wg.Add(1)
		go func(i int, rep *replica.Replica) {
			defer wg.Done()
			errs[i] = Recover(ctx, rep, group.networks[i], fastConfig(2, true))
		}(i, rep)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "replica %d", i)
		assert.Equal(t, wire.StatusVoting, group.replicas[i].Status())
	}
}

func TestRecoverAutoInitializeWaitsForTheWholeGroup(t *testing.T) {
	group := newTestGroup(t, 3)
	group.transport.Drop("replica-2")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = Recover(ctx, group.replicas[i], group.networks[i], fastConfig(2, true))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, errs[i], context.DeadlineExceeded,
			"replica %d must not initialize while a member is unreachable", i)
		assert.NotEqual(t, wire.StatusVoting, group.replicas[i].Status())
	}
}

func TestRecoverWithoutAutoInitializePends(t *testing.T) {
	group := newTestGroup(t, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := Recover(ctx, group.replicas[0], group.networks[0], fastConfig(2, false))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, wire.StatusEmpty, group.replicas[0].Status())
}

func TestRecoverCatchesUpFromQuorum(t *testing.T) {
	group := newTestGroup(t, 3)
	ctx := context.Background()

	// Two members hold a settled log; the third starts empty.
	for _, rep := range group.replicas[:2] {
		require.NoError(t, rep.SetStatus(wire.StatusVoting))
		for p := uint64(0); p <= 3; p++ {
			_, err := rep.Learned(ctx, &wire.LearnedMessage{Action: &wire.Action{
				Position: p,
				Promised: 1,
				Type:     wire.ActionAppend,
				Append:   []byte{byte(p)},
			}})
			require.NoError(t, err)
		}
	}

	recoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := Recover(recoverCtx, group.replicas[2], group.networks[2], fastConfig(2, false))
	require.NoError(t, err)

	joined := group.replicas[2]
	assert.Equal(t, wire.StatusVoting, joined.Status())
	assert.Equal(t, uint64(3), joined.End())
	assert.Empty(t, joined.Missing(3))

	actions, err := joined.Read(0, 3)
	require.NoError(t, err)
	for p, action := range actions {
		assert.True(t, action.IsLearned())
		assert.Equal(t, []byte{byte(p)}, action.Append)
	}
}

func TestCatchupLearnsChosenValues(t *testing.T) {
	group := newTestGroup(t, 3)
	ctx := context.Background()

	for _, rep := range group.replicas {
		require.NoError(t, rep.SetStatus(wire.StatusVoting))
	}

	// Position 0 was accepted on one member only; the catch-up must still
	// converge on it rather than a nop.
	_, err := group.replicas[1].Write(ctx, &wire.WriteRequest{
		Proposal: 1,
		Position: 0,
		Type:     wire.ActionAppend,
		Append:   []byte("survivor"),
	})
	require.NoError(t, err)

	err = Catchup(ctx, group.replicas[0], group.networks[0], 3, 0, []uint64{0, 1}, time.Second, nil)
	require.NoError(t, err)

	actions, err := group.replicas[0].Read(0, 1)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, wire.ActionAppend, actions[0].Type)
	assert.Equal(t, []byte("survivor"), actions[0].Append)
	assert.Equal(t, wire.ActionNop, actions[1].Type, "an untouched position fills with a nop")
}

func TestCatchupRetriesPastAConflict(t *testing.T) {
	group := newTestGroup(t, 3)
	ctx := context.Background()

	for _, rep := range group.replicas {
		require.NoError(t, rep.SetStatus(wire.StatusVoting))
	}

	// A member already promised a high proposal for the position, so the
	// first rounds conflict until the catch-up bumps past it.
	position := uint64(0)
	_, err := group.replicas[2].Promise(ctx, &wire.PromiseRequest{Proposal: 7, Position: &position})
	require.NoError(t, err)

	err = Catchup(ctx, group.replicas[0], group.networks[0], 3, 1, []uint64{0}, time.Second, nil)
	require.NoError(t, err)

	actions, err := group.replicas[0].Read(0, 0)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.True(t, actions[0].IsLearned())
}
