package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/network"
	"replog/internal/wire"
)

// serveTestReplica serves a voting replica over a real gRPC listener and
// returns its address.
func serveTestReplica(t *testing.T) (*Replica, string) {
	t.Helper()

	rep := votingTestReplica(t)
	srv, err := NewServer(rep, nil)
	require.NoError(t, err)

	go srv.Start()
	t.Cleanup(srv.ForceShutdown)

	return rep, srv.Addr()
}

func TestServerRoundTrips(t *testing.T) {
	rep, addr := serveTestReplica(t)

	transport := network.NewGRPCTransport()
	t.Cleanup(transport.CloseAllClients)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("promise", func(t *testing.T) {
		resp, err := transport.Promise(ctx, addr, &wire.PromiseRequest{Proposal: 3})
		require.NoError(t, err)
		assert.True(t, resp.Okay)
		assert.Equal(t, uint64(3), resp.Proposal)
		require.NotNil(t, resp.Position)
		assert.Equal(t, uint64(0), *resp.Position)
	})

	t.Run("write", func(t *testing.T) {
		resp, err := transport.Write(ctx, addr, &wire.WriteRequest{
			Proposal: 3,
			Position: 1,
			Type:     wire.ActionAppend,
			Append:   []byte("over the wire"),
		})
		require.NoError(t, err)
		assert.True(t, resp.Okay)
	})

	t.Run("learned", func(t *testing.T) {
		_, err := transport.Learned(ctx, addr, &wire.LearnedMessage{Action: &wire.Action{
			Position: 1,
			Promised: 3,
			Type:     wire.ActionAppend,
			Append:   []byte("over the wire"),
		}})
		require.NoError(t, err)

		actions, err := rep.Read(1, 1)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.True(t, actions[0].IsLearned())
		assert.Equal(t, []byte("over the wire"), actions[0].Append)
	})

	t.Run("recover", func(t *testing.T) {
		resp, err := transport.Recover(ctx, addr, &wire.RecoverRequest{})
		require.NoError(t, err)
		assert.Equal(t, wire.StatusVoting, resp.Status)
		assert.Equal(t, uint64(1), resp.End)
	})
}

func TestServerUnreachablePeer(t *testing.T) {
	transport := network.NewGRPCTransport()
	t.Cleanup(transport.CloseAllClients)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := transport.Recover(ctx, "localhost:1", &wire.RecoverRequest{})
	assert.Error(t, err)
}
