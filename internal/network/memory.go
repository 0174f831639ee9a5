package network

import (
	"context"
	"fmt"
	"sync"

	"replog/internal/wire"
)

// LocalTransport delivers messages to replica servers registered in the
// same process. Tests and the demo use it to run whole groups without
// sockets. A dropped address behaves like a network partition: calls hang
// until the caller's context expires.
type LocalTransport struct {
	mu      sync.Mutex
	servers map[string]wire.ReplicaServer
	dropped map[string]bool
}

// NewLocalTransport creates an empty in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{
		servers: make(map[string]wire.ReplicaServer),
		dropped: make(map[string]bool),
	}
}

// Register makes the server reachable at addr.
func (t *LocalTransport) Register(addr string, srv wire.ReplicaServer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.servers[addr] = srv
}

// Unregister removes the server at addr. Subsequent calls to it fail
// immediately.
func (t *LocalTransport) Unregister(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.servers, addr)
}

// Drop simulates a partition of addr: messages to it are silently lost.
func (t *LocalTransport) Drop(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped[addr] = true
}

// Restore undoes Drop.
func (t *LocalTransport) Restore(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.dropped, addr)
}

// lookup resolves addr, reporting whether messages to it are being dropped.
func (t *LocalTransport) lookup(addr string) (wire.ReplicaServer, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dropped[addr] {
		return nil, true, nil
	}
	srv, ok := t.servers[addr]
	if !ok {
		return nil, false, fmt.Errorf("no replica registered at %s", addr)
	}
	return srv, false, nil
}

// hang blocks until the context expires, mimicking a message lost on the
// wire.
func hang(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (t *LocalTransport) Promise(ctx context.Context, addr string, req *wire.PromiseRequest) (*wire.PromiseResponse, error) {
	srv, dropped, err := t.lookup(addr)
	if err != nil {
		return nil, err
	}
	if dropped {
		return nil, hang(ctx)
	}
	return srv.Promise(ctx, req)
}

func (t *LocalTransport) Write(ctx context.Context, addr string, req *wire.WriteRequest) (*wire.WriteResponse, error) {
	srv, dropped, err := t.lookup(addr)
	if err != nil {
		return nil, err
	}
	if dropped {
		return nil, hang(ctx)
	}
	return srv.Write(ctx, req)
}

func (t *LocalTransport) Learned(ctx context.Context, addr string, msg *wire.LearnedMessage) (*wire.LearnedResponse, error) {
	srv, dropped, err := t.lookup(addr)
	if err != nil {
		return nil, err
	}
	if dropped {
		return nil, hang(ctx)
	}
	return srv.Learned(ctx, msg)
}

func (t *LocalTransport) Recover(ctx context.Context, addr string, req *wire.RecoverRequest) (*wire.RecoverResponse, error) {
	srv, dropped, err := t.lookup(addr)
	if err != nil {
		return nil, err
	}
	if dropped {
		return nil, hang(ctx)
	}
	return srv.Recover(ctx, req)
}
