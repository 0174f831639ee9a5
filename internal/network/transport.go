package network

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"replog/internal/wire"
)

// Transport sends protocol messages to a single replica address.
type Transport interface {
	Promise(ctx context.Context, addr string, req *wire.PromiseRequest) (*wire.PromiseResponse, error)
	Write(ctx context.Context, addr string, req *wire.WriteRequest) (*wire.WriteResponse, error)
	Learned(ctx context.Context, addr string, msg *wire.LearnedMessage) (*wire.LearnedResponse, error)
	Recover(ctx context.Context, addr string, req *wire.RecoverRequest) (*wire.RecoverResponse, error)
}

// GRPCTransport reaches replicas over gRPC, keeping one client connection
// per address.
type GRPCTransport struct {
	// A map[string]*grpc.ClientConn of established connections.
	// sync.Map provides thread-safe access and is optimized for the
	// read-mostly pattern of a stable member set.
	clientsConnPool *sync.Map
}

// NewGRPCTransport creates an empty transport. Connections are established
// lazily on first use.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{clientsConnPool: &sync.Map{}}
}

// getClientConn returns the connection for addr, dialing one if needed.
func (t *GRPCTransport) getClientConn(addr string) (*grpc.ClientConn, error) {
	if existing, ok := t.clientsConnPool.Load(addr); ok {
		conn, ok := existing.(*grpc.ClientConn)
		if !ok {
			return nil, fmt.Errorf("invalid clientConn type for %v: %T", addr, existing)
		}
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to establish gRPC channel to %s: %w", addr, err)
	}

	// Another goroutine may have raced us; keep whichever won.
	actual, loaded := t.clientsConnPool.LoadOrStore(addr, conn)
	if loaded {
		conn.Close()
	}
	return actual.(*grpc.ClientConn), nil
}

func (t *GRPCTransport) Promise(ctx context.Context, addr string, req *wire.PromiseRequest) (*wire.PromiseResponse, error) {
	conn, err := t.getClientConn(addr)
	if err != nil {
		return nil, err
	}
	resp := &wire.PromiseResponse{}
	if err := conn.Invoke(ctx, wire.MethodPromise, req, resp, grpc.ForceCodec(wire.Codec{})); err != nil {
		return nil, fmt.Errorf("Promise to %s: %w", addr, err)
	}
	return resp, nil
}

func (t *GRPCTransport) Write(ctx context.Context, addr string, req *wire.WriteRequest) (*wire.WriteResponse, error) {
	conn, err := t.getClientConn(addr)
	if err != nil {
		return nil, err
	}
	resp := &wire.WriteResponse{}
	if err := conn.Invoke(ctx, wire.MethodWrite, req, resp, grpc.ForceCodec(wire.Codec{})); err != nil {
		return nil, fmt.Errorf("Write to %s: %w", addr, err)
	}
	return resp, nil
}

func (t *GRPCTransport) Learned(ctx context.Context, addr string, msg *wire.LearnedMessage) (*wire.LearnedResponse, error) {
	conn, err := t.getClientConn(addr)
	if err != nil {
		return nil, err
	}
	resp := &wire.LearnedResponse{}
	if err := conn.Invoke(ctx, wire.MethodLearned, msg, resp, grpc.ForceCodec(wire.Codec{})); err != nil {
		return nil, fmt.Errorf("Learned to %s: %w", addr, err)
	}
	return resp, nil
}

func (t *GRPCTransport) Recover(ctx context.Context, addr string, req *wire.RecoverRequest) (*wire.RecoverResponse, error) {
	conn, err := t.getClientConn(addr)
	if err != nil {
		return nil, err
	}
	resp := &wire.RecoverResponse{}
	if err := conn.Invoke(ctx, wire.MethodRecover, req, resp, grpc.ForceCodec(wire.Codec{})); err != nil {
		return nil, fmt.Errorf("Recover to %s: %w", addr, err)
	}
	return resp, nil
}

// RemovePeer closes and removes the connection for a peer that left.
func (t *GRPCTransport) RemovePeer(addr string) {
	if value, ok := t.clientsConnPool.LoadAndDelete(addr); ok {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
	}
}

// CloseAllClients closes every client connection.
func (t *GRPCTransport) CloseAllClients() {
	// Range is a thread-safe way to iterate over a sync.Map.
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
		t.clientsConnPool.Delete(key)
		return true
	})
}
