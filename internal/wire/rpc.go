package wire

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service every replica serves.
const ServiceName = "replog.Replica"

// Full method names for client-side Invoke calls.
const (
	MethodPromise = "/" + ServiceName + "/Promise"
	MethodWrite   = "/" + ServiceName + "/Write"
	MethodLearned = "/" + ServiceName + "/Learned"
	MethodRecover = "/" + ServiceName + "/Recover"
)

// ReplicaServer is the server-side contract of the replica RPC service.
type ReplicaServer interface {
	Promise(ctx context.Context, req *PromiseRequest) (*PromiseResponse, error)
	Write(ctx context.Context, req *WriteRequest) (*WriteResponse, error)
	Learned(ctx context.Context, msg *LearnedMessage) (*LearnedResponse, error)
	Recover(ctx context.Context, req *RecoverRequest) (*RecoverResponse, error)
}

// Codec marshals the protocol messages for gRPC. The service is registered
// with grpc.ForceServerCodec and clients call with grpc.ForceCodec, so the
// standard proto codec is never consulted.
type Codec struct{}

// CodecName identifies the codec to grpc.
const CodecName = "replog-wire"

func (Codec) Name() string { return CodecName }

func (Codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, fmt.Errorf("codec: cannot marshal %T", v)
	}
	return m.MarshalWire()
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(Message)
	if !ok {
		return fmt.Errorf("codec: cannot unmarshal into %T", v)
	}
	return m.UnmarshalWire(data)
}

func promiseHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PromiseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Promise(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPromise}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Promise(ctx, req.(*PromiseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func writeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WriteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Write(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodWrite}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Write(ctx, req.(*WriteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func learnedHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(LearnedMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Learned(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLearned}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Learned(ctx, req.(*LearnedMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func recoverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RecoverRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicaServer).Recover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRecover}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicaServer).Recover(ctx, req.(*RecoverRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ReplicaServiceDesc describes the replica service for grpc registration.
var ReplicaServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReplicaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Promise", Handler: promiseHandler},
		{MethodName: "Write", Handler: writeHandler},
		{MethodName: "Learned", Handler: learnedHandler},
		{MethodName: "Recover", Handler: recoverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replog/replica.proto",
}

// RegisterReplicaServer registers the replica service implementation with a
// grpc server.
func RegisterReplicaServer(s grpc.ServiceRegistrar, srv ReplicaServer) {
	s.RegisterService(&ReplicaServiceDesc, srv)
}
