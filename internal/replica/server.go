package replica

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"replog/internal"
	"replog/internal/logging"
	"replog/internal/wire"
)

// ServerConfig holds the settings for serving a replica over gRPC.
type ServerConfig struct {
	// Addr is the address to listen on, e.g. "localhost:5050". A port of
	// zero picks a free one.
	Addr string
	// ConnectionTimeout bounds how long a new connection may take to
	// establish.
	ConnectionTimeout time.Duration
	// Logger for serving events.
	Logger logging.Logger
}

// DefaultServerConfig returns a ServerConfig with sensible default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:              "localhost:0",
		ConnectionTimeout: 30 * time.Second,
		Logger:            &logging.NopLogger{},
	}
}

func validateServerConfig(cfg *ServerConfig) error {
	if cfg.Addr == "" {
		return fmt.Errorf("server address must not be empty")
	}
	if cfg.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive, got %v", cfg.ConnectionTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.NopLogger{}
	}
	return nil
}

// Server exposes a Replica as the gRPC replica service.
type Server struct {
	replica    *Replica
	grpcServer *grpc.Server
	listener   net.Listener
	addr       string
	log        logging.Logger
}

// NewServer binds a listener for the replica service. Serving starts on
// Start; the listener is bound here so Addr is known immediately even with
// a zero port.
func NewServer(rep *Replica, cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if err := validateServerConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.ConnectionTimeout(cfg.ConnectionTimeout),
		grpc.ForceServerCodec(wire.Codec{}),
		grpc.UnaryInterceptor(requestInterceptor(cfg.Logger)),
	)
	wire.RegisterReplicaServer(grpcServer, rep)

	return &Server{
		replica:    rep,
		grpcServer: grpcServer,
		listener:   lis,
		addr:       lis.Addr().String(),
		log:        cfg.Logger,
	}, nil
}

// requestInterceptor tags every incoming request with a correlation id and
// logs failed ones.
func requestInterceptor(log logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler) (interface{}, error) {

		ctx = internal.WithRequestID(ctx, uuid.NewString())
		resp, err := handler(ctx, req)
		if err != nil {
			id, _ := internal.RequestID(ctx)
			log.Debugf("request %s (%s) failed: %v", info.FullMethod, id, err)
		}
		return resp, err
	}
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start serves the replica service. It blocks until the server stops, so
// callers usually run it in a goroutine.
func (s *Server) Start() error {
	s.log.Infof("replica serving on %s", s.addr)
	return s.grpcServer.Serve(s.listener)
}

// GracefulShutdown stops accepting new requests and waits for pending ones
// to finish.
func (s *Server) GracefulShutdown() {
	s.log.Infof("shutting down replica server on %s gracefully", s.addr)
	s.grpcServer.GracefulStop()
}

// ForceShutdown stops the server immediately, dropping in-flight requests.
func (s *Server) ForceShutdown() {
	s.log.Infof("force shutting down replica server on %s", s.addr)
	s.grpcServer.Stop()
}
