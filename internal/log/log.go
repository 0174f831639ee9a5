// Package log is the user-facing surface of the replicated log: a Log
// handle over a local replica and its group, with Writer and Reader types
// for appending, truncating and reading entries.
package log

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replog/internal/coordinator"
	"replog/internal/logging"
	"replog/internal/network"
	"replog/internal/recovery"
	"replog/internal/replica"
	"replog/internal/wire"
)

// Config holds the settings for opening a log.
type Config struct {
	// Quorum is the number of replicas that must agree on every
	// operation.
	Quorum int
	// Path is where the local replica stores its records.
	Path string
	// Addr is the local replica's address within the group.
	Addr string
	// Peers are the other members of the group.
	Peers []string
	// Transport carries protocol messages. Defaults to gRPC.
	Transport network.Transport
	// AutoInitialize lets a completely fresh group bootstrap itself.
	AutoInitialize bool
	// PhaseTimeout bounds each consensus broadcast phase.
	PhaseTimeout time.Duration
	// RetryInterval is how long recovery waits between attempts.
	RetryInterval time.Duration
	// Logger for log events.
	Logger logging.Logger
}

// DefaultConfig returns a Config with sensible default values. Quorum,
// Path and Addr must still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		PhaseTimeout:  10 * time.Second,
		RetryInterval: 10 * time.Second,
		Logger:        &logging.NopLogger{},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Quorum <= 0 {
		return fmt.Errorf("quorum must be positive, got %d", cfg.Quorum)
	}
	if cfg.Path == "" {
		return fmt.Errorf("storage path must not be empty")
	}
	if cfg.Addr == "" {
		return fmt.Errorf("local address must not be empty")
	}
	if cfg.PhaseTimeout <= 0 {
		return fmt.Errorf("phase timeout must be positive, got %v", cfg.PhaseTimeout)
	}
	if cfg.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %v", cfg.RetryInterval)
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.NopLogger{}
	}
	return nil
}

// registrar is implemented by transports that can host a replica server
// in-process.
type registrar interface {
	Register(addr string, srv wire.ReplicaServer)
}

// Log is a handle on the replicated log from one replica's point of view.
type Log struct {
	cfg     *Config
	replica *replica.Replica
	net     *network.Network
	log     logging.Logger
}

// Open restores (or creates) the local replica at cfg.Path and joins it to
// the group. The local address is part of the group like any other member,
// so broadcasts from this node reach its own replica through the
// transport.
func Open(cfg *Config) (*Log, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid log config: %w", err)
	}

	rep, err := replica.Open(cfg.Path, replica.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("opening replica at %s: %w", cfg.Path, err)
	}

	transport := cfg.Transport
	if transport == nil {
		transport = network.NewGRPCTransport()
	}
	if r, ok := transport.(registrar); ok {
		r.Register(cfg.Addr, rep)
	}

	members := append([]string{cfg.Addr}, cfg.Peers...)
	net := network.New(transport, members, network.WithLogger(cfg.Logger))

	return &Log{
		cfg:     cfg,
		replica: rep,
		net:     net,
		log:     cfg.Logger,
	}, nil
}

// Recover drives the local replica to voting status. It must complete
// before the replica answers promises and writes.
func (l *Log) Recover(ctx context.Context) error {
	cfg := recovery.DefaultConfig()
	cfg.Quorum = l.cfg.Quorum
	cfg.AutoInitialize = l.cfg.AutoInitialize
	cfg.RetryInterval = l.cfg.RetryInterval
	cfg.PhaseTimeout = l.cfg.PhaseTimeout
	cfg.Logger = l.cfg.Logger
	return recovery.Recover(ctx, l.replica, l.net, cfg)
}

// Replica exposes the local replica, mainly so it can be served over gRPC.
func (l *Log) Replica() *replica.Replica {
	return l.replica
}

// Network exposes the group membership for runtime changes.
func (l *Log) Network() *network.Network {
	return l.net
}

// Close releases the local replica's storage.
func (l *Log) Close() error {
	return l.replica.Close()
}

// Writer appends to and truncates the log. Only one writer should be
// active per process, and operations must not be issued concurrently.
type Writer struct {
	l     *Log
	coord *coordinator.Coordinator
}

// Writer creates a writer for the log.
func (l *Log) Writer() (*Writer, error) {
	cfg := coordinator.DefaultConfig()
	cfg.Quorum = l.cfg.Quorum
	cfg.PhaseTimeout = l.cfg.PhaseTimeout
	cfg.Logger = l.cfg.Logger

	coord, err := coordinator.New(cfg, l.replica, l.net)
	if err != nil {
		return nil, err
	}
	return &Writer{l: l, coord: coord}, nil
}

// Start elects this writer's coordinator, retrying lost elections with
// higher proposals until it wins or ctx expires. Returns the position of
// the last entry in the log.
func (w *Writer) Start(ctx context.Context) (Position, error) {
	for {
		index, err := w.coord.Elect(ctx)
		if errors.Is(err, coordinator.ErrElectionLost) {
			w.l.log.Debugf("election lost, retrying: %v", err)
			continue
		}
		if err != nil {
			return 0, err
		}
		return Position(index), nil
	}
}

// Append stores data at the next position and returns it.
func (w *Writer) Append(ctx context.Context, data []byte) (Position, error) {
	position, err := w.coord.Append(ctx, data)
	if err != nil {
		return 0, err
	}
	return Position(position), nil
}

// Truncate marks every entry before to as dead. Returns the position the
// truncate itself occupies in the log.
func (w *Writer) Truncate(ctx context.Context, to Position) (Position, error) {
	position, err := w.coord.Truncate(ctx, uint64(to))
	if err != nil {
		return 0, err
	}
	return Position(position), nil
}

// Entry is one appended record as seen by readers.
type Entry struct {
	Position Position
	Data     []byte
}

// Reader reads entries back from the local replica.
type Reader struct {
	l *Log
}

// Reader creates a reader for the log.
func (l *Log) Reader() *Reader {
	return &Reader{l: l}
}

// Read returns the appended entries in [from, to]. Internal consensus
// records (NOPs, truncates) are filtered out: callers only see data they
// appended.
func (r *Reader) Read(from, to Position) ([]Entry, error) {
	actions, err := r.l.replica.Read(uint64(from), uint64(to))
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, action := range actions {
		if !action.IsLearned() || action.Type != wire.ActionAppend {
			continue
		}
		entries = append(entries, Entry{
			Position: Position(action.Position),
			Data:     action.Append,
		})
	}
	return entries, nil
}

// Beginning returns the first position still held by the local replica.
func (r *Reader) Beginning() Position {
	return Position(r.l.replica.Begin())
}

// Ending returns the last position known to the local replica.
func (r *Reader) Ending() Position {
	return Position(r.l.replica.End())
}
