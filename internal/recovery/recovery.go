// Package recovery brings a replica to voting status: either by catching up
// from an existing voting quorum, or, on a completely fresh group, by the
// auto-initialization handshake.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replog/internal/coordinator"
	"replog/internal/logging"
	"replog/internal/network"
	"replog/internal/replica"
	"replog/internal/wire"
)

// Config holds the recovery settings.
type Config struct {
	// Quorum is the number of voting replicas required to recover from.
	Quorum int
	// AutoInitialize lets a completely fresh group bootstrap itself
	// without the offline initialize tool.
	AutoInitialize bool
	// RetryInterval is how long to wait between recover broadcasts.
	RetryInterval time.Duration
	// PhaseTimeout bounds each broadcast phase during catch-up.
	PhaseTimeout time.Duration
	// Logger for recovery events.
	Logger logging.Logger
}

// DefaultConfig returns a Config with sensible default values. The quorum
// size must still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		RetryInterval: 10 * time.Second,
		PhaseTimeout:  10 * time.Second,
		Logger:        &logging.NopLogger{},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Quorum <= 0 {
		return fmt.Errorf("quorum must be positive, got %d", cfg.Quorum)
	}
	if cfg.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive, got %v", cfg.RetryInterval)
	}
	if cfg.PhaseTimeout <= 0 {
		return fmt.Errorf("phase timeout must be positive, got %v", cfg.PhaseTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.NopLogger{}
	}
	return nil
}

// Recover drives the local replica to voting status. It polls the group
// with recover broadcasts until either a voting quorum exists to catch up
// from, or (with AutoInitialize) the whole group turns out to be fresh and
// initializes together. Blocks until done or ctx expires.
func Recover(ctx context.Context, rep *replica.Replica, net *network.Network, cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("invalid recovery config: %w", err)
	}

	if rep.Status() == wire.StatusVoting {
		return nil
	}

	log := cfg.Logger
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := recoverOnce(ctx, rep, net, cfg)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		log.Debugf("recovery attempt inconclusive, retrying in %v", cfg.RetryInterval)
		select {
		case <-time.After(cfg.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recoverOnce broadcasts one recover round and acts on the replies.
// Returns true once the replica reached voting status.
func recoverOnce(ctx context.Context, rep *replica.Replica, net *network.Network, cfg *Config) (bool, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, cfg.RetryInterval)
	defer cancel()

	responses := net.BroadcastRecover(phaseCtx, &wire.RecoverRequest{})

	var (
		total    int
		voting   int
		settled  int
		maxBegin uint64
		maxEnd   uint64
	)
	for resp := range responses {
		total++
		switch resp.Status {
		case wire.StatusVoting:
			voting++
			settled++
			if resp.Begin > maxBegin {
				maxBegin = resp.Begin
			}
			if resp.End > maxEnd {
				maxEnd = resp.End
			}
		case wire.StatusStarting:
			settled++
		}
	}

	if voting >= cfg.Quorum {
		return true, catchUpFromQuorum(ctx, rep, net, cfg, maxBegin, maxEnd)
	}

	if !cfg.AutoInitialize {
		return false, nil
	}

	// No voting quorum exists. If every member of the group answered,
	// this may be a fresh group initializing together. The handshake has
	// two phases: first everyone announces STARTING, then, once everyone
	// is seen to have done so, everyone moves to VOTING. Flipping
	// straight to VOTING on all-empty replies would race replicas whose
	// recovery has not broadcast yet.
	if total < net.Size() {
		return false, nil
	}

	switch rep.Status() {
	case wire.StatusEmpty:
		if voting > 0 {
			// Somebody holds real state; wait for a voting quorum
			// instead of initializing over it.
			return false, nil
		}
		cfg.Logger.Infof("group is fresh, announcing auto-initialization")
		if err := rep.SetStatus(wire.StatusStarting); err != nil {
			return false, err
		}
	case wire.StatusStarting:
		if settled == total {
			cfg.Logger.Infof("whole group is starting, auto-initialization complete")
			if err := rep.SetStatus(wire.StatusVoting); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// catchUpFromQuorum learns every position the voting quorum may have
// decided, then joins it.
func catchUpFromQuorum(ctx context.Context, rep *replica.Replica, net *network.Network, cfg *Config,
	begin, end uint64) error {

	cfg.Logger.Infof("recovering from voting quorum, positions [%d, %d]", begin, end)
	if err := rep.SetStatus(wire.StatusRecovering); err != nil {
		return err
	}

	positions := make([]uint64, 0, end-begin+1)
	for p := begin; p <= end; p++ {
		positions = append(positions, p)
	}

	if err := Catchup(ctx, rep, net, cfg.Quorum, 0, positions, cfg.PhaseTimeout, cfg.Logger); err != nil {
		return fmt.Errorf("catching up positions [%d, %d]: %w", begin, end, err)
	}

	return rep.SetStatus(wire.StatusVoting)
}

// Catchup learns the outcome of each given position by running consensus
// rounds against the group and applying the results to the local replica.
// A proposal of zero derives the starting proposal from the replica's own
// promise. Rounds that conflict or time out are retried under a higher
// proposal, so a racing coordinator cannot starve the catch-up, only delay
// it.
func Catchup(ctx context.Context, rep *replica.Replica, net *network.Network, quorum int,
	proposal uint64, positions []uint64, timeout time.Duration, log logging.Logger) error {

	if log == nil {
		log = &logging.NopLogger{}
	}
	if proposal == 0 {
		proposal = rep.Promised() + 1
	}

	for _, position := range positions {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}

			fallback := &wire.Action{Position: position, Type: wire.ActionNop}
			action, err := coordinator.Fill(ctx, net, quorum, timeout, proposal, position, fallback)

			var conflict *coordinator.ConflictError
			if errors.As(err, &conflict) {
				if conflict.Proposal > proposal {
					proposal = conflict.Proposal
				}
				proposal++
				log.Debugf("catch-up conflict at position %d, bumping to proposal %d", position, proposal)
				continue
			}
			if errors.Is(err, coordinator.ErrNoQuorum) {
				proposal++
				log.Debugf("catch-up timeout at position %d, bumping to proposal %d", position, proposal)
				continue
			}
			if err != nil {
				return err
			}

			if _, err := rep.Learned(ctx, &wire.LearnedMessage{Action: action}); err != nil {
				return fmt.Errorf("applying caught-up action at position %d: %w", position, err)
			}
			break
		}
	}
	return nil
}
