// Package coordinator implements the proposer side of the replicated log:
// electing a coordinator, appending and truncating entries, and running the
// per-position consensus rounds that fill holes.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"replog/internal/logging"
	"replog/internal/network"
	"replog/internal/replica"
	"replog/internal/wire"
)

var (
	// ErrElectionLost means another coordinator holds a higher proposal.
	// The caller may retry, which bumps past it.
	ErrElectionLost = errors.New("election lost to a higher proposal")
	// ErrDemoted means a higher proposal appeared after election. The
	// coordinator must be elected again before further operations.
	ErrDemoted = errors.New("demoted by a higher proposal")
	// ErrNotElected means an operation was attempted before a
	// successful election.
	ErrNotElected = errors.New("coordinator has not been elected")
)

// Config holds the coordinator settings.
type Config struct {
	// Quorum is the number of replicas that must answer each phase.
	Quorum int
	// PhaseTimeout bounds each broadcast phase. Replicas that are not
	// voting leave requests pending, so a phase without quorum ends
	// only when this timeout fires.
	PhaseTimeout time.Duration
	// Logger for coordination events.
	Logger logging.Logger
}

// DefaultConfig returns a Config with sensible default values. The quorum
// size must still be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		PhaseTimeout: 10 * time.Second,
		Logger:       &logging.NopLogger{},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Quorum <= 0 {
		return fmt.Errorf("quorum must be positive, got %d", cfg.Quorum)
	}
	if cfg.PhaseTimeout <= 0 {
		return fmt.Errorf("phase timeout must be positive, got %v", cfg.PhaseTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.NopLogger{}
	}
	return nil
}

// Coordinator drives consensus for a single writer. It is not safe for
// concurrent use: one election and one operation at a time.
type Coordinator struct {
	cfg   *Config
	local *replica.Replica
	net   *network.Network
	log   logging.Logger

	// proposal is the highest proposal this coordinator has used or
	// seen rejected with. Elections start just above it.
	proposal uint64
	// index is the position of the last learned entry.
	index uint64
	// elected is true between a successful election and a demotion.
	elected bool
}

// New creates a coordinator over the local replica and the network. The
// network must include the local replica's own address so broadcasts reach
// it like any other member.
func New(cfg *Config, local *replica.Replica, net *network.Network) (*Coordinator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	return &Coordinator{
		cfg:   cfg,
		local: local,
		net:   net,
		log:   cfg.Logger,
	}, nil
}

// Elect establishes this coordinator by getting a quorum of implicit
// promises, then brings the local replica fully up to date by filling every
// position whose outcome it has not learned. Returns the position of the
// last learned entry.
//
// An explicit rejection returns ErrElectionLost; the next attempt starts
// above the rejecting proposal. A phase that times out without quorum is
// retried internally, so the election stays pending until ctx expires.
func (c *Coordinator) Elect(ctx context.Context) (uint64, error) {
	// Do not start until enough replicas are in the group at all.
	select {
	case <-c.net.Watch(ctx, c.cfg.Quorum, network.GE):
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		proposal := c.nextProposal()
		c.log.Debugf("starting election with proposal %d", proposal)

		index, err := c.electOnce(ctx, proposal)
		if errors.Is(err, ErrNoQuorum) {
			c.log.Infof("election with proposal %d got no quorum, retrying", proposal)
			continue
		}
		if err != nil {
			return 0, err
		}

		c.index = index
		c.elected = true
		c.log.Infof("elected with proposal %d, log position %d", proposal, index)
		return index, nil
	}
}

func (c *Coordinator) nextProposal() uint64 {
	proposal := c.local.Promised()
	if c.proposal > proposal {
		proposal = c.proposal
	}
	proposal++
	c.proposal = proposal
	return proposal
}

func (c *Coordinator) electOnce(ctx context.Context, proposal uint64) (uint64, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	responses := c.net.BroadcastPromise(phaseCtx, &wire.PromiseRequest{Proposal: proposal})

	okays := 0
	var index uint64
	for resp := range responses {
		if !resp.Okay {
			if resp.Proposal > c.proposal {
				c.proposal = resp.Proposal
			}
			return 0, fmt.Errorf("promise rejected at proposal %d: %w", resp.Proposal, ErrElectionLost)
		}
		okays++
		if resp.Position != nil && *resp.Position > index {
			index = *resp.Position
		}
		if okays >= c.cfg.Quorum {
			break
		}
	}
	if okays < c.cfg.Quorum {
		return 0, ErrNoQuorum
	}

	// Catch the local replica up: every position up to the highest
	// ending position reported must be learned before this coordinator
	// starts handing out new positions.
	for _, position := range c.local.Missing(index) {
		if err := c.fillHole(ctx, position); err != nil {
			return 0, err
		}
	}
	return index, nil
}

// fillHole learns the outcome of one missing position, proposing a NOP if
// nothing was ever written there. Timeouts bump the proposal and retry.
func (c *Coordinator) fillHole(ctx context.Context, position uint64) error {
	fallback := &wire.Action{Position: position, Type: wire.ActionNop}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		action, err := Fill(ctx, c.net, c.cfg.Quorum, c.cfg.PhaseTimeout, c.proposal, position, fallback)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if conflict.Proposal > c.proposal {
				c.proposal = conflict.Proposal
			}
			return fmt.Errorf("filling position %d: %w", position, ErrElectionLost)
		}
		if errors.Is(err, ErrNoQuorum) {
			c.proposal++
			continue
		}
		if err != nil {
			return err
		}

		c.announce(ctx, action)
		return nil
	}
}

// announce applies a learned action locally, synchronously, then tells the
// rest of the group in the background. The broadcast is detached from the
// caller's context so a finished operation does not cancel it.
func (c *Coordinator) announce(ctx context.Context, action *wire.Action) {
	if _, err := c.local.Learned(ctx, &wire.LearnedMessage{Action: action}); err != nil {
		c.log.Errorf("applying learned action at position %d locally: %v", action.Position, err)
	}

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PhaseTimeout)
	go func() {
		defer cancel()
		c.net.BroadcastLearned(bctx, &wire.LearnedMessage{Action: action})
	}()
}

// Append proposes data at the next position. Returns the position it was
// learned at.
func (c *Coordinator) Append(ctx context.Context, data []byte) (uint64, error) {
	return c.write(ctx, &wire.Action{Type: wire.ActionAppend, Append: data})
}

// Truncate proposes truncating the log up to (excluding) position to.
// Returns the position the truncate itself was learned at.
func (c *Coordinator) Truncate(ctx context.Context, to uint64) (uint64, error) {
	target := to
	return c.write(ctx, &wire.Action{Type: wire.ActionTruncate, TruncateTo: &target})
}

func (c *Coordinator) write(ctx context.Context, action *wire.Action) (uint64, error) {
	if !c.elected {
		return 0, ErrNotElected
	}

	position := c.index + 1
	action.Position = position

	req := &wire.WriteRequest{
		Proposal:   c.proposal,
		Position:   position,
		Type:       action.Type,
		Append:     action.Append,
		TruncateTo: action.TruncateTo,
	}

	okay, err := c.writeOnce(ctx, req)
	if err != nil {
		return 0, err
	}
	if okay {
		learned := req.ToAction()
		markLearned(learned)
		c.announce(ctx, learned)
		c.index = position
		return position, nil
	}

	// The write phase timed out. Another coordinator may have gotten a
	// value chosen at this position, so rerun full rounds until the
	// outcome is known, with our own action as the fallback.
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		c.proposal++
		chosen, err := Fill(ctx, c.net, c.cfg.Quorum, c.cfg.PhaseTimeout, c.proposal, position, action)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if conflict.Proposal > c.proposal {
				c.proposal = conflict.Proposal
			}
			c.elected = false
			return 0, fmt.Errorf("write conflict at position %d: %w", position, ErrDemoted)
		}
		if errors.Is(err, ErrNoQuorum) {
			continue
		}
		if err != nil {
			return 0, err
		}

		if !sameAction(chosen, action) {
			// Consensus picked somebody else's value for this
			// position. This coordinator is stale.
			c.elected = false
			return 0, fmt.Errorf("position %d chose another coordinator's action: %w", position, ErrDemoted)
		}

		c.announce(ctx, chosen)
		c.index = position
		return position, nil
	}
}

// writeOnce runs one write phase. Returns false on a timeout without
// quorum; a rejection by a higher proposal demotes immediately.
func (c *Coordinator) writeOnce(ctx context.Context, req *wire.WriteRequest) (bool, error) {
	phaseCtx, cancel := context.WithTimeout(ctx, c.cfg.PhaseTimeout)
	defer cancel()

	responses := c.net.BroadcastWrite(phaseCtx, req)

	okays := 0
	for resp := range responses {
		if !resp.Okay {
			if resp.Proposal > c.proposal {
				c.proposal = resp.Proposal
			}
			c.elected = false
			return false, fmt.Errorf("write rejected at position %d by proposal %d: %w",
				req.Position, resp.Proposal, ErrDemoted)
		}
		okays++
		if okays >= c.cfg.Quorum {
			return true, nil
		}
	}
	return false, nil
}

// Index returns the position of the last learned entry.
func (c *Coordinator) Index() uint64 {
	return c.index
}

// Elected reports whether the coordinator currently holds an election.
func (c *Coordinator) Elected() bool {
	return c.elected
}

func markLearned(action *wire.Action) {
	learned := true
	action.Learned = &learned
}

func sameAction(a, b *wire.Action) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case wire.ActionAppend:
		return bytes.Equal(a.Append, b.Append)
	case wire.ActionTruncate:
		if a.TruncateTo == nil || b.TruncateTo == nil {
			return a.TruncateTo == b.TruncateTo
		}
		return *a.TruncateTo == *b.TruncateTo
	default:
		return true
	}
}
