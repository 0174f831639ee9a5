package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"replog/internal/network"
	"replog/internal/wire"
)

// ErrNoQuorum reports a phase that timed out before enough replicas
// answered. Callers typically bump the proposal and retry the round.
var ErrNoQuorum = errors.New("no quorum of responses")

// ConflictError reports a phase rejected because a replica already promised
// a higher proposal. Callers bump past Proposal before retrying.
type ConflictError struct {
	Proposal uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting promise at proposal %d", e.Proposal)
}

// Fill runs one full consensus round for a single position: an explicit
// promise phase, then a write phase. If any replica reports a previously
// performed action for the position, the highest-proposal one is written
// again so the round converges on the value consensus may already have
// chosen; otherwise fallback is written.
//
// On success the returned action is the chosen one, marked learned. The
// caller is responsible for announcing it.
func Fill(ctx context.Context, net *network.Network, quorum int, timeout time.Duration,
	proposal, position uint64, fallback *wire.Action) (*wire.Action, error) {

	best, err := explicitPromise(ctx, net, quorum, timeout, proposal, position)
	if err != nil {
		return nil, err
	}

	chosen := fallback
	if best != nil {
		chosen = best
	}

	req := &wire.WriteRequest{
		Proposal:   proposal,
		Position:   position,
		Type:       chosen.Type,
		Append:     chosen.Append,
		TruncateTo: chosen.TruncateTo,
	}
	if err := writePhase(ctx, net, quorum, timeout, req); err != nil {
		return nil, err
	}

	learned := req.ToAction()
	markLearned(learned)
	return learned, nil
}

// explicitPromise runs the promise phase of a fill round and returns the
// highest-proposal performed action reported by the quorum, if any.
func explicitPromise(ctx context.Context, net *network.Network, quorum int, timeout time.Duration,
	proposal, position uint64) (*wire.Action, error) {

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pos := position
	responses := net.BroadcastPromise(phaseCtx, &wire.PromiseRequest{Proposal: proposal, Position: &pos})

	okays := 0
	var best *wire.Action
	for resp := range responses {
		if !resp.Okay {
			return nil, &ConflictError{Proposal: resp.Proposal}
		}
		okays++
		if resp.Action != nil && resp.Action.Performed != nil {
			if best == nil || *resp.Action.Performed > *best.Performed {
				best = resp.Action
			}
		}
		if okays >= quorum {
			return best, nil
		}
	}
	return nil, ErrNoQuorum
}

// writePhase broadcasts a write and waits for a quorum of acceptances.
func writePhase(ctx context.Context, net *network.Network, quorum int, timeout time.Duration,
	req *wire.WriteRequest) error {

	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	responses := net.BroadcastWrite(phaseCtx, req)

	okays := 0
	for resp := range responses {
		if !resp.Okay {
			return &ConflictError{Proposal: resp.Proposal}
		}
		okays++
		if okays >= quorum {
			return nil
		}
	}
	return ErrNoQuorum
}
