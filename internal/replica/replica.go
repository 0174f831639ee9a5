// Package replica implements the acceptor and learner side of the
// replicated log protocol. A replica persists one record per position,
// answers promise and write requests from coordinators while it has voting
// status, applies learned announcements unconditionally, and reports its
// range to recovering peers.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"replog/internal/logging"
	"replog/internal/storage"
	"replog/internal/wire"
)

var (
	// ErrReadRangeTruncated is returned when a read starts below the
	// first position still held.
	ErrReadRangeTruncated = errors.New("Bad read range (truncated position)")
	// ErrReadRangePastEnd is returned when a read extends beyond the
	// last known position.
	ErrReadRangePastEnd = errors.New("Bad read range (past end of log)")
)

// Option configures a Replica.
type Option func(*Replica)

// WithLogger sets the logger used by the replica.
func WithLogger(log logging.Logger) Option {
	return func(r *Replica) {
		r.log = log
	}
}

// Replica is the durable participant in consensus. All mutable state is
// guarded by mu; storage writes happen under the lock so the in-memory
// caches never diverge from disk.
type Replica struct {
	mu    sync.Mutex
	store storage.Storage
	log   logging.Logger

	meta *wire.Metadata
	// begin and end bound the positions this replica holds. They are
	// only meaningful once a record exists.
	begin uint64
	end   uint64
	// hasRecords distinguishes a fresh log from one whose only record
	// sits at position zero.
	hasRecords bool
	// missing holds every position at or below end whose outcome is not
	// yet learned here, including holes with no record at all.
	missing map[uint64]struct{}

	// votingCh is closed while the replica has voting status. Promise
	// and write handlers block on it, which is how requests to a
	// non-voting replica stay pending instead of being rejected.
	votingCh chan struct{}
}

// New restores a replica from the given storage.
func New(store storage.Storage, opts ...Option) (*Replica, error) {
	state, err := store.Restore()
	if err != nil {
		return nil, fmt.Errorf("restoring replica state: %w", err)
	}

	r := &Replica{
		store:      store,
		log:        &logging.NopLogger{},
		meta:       state.Metadata,
		begin:      state.Begin,
		end:        state.End,
		hasRecords: !state.Empty,
		missing:    make(map[uint64]struct{}),
		votingCh:   make(chan struct{}),
	}
	for _, p := range state.Missing {
		r.missing[p] = struct{}{}
	}
	if r.meta.Status == wire.StatusVoting {
		close(r.votingCh)
	}

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Open restores a replica backed by a bbolt store at path.
func Open(path string, opts ...Option) (*Replica, error) {
	store, err := storage.NewBboltStorage(path)
	if err != nil {
		return nil, err
	}
	r, err := New(store, opts...)
	if err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

// Close releases the underlying storage.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Close()
}

// waitVoting blocks until the replica has voting status or the context
// expires. A non-voting replica never answers a promise or write, it lets
// the request hang so the coordinator times out and retries elsewhere.
func (r *Replica) waitVoting(ctx context.Context) error {
	for {
		r.mu.Lock()
		voting := r.meta.Status == wire.StatusVoting
		ch := r.votingCh
		r.mu.Unlock()

		if voting {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Promise handles phase one of a round. An implicit request (no position)
// promises the proposal for the whole position space and reports the
// replica's ending position. An explicit request promises for one position
// and reports any action already performed there.
func (r *Replica) Promise(ctx context.Context, req *wire.PromiseRequest) (*wire.PromiseResponse, error) {
	if err := r.waitVoting(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Position == nil {
		return r.promiseImplicit(req.Proposal)
	}
	return r.promiseExplicit(req.Proposal, *req.Position)
}

func (r *Replica) promiseImplicit(proposal uint64) (*wire.PromiseResponse, error) {
	if proposal <= r.meta.Promised {
		r.log.Debugf("rejecting implicit promise %d, already promised %d", proposal, r.meta.Promised)
		return &wire.PromiseResponse{Okay: false, Proposal: r.meta.Promised}, nil
	}

	meta := &wire.Metadata{Status: r.meta.Status, Promised: proposal}
	if err := r.store.PersistMetadata(meta); err != nil {
		return nil, fmt.Errorf("persisting implicit promise: %w", err)
	}
	r.meta = meta

	ending := r.end
	r.log.Debugf("promised proposal %d, ending position %d", proposal, ending)
	return &wire.PromiseResponse{Okay: true, Proposal: proposal, Position: &ending}, nil
}

func (r *Replica) promiseExplicit(proposal, position uint64) (*wire.PromiseResponse, error) {
	record, err := r.record(position)
	if err != nil {
		return nil, err
	}

	var promised uint64
	if record != nil {
		promised = record.Promised
	}
	if proposal <= promised {
		r.log.Debugf("rejecting promise %d at position %d, already promised %d", proposal, position, promised)
		return &wire.PromiseResponse{Okay: false, Proposal: promised}, nil
	}

	updated := &wire.Action{Position: position, Promised: proposal}
	if record != nil {
		updated.Performed = record.Performed
		updated.Learned = record.Learned
		updated.Type = record.Type
		updated.Append = record.Append
		updated.TruncateTo = record.TruncateTo
	}
	if err := r.persist(updated); err != nil {
		return nil, err
	}

	resp := &wire.PromiseResponse{Okay: true, Proposal: proposal}
	if record != nil && record.Performed != nil {
		resp.Action = record
	}
	return resp, nil
}

// Write handles phase two of a round: accept the action unless a higher
// proposal has been promised for the position. Accepting the same proposal
// again is fine, writes are idempotent per proposal.
func (r *Replica) Write(ctx context.Context, req *wire.WriteRequest) (*wire.WriteResponse, error) {
	if err := r.waitVoting(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, err := r.record(req.Position)
	if err != nil {
		return nil, err
	}

	promised := r.meta.Promised
	if record != nil && record.Promised > promised {
		promised = record.Promised
	}
	if req.Proposal < promised {
		r.log.Debugf("rejecting write %d at position %d, promised %d", req.Proposal, req.Position, promised)
		return &wire.WriteResponse{Okay: false, Proposal: promised, Position: req.Position}, nil
	}

	action := req.ToAction()
	if record != nil && record.IsLearned() {
		// A learned record is final. Re-announcing the same outcome is
		// harmless, but a conflicting write means a broken coordinator.
		action = record
	}
	if err := r.persist(action); err != nil {
		return nil, err
	}

	return &wire.WriteResponse{Okay: true, Proposal: req.Proposal, Position: req.Position}, nil
}

// Learned applies a chosen action. It is handled in every status: even a
// recovering replica must not miss outcomes.
func (r *Replica) Learned(ctx context.Context, msg *wire.LearnedMessage) (*wire.LearnedResponse, error) {
	if msg.Action == nil {
		return nil, errors.New("learned message without action")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	action := msg.Action
	if !action.IsLearned() {
		learned := true
		clone := *action
		clone.Learned = &learned
		action = &clone
	}

	if err := r.persist(action); err != nil {
		return nil, err
	}

	if action.Type == wire.ActionTruncate && action.TruncateTo != nil {
		r.applyTruncate(*action.TruncateTo)
	}

	r.log.Debugf("learned %v at position %d", action.Type, action.Position)
	return &wire.LearnedResponse{}, nil
}

// applyTruncate raises begin and drops dead positions from the missing set.
// Storage already removed the records in the same transaction as the
// truncate itself.
func (r *Replica) applyTruncate(to uint64) {
	if to > r.begin {
		r.begin = to
	}
	for p := range r.missing {
		if p < to {
			delete(r.missing, p)
		}
	}
}

// Recover reports status and range. Unlike Promise and Write it answers in
// every status, so peers can tell an empty cluster from a partitioned one.
func (r *Replica) Recover(ctx context.Context, _ *wire.RecoverRequest) (*wire.RecoverResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &wire.RecoverResponse{Status: r.meta.Status, Begin: r.begin, End: r.end}, nil
}

// Read returns the records for every position in [from, to]. Positions with
// no stored record come back as bare unlearned records so a caller can see
// the holes; other positions come back as stored, learned or not.
func (r *Replica) Read(from, to uint64) ([]*wire.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from < r.begin {
		return nil, ErrReadRangeTruncated
	}
	if to > r.end {
		return nil, ErrReadRangePastEnd
	}

	var actions []*wire.Action
	for p := from; p <= to; p++ {
		record, err := r.record(p)
		if err != nil {
			return nil, err
		}
		if record == nil {
			record = &wire.Action{Position: p}
		}
		actions = append(actions, record)
	}
	return actions, nil
}

// SetStatus persists a status change, preserving the promised proposal,
// and opens or closes the voting gate.
func (r *Replica) SetStatus(status wire.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta := &wire.Metadata{Status: status, Promised: r.meta.Promised}
	if err := r.store.PersistMetadata(meta); err != nil {
		return fmt.Errorf("persisting status %v: %w", status, err)
	}

	wasVoting := r.meta.Status == wire.StatusVoting
	r.meta = meta

	if status == wire.StatusVoting && !wasVoting {
		close(r.votingCh)
	} else if status != wire.StatusVoting && wasVoting {
		r.votingCh = make(chan struct{})
	}

	r.log.Infof("replica status is now %v", status)
	return nil
}

// Status returns the current lifecycle status.
func (r *Replica) Status() wire.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta.Status
}

// Promised returns the position-space promise.
func (r *Replica) Promised() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta.Promised
}

// Begin returns the first position still held.
func (r *Replica) Begin() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin
}

// End returns the last known position.
func (r *Replica) End() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.end
}

// Missing returns, in order, every position up to and including upto whose
// outcome this replica has not learned. Positions beyond the current end
// count as missing, and so does position zero on a log with no records.
func (r *Replica) Missing(upto uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var positions []uint64
	for p := range r.missing {
		if p <= upto {
			positions = append(positions, p)
		}
	}

	// Positions beyond the last record are missing too. On a log with no
	// records at all that means everything from the start.
	from := r.end + 1
	if !r.hasRecords {
		from = 0
	}
	for p := from; p <= upto; p++ {
		positions = append(positions, p)
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	return positions
}

// record reads the stored record at position, or nil when none exists.
// Callers hold mu.
func (r *Replica) record(position uint64) (*wire.Action, error) {
	if !r.hasRecords || position < r.begin || position > r.end {
		return nil, nil
	}
	action, err := r.store.Read(position)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return action, err
}

// persist writes a record through to storage and updates the in-memory
// bounds and missing set. Callers hold mu.
func (r *Replica) persist(action *wire.Action) error {
	if err := r.store.Persist(action); err != nil {
		return fmt.Errorf("persisting record at position %d: %w", action.Position, err)
	}

	p := action.Position
	if !r.hasRecords {
		r.hasRecords = true
		r.begin = p
		r.end = p
	} else {
		if p > r.end {
			// Positions between the old end and the new record are
			// now known holes.
			for q := r.end + 1; q < p; q++ {
				r.missing[q] = struct{}{}
			}
			r.end = p
		}
		if p < r.begin {
			r.begin = p
		}
	}

	if action.IsLearned() {
		delete(r.missing, p)
	} else {
		r.missing[p] = struct{}{}
	}
	return nil
}
