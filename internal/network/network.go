// Package network tracks the membership of the replica group and provides
// broadcast primitives over a pluggable transport.
package network

import (
	"context"
	"fmt"
	"sync"

	"replog/internal/logging"
	"replog/internal/wire"
)

// Predicate compares the group size against a watch target.
type Predicate int

const (
	EQ Predicate = iota
	NE
	LT
	LE
	GT
	GE
)

// String returns a human-readable predicate name.
func (p Predicate) String() string {
	switch p {
	case EQ:
		return "=="
	case NE:
		return "!="
	case LT:
		return "<"
	case LE:
		return "<="
	case GT:
		return ">"
	case GE:
		return ">="
	default:
		return fmt.Sprintf("Predicate(%d)", int(p))
	}
}

func (p Predicate) holds(size, target int) bool {
	switch p {
	case EQ:
		return size == target
	case NE:
		return size != target
	case LT:
		return size < target
	case LE:
		return size <= target
	case GT:
		return size > target
	case GE:
		return size >= target
	default:
		return false
	}
}

type watcher struct {
	target int
	pred   Predicate
	ch     chan int
	ctx    context.Context
}

// Option configures a Network.
type Option func(*Network)

// WithLogger sets the logger used by the network.
func WithLogger(log logging.Logger) Option {
	return func(n *Network) {
		n.log = log
	}
}

// Network is the group of replica addresses messages are broadcast to.
// Membership can change at runtime; watchers are notified when the group
// size satisfies their predicate.
type Network struct {
	mu        sync.Mutex
	members   map[string]struct{}
	watchers  []*watcher
	transport Transport
	log       logging.Logger
}

// New creates a network over the given transport with an initial member
// list.
func New(transport Transport, members []string, opts ...Option) *Network {
	n := &Network{
		members:   make(map[string]struct{}),
		transport: transport,
		log:       &logging.NopLogger{},
	}
	for _, opt := range opts {
		opt(n)
	}
	for _, m := range members {
		n.members[m] = struct{}{}
	}
	return n
}

// Add inserts a member. Adding an existing member is a no-op.
func (n *Network) Add(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.members[addr]; ok {
		return
	}
	n.members[addr] = struct{}{}
	n.log.Debugf("network member added: %s (size %d)", addr, len(n.members))
	n.notifyWatchers()
}

// Remove drops a member. Removing an unknown member is a no-op.
func (n *Network) Remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.members[addr]; !ok {
		return
	}
	delete(n.members, addr)
	n.log.Debugf("network member removed: %s (size %d)", addr, len(n.members))
	n.notifyWatchers()
}

// Size returns the current number of members.
func (n *Network) Size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.members)
}

// Members returns a snapshot of the member addresses.
func (n *Network) Members() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.membersLocked()
}

func (n *Network) membersLocked() []string {
	members := make([]string, 0, len(n.members))
	for m := range n.members {
		members = append(members, m)
	}
	return members
}

// Watch delivers the group size on the returned channel as soon as it
// satisfies pred against target, checking immediately and then on every
// membership change. The channel fires at most once.
func (n *Network) Watch(ctx context.Context, target int, pred Predicate) <-chan int {
	ch := make(chan int, 1)

	n.mu.Lock()
	defer n.mu.Unlock()

	if size := len(n.members); pred.holds(size, target) {
		ch <- size
		return ch
	}

	n.watchers = append(n.watchers, &watcher{target: target, pred: pred, ch: ch, ctx: ctx})
	return ch
}

// notifyWatchers fires and removes every watcher whose predicate holds, and
// drops watchers whose context has expired. Callers hold mu.
func (n *Network) notifyWatchers() {
	size := len(n.members)
	var remaining []*watcher
	for _, w := range n.watchers {
		if w.ctx != nil && w.ctx.Err() != nil {
			continue
		}
		if w.pred.holds(size, w.target) {
			w.ch <- size
			continue
		}
		remaining = append(remaining, w)
	}
	n.watchers = remaining
}

// BroadcastPromise sends the promise request to every member and streams
// the responses. Transport failures are dropped; an unreachable or hung
// member is simply an absent reply. The channel is closed once every
// member has either responded or failed.
func (n *Network) BroadcastPromise(ctx context.Context, req *wire.PromiseRequest) <-chan *wire.PromiseResponse {
	members := n.Members()
	ch := make(chan *wire.PromiseResponse, len(members))

	var wg sync.WaitGroup
	for _, addr := range members {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := n.transport.Promise(ctx, addr, req)
			if err != nil {
				n.log.Debugf("promise to %s failed: %v", addr, err)
				return
			}
			ch <- resp
		}(addr)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

// BroadcastWrite sends the write request to every member and streams the
// responses, with the same absence semantics as BroadcastPromise.
func (n *Network) BroadcastWrite(ctx context.Context, req *wire.WriteRequest) <-chan *wire.WriteResponse {
	members := n.Members()
	ch := make(chan *wire.WriteResponse, len(members))

	var wg sync.WaitGroup
	for _, addr := range members {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := n.transport.Write(ctx, addr, req)
			if err != nil {
				n.log.Debugf("write to %s failed: %v", addr, err)
				return
			}
			ch <- resp
		}(addr)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

// BroadcastRecover asks every member for its status and range.
func (n *Network) BroadcastRecover(ctx context.Context, req *wire.RecoverRequest) <-chan *wire.RecoverResponse {
	members := n.Members()
	ch := make(chan *wire.RecoverResponse, len(members))

	var wg sync.WaitGroup
	for _, addr := range members {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			resp, err := n.transport.Recover(ctx, addr, req)
			if err != nil {
				n.log.Debugf("recover to %s failed: %v", addr, err)
				return
			}
			ch <- resp
		}(addr)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

// BroadcastLearned announces a chosen action to every member and waits for
// the attempts to finish. Learning is best effort: failures are only
// logged, a replica that misses the announcement catches up later. Callers
// that do not care to wait run it in a goroutine.
func (n *Network) BroadcastLearned(ctx context.Context, msg *wire.LearnedMessage) {
	var wg sync.WaitGroup
	for _, addr := range n.Members() {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			if _, err := n.transport.Learned(ctx, addr, msg); err != nil {
				n.log.Debugf("learned to %s failed: %v", addr, err)
			}
		}(addr)
	}
	wg.Wait()
}
