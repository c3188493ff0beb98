// Package transport moves Raft RPCs between in-process nodes through a
// network model with configurable latency, packet loss, partitions and
// downed endpoints. Callers see ordinary request/response semantics; every
// failure mode surfaces as an absent reply, never as a protocol answer.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"raftkit/raft"
)

// ErrUnreachable reports that a call produced no reply: the target was
// down, partitioned away, dropped by packet loss or never registered.
var ErrUnreachable = errors.New("transport: peer unreachable")

// Kind identifies the RPC a message carries.
type Kind string

const (
	KindRequestVote   Kind = "request_vote"
	KindAppendEntries Kind = "append_entries"
)

// Envelope wraps one RPC with routing metadata for observation hooks.
type Envelope struct {
	ID     string    `json:"id"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Kind   Kind      `json:"kind"`
	SentAt time.Time `json:"sentAt"`
}

func newEnvelope(from, to string, kind Kind) Envelope {
	return Envelope{
		ID:     uuid.New().String(),
		From:   from,
		To:     to,
		Kind:   kind,
		SentAt: time.Now(),
	}
}

// Handler serves a node's inbound RPCs. *raft.Node satisfies it.
type Handler interface {
	HandleRequestVote(req raft.RequestVoteRequest) raft.RequestVoteResponse
	HandleAppendEntries(req raft.AppendEntriesRequest) raft.AppendEntriesResponse
}

// DropHandler observes messages the network refused to deliver.
type DropHandler func(env Envelope, reason string)

// Network is an in-process message fabric connecting registered handlers.
// The zero configuration delivers instantly and reliably; latency, loss,
// partitions and downed nodes are dialed in per scenario.
type Network struct {
	mu sync.RWMutex

	handlers map[string]Handler
	down     map[string]bool
	// partitions[from][to] means messages from -> to are blocked.
	partitions map[string]map[string]bool

	minLatency time.Duration
	maxLatency time.Duration
	dropRate   float64

	onDrop DropHandler
	closed bool
}

// NewNetwork builds an empty, fully reliable network.
func NewNetwork() *Network {
	return &Network{
		handlers:   make(map[string]Handler),
		down:       make(map[string]bool),
		partitions: make(map[string]map[string]bool),
	}
}

// Register connects a node's handler under its ID.
func (t *Network) Register(id string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = h
}

// Peer returns an RPC client that sends on behalf of node from.
func (t *Network) Peer(from string) *Peer {
	return &Peer{from: from, net: t}
}

// SetDown marks a node as crashed or recovered. Calls from or to a downed
// node go unanswered.
func (t *Network) SetDown(id string, down bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down[id] = down
}

// SetLatency bounds the simulated delivery delay per call.
func (t *Network) SetLatency(min, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if max < min {
		max = min
	}
	t.minLatency = min
	t.maxLatency = max
}

// SetDropRate sets the probability in [0,1] that a call is lost.
func (t *Network) SetDropRate(probability float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if probability < 0 {
		probability = 0
	}
	if probability > 1 {
		probability = 1
	}
	t.dropRate = probability
}

// SetPartition blocks or unblocks messages from -> to. Partitions are
// directional; block both directions to isolate a pair completely.
func (t *Network) SetPartition(from, to string, blocked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if blocked {
		if t.partitions[from] == nil {
			t.partitions[from] = make(map[string]bool)
		}
		t.partitions[from][to] = true
		return
	}
	if t.partitions[from] != nil {
		delete(t.partitions[from], to)
	}
}

// ClearAllPartitions heals the network.
func (t *Network) ClearAllPartitions() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions = make(map[string]map[string]bool)
}

// IsPartitioned reports whether messages from -> to are blocked.
func (t *Network) IsPartitioned(from, to string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.partitions[from][to]
}

// OnDrop registers an observer for undelivered messages.
func (t *Network) OnDrop(handler DropHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDrop = handler
}

// Close makes every future call unreachable.
func (t *Network) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// admit decides the fate of one call: the target handler and delivery
// delay on success, ErrUnreachable otherwise. Refusals reach the drop
// observer with a reason.
func (t *Network) admit(env Envelope) (Handler, time.Duration, error) {
	t.mu.RLock()
	reason := ""
	switch {
	case t.closed:
		reason = "network_closed"
	case t.down[env.From] || t.down[env.To]:
		reason = "node_down"
	case t.partitions[env.From][env.To]:
		reason = "network_partition"
	case t.dropRate > 0 && rand.Float64() < t.dropRate:
		reason = "packet_loss"
	case t.handlers[env.To] == nil:
		reason = "unknown_target"
	}
	if reason != "" {
		onDrop := t.onDrop
		t.mu.RUnlock()
		if onDrop != nil {
			onDrop(env, reason)
		}
		return nil, 0, fmt.Errorf("transport: %s -> %s %s: %w", env.From, env.To, reason, ErrUnreachable)
	}
	handler := t.handlers[env.To]
	delay := t.minLatency
	if t.maxLatency > t.minLatency {
		delay += time.Duration(rand.Int63n(int64(t.maxLatency - t.minLatency)))
	}
	t.mu.RUnlock()
	return handler, delay, nil
}

// Peer implements raft.RPCClient for one sending node.
type Peer struct {
	from string
	net  *Network
}

var _ raft.RPCClient = (*Peer)(nil)

// RequestVote delivers a vote solicitation and waits for the reply.
func (p *Peer) RequestVote(ctx context.Context, target string, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	handler, delay, err := p.net.admit(newEnvelope(p.from, target, KindRequestVote))
	if err != nil {
		return raft.RequestVoteResponse{}, err
	}
	if err := wait(ctx, delay); err != nil {
		return raft.RequestVoteResponse{}, fmt.Errorf("transport: %s -> %s: %w", p.from, target, err)
	}
	return handler.HandleRequestVote(req), nil
}

// AppendEntries delivers a replication window and waits for the reply.
func (p *Peer) AppendEntries(ctx context.Context, target string, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	handler, delay, err := p.net.admit(newEnvelope(p.from, target, KindAppendEntries))
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	if err := wait(ctx, delay); err != nil {
		return raft.AppendEntriesResponse{}, fmt.Errorf("transport: %s -> %s: %w", p.from, target, err)
	}
	return handler.HandleAppendEntries(req), nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
