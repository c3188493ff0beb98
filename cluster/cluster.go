// Package cluster coordinates a set of in-process Raft nodes: it owns the
// registry, triggers elections, replication rounds and heartbeats, injects
// failures, and keeps the per-node ledger of applied commands. Nodes are
// only ever touched through their public entry points; all inter-node
// traffic goes through the transport fabric.
package cluster

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/thoas/go-funk"

	"raftkit/events"
	"raftkit/raft"
	"raftkit/storage"
	"raftkit/transport"
)

// ErrNoLeader reports that no live node currently claims leadership.
var ErrNoLeader = errors.New("cluster: no live leader")

const defaultRPCTimeout = 500 * time.Millisecond

// Sink observes commands as individual nodes apply them. It is invoked on
// the applying node's goroutine and must not call back into the cluster.
type Sink interface {
	Apply(nodeID string, msg raft.ApplyMsg)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(nodeID string, msg raft.ApplyMsg)

func (f SinkFunc) Apply(nodeID string, msg raft.ApplyMsg) { f(nodeID, msg) }

// Config controls cluster construction.
type Config struct {
	// NodeIDs names the members. Required, must be unique.
	NodeIDs []string
	// Network carries inter-node RPCs. Optional; a reliable zero-latency
	// fabric is created when nil. The cluster installs its drop observer
	// on the network it uses.
	Network *transport.Network
	// Emitter receives observation events. Optional.
	Emitter events.Emitter
	// Sink additionally receives every applied command. Optional.
	Sink Sink
	// Logger is shared with the nodes. Optional; defaults to stdout.
	Logger *log.Logger
	// RPCTimeout bounds each peer call in a round. Optional.
	RPCTimeout time.Duration
}

// NodeStatus is one node's snapshot plus the cluster's failure mark.
type NodeStatus struct {
	raft.Status
	Failed bool `json:"failed"`
}

// Cluster drives the protocol rounds across its nodes.
type Cluster struct {
	net        *transport.Network
	emitter    events.Emitter
	sink       Sink
	logger     *log.Logger
	rpcTimeout time.Duration

	nodes map[string]*raft.Node
	ids   []string

	mu     sync.Mutex
	failed map[string]bool

	appliedMu sync.Mutex
	applied   map[string][]raft.Command
}

// New builds the nodes, wires them to the network and to per-node stores,
// and returns the coordinator.
func New(cfg Config) (*Cluster, error) {
	if len(cfg.NodeIDs) == 0 {
		return nil, errors.New("cluster: no node ids")
	}
	var ids []string
	for _, id := range cfg.NodeIDs {
		if id == "" {
			return nil, errors.New("cluster: empty node id")
		}
		if funk.ContainsString(ids, id) {
			return nil, fmt.Errorf("cluster: duplicate node id %q", id)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	net := cfg.Network
	if net == nil {
		net = transport.NewNetwork()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.Nop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	}
	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}

	c := &Cluster{
		net:        net,
		emitter:    emitter,
		sink:       cfg.Sink,
		logger:     logger,
		rpcTimeout: timeout,
		nodes:      make(map[string]*raft.Node, len(ids)),
		ids:        ids,
		failed:     make(map[string]bool, len(ids)),
		applied:    make(map[string][]raft.Command, len(ids)),
	}

	for _, id := range ids {
		peers := make([]string, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		nodeID := id
		node, err := raft.NewNode(raft.Config{
			ID:      nodeID,
			Peers:   peers,
			Store:   storage.NewMemStore(),
			Applier: raft.ApplierFunc(func(msg raft.ApplyMsg) { c.recordApply(nodeID, msg) }),
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("cluster: build node %s: %w", id, err)
		}
		c.nodes[id] = node
		net.Register(id, node)
	}

	net.OnDrop(func(env transport.Envelope, reason string) {
		c.emitter.Emit(events.New(events.TypeMessageDropped, env.From, map[string]any{
			"to":     env.To,
			"kind":   string(env.Kind),
			"reason": reason,
		}))
	})
	return c, nil
}

// NodeIDs returns all member IDs in sorted order.
func (c *Cluster) NodeIDs() []string {
	ids := funk.Keys(c.nodes).([]string)
	sort.Strings(ids)
	return ids
}

// Node returns the named member. Failed nodes are still returned; failure
// only silences their network endpoint.
func (c *Cluster) Node(id string) (*raft.Node, bool) {
	node, ok := c.nodes[id]
	return node, ok
}

// Leader returns the live node claiming leadership. When stale claimants
// linger (a failed old leader keeps its frozen state), the claimant with
// the highest term wins.
func (c *Cluster) Leader() (string, bool) {
	best := ""
	var bestTerm uint64
	for _, id := range c.ids {
		if c.isFailed(id) {
			continue
		}
		node := c.nodes[id]
		if !node.IsLeader() {
			continue
		}
		if term := node.CurrentTerm(); best == "" || term > bestTerm {
			best, bestTerm = id, term
		}
	}
	return best, best != ""
}

// SubmitCommand appends a command to the live leader's log and returns
// the assigned index. The entry is not yet replicated or committed; call
// Replicate to ship it. ErrNoLeader when no live node claims leadership.
func (c *Cluster) SubmitCommand(command raft.Command) (uint64, error) {
	leaderID, ok := c.Leader()
	if !ok {
		return 0, ErrNoLeader
	}
	index, err := c.nodes[leaderID].Submit(command)
	if err != nil {
		return 0, err
	}
	c.emitter.Emit(events.New(events.TypeLogAppended, leaderID, map[string]any{
		"index":   index,
		"command": string(command),
	}))
	return index, nil
}

// FailNode silences a member: it answers no RPCs and sends none until
// recovered. Its in-memory state freezes as-is.
func (c *Cluster) FailNode(id string) error {
	if _, ok := c.nodes[id]; !ok {
		return fmt.Errorf("cluster: unknown node %s", id)
	}
	c.mu.Lock()
	already := c.failed[id]
	c.failed[id] = true
	c.mu.Unlock()
	if already {
		return nil
	}
	c.net.SetDown(id, true)
	c.logf("node failed id=%s", id)
	c.emitter.Emit(events.New(events.TypeNodeCrashed, id, nil))
	return nil
}

// RecoverNode reconnects a failed member with the state it crashed with.
func (c *Cluster) RecoverNode(id string) error {
	if _, ok := c.nodes[id]; !ok {
		return fmt.Errorf("cluster: unknown node %s", id)
	}
	c.mu.Lock()
	wasFailed := c.failed[id]
	delete(c.failed, id)
	c.mu.Unlock()
	if !wasFailed {
		return nil
	}
	c.net.SetDown(id, false)
	c.logf("node recovered id=%s", id)
	c.emitter.Emit(events.New(events.TypeNodeRecovered, id, nil))
	return nil
}

// FailedNodes returns the currently failed member IDs in sorted order.
func (c *Cluster) FailedNodes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.failed))
	for id := range c.failed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Partition blocks traffic between a and b in both directions.
func (c *Cluster) Partition(a, b string) error {
	if err := c.checkMembers(a, b); err != nil {
		return err
	}
	c.net.SetPartition(a, b, true)
	c.net.SetPartition(b, a, true)
	c.logf("partition created between=%s,%s", a, b)
	c.emitter.Emit(events.New(events.TypePartitionCreated, "", map[string]any{"between": []string{a, b}}))
	return nil
}

// Heal unblocks traffic between a and b in both directions.
func (c *Cluster) Heal(a, b string) error {
	if err := c.checkMembers(a, b); err != nil {
		return err
	}
	c.net.SetPartition(a, b, false)
	c.net.SetPartition(b, a, false)
	c.logf("partition healed between=%s,%s", a, b)
	c.emitter.Emit(events.New(events.TypePartitionHealed, "", map[string]any{"between": []string{a, b}}))
	return nil
}

// HealAll removes every partition.
func (c *Cluster) HealAll() {
	c.net.ClearAllPartitions()
	c.logf("all partitions healed")
	c.emitter.Emit(events.New(events.TypePartitionHealed, "", map[string]any{"between": "all"}))
}

// Applied returns the commands a node has applied, in order.
func (c *Cluster) Applied(id string) []raft.Command {
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	return append([]raft.Command(nil), c.applied[id]...)
}

// Status snapshots every member in ID order.
func (c *Cluster) Status() []NodeStatus {
	out := make([]NodeStatus, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, NodeStatus{
			Status: c.nodes[id].Status(),
			Failed: c.isFailed(id),
		})
	}
	return out
}

func (c *Cluster) recordApply(nodeID string, msg raft.ApplyMsg) {
	c.appliedMu.Lock()
	c.applied[nodeID] = append(c.applied[nodeID], append(raft.Command(nil), msg.Command...))
	c.appliedMu.Unlock()
	if c.sink != nil {
		c.sink.Apply(nodeID, msg)
	}
}

// clientFor returns the RPC client a node's rounds send through.
func (c *Cluster) clientFor(id string) raft.RPCClient {
	return c.net.Peer(id)
}

func (c *Cluster) isFailed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed[id]
}

func (c *Cluster) checkMembers(ids ...string) error {
	for _, id := range ids {
		if _, ok := c.nodes[id]; !ok {
			return fmt.Errorf("cluster: unknown node %s", id)
		}
	}
	return nil
}

func (c *Cluster) logf(format string, args ...any) {
	c.logger.Printf("cluster "+format, args...)
}
