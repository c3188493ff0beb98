package raft

import (
	"context"
	"log"
)

// Role is the server role in the Raft protocol.
type Role string

const (
	RoleFollower  Role = "follower"
	RoleCandidate Role = "candidate"
	RoleLeader    Role = "leader"
)

// Command is an opaque state-machine command carried by a log entry.
// A nil Command marks a leader no-op entry; no-ops are replicated and
// counted for commitment but never handed to the applier.
type Command []byte

// LogEntry is a replicated command entry.
type LogEntry struct {
	Index   uint64  `json:"index"`
	Term    uint64  `json:"term"`
	Command Command `json:"command,omitempty"`
}

// ApplyMsg is delivered in index order for each committed command.
type ApplyMsg struct {
	Index   uint64
	Term    uint64
	Command Command
}

// Applier consumes committed commands. Apply is invoked while the node's
// lock is held, so implementations must return promptly and must not call
// back into the node.
type Applier interface {
	Apply(msg ApplyMsg)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(msg ApplyMsg)

func (f ApplierFunc) Apply(msg ApplyMsg) { f(msg) }

// RequestVoteRequest is the Raft vote RPC request.
type RequestVoteRequest struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidateId"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// RequestVoteResponse is the Raft vote RPC response.
type RequestVoteResponse struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"voteGranted"`
}

// AppendEntriesRequest is the Raft append RPC request. An empty Entries
// slice makes it a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leaderId"`
	PrevLogIndex uint64     `json:"prevLogIndex"`
	PrevLogTerm  uint64     `json:"prevLogTerm"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit uint64     `json:"leaderCommit"`
}

// AppendEntriesResponse is the Raft append RPC response. MatchIndex is the
// follower's last log index after a successful append and 0 on rejection.
type AppendEntriesResponse struct {
	Term       uint64 `json:"term"`
	Success    bool   `json:"success"`
	MatchIndex uint64 `json:"matchIndex,omitempty"`
}

// Status is a point-in-time snapshot exposed for operational inspection.
type Status struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	CurrentTerm  uint64 `json:"currentTerm"`
	VotedFor     string `json:"votedFor,omitempty"`
	LeaderID     string `json:"leaderId,omitempty"`
	CommitIndex  uint64 `json:"commitIndex"`
	LastApplied  uint64 `json:"lastApplied"`
	LastLogIndex uint64 `json:"lastLogIndex"`
	LastLogTerm  uint64 `json:"lastLogTerm"`
}

// RPCClient sends Raft RPCs to peers. A returned error means the peer did
// not reply; callers must treat it as silence, never as a rejection.
type RPCClient interface {
	RequestVote(ctx context.Context, target string, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, target string, req AppendEntriesRequest) (AppendEntriesResponse, error)
}

// PersistentState is the state a node must carry across restarts in a real
// deployment: the latest term it has seen, the candidate it voted for in
// that term, and the whole log.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    string
	Log         []LogEntry
}

// VolatileState is rebuilt from scratch on every boot.
type VolatileState struct {
	CommitIndex uint64
	LastApplied uint64
}

// LeaderState is replication bookkeeping that exists only while a node
// leads; it is discarded the moment leadership is lost. Maps are keyed by
// peer ID and never contain the leader itself.
type LeaderState struct {
	NextIndex  map[string]uint64
	MatchIndex map[string]uint64
}

// StableStore records the PersistentState of one node. Implementations in
// this repo are in-memory; the interface marks the persistence boundary a
// durable deployment would put a WAL behind.
type StableStore interface {
	Load() PersistentState
	SaveState(currentTerm uint64, votedFor string)
	AppendEntry(entry LogEntry)
	TruncateLog(fromIndex uint64)
}

// Config controls node construction.
type Config struct {
	// ID uniquely names this node within the cluster.
	ID string
	// Peers lists the other cluster members. The node's own ID is ignored
	// if present; duplicates are collapsed.
	Peers []string
	// Store persists term, vote and log mutations. Optional; nil keeps
	// state in memory only.
	Store StableStore
	// Applier receives committed commands in index order. Optional.
	Applier Applier
	// Logger receives per-node protocol logging. Optional; defaults to
	// stdout.
	Logger *log.Logger
}

// NotLeaderError indicates the addressed node cannot accept writes.
type NotLeaderError struct {
	NodeID   string
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID != "" {
		return "raft: node " + e.NodeID + " is not leader; try " + e.LeaderID
	}
	return "raft: node " + e.NodeID + " is not leader"
}
