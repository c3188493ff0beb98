package raft

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
)

// Node is a single Raft server. It is passive: it holds state and reacts
// to RPCs, client submissions and reply records, while an external
// coordinator decides when elections, replication rounds and heartbeats
// happen. All entry points serialize on one mutex, so RPC handling and
// internally triggered transitions never interleave.
type Node struct {
	mu sync.Mutex

	id    string
	peers []string

	store   StableStore
	applier Applier
	logger  *log.Logger

	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	log      *Log
	volatile VolatileState

	// leader is non-nil exactly while role == RoleLeader.
	leader *LeaderState
	// votes holds the IDs of nodes that granted the current candidacy,
	// including this node. Non-nil only while role == RoleCandidate.
	votes map[string]struct{}
}

// NewNode constructs a node in the follower role, restoring persistent
// state from cfg.Store when one is given.
func NewNode(cfg Config) (*Node, error) {
	if cfg.ID == "" {
		return nil, errors.New("raft: missing node id")
	}

	seen := map[string]struct{}{cfg.ID: {}}
	peers := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		if p == "" {
			return nil, errors.New("raft: empty peer id")
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		peers = append(peers, p)
	}
	sort.Strings(peers)

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	}

	var loaded PersistentState
	if cfg.Store != nil {
		loaded = cfg.Store.Load()
	}
	if err := validateLog(loaded.Log); err != nil {
		return nil, fmt.Errorf("raft: invalid persisted log: %w", err)
	}

	n := &Node{
		id:          cfg.ID,
		peers:       peers,
		store:       cfg.Store,
		applier:     cfg.Applier,
		logger:      logger,
		role:        RoleFollower,
		currentTerm: loaded.CurrentTerm,
		votedFor:    loaded.VotedFor,
		log:         NewLog(cfg.Store, loaded.Log),
	}
	n.logf("node initialized peers=%d", len(peers))
	return n, nil
}

// ID returns the node's identifier.
func (n *Node) ID() string { return n.id }

// Peers returns the other cluster members in sorted order.
func (n *Node) Peers() []string {
	return append([]string(nil), n.peers...)
}

// QuorumSize returns the number of nodes that constitutes a majority of
// the cluster, this node included.
func (n *Node) QuorumSize() int {
	return (len(n.peers)+1)/2 + 1
}

// Role returns the current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// IsLeader reports whether the node currently claims leadership.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

// CurrentTerm returns the latest term the node has seen.
func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// LeaderID returns the node's best guess at the current leader, "" when
// unknown.
func (n *Node) LeaderID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// Status returns a point-in-time snapshot.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:           n.id,
		Role:         n.role,
		CurrentTerm:  n.currentTerm,
		VotedFor:     n.votedFor,
		LeaderID:     n.leaderID,
		CommitIndex:  n.volatile.CommitIndex,
		LastApplied:  n.volatile.LastApplied,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}
}

// Entries returns a copy of the full log.
func (n *Node) Entries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.EntriesFrom(1)
}

// Progress returns a copy of the leader's replication bookkeeping, false
// when the node is not leader.
func (n *Node) Progress() (LeaderState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader {
		return LeaderState{}, false
	}
	ls := n.leaderStateLocked()
	out := LeaderState{
		NextIndex:  make(map[string]uint64, len(ls.NextIndex)),
		MatchIndex: make(map[string]uint64, len(ls.MatchIndex)),
	}
	for id, v := range ls.NextIndex {
		out.NextIndex[id] = v
	}
	for id, v := range ls.MatchIndex {
		out.MatchIndex[id] = v
	}
	return out, true
}

// Submit appends a client command to the leader's log. It returns the
// assigned index, or a *NotLeaderError carrying the last known leader
// when this node cannot accept writes. The entry is not yet replicated or
// committed when Submit returns.
func (n *Node) Submit(command Command) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader {
		return 0, &NotLeaderError{NodeID: n.id, LeaderID: n.leaderID}
	}
	entry := n.log.Append(n.currentTerm, command)
	n.logf("accepted command index=%d", entry.Index)
	return entry.Index, nil
}

// BecomeCandidate starts a new candidacy: the node increments its term,
// votes for itself and returns the election term. The caller then
// solicits votes and feeds replies to RecordVote.
func (n *Node) BecomeCandidate() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.role = RoleCandidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	n.leader = nil
	n.votes = map[string]struct{}{n.id: {}}
	n.persistStateLocked()
	n.logf("election started")
	return n.currentTerm
}

// VoteRequest builds the RequestVote arguments for the current candidacy.
// It returns false when the node is no longer a candidate.
func (n *Node) VoteRequest() (RequestVoteRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCandidate {
		return RequestVoteRequest{}, false
	}
	return RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.id,
		LastLogIndex: n.log.LastIndex(),
		LastLogTerm:  n.log.LastTerm(),
	}, true
}

// RecordVote tallies one vote reply for the current candidacy and returns
// true when this reply completes the quorum and makes the node leader.
// Replies from unknown senders, stale terms or finished candidacies are
// ignored; a reply with a higher term ends the candidacy.
func (n *Node) RecordVote(from string, resp RequestVoteResponse) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term, "")
		return false
	}
	if n.role != RoleCandidate || resp.Term < n.currentTerm {
		return false
	}
	if !resp.VoteGranted || !n.isPeerLocked(from) {
		return false
	}
	n.votes[from] = struct{}{}
	n.logf("vote granted by=%s votes=%d quorum=%d", from, len(n.votes), n.QuorumSize())
	if len(n.votes) >= n.QuorumSize() {
		n.becomeLeaderLocked()
		return true
	}
	return false
}

// AppendEntriesRequest builds the replication arguments for one peer from
// the leader's nextIndex bookkeeping. It returns false when the node is
// not leader or the peer is unknown.
func (n *Node) AppendEntriesRequest(peerID string) (AppendEntriesRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || !n.isPeerLocked(peerID) {
		return AppendEntriesRequest{}, false
	}
	next := n.leaderStateLocked().NextIndex[peerID]
	prevIndex := next - 1
	return AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  n.log.Term(prevIndex),
		Entries:      n.log.EntriesFrom(next),
		LeaderCommit: n.volatile.CommitIndex,
	}, true
}

// HeartbeatRequest builds an empty AppendEntries round that asserts
// leadership without shipping entries. It returns false when the node is
// not leader.
func (n *Node) HeartbeatRequest() (AppendEntriesRequest, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader {
		return AppendEntriesRequest{}, false
	}
	return AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: n.log.LastIndex(),
		PrevLogTerm:  n.log.LastTerm(),
		LeaderCommit: n.volatile.CommitIndex,
	}, true
}

// RecordAppendReply folds one replication reply into the leader's
// bookkeeping: success advances the peer's nextIndex/matchIndex to the
// reported match point, rejection retreats nextIndex by one so the next
// round probes further back. It returns false when the node is no longer
// leading the round's term, including the step-down a higher reply term
// forces; after that the round must stop recording.
func (n *Node) RecordAppendReply(peerID string, req AppendEntriesRequest, resp AppendEntriesResponse) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term, "")
		return false
	}
	if n.role != RoleLeader || req.Term != n.currentTerm || !n.isPeerLocked(peerID) {
		return false
	}
	ls := n.leaderStateLocked()
	if resp.Success {
		if resp.MatchIndex > ls.MatchIndex[peerID] {
			ls.MatchIndex[peerID] = resp.MatchIndex
		}
		if next := ls.MatchIndex[peerID] + 1; next > ls.NextIndex[peerID] {
			ls.NextIndex[peerID] = next
		}
		return true
	}
	if ls.NextIndex[peerID] > 1 {
		ls.NextIndex[peerID]--
	}
	return true
}

// ObserveTerm steps the node down when term is newer than its own, as
// when a heartbeat reply reveals a later election. It returns true when a
// step-down happened.
func (n *Node) ObserveTerm(term uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if term <= n.currentTerm {
		return false
	}
	n.becomeFollowerLocked(term, "")
	return true
}

// UpdateCommitIndex advances the leader's commit index to the highest
// log index from the current term that a quorum has replicated, applying
// the newly committed commands. Entries from earlier terms are never
// counted directly; they commit transitively once a current-term entry
// above them commits. It returns the resulting commit index.
func (n *Node) UpdateCommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader {
		return n.volatile.CommitIndex
	}
	ls := n.leaderStateLocked()
	for idx := n.log.LastIndex(); idx > n.volatile.CommitIndex; idx-- {
		if n.log.Term(idx) != n.currentTerm {
			continue
		}
		replicas := 1 // self
		for _, peerID := range n.peers {
			if ls.MatchIndex[peerID] >= idx {
				replicas++
			}
		}
		if replicas >= n.QuorumSize() {
			n.commitToLocked(idx)
			n.logf("commit advanced index=%d replicas=%d", idx, replicas)
			break
		}
	}
	return n.volatile.CommitIndex
}

// HandleRequestVote serves the RequestVote RPC.
func (n *Node) HandleRequestVote(req RequestVoteRequest) RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term, "")
	}

	grant := false
	if (n.votedFor == "" || n.votedFor == req.CandidateID) &&
		n.log.IsUpToDate(req.LastLogIndex, req.LastLogTerm) {
		n.votedFor = req.CandidateID
		n.persistStateLocked()
		grant = true
		n.logf("granted vote to=%s", req.CandidateID)
	}
	return RequestVoteResponse{Term: n.currentTerm, VoteGranted: grant}
}

// HandleAppendEntries serves the AppendEntries RPC, heartbeats included.
func (n *Node) HandleAppendEntries(req AppendEntriesRequest) AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term, req.LeaderID)
	} else if n.role == RoleCandidate {
		// A valid leader exists for this term; yield without touching the
		// term or the vote already cast in it.
		n.becomeFollowerLocked(req.Term, req.LeaderID)
	} else {
		n.leaderID = req.LeaderID
	}

	ok, match := n.log.AppendEntries(req.PrevLogIndex, req.PrevLogTerm, req.Entries)
	if !ok {
		return AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}
	if req.LeaderCommit > n.volatile.CommitIndex {
		n.commitToLocked(req.LeaderCommit)
	}
	return AppendEntriesResponse{Term: n.currentTerm, Success: true, MatchIndex: match}
}

func (n *Node) becomeLeaderLocked() {
	n.role = RoleLeader
	n.leaderID = n.id
	n.votes = nil
	last := n.log.LastIndex()
	n.leader = &LeaderState{
		NextIndex:  make(map[string]uint64, len(n.peers)),
		MatchIndex: make(map[string]uint64, len(n.peers)),
	}
	for _, peerID := range n.peers {
		n.leader.NextIndex[peerID] = last + 1
		n.leader.MatchIndex[peerID] = 0
	}
	// Append a no-op in the new term so prior-term tail entries can be
	// committed after election, per Raft's commit rule.
	n.log.Append(n.currentTerm, nil)
	n.logf("became leader")
}

func (n *Node) becomeFollowerLocked(term uint64, leaderID string) {
	n.role = RoleFollower
	n.leader = nil
	n.votes = nil
	n.leaderID = leaderID
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.persistStateLocked()
	}
}

// commitToLocked advances commitIndex toward target, clamped to the log
// end, and applies each newly committed command in index order. No-op
// entries advance lastApplied without reaching the applier.
func (n *Node) commitToLocked(target uint64) {
	n.log.Commit(target)
	next := n.log.CommitIndex()
	if next <= n.volatile.CommitIndex {
		return
	}
	prev := n.volatile.CommitIndex
	n.volatile.CommitIndex = next
	for i := prev + 1; i <= next; i++ {
		entry, _ := n.log.Entry(i)
		n.volatile.LastApplied = i
		if entry.Command == nil || n.applier == nil {
			continue
		}
		n.applier.Apply(ApplyMsg{Index: entry.Index, Term: entry.Term, Command: entry.Command})
	}
}

func (n *Node) leaderStateLocked() *LeaderState {
	if n.role != RoleLeader || n.leader == nil {
		panic("raftkit: leader state requested outside leadership on node " + n.id)
	}
	return n.leader
}

func (n *Node) isPeerLocked(id string) bool {
	for _, p := range n.peers {
		if p == id {
			return true
		}
	}
	return false
}

func (n *Node) persistStateLocked() {
	if n.store != nil {
		n.store.SaveState(n.currentTerm, n.votedFor)
	}
}

func (n *Node) logf(format string, args ...any) {
	n.logger.Printf("node=%s term=%d role=%s "+format, append([]any{n.id, n.currentTerm, n.role}, args...)...)
}

func validateLog(entries []LogEntry) error {
	for i, entry := range entries {
		expected := uint64(i + 1)
		if entry.Index != expected {
			return fmt.Errorf("entry index %d, expected %d", entry.Index, expected)
		}
	}
	return nil
}
