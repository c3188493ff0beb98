package cluster

import (
	"context"

	"raftkit/events"
	"raftkit/raft"
)

// RunElection makes the named node start a candidacy and solicits votes
// from every peer concurrently. Replies are tallied as they arrive;
// unreachable peers simply never answer. Returns whether the node holds
// leadership when the round settles.
func (c *Cluster) RunElection(candidateID string) bool {
	node, ok := c.nodes[candidateID]
	if !ok || c.isFailed(candidateID) {
		return false
	}

	prevRole := node.Role()
	term := node.BecomeCandidate()
	c.emitter.Emit(events.New(events.TypeNodeStateChanged, candidateID, map[string]any{
		"oldState": string(prevRole),
		"newState": string(raft.RoleCandidate),
		"term":     term,
	}))
	c.emitter.Emit(events.New(events.TypeVoteRequested, candidateID, map[string]any{"term": term}))

	req, ok := node.VoteRequest()
	if !ok {
		return node.IsLeader()
	}

	type voteReply struct {
		from string
		resp raft.RequestVoteResponse
		err  error
	}
	peers := node.Peers()
	client := c.clientFor(candidateID)
	replies := make(chan voteReply, len(peers))
	for _, peerID := range peers {
		go func(peerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.rpcTimeout)
			defer cancel()
			resp, err := client.RequestVote(ctx, peerID, req)
			replies <- voteReply{from: peerID, resp: resp, err: err}
		}(peerID)
	}

	// Every reply is drained: RecordVote crosses quorum exactly once and
	// rejects anything arriving after a win or a demotion on its own.
	for range peers {
		r := <-replies
		if r.err != nil {
			continue
		}
		c.emitter.Emit(events.New(events.TypeVoteCast, r.from, map[string]any{
			"candidate": candidateID,
			"term":      r.resp.Term,
			"granted":   r.resp.VoteGranted,
		}))
		if node.RecordVote(r.from, r.resp) {
			c.logf("election won id=%s term=%d", candidateID, term)
			c.emitter.Emit(events.New(events.TypeLeaderElected, candidateID, map[string]any{"term": term}))
		}
	}
	return node.IsLeader()
}

// Replicate runs one AppendEntries round from the live leader: each peer
// gets the window its nextIndex calls for, replies advance or retreat the
// leader's bookkeeping, and the commit index is re-evaluated afterwards.
// The result maps each peer to whether it acknowledged. Failed peers are
// skipped with a false result; without a live leader the result is empty.
func (c *Cluster) Replicate() map[string]bool {
	leaderID, ok := c.Leader()
	if !ok {
		return map[string]bool{}
	}
	leader := c.nodes[leaderID]
	prevCommit := leader.Status().CommitIndex

	type appendReply struct {
		peerID string
		req    raft.AppendEntriesRequest
		resp   raft.AppendEntriesResponse
		err    error
	}
	peers := leader.Peers()
	client := c.clientFor(leaderID)
	results := make(map[string]bool, len(peers))
	replies := make(chan appendReply, len(peers))
	inFlight := 0
	for _, peerID := range peers {
		if c.isFailed(peerID) {
			results[peerID] = false
			continue
		}
		req, ok := leader.AppendEntriesRequest(peerID)
		if !ok {
			results[peerID] = false
			continue
		}
		inFlight++
		go func(peerID string, req raft.AppendEntriesRequest) {
			ctx, cancel := context.WithTimeout(context.Background(), c.rpcTimeout)
			defer cancel()
			resp, err := client.AppendEntries(ctx, peerID, req)
			replies <- appendReply{peerID: peerID, req: req, resp: resp, err: err}
		}(peerID, req)
	}

	for i := 0; i < inFlight; i++ {
		r := <-replies
		if r.err != nil {
			results[r.peerID] = false
			continue
		}
		results[r.peerID] = r.resp.Success
		leader.RecordAppendReply(r.peerID, r.req, r.resp)
	}

	if newCommit := leader.UpdateCommitIndex(); newCommit > prevCommit {
		c.emitter.Emit(events.New(events.TypeLogCommitted, leaderID, map[string]any{
			"commitIndex": newCommit,
		}))
	}
	return results
}

// SendHeartbeats broadcasts an empty AppendEntries round from the live
// leader to assert its authority. A reply carrying a newer term demotes
// the leader. The result maps each peer to whether it acknowledged.
func (c *Cluster) SendHeartbeats() map[string]bool {
	leaderID, ok := c.Leader()
	if !ok {
		return map[string]bool{}
	}
	leader := c.nodes[leaderID]
	req, ok := leader.HeartbeatRequest()
	if !ok {
		return map[string]bool{}
	}

	type heartbeatReply struct {
		peerID string
		resp   raft.AppendEntriesResponse
		err    error
	}
	peers := leader.Peers()
	client := c.clientFor(leaderID)
	results := make(map[string]bool, len(peers))
	replies := make(chan heartbeatReply, len(peers))
	inFlight := 0
	for _, peerID := range peers {
		if c.isFailed(peerID) {
			results[peerID] = false
			continue
		}
		inFlight++
		go func(peerID string) {
			ctx, cancel := context.WithTimeout(context.Background(), c.rpcTimeout)
			defer cancel()
			resp, err := client.AppendEntries(ctx, peerID, req)
			replies <- heartbeatReply{peerID: peerID, resp: resp, err: err}
		}(peerID)
	}

	for i := 0; i < inFlight; i++ {
		r := <-replies
		if r.err != nil {
			results[r.peerID] = false
			continue
		}
		results[r.peerID] = r.resp.Success
		leader.ObserveTerm(r.resp.Term)
	}
	return results
}
