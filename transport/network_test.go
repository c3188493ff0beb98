package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"raftkit/raft"
)

type scriptedHandler struct {
	vote   raft.RequestVoteResponse
	append raft.AppendEntriesResponse
	calls  int
}

func (h *scriptedHandler) HandleRequestVote(raft.RequestVoteRequest) raft.RequestVoteResponse {
	h.calls++
	return h.vote
}

func (h *scriptedHandler) HandleAppendEntries(raft.AppendEntriesRequest) raft.AppendEntriesResponse {
	h.calls++
	return h.append
}

func TestNetworkRoundTrip(t *testing.T) {
	net := NewNetwork()
	h := &scriptedHandler{vote: raft.RequestVoteResponse{Term: 3, VoteGranted: true}}
	net.Register("n2", h)

	resp, err := net.Peer("n1").RequestVote(context.Background(), "n2", raft.RequestVoteRequest{Term: 3, CandidateID: "n1"})
	require.NoError(t, err)
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint64(3), resp.Term)
	require.Equal(t, 1, h.calls)
}

func TestNetworkDownNodeIsSilent(t *testing.T) {
	net := NewNetwork()
	net.Register("n1", &scriptedHandler{})
	net.Register("n2", &scriptedHandler{})

	var drops []Envelope
	var reasons []string
	net.OnDrop(func(env Envelope, reason string) {
		drops = append(drops, env)
		reasons = append(reasons, reason)
	})

	net.SetDown("n2", true)
	_, err := net.Peer("n1").AppendEntries(context.Background(), "n2", raft.AppendEntriesRequest{})
	require.ErrorIs(t, err, ErrUnreachable)
	_, err = net.Peer("n2").RequestVote(context.Background(), "n1", raft.RequestVoteRequest{})
	require.ErrorIs(t, err, ErrUnreachable, "downed nodes do not send either")

	require.Equal(t, []string{"node_down", "node_down"}, reasons)
	require.Equal(t, "n1", drops[0].From)
	require.Equal(t, "n2", drops[0].To)
	require.Equal(t, KindAppendEntries, drops[0].Kind)
	require.NotEmpty(t, drops[0].ID)
	require.NotEqual(t, drops[0].ID, drops[1].ID)

	net.SetDown("n2", false)
	_, err = net.Peer("n1").AppendEntries(context.Background(), "n2", raft.AppendEntriesRequest{})
	require.NoError(t, err)
}

func TestNetworkPartitionIsDirectional(t *testing.T) {
	net := NewNetwork()
	net.Register("a", &scriptedHandler{})
	net.Register("b", &scriptedHandler{})

	net.SetPartition("a", "b", true)
	require.True(t, net.IsPartitioned("a", "b"))
	require.False(t, net.IsPartitioned("b", "a"))

	_, err := net.Peer("a").RequestVote(context.Background(), "b", raft.RequestVoteRequest{})
	require.ErrorIs(t, err, ErrUnreachable)
	_, err = net.Peer("b").RequestVote(context.Background(), "a", raft.RequestVoteRequest{})
	require.NoError(t, err)

	net.ClearAllPartitions()
	_, err = net.Peer("a").RequestVote(context.Background(), "b", raft.RequestVoteRequest{})
	require.NoError(t, err)
}

func TestNetworkPacketLoss(t *testing.T) {
	net := NewNetwork()
	net.Register("n2", &scriptedHandler{})
	net.SetDropRate(1)

	var reason string
	net.OnDrop(func(_ Envelope, r string) { reason = r })

	_, err := net.Peer("n1").AppendEntries(context.Background(), "n2", raft.AppendEntriesRequest{})
	require.ErrorIs(t, err, ErrUnreachable)
	require.Equal(t, "packet_loss", reason)

	net.SetDropRate(0)
	_, err = net.Peer("n1").AppendEntries(context.Background(), "n2", raft.AppendEntriesRequest{})
	require.NoError(t, err)
}

func TestNetworkLatencyHonorsContext(t *testing.T) {
	net := NewNetwork()
	net.Register("n2", &scriptedHandler{})
	net.SetLatency(50*time.Millisecond, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := net.Peer("n1").RequestVote(ctx, "n2", raft.RequestVoteRequest{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 50*time.Millisecond)

	_, err = net.Peer("n1").RequestVote(context.Background(), "n2", raft.RequestVoteRequest{})
	require.NoError(t, err)
}

func TestNetworkUnknownTargetAndClose(t *testing.T) {
	net := NewNetwork()
	net.Register("n1", &scriptedHandler{})

	_, err := net.Peer("n1").RequestVote(context.Background(), "ghost", raft.RequestVoteRequest{})
	require.ErrorIs(t, err, ErrUnreachable)

	net.Close()
	_, err = net.Peer("n1").RequestVote(context.Background(), "n1", raft.RequestVoteRequest{})
	require.ErrorIs(t, err, ErrUnreachable)
}
