package cluster

import (
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"raftkit/events"
	"raftkit/raft"
	"raftkit/transport"
)

type eventCollector struct {
	mu   sync.Mutex
	evts []events.Event
}

func (e *eventCollector) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evts = append(e.evts, evt)
}

func (e *eventCollector) count(t events.Type) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, evt := range e.evts {
		if evt.Type == t {
			n++
		}
	}
	return n
}

func newTestCluster(t *testing.T, cfg Config, ids ...string) *Cluster {
	t.Helper()
	cfg.NodeIDs = ids
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

// settle pushes pending entries and commit knowledge to every follower:
// one round ships entries, the next spreads the advanced commit index.
func settle(c *Cluster) {
	c.Replicate()
	c.Replicate()
}

func commandStrings(cmds []raft.Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = string(c)
	}
	return out
}

// requireLedgerAgreement checks that every pair of applied ledgers agrees
// on the shared prefix, the state machine safety property.
func requireLedgerAgreement(t *testing.T, c *Cluster) {
	t.Helper()
	ids := c.NodeIDs()
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a := commandStrings(c.Applied(ids[i]))
			b := commandStrings(c.Applied(ids[j]))
			n := len(a)
			if len(b) < n {
				n = len(b)
			}
			require.Equal(t, a[:n], b[:n], "ledgers of %s and %s diverge", ids[i], ids[j])
		}
	}
}

// requireSingleLeaderPerTerm checks the election safety property over the
// current snapshots.
func requireSingleLeaderPerTerm(t *testing.T, c *Cluster) {
	t.Helper()
	leaders := make(map[uint64]string)
	for _, st := range c.Status() {
		if st.Role != raft.RoleLeader {
			continue
		}
		prev, dup := leaders[st.CurrentTerm]
		require.False(t, dup, "term %d has leaders %s and %s", st.CurrentTerm, prev, st.ID)
		leaders[st.CurrentTerm] = st.ID
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{NodeIDs: []string{"n1", ""}})
	require.Error(t, err)
	_, err = New(Config{NodeIDs: []string{"n1", "n2", "n1"}})
	require.ErrorContains(t, err, "duplicate")
}

func TestBasicReplication(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3")

	_, err := c.SubmitCommand(raft.Command(`{"op":"SET","key":"x","value":1}`))
	require.ErrorIs(t, err, ErrNoLeader)

	require.True(t, c.RunElection("n1"))
	leaderID, ok := c.Leader()
	require.True(t, ok)
	require.Equal(t, "n1", leaderID)
	for _, id := range []string{"n2", "n3"} {
		node, _ := c.Node(id)
		st := node.Status()
		require.Equal(t, uint64(1), st.CurrentTerm)
		require.Equal(t, "n1", st.VotedFor, "vote of %s", id)
	}

	// Ship the accession no-op and commit it.
	settle(c)

	idx, err := c.SubmitCommand(raft.Command(`{"op":"SET","key":"x","value":1}`))
	require.NoError(t, err)
	require.Equal(t, uint64(2), idx)
	settle(c)

	n1, _ := c.Node("n1")
	for _, id := range c.NodeIDs() {
		node, _ := c.Node(id)
		require.Equal(t, n1.Entries(), node.Entries(), "log of %s", id)
		st := node.Status()
		require.Equal(t, uint64(2), st.CommitIndex, "commit of %s", id)
		require.Equal(t, uint64(2), st.LastApplied, "applied of %s", id)
		require.Equal(t, []string{`{"op":"SET","key":"x","value":1}`},
			commandStrings(c.Applied(id)), "ledger of %s", id)
	}
	requireSingleLeaderPerTerm(t, c)
	requireLedgerAgreement(t, c)
}

func TestCommandsApplyExactlyOnce(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3")
	require.True(t, c.RunElection("n1"))
	settle(c)

	_, err := c.SubmitCommand(raft.Command(`{"op":"SET","key":"x","value":1}`))
	require.NoError(t, err)
	settle(c)

	// Repeated rounds and heartbeats must not re-apply anything.
	for i := 0; i < 5; i++ {
		c.Replicate()
		c.SendHeartbeats()
	}
	for _, id := range c.NodeIDs() {
		require.Len(t, c.Applied(id), 1, "ledger of %s", id)
	}
}

func TestLeaderFailover(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3", "n4", "n5")
	require.True(t, c.RunElection("n1"))
	settle(c)
	_, err := c.SubmitCommand(raft.Command("a"))
	require.NoError(t, err)
	settle(c)

	require.NoError(t, c.FailNode("n1"))
	_, err = c.SubmitCommand(raft.Command("b"))
	require.ErrorIs(t, err, ErrNoLeader, "failed leader must not take writes")

	require.True(t, c.RunElection("n2"))
	leaderID, ok := c.Leader()
	require.True(t, ok)
	require.Equal(t, "n2", leaderID)
	n2, _ := c.Node("n2")
	require.Equal(t, uint64(2), n2.CurrentTerm())

	_, err = c.SubmitCommand(raft.Command("b"))
	require.NoError(t, err)
	settle(c)

	// The old leader comes back with stale leader state and yields to the
	// higher term during the next round.
	require.NoError(t, c.RecoverNode("n1"))
	n1, _ := c.Node("n1")
	require.True(t, n1.IsLeader(), "frozen claim survives the outage")
	settle(c)

	require.Equal(t, raft.RoleFollower, n1.Role())
	for _, id := range c.NodeIDs() {
		node, _ := c.Node(id)
		require.Equal(t, n2.Entries(), node.Entries(), "log of %s", id)
		require.Equal(t, []string{"a", "b"}, commandStrings(c.Applied(id)), "ledger of %s", id)
	}
	requireSingleLeaderPerTerm(t, c)
	requireLedgerAgreement(t, c)
}

func TestElectionFailsWithoutQuorum(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3", "n4", "n5")
	require.NoError(t, c.FailNode("n3"))
	require.NoError(t, c.FailNode("n4"))
	require.NoError(t, c.FailNode("n5"))

	require.False(t, c.RunElection("n1"), "2 of 5 votes cannot win")
	n1, _ := c.Node("n1")
	require.Equal(t, raft.RoleCandidate, n1.Role(), "loser remains candidate until a leader emerges")
	require.Equal(t, uint64(1), n1.CurrentTerm())
	_, ok := c.Leader()
	require.False(t, ok)

	// A later retry with the cluster healed wins in a fresh term.
	require.NoError(t, c.RecoverNode("n3"))
	require.NoError(t, c.RecoverNode("n4"))
	require.NoError(t, c.RecoverNode("n5"))
	require.True(t, c.RunElection("n1"))
	require.Equal(t, uint64(2), n1.CurrentTerm())
}

func TestFailedCandidateCannotRun(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3")
	require.NoError(t, c.FailNode("n1"))
	require.False(t, c.RunElection("n1"))
	require.False(t, c.RunElection("ghost"))
}

func TestPartitionMinorityCannotCommit(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3", "n4", "n5")
	require.True(t, c.RunElection("n1"))
	settle(c)

	// Cut {n1,n2} away from {n3,n4,n5}.
	for _, a := range []string{"n1", "n2"} {
		for _, b := range []string{"n3", "n4", "n5"} {
			require.NoError(t, c.Partition(a, b))
		}
	}

	_, err := c.SubmitCommand(raft.Command("lost"))
	require.NoError(t, err, "the minority leader still accepts writes")
	results := c.Replicate()
	require.True(t, results["n2"])
	require.False(t, results["n3"])
	require.False(t, results["n4"])
	require.False(t, results["n5"])
	n1, _ := c.Node("n1")
	require.Equal(t, uint64(1), n1.Status().CommitIndex, "minority cannot advance commit")

	// The majority side elects its own leader in a higher term and makes
	// progress.
	require.True(t, c.RunElection("n3"))
	n3, _ := c.Node("n3")
	require.Equal(t, uint64(2), n3.CurrentTerm())
	leaderID, ok := c.Leader()
	require.True(t, ok)
	require.Equal(t, "n3", leaderID, "highest live term wins the leader lookup")

	_, err = c.SubmitCommand(raft.Command("kept"))
	require.NoError(t, err)
	settle(c)
	require.GreaterOrEqual(t, n3.Status().CommitIndex, uint64(3))

	// Healing lets the new leader overwrite the minority's uncommitted
	// tail; the lost write never applies anywhere.
	c.HealAll()
	settle(c)
	settle(c)

	require.Equal(t, raft.RoleFollower, n1.Role())
	for _, id := range c.NodeIDs() {
		node, _ := c.Node(id)
		require.Equal(t, n3.Entries(), node.Entries(), "log of %s", id)
		require.NotContains(t, commandStrings(c.Applied(id)), "lost", "ledger of %s", id)
		require.Contains(t, commandStrings(c.Applied(id)), "kept", "ledger of %s", id)
	}
	requireSingleLeaderPerTerm(t, c)
	requireLedgerAgreement(t, c)
}

func TestQuorumOfThreeCommitsDespiteTwoFailures(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3", "n4", "n5")
	require.True(t, c.RunElection("n1"))
	settle(c)

	require.NoError(t, c.FailNode("n4"))
	require.NoError(t, c.FailNode("n5"))

	idx, err := c.SubmitCommand(raft.Command("a"))
	require.NoError(t, err)
	results := c.Replicate()
	require.Equal(t, map[string]bool{"n2": true, "n3": true, "n4": false, "n5": false}, results)

	n1, _ := c.Node("n1")
	require.Equal(t, idx, n1.Status().CommitIndex, "3 of 5 replicas are a majority")
	require.Equal(t, []string{"a"}, commandStrings(c.Applied("n1")))
}

func TestPriorTermEntryCommitsTransitively(t *testing.T) {
	c := newTestCluster(t, Config{}, "n1", "n2", "n3")
	require.True(t, c.RunElection("n1"))
	settle(c)

	require.NoError(t, c.FailNode("n3"))
	_, err := c.SubmitCommand(raft.Command("a"))
	require.NoError(t, err)
	settle(c)
	n1, _ := c.Node("n1")
	require.Equal(t, uint64(2), n1.Status().CommitIndex)

	// New leader in a new term: the term-1 entry "a" is already on n2 but
	// n3 is behind. Only the term-2 no-op's quorum commits it there.
	require.NoError(t, c.FailNode("n1"))
	require.NoError(t, c.RecoverNode("n3"))
	require.True(t, c.RunElection("n2"))
	// Catching n3 up takes a retreat round, a shipping round, and one more
	// to spread the advanced commit index.
	settle(c)
	c.Replicate()

	n2, _ := c.Node("n2")
	n3, _ := c.Node("n3")
	require.Equal(t, n2.Entries(), n3.Entries())
	require.Equal(t, uint64(3), n3.Status().CommitIndex)
	require.Equal(t, []string{"a"}, commandStrings(c.Applied("n3")))
	requireLedgerAgreement(t, c)
}

func TestClusterEvents(t *testing.T) {
	collector := &eventCollector{}
	c := newTestCluster(t, Config{Emitter: collector}, "n1", "n2", "n3")

	require.True(t, c.RunElection("n1"))
	settle(c)
	_, err := c.SubmitCommand(raft.Command("a"))
	require.NoError(t, err)
	settle(c)

	require.NoError(t, c.FailNode("n3"))
	require.NoError(t, c.Partition("n1", "n2"))
	c.Replicate()
	require.NoError(t, c.Heal("n1", "n2"))
	require.NoError(t, c.RecoverNode("n3"))

	require.Equal(t, 1, collector.count(events.TypeNodeStateChanged))
	require.Equal(t, 1, collector.count(events.TypeVoteRequested))
	require.Equal(t, 2, collector.count(events.TypeVoteCast))
	require.Equal(t, 1, collector.count(events.TypeLeaderElected))
	require.Equal(t, 1, collector.count(events.TypeLogAppended))
	require.GreaterOrEqual(t, collector.count(events.TypeLogCommitted), 2)
	require.Equal(t, 1, collector.count(events.TypeNodeCrashed))
	require.Equal(t, 1, collector.count(events.TypeNodeRecovered))
	require.Equal(t, 1, collector.count(events.TypePartitionCreated))
	require.Equal(t, 1, collector.count(events.TypePartitionHealed))
	require.GreaterOrEqual(t, collector.count(events.TypeMessageDropped), 1)
}

func TestSinkSeesAppliesPerNode(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]uint64{}
	sink := SinkFunc(func(nodeID string, msg raft.ApplyMsg) {
		mu.Lock()
		defer mu.Unlock()
		seen[nodeID] = append(seen[nodeID], msg.Index)
	})
	c := newTestCluster(t, Config{Sink: sink}, "n1", "n2", "n3")
	require.True(t, c.RunElection("n1"))
	settle(c)
	_, err := c.SubmitCommand(raft.Command("a"))
	require.NoError(t, err)
	settle(c)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uint64{2}, seen["n1"], "no-op must not reach the sink")
	require.Equal(t, []uint64{2}, seen["n2"])
	require.Equal(t, []uint64{2}, seen["n3"])
}

func TestSharedNetworkConfig(t *testing.T) {
	net := transport.NewNetwork()
	c := newTestCluster(t, Config{Network: net}, "n1", "n2", "n3")
	require.True(t, c.RunElection("n1"))

	// External partitioning through the shared fabric is honored.
	net.SetPartition("n1", "n2", true)
	results := c.Replicate()
	require.False(t, results["n2"])
	require.True(t, results["n3"])
}
