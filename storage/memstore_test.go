package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"raftkit/raft"
)

func TestMemStoreReplaysJournal(t *testing.T) {
	s := NewMemStore()
	require.Equal(t, raft.PersistentState{Log: []raft.LogEntry{}}, s.Load())

	s.SaveState(1, "n2")
	s.AppendEntry(raft.LogEntry{Index: 1, Term: 1, Command: raft.Command("a")})
	s.AppendEntry(raft.LogEntry{Index: 2, Term: 1, Command: raft.Command("b")})
	s.SaveState(3, "")
	s.TruncateLog(2)
	s.AppendEntry(raft.LogEntry{Index: 2, Term: 3, Command: raft.Command("c")})

	state := s.Load()
	require.Equal(t, uint64(3), state.CurrentTerm)
	require.Equal(t, "", state.VotedFor)
	require.Len(t, state.Log, 2)
	require.Equal(t, uint64(1), state.Log[0].Term)
	require.Equal(t, raft.Command("c"), state.Log[1].Command)
	require.Equal(t, 6, s.Records())
}

func TestMemStoreLoadCopiesCommands(t *testing.T) {
	s := NewMemStore()
	s.AppendEntry(raft.LogEntry{Index: 1, Term: 1, Command: raft.Command("a")})

	first := s.Load()
	first.Log[0].Command[0] = 'z'
	second := s.Load()
	require.Equal(t, raft.Command("a"), second.Log[0].Command)
}

func TestMemStoreRestoresNode(t *testing.T) {
	s := NewMemStore()
	node, err := raft.NewNode(raft.Config{ID: "n1", Peers: []string{"n2", "n3"}, Store: s})
	require.NoError(t, err)

	node.HandleAppendEntries(raft.AppendEntriesRequest{
		Term:     2,
		LeaderID: "n2",
		Entries: []raft.LogEntry{
			{Term: 2, Command: raft.Command("a")},
			{Term: 2, Command: raft.Command("b")},
		},
		LeaderCommit: 1,
	})

	restored, err := raft.NewNode(raft.Config{ID: "n1", Peers: []string{"n2", "n3"}, Store: s})
	require.NoError(t, err)
	st := restored.Status()
	require.Equal(t, uint64(2), st.CurrentTerm)
	require.Equal(t, uint64(2), st.LastLogIndex)
	require.Equal(t, uint64(0), st.CommitIndex, "commit progress is volatile and must not survive")
}
