// Package storage provides the stable-store implementations nodes persist
// through. The only implementation here is in-memory: it journals mutations
// the way a durable write-ahead log would, without touching disk.
package storage

import (
	"sync"

	"raftkit/raft"
)

const (
	recTypeState    = "state"
	recTypeEntry    = "entry"
	recTypeTruncate = "truncate"
)

type record struct {
	kind        string
	currentTerm uint64
	votedFor    string
	fromIndex   uint64
	entry       raft.LogEntry
}

// MemStore implements raft.StableStore as an append-only journal held in
// memory. Load replays the journal into a snapshot, so restoring a node
// from its store exercises the same path a durable log would.
type MemStore struct {
	mu      sync.Mutex
	journal []record
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load replays journaled records into a persistent state snapshot.
func (s *MemStore) Load() raft.PersistentState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := raft.PersistentState{Log: make([]raft.LogEntry, 0)}
	for _, rec := range s.journal {
		switch rec.kind {
		case recTypeState:
			state.CurrentTerm = rec.currentTerm
			state.VotedFor = rec.votedFor
		case recTypeEntry:
			entry := rec.entry
			entry.Command = append(raft.Command(nil), entry.Command...)
			state.Log = append(state.Log, entry)
		case recTypeTruncate:
			if rec.fromIndex == 0 {
				state.Log = state.Log[:0]
				break
			}
			if rec.fromIndex <= uint64(len(state.Log)) {
				state.Log = state.Log[:rec.fromIndex-1]
			}
		}
	}
	return state
}

// SaveState journals currentTerm and votedFor.
func (s *MemStore) SaveState(currentTerm uint64, votedFor string) {
	s.append(record{
		kind:        recTypeState,
		currentTerm: currentTerm,
		votedFor:    votedFor,
	})
}

// AppendEntry journals a new log entry.
func (s *MemStore) AppendEntry(entry raft.LogEntry) {
	entry.Command = append(raft.Command(nil), entry.Command...)
	s.append(record{
		kind:  recTypeEntry,
		entry: entry,
	})
}

// TruncateLog journals removal of log entries from fromIndex onward.
func (s *MemStore) TruncateLog(fromIndex uint64) {
	s.append(record{
		kind:      recTypeTruncate,
		fromIndex: fromIndex,
	})
}

// Records reports how many mutations the journal holds.
func (s *MemStore) Records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

func (s *MemStore) append(rec record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, rec)
}
