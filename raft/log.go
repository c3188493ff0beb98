package raft

// Log is the replicated command log of a single node. Entries are
// 1-indexed; index 0 is a logical sentinel with term 0 that every node
// agrees on, so the consistency check for the first real entry needs no
// special case.
//
// A Log is owned by exactly one Node and is not safe for concurrent use;
// the owning node serializes access.
type Log struct {
	// entries[i] holds the entry at index i+1.
	entries     []LogEntry
	commitIndex uint64
	store       StableStore
}

// NewLog builds a log seeded with already-persisted entries. Future
// mutations are mirrored to store when one is given.
func NewLog(store StableStore, entries []LogEntry) *Log {
	l := &Log{store: store}
	for _, e := range entries {
		e.Command = append(Command(nil), e.Command...)
		l.entries = append(l.entries, e)
	}
	return l
}

// LastIndex returns the index of the last entry, 0 when the log is empty.
func (l *Log) LastIndex() uint64 {
	return uint64(len(l.entries))
}

// LastTerm returns the term of the last entry, 0 when the log is empty.
func (l *Log) LastTerm() uint64 {
	return l.Term(l.LastIndex())
}

// Term returns the term of the entry at index, 0 for the sentinel and
// for indices past the end.
func (l *Log) Term(index uint64) uint64 {
	if index == 0 || index > uint64(len(l.entries)) {
		return 0
	}
	return l.entries[index-1].Term
}

// Entry returns a copy of the entry at index.
func (l *Log) Entry(index uint64) (LogEntry, bool) {
	if index == 0 || index > uint64(len(l.entries)) {
		return LogEntry{}, false
	}
	e := l.entries[index-1]
	e.Command = append(Command(nil), e.Command...)
	return e, true
}

// EntriesFrom returns copies of all entries at and after fromIndex.
func (l *Log) EntriesFrom(fromIndex uint64) []LogEntry {
	if fromIndex == 0 {
		fromIndex = 1
	}
	if fromIndex > l.LastIndex() {
		return nil
	}
	out := make([]LogEntry, 0, l.LastIndex()-fromIndex+1)
	for _, e := range l.entries[fromIndex-1:] {
		e.Command = append(Command(nil), e.Command...)
		out = append(out, e)
	}
	return out
}

// CommitIndex returns the highest index known committed.
func (l *Log) CommitIndex() uint64 {
	return l.commitIndex
}

// Append adds a command under term at the next index and returns the
// stored entry. Appends by the owning leader always succeed.
func (l *Log) Append(term uint64, command Command) LogEntry {
	entry := LogEntry{
		Index:   l.LastIndex() + 1,
		Term:    term,
		Command: append(Command(nil), command...),
	}
	l.entries = append(l.entries, entry)
	if l.store != nil {
		l.store.AppendEntry(entry)
	}
	return entry
}

// AppendEntries applies a leader replication window starting after
// (prevIndex, prevTerm). It rejects the window when the local log has no
// entry matching that position. Otherwise entries are written at
// prevIndex+1 onward, renumbered to their positions: positions whose
// existing term already matches are left untouched, the first term
// conflict truncates the local suffix from that position, and the
// remaining entries are appended. Returns whether the window was accepted
// and the resulting last index (0 on rejection).
func (l *Log) AppendEntries(prevIndex, prevTerm uint64, entries []LogEntry) (bool, uint64) {
	if prevIndex > 0 {
		if prevIndex > l.LastIndex() || l.Term(prevIndex) != prevTerm {
			return false, 0
		}
	}
	pos := prevIndex + 1
	for _, in := range entries {
		if pos <= l.LastIndex() {
			if l.Term(pos) == in.Term {
				pos++
				continue
			}
			l.truncateFrom(pos)
		}
		e := LogEntry{
			Index:   pos,
			Term:    in.Term,
			Command: append(Command(nil), in.Command...),
		}
		l.entries = append(l.entries, e)
		if l.store != nil {
			l.store.AppendEntry(e)
		}
		pos++
	}
	return true, l.LastIndex()
}

// Commit advances the commit index to min(index, last index) when that is
// ahead of the current commit index, and returns the commands of the newly
// committed entries in order. No-op entries advance the commit index but
// contribute no command.
func (l *Log) Commit(index uint64) []Command {
	target := index
	if last := l.LastIndex(); target > last {
		target = last
	}
	if target <= l.commitIndex {
		return nil
	}
	cmds := make([]Command, 0, target-l.commitIndex)
	for i := l.commitIndex + 1; i <= target; i++ {
		if c := l.entries[i-1].Command; c != nil {
			cmds = append(cmds, append(Command(nil), c...))
		}
	}
	l.commitIndex = target
	return cmds
}

// IsUpToDate reports whether a candidate log ending at (lastIndex,
// lastTerm) is at least as current as this one: a higher last term wins,
// equal terms compare length.
func (l *Log) IsUpToDate(lastIndex, lastTerm uint64) bool {
	myTerm := l.LastTerm()
	if lastTerm != myTerm {
		return lastTerm > myTerm
	}
	return lastIndex >= l.LastIndex()
}

func (l *Log) truncateFrom(index uint64) {
	l.entries = l.entries[:index-1]
	if l.store != nil {
		l.store.TruncateLog(index)
	}
}
