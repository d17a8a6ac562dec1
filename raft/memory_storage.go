package raft

import "sync"

// MemoryStorage is a non-durable, in-process Storage implementation used
// by tests and by raft/sim (where durability is modeled by the
// deterministic simulation itself, not by a real disk). It never fails.
type MemoryStorage struct {
	mu sync.Mutex

	currentTerm Term
	votes       map[Term]ServerId

	// entries is indexed by position, not LogIndex; entries[0] holds
	// LogIndex 1. An empty slice means an empty log (LastLogIndex() ==
	// 0).
	entries []LogEntry

	snapshotIndex LogIndex
	snapshotTerm  Term
}

// NewMemoryStorage returns an empty, ready-to-use MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{votes: map[Term]ServerId{}}
}

func (s *MemoryStorage) GetCurrentTerm() (Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTerm, nil
}

func (s *MemoryStorage) SetCurrentTerm(t Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTerm = t
	return nil
}

func (s *MemoryStorage) GetVote(t Term) (ServerId, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidate, ok := s.votes[t]
	return candidate, ok, nil
}

func (s *MemoryStorage) SetVote(t Term, candidate ServerId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[t] = candidate
	return nil
}

func (s *MemoryStorage) AppendEntry(e LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *MemoryStorage) TruncateFrom(index LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.snapshotIndex {
		// Every live entry has Index > snapshotIndex >= index, so the
		// whole live log is discarded.
		s.entries = nil
		return nil
	}
	pos := int(index-s.snapshotIndex) - 1
	if pos < 0 {
		pos = 0
	}
	if pos >= len(s.entries) {
		return nil
	}
	s.entries = s.entries[:pos]
	return nil
}

func (s *MemoryStorage) indexToPos(index LogIndex) (int, bool) {
	if index <= s.snapshotIndex {
		return 0, false
	}
	pos := int(index-s.snapshotIndex) - 1
	if pos < 0 || pos >= len(s.entries) {
		return 0, false
	}
	return pos, true
}

func (s *MemoryStorage) Entry(index LogIndex) (LogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.indexToPos(index)
	if !ok {
		return LogEntry{}, false, nil
	}
	return s.entries[pos], true, nil
}

func (s *MemoryStorage) EntriesFrom(index LogIndex) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	pos, ok := s.indexToPos(index)
	if !ok {
		if index <= s.snapshotIndex {
			pos = 0
		} else {
			return nil, nil
		}
	}
	out := make([]LogEntry, len(s.entries)-pos)
	copy(out, s.entries[pos:])
	return out, nil
}

func (s *MemoryStorage) LastLogIndex() (LogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return s.snapshotIndex, nil
	}
	return s.entries[len(s.entries)-1].Index, nil
}

func (s *MemoryStorage) LastLogTerm() (Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return s.snapshotTerm, nil
	}
	return s.entries[len(s.entries)-1].Term, nil
}

func (s *MemoryStorage) InstallSnapshot(lastIncludedIndex LogIndex, lastIncludedTerm Term, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshotIndex = lastIncludedIndex
	s.snapshotTerm = lastIncludedTerm
	s.entries = nil
	return nil
}

func (s *MemoryStorage) LastSnapshotIndex() (LogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotIndex, nil
}
