package raft

// Storage is the durable per-node state contract (spec §4.2): current
// term, vote record, and log. The interface is opaque on purpose -- the
// persistence layer proper (on-disk format, compaction, snapshotting) is
// an external collaborator (spec §1); this module only needs the
// contract that writes are durable before they return, and that
// appended entries become visible in index order.
//
// Storage fails closed: any implementation that cannot durably complete a
// write must return an error wrapping ErrStorageFailure. Node treats that
// as fatal (spec §7).
type Storage interface {
	// GetCurrentTerm returns the last persisted term, or 0 if none has
	// ever been written.
	GetCurrentTerm() (Term, error)

	// SetCurrentTerm durably persists the current term. Must return
	// only after the write is durable.
	SetCurrentTerm(t Term) error

	// GetVote returns the candidate this server voted for in term t, and
	// whether a vote was recorded at all. A missing vote is represented
	// by ok == false, not a sentinel ServerId, so that ServerId 0 is a
	// legitimate id.
	GetVote(t Term) (candidate ServerId, ok bool, err error)

	// SetVote durably records a vote. Callers are responsible for the
	// "at most one distinct candidate per term" invariant (spec §3) --
	// Storage itself does not reject overwrites. The state machine only
	// ever asks for one candidate per term; a duplicate request from
	// that same candidate writes the same vote again.
	SetVote(t Term, candidate ServerId) error

	// AppendEntry appends a single log entry. Entries are appended in
	// strictly increasing Index order; AppendEntry does not validate
	// that (callers -- the leader's local append, and a follower's
	// post-truncate append -- already hold that invariant).
	AppendEntry(e LogEntry) error

	// TruncateFrom discards every entry with Index >= index. Used by
	// followers to resolve a conflicting suffix before appending the
	// leader's entries (spec §4.1 AppendEntriesRequest handling).
	// Truncating already-committed entries is a programmer error.
	// Neither TruncateFrom nor the follower's AppendEntries handling
	// compares the truncation point with the commit index.
	TruncateFrom(index LogIndex) error

	// Entry returns the entry at index, if any.
	Entry(index LogIndex) (entry LogEntry, ok bool, err error)

	// EntriesFrom returns every entry with Index >= index, in index
	// order.
	EntriesFrom(index LogIndex) ([]LogEntry, error)

	// LastLogIndex returns the index of the last entry, or 0 if the log
	// is empty.
	LastLogIndex() (LogIndex, error)

	// LastLogTerm returns the term of the last entry, or 0 if the log is
	// empty.
	LastLogTerm() (Term, error)

	// InstallSnapshot and LastSnapshotIndex are reserved hooks for the
	// planned snapshotting extension (spec §1, §4.1). No StateMachine
	// transition calls them yet; implementations may return
	// ErrNotImplemented.
	InstallSnapshot(lastIncludedIndex LogIndex, lastIncludedTerm Term, data []byte) error
	LastSnapshotIndex() (LogIndex, error)
}
