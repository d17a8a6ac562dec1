package raft

import "errors"

// Sentinel errors surfaced across the node boundary (spec §7).
//
// StateMachine.Step never fails -- transitions are total. The only error
// it reports is ErrNotLeader, in Result.Err, for a rejected client
// command; the rest are raised by Node and Storage, the collaborators
// that actually touch the outside world.
var (
	// ErrNotLeader is returned when a client command is submitted to a
	// server that does not believe itself to be leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrStaleTerm marks a protocol-normal staleness rejection: the
	// message's term no longer matches reality. Logged at debug, never
	// above (spec §7 StalenessRejection).
	ErrStaleTerm = errors.New("raft: stale term")

	// ErrLogMismatch marks a protocol-normal AppendEntries rejection due
	// to a prevLogIndex/prevLogTerm mismatch.
	ErrLogMismatch = errors.New("raft: log consistency check failed")

	// ErrStorageFailure wraps any durable-write failure. Fatal at the
	// Node level (spec §7 StorageFailure).
	ErrStorageFailure = errors.New("raft: storage failure")

	// ErrNotImplemented marks the reserved snapshot hooks on Storage
	// (spec §4.1) that this module does not yet protocol-ize.
	ErrNotImplemented = errors.New("raft: not implemented")

	// ErrNodeStopped is returned by Node methods called after Stop.
	ErrNodeStopped = errors.New("raft: node stopped")
)
