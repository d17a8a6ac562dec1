package raft

import (
	"fmt"

	"github.com/google/uuid"
)

// ServerId is the stable, opaque identifier of a cluster member. It is
// totally ordered only so that peer sets can be iterated deterministically
// in tests and logs -- Raft itself attaches no meaning to the ordering.
type ServerId uint64

func (id ServerId) String() string { return fmt.Sprintf("%d", uint64(id)) }

// Term is the logical election epoch. Invariant: for every server, Term
// only ever increases (spec §3).
type Term uint64

// LogIndex is a 1-based position in the replicated log. 0 denotes "before
// the first entry".
type LogIndex uint64

// Role is one of the three states a server's StateMachine can be in.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// MembershipOp is the operation carried by a MembershipChange command.
// The wire shape is reserved by spec §6; no transition logic interprets
// it (membership change is a non-goal, spec §1).
type MembershipOp int

const (
	AddNode MembershipOp = iota
	RemoveNode
)

// Command is the tagged union carried by a LogEntry: either an opaque
// application payload, or a (reserved, uninterpreted) membership change.
type Command interface {
	isCommand()
}

// ApplicationCommand is an opaque, application-defined payload.
type ApplicationCommand struct {
	Payload []byte
}

func (ApplicationCommand) isCommand() {}

// MembershipChange is the reserved wire shape for cluster membership
// changes (spec §6). It is stored and replicated like any other entry but
// never applied -- membership change is a non-goal.
type MembershipChange struct {
	Node ServerId
	Op   MembershipOp
}

func (MembershipChange) isCommand() {}

// LogEntry is (index, term, command). Within one server, Index is
// strictly increasing; once an entry at (index, term) is committed, no
// server may ever hold a different entry at that index (spec §3).
type LogEntry struct {
	Index   LogIndex
	Term    Term
	Command Command
}

// MessageHeader is embedded in every wire message kind (spec §3: "all
// carrying request_id, from, to, term").
type MessageHeader struct {
	RequestID uuid.UUID
	From      ServerId
	To        ServerId
	Term      Term
}

// NewRequestID generates a fresh identifier for an outbound message.
func NewRequestID() uuid.UUID {
	return uuid.New()
}

// VoteRequest is the RequestVote RPC request (spec §6).
type VoteRequest struct {
	MessageHeader
	LastLogIndex LogIndex
	LastLogTerm  Term
}

// VoteResponse is the RequestVote RPC response.
type VoteResponse struct {
	MessageHeader
	VoteGranted bool

	// reason is set by the state machine for debug logging only; it is
	// never part of the protocol's decision logic on the receiving end.
	reason string
}

// AppendEntriesRequest is the AppendEntries RPC request (spec §6). An
// empty Entries slice is a heartbeat.
type AppendEntriesRequest struct {
	MessageHeader
	PrevLogIndex    LogIndex
	PrevLogTerm     Term
	Entries         []LogEntry
	LeaderCommitIdx LogIndex
}

// AppendEntriesResponse is the AppendEntries RPC response.
type AppendEntriesResponse struct {
	MessageHeader
	Success bool

	// MatchIndex is the index of the last entry the follower now has in
	// common with the leader on success; meaningless on failure. It lets
	// the leader advance nextIndex/matchIndex in one round trip instead
	// of probing one entry at a time.
	MatchIndex LogIndex

	reason string
}

// Outbound pairs a message with a description of which wire kind it is,
// so Node can route it without a type switch leaking into StateMachine's
// callers.
type Outbound struct {
	To      ServerId
	Message interface{} // one of VoteRequest, VoteResponse, AppendEntriesRequest, AppendEntriesResponse
}
