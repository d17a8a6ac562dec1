package raft

import "time"

// Event is the sum type StateMachine.Step accepts (spec §4.1): a timer
// tick, one of the four wire message kinds, or a local client command.
type Event interface{ isEvent() }

// TimerTick carries the wall-clock instant the firing timer was observed
// at. Node is responsible for routing it: an election-timer fire while
// the server is a follower or candidate, a heartbeat-timer fire while it
// is a leader.
type TimerTick struct {
	Now time.Time
}

func (TimerTick) isEvent() {}

// ClientCommand is a local client command submitted to this server. Only
// a Leader accepts it; every other role's Step rejects it via Result.Err.
type ClientCommand struct {
	Command Command
}

func (ClientCommand) isEvent() {}

func (VoteRequest) isEvent()           {}
func (VoteResponse) isEvent()          {}
func (AppendEntriesRequest) isEvent()  {}
func (AppendEntriesResponse) isEvent() {}

// StorageMutation is one durable write StateMachine.Step asks its caller
// (Node) to apply. Exactly one field is non-nil. Mutations are returned
// in the order they must be applied -- for an AppendEntriesRequest that
// both truncates a conflicting suffix and appends new entries, the
// truncate mutation always precedes the appends.
//
// Keeping mutations as data, rather than having Step call Storage
// directly, is what makes Step a pure function of (state, event): a test
// can call Step against a fixture Storage and assert on the returned
// mutations without ever writing to that Storage (spec §4.1 "Purity is
// the central design choice").
type StorageMutation struct {
	SetCurrentTerm *Term
	SetVote        *voteMutation
	TruncateFrom   *LogIndex
	AppendEntry    *LogEntry
}

type voteMutation struct {
	Term      Term
	Candidate ServerId
}

func mutateCurrentTerm(t Term) StorageMutation { return StorageMutation{SetCurrentTerm: &t} }

func mutateVote(term Term, candidate ServerId) StorageMutation {
	return StorageMutation{SetVote: &voteMutation{Term: term, Candidate: candidate}}
}

func mutateTruncateFrom(index LogIndex) StorageMutation {
	return StorageMutation{TruncateFrom: &index}
}

func mutateAppendEntry(e LogEntry) StorageMutation {
	return StorageMutation{AppendEntry: &e}
}

// TimerRequest tells Node what to do with its timers after a transition.
type TimerRequest int

const (
	// TimerNone asks for no timer change.
	TimerNone TimerRequest = iota
	// TimerResetElection asks Node to resample and restart the election
	// timer (spec §4.1: "Resets on: becoming a follower, granting a
	// vote, or receiving a valid AppendEntriesRequest...").
	TimerResetElection
	// TimerStartHeartbeat asks Node to stop the election timer and start
	// the periodic heartbeat ticker (entering Leader). The immediate
	// heartbeat itself travels in the same Result's Outbound.
	TimerStartHeartbeat
)

// FollowerData is the volatile state private to the Follower role. It is
// presently empty: a follower tracks nothing beyond what StateMachine
// already holds (current term, vote). It exists as a named type so
// Result.RoleData's meaning is explicit at every call site and so the
// planned extensions (e.g. a "currently known leader" hint for client
// redirects) have an obvious home.
type FollowerData struct{}

// CandidateData is the volatile state private to the Candidate role: the
// set of peers whose granted vote for the current term has been counted
// (spec §3 VolatileState). A set keyed by peer id -- not a counter -- is
// what makes duplicate VoteResponse delivery idempotent (spec §5).
type CandidateData struct {
	VotesGranted map[ServerId]bool
}

func newCandidateData(self ServerId) CandidateData {
	return CandidateData{VotesGranted: map[ServerId]bool{self: true}}
}

// LeaderData is the volatile state private to the Leader role: per-peer
// nextIndex/matchIndex (spec §3 VolatileState).
type LeaderData struct {
	NextIndex  map[ServerId]LogIndex
	MatchIndex map[ServerId]LogIndex
}

// Result is what StateMachine.Step returns: the next role and its
// volatile data, the durable mutations the caller must apply (in order,
// before any Outbound message is actually sent -- spec §4.1 "persist
// before reply"), the messages to send, and any timer request.
type Result struct {
	Role      Role
	RoleData  interface{} // one of FollowerData, CandidateData, LeaderData
	Mutations []StorageMutation
	Outbound  []Outbound
	Timer     TimerRequest

	// Err is set when a ClientCommand is rejected locally (e.g.
	// ErrNotLeader). It never represents a protocol-level rejection --
	// those are ordinary Outbound replies with a false/failed field.
	Err error

	// CommitIndex, when non-nil, is the new value of the volatile
	// commit_index (spec §3 VolatileState). It is never persisted --
	// only current_term, vote, and the log itself are durable -- so it
	// travels through Result/applyResult rather than StorageMutation.
	CommitIndex *LogIndex
}

// StateMachine is the pure reducer from spec §4.1: a function from
// (current role + volatile state, a persistent-state snapshot, an
// incoming event) to (next role + volatile state, persistent-state
// mutations, outbound messages, timer requests).
//
// It reads Storage only to answer questions about the log (does index X
// exist, what's its term, what's the last index/term) -- queries that
// have no side effects. Every durable write is expressed as a returned
// StorageMutation and applied by Node, never performed inside Step.
type StateMachine struct {
	id      ServerId
	config  Config
	storage Storage

	currentTerm Term
	hasVoted    bool
	votedFor    ServerId

	role      Role
	follower  FollowerData
	candidate CandidateData
	leader    LeaderData

	// commitIndex is the highest log index known to be committed
	// (volatile state, spec §3 -- never persisted). last_applied is
	// tracked by Node, not here: applying a committed entry to an
	// application state machine is outside StateMachine's pure-reducer
	// boundary (spec §1's planned log-replication/KV extensions).
	commitIndex LogIndex
}

// NewStateMachine constructs a StateMachine for id, loading current term
// and vote from storage (spec §3 Lifecycle: "PersistentState is ... read
// on every restart"). The server always boots as Follower (spec §4.1
// Mealy machine: "initial = Follower").
func NewStateMachine(id ServerId, config Config, storage Storage) (*StateMachine, error) {
	term, err := storage.GetCurrentTerm()
	if err != nil {
		return nil, err
	}
	candidate, voted, err := storage.GetVote(term)
	if err != nil {
		return nil, err
	}
	return &StateMachine{
		id:          id,
		config:      config,
		storage:     storage,
		currentTerm: term,
		hasVoted:    voted,
		votedFor:    candidate,
		role:        RoleFollower,
	}, nil
}

// ID returns this server's identifier.
func (sm *StateMachine) ID() ServerId { return sm.id }

// Role returns the server's current role.
func (sm *StateMachine) Role() Role { return sm.role }

// CurrentTerm returns the server's current term.
func (sm *StateMachine) CurrentTerm() Term { return sm.currentTerm }

// CommitIndex returns the highest log index known to be committed.
func (sm *StateMachine) CommitIndex() LogIndex { return sm.commitIndex }

func (sm *StateMachine) lastLogIndexTerm() (LogIndex, Term) {
	idx, err := sm.storage.LastLogIndex()
	if err != nil {
		// Storage reads are expected to be infallible for an
		// in-process log query; a real failure here is the same
		// fatal condition as a write failure (spec §7).
		panic(ErrStorageFailure)
	}
	term, err := sm.storage.LastLogTerm()
	if err != nil {
		panic(ErrStorageFailure)
	}
	return idx, term
}

// logUpToDate reports whether (candidateTerm, candidateIndex) is at
// least as up-to-date as this server's own last log entry (spec §4.1,
// glossary "Up-to-date log"): term dominates, index only breaks ties.
// Two empty logs -- both (0, 0) -- compare equal (spec §9 Open Question
// #1): grant is permitted.
func (sm *StateMachine) logUpToDate(candidateTerm Term, candidateIndex LogIndex) bool {
	lastIndex, lastTerm := sm.lastLogIndexTerm()
	if candidateTerm != lastTerm {
		return candidateTerm > lastTerm
	}
	return candidateIndex >= lastIndex
}

// applyResult updates the receiver's own bookkeeping to match a Result
// this Step call is about to return, so that the next Step call sees the
// post-transition state without Node having to feed it back in. This is
// the one concession to convenience over textbook purity: Step still
// computes Result from (sm's pre-call fields, storage reads, event) with
// no hidden global state, and the Result it returns is the complete,
// inspectable record of that transition.
func (sm *StateMachine) applyResult(r Result) Result {
	sm.role = r.Role
	switch d := r.RoleData.(type) {
	case FollowerData:
		sm.follower = d
	case CandidateData:
		sm.candidate = d
	case LeaderData:
		sm.leader = d
	}
	for _, m := range r.Mutations {
		if m.SetCurrentTerm != nil {
			sm.currentTerm = *m.SetCurrentTerm
			sm.hasVoted = false
		}
		if m.SetVote != nil {
			sm.hasVoted = true
			sm.votedFor = m.SetVote.Candidate
		}
	}
	if r.CommitIndex != nil {
		sm.commitIndex = *r.CommitIndex
	}
	return r
}

// Step is the single entry point described in spec §4.1.
func (sm *StateMachine) Step(ev Event, now time.Time) Result {
	priorPersistedTerm := sm.currentTerm

	// Universal pre-processing (spec §4.1): applied to every inbound
	// message before any role-specific logic, and it must precede
	// dispatch so a server never evaluates a message against a stale
	// term. TimerTick and ClientCommand carry no term and are exempt.
	demoted := false
	if msgTerm, ok := termOf(ev); ok && msgTerm > sm.currentTerm {
		demoted = sm.role != RoleFollower
		sm.currentTerm = msgTerm
		sm.hasVoted = false
		sm.role = RoleFollower
		sm.follower = FollowerData{}
	}

	result := sm.stepDispatch(ev, now, priorPersistedTerm)
	if demoted && result.Timer == TimerNone {
		// Becoming a follower always re-arms the election timer, even
		// when the follower handler itself asked for no timer change.
		result.Timer = TimerResetElection
	}
	return sm.applyResult(result)
}

// termOf extracts the Term carried by a wire message event, if ev is one.
func termOf(ev Event) (Term, bool) {
	switch m := ev.(type) {
	case VoteRequest:
		return m.Term, true
	case VoteResponse:
		return m.Term, true
	case AppendEntriesRequest:
		return m.Term, true
	case AppendEntriesResponse:
		return m.Term, true
	default:
		return 0, false
	}
}

func (sm *StateMachine) stepDispatch(ev Event, now time.Time, priorPersistedTerm Term) Result {
	switch sm.role {
	case RoleFollower:
		return sm.stepFollower(ev, now, priorPersistedTerm)
	case RoleCandidate:
		return sm.stepCandidate(ev, now, priorPersistedTerm)
	case RoleLeader:
		return sm.stepLeader(ev, now, priorPersistedTerm)
	default:
		panic("raft: unknown role")
	}
}

// currentTermMutationIfBumped returns a StorageMutation recording
// sm.currentTerm if it no longer matches what was durable as of the
// start of this Step call. Each role handler calls this first so the
// term bump from universal pre-processing (which has already happened to
// sm.currentTerm by the time role handlers run) is always persisted
// before any reply that depends on it (spec §4.1 "Persistence rule").
func (sm *StateMachine) currentTermMutationIfBumped(priorPersistedTerm Term) []StorageMutation {
	if sm.currentTerm == priorPersistedTerm {
		return nil
	}
	return []StorageMutation{mutateCurrentTerm(sm.currentTerm)}
}
