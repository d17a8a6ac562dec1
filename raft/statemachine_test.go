package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig(self ServerId, members ...ServerId) Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		ClusterMembers:     members,
		SelfID:             self,
	}
}

func newTestSM(t *testing.T, self ServerId, members ...ServerId) *StateMachine {
	t.Helper()
	sm, err := NewStateMachine(self, testConfig(self, members...), NewMemoryStorage())
	require.NoError(t, err)
	return sm
}

var now = time.Unix(1700000000, 0)

// persist applies r's storage mutations to s in order, the same way Node
// does after every Step, and returns r. Step itself never writes storage.
func persist(t *testing.T, s Storage, r Result) Result {
	t.Helper()
	require.NoError(t, (&Node{storage: s}).applyMutations(r.Mutations))
	return r
}

func voteRequest(from, to ServerId, term Term, lastIndex LogIndex, lastTerm Term) VoteRequest {
	return VoteRequest{
		MessageHeader: MessageHeader{RequestID: NewRequestID(), From: from, To: to, Term: term},
		LastLogIndex:  lastIndex,
		LastLogTerm:   lastTerm,
	}
}

// Invariant 2: single vote per term.
func TestSingleVotePerTerm_RejectsSecondCandidate(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)

	r1 := sm.Step(voteRequest(2, 1, 1, 0, 0), now)
	require.Len(t, r1.Outbound, 1)
	resp1 := r1.Outbound[0].Message.(VoteResponse)
	require.True(t, resp1.VoteGranted)

	r2 := sm.Step(voteRequest(3, 1, 1, 0, 0), now)
	resp2 := r2.Outbound[0].Message.(VoteResponse)
	require.False(t, resp2.VoteGranted, "must not grant a second, different candidate in the same term")
}

// Invariant 2 (idempotence half): a duplicate VoteRequest from the SAME
// candidate in the same term is re-granted, not rejected.
func TestSingleVotePerTerm_ReGrantsSameCandidate(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)

	r1 := sm.Step(voteRequest(2, 1, 1, 0, 0), now)
	require.True(t, r1.Outbound[0].Message.(VoteResponse).VoteGranted)

	r2 := sm.Step(voteRequest(2, 1, 1, 0, 0), now)
	require.True(t, r2.Outbound[0].Message.(VoteResponse).VoteGranted, "re-delivery of the same vote must be idempotent")
}

// Invariant 4: leader completeness precondition -- reject a candidate
// whose log is behind ours.
func TestVoteRequest_RejectsStaleLog(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.AppendEntry(LogEntry{Index: 1, Term: 5, Command: ApplicationCommand{}}))
	sm, err := NewStateMachine(1, testConfig(1, 1, 2, 3), storage)
	require.NoError(t, err)

	// Bump to term 5 first via a message so VoteRequest's own term (5)
	// isn't itself treated as stale.
	sm.Step(voteRequest(2, 1, 5, 1, 5), now)

	// A candidate claiming last_log_term=4 (behind our term-5 entry) must
	// be rejected regardless of index.
	r := sm.Step(voteRequest(3, 1, 6, 100, 4), now)
	resp := r.Outbound[0].Message.(VoteResponse)
	require.False(t, resp.VoteGranted)
}

// Invariant 4, empty-log edge case (spec §9 Open Question #1): two empty
// logs compare equal, so a vote is grantable.
func TestVoteRequest_EmptyLogsCompareEqual(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	r := sm.Step(voteRequest(2, 1, 1, 0, 0), now)
	require.True(t, r.Outbound[0].Message.(VoteResponse).VoteGranted)
}

// Invariant 5 / S3: no stale-term vote counting.
func TestCandidateVoteTally_IgnoresStaleTermReply(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)

	becomeCandidate := sm.Step(TimerTick{Now: now}, now)
	require.Equal(t, RoleCandidate, becomeCandidate.Role)
	currentTerm := sm.CurrentTerm()

	stale := VoteResponse{
		MessageHeader: MessageHeader{RequestID: NewRequestID(), From: 2, To: 1, Term: currentTerm - 1},
		VoteGranted:   true,
	}
	r := sm.Step(stale, now)
	require.Equal(t, RoleCandidate, r.Role, "a stale-term reply must never push a candidate to leader")
	data := r.RoleData.(CandidateData)
	require.Len(t, data.VotesGranted, 1, "only the self-vote should be counted")
}

func TestCandidateVoteTally_CountsCurrentTermReply(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	sm.Step(TimerTick{Now: now}, now)
	currentTerm := sm.CurrentTerm()

	vote := VoteResponse{
		MessageHeader: MessageHeader{RequestID: NewRequestID(), From: 2, To: 1, Term: currentTerm},
		VoteGranted:   true,
	}
	r := sm.Step(vote, now)
	require.Equal(t, RoleLeader, r.Role, "2 of 3 votes (self + peer) is quorum")
}

// Invariant 1: election safety -- a same-term AppendEntries always demotes
// a candidate rather than letting two leaders coexist (S5).
func TestCandidateDemotesOnSameTermAppendEntries(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	sm.Step(TimerTick{Now: now}, now)
	currentTerm := sm.CurrentTerm()

	req := AppendEntriesRequest{
		MessageHeader: MessageHeader{RequestID: NewRequestID(), From: 2, To: 1, Term: currentTerm},
	}
	r := sm.Step(req, now)
	require.Equal(t, RoleFollower, r.Role)
	require.Equal(t, TimerResetElection, r.Timer)
	resp := r.Outbound[0].Message.(AppendEntriesResponse)
	require.True(t, resp.Success)
}

// Invariant 3: monotonic terms -- any higher-term message bumps
// current_term and it never decreases across subsequent Steps.
func TestCurrentTermNeverDecreases(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	sm.Step(voteRequest(2, 1, 5, 0, 0), now)
	require.Equal(t, Term(5), sm.CurrentTerm())

	// A later message at a lower term must not roll current_term back.
	sm.Step(voteRequest(3, 1, 3, 0, 0), now)
	require.Equal(t, Term(5), sm.CurrentTerm())
}

// S4: double-vote bug regression, expressed directly.
func TestDoubleVoteBugRegression(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)

	r1 := persist(t, sm.storage, sm.Step(voteRequest(2, 1, 1, 0, 0), now))
	require.True(t, r1.Outbound[0].Message.(VoteResponse).VoteGranted)

	r2 := persist(t, sm.storage, sm.Step(voteRequest(3, 1, 1, 0, 0), now))
	require.False(t, r2.Outbound[0].Message.(VoteResponse).VoteGranted)

	candidate, ok, err := sm.storage.GetVote(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ServerId(2), candidate, "persisted vote must remain the first candidate")
}

// Invariant 6: idempotence under duplicate AppendEntries delivery.
func TestAppendEntriesIdempotentUnderDuplicateDelivery(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	req := AppendEntriesRequest{
		MessageHeader: MessageHeader{RequestID: NewRequestID(), From: 2, To: 1, Term: 1},
		Entries: []LogEntry{
			{Index: 1, Term: 1, Command: ApplicationCommand{Payload: []byte("x")}},
		},
		LeaderCommitIdx: 1,
	}
	r1 := persist(t, sm.storage, sm.Step(req, now))
	r2 := persist(t, sm.storage, sm.Step(req, now))

	require.Equal(t, r1.Outbound[0].Message.(AppendEntriesResponse).Success, r2.Outbound[0].Message.(AppendEntriesResponse).Success)
	require.Equal(t, r1.Outbound[0].Message.(AppendEntriesResponse).MatchIndex, r2.Outbound[0].Message.(AppendEntriesResponse).MatchIndex)

	entries, err := sm.storage.EntriesFrom(1)
	require.NoError(t, err)
	require.Len(t, entries, 1, "duplicate delivery must not double-append")
}

func TestUniversalPreProcessing_BumpsTermAndDemotesLeader(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	sm.Step(TimerTick{Now: now}, now) // -> candidate, term 1
	sm.Step(VoteResponse{MessageHeader: MessageHeader{From: 2, To: 1, Term: sm.CurrentTerm()}, VoteGranted: true}, now)
	require.Equal(t, RoleLeader, sm.Role())

	higherTermReq := AppendEntriesRequest{
		MessageHeader: MessageHeader{RequestID: NewRequestID(), From: 3, To: 1, Term: sm.CurrentTerm() + 1},
	}
	sm.Step(higherTermReq, now)
	require.Equal(t, RoleFollower, sm.Role(), "a higher-term message must demote a leader immediately")
}

func TestClientCommand_RejectedUnlessLeader(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	r := sm.Step(ClientCommand{Command: ApplicationCommand{Payload: []byte("x")}}, now)
	require.ErrorIs(t, r.Err, ErrNotLeader)
}

func TestLeaderCommitAdvancesOnlyWithCurrentTermEntry(t *testing.T) {
	sm := newTestSM(t, 1, 1, 2, 3)
	persist(t, sm.storage, sm.Step(TimerTick{Now: now}, now))
	term := sm.CurrentTerm()
	persist(t, sm.storage, sm.Step(VoteResponse{MessageHeader: MessageHeader{From: 2, To: 1, Term: term}, VoteGranted: true}, now))
	require.Equal(t, RoleLeader, sm.Role())

	persist(t, sm.storage, sm.Step(ClientCommand{Command: ApplicationCommand{Payload: []byte("x")}}, now))

	resp := AppendEntriesResponse{
		MessageHeader: MessageHeader{From: 2, To: 1, Term: term},
		Success:       true,
		MatchIndex:    1,
	}
	sm.Step(resp, now)
	require.Equal(t, LogIndex(1), sm.CommitIndex(), "majority (self + one peer) at current-term entry 1 must commit")
}
