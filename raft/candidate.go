package raft

import "time"

// enterCandidate implements spec §4.1 Candidate behavior "on entry":
// increment current_term, vote for self, persist vote, reset election
// timer, broadcast VoteRequest to all peers. Used both by a Follower's
// election timeout and by a Candidate's own election timeout (starting a
// new election in a new term).
func (sm *StateMachine) enterCandidate() Result {
	newTerm := sm.currentTerm + 1
	data := newCandidateData(sm.id)

	lastIndex, lastTerm := sm.lastLogIndexTerm()

	outbound := make([]Outbound, 0, len(sm.config.Peers()))
	for _, peer := range sm.config.Peers() {
		outbound = append(outbound, Outbound{
			To: peer,
			Message: VoteRequest{
				MessageHeader: MessageHeader{
					RequestID: NewRequestID(),
					From:      sm.id,
					To:        peer,
					Term:      newTerm,
				},
				LastLogIndex: lastIndex,
				LastLogTerm:  lastTerm,
			},
		})
	}

	return Result{
		Role:     RoleCandidate,
		RoleData: data,
		Mutations: []StorageMutation{
			mutateCurrentTerm(newTerm),
			mutateVote(newTerm, sm.id),
		},
		Outbound: outbound,
		Timer:    TimerResetElection,
	}
}

// stepCandidate implements spec §4.1's Candidate behavior.
func (sm *StateMachine) stepCandidate(ev Event, now time.Time, priorPersistedTerm Term) Result {
	switch e := ev.(type) {
	case TimerTick:
		// "Election-timer expiry: start a new election (re-enter
		// Candidate, incrementing term again)."
		return sm.enterCandidate()

	case VoteRequest:
		// By construction a Candidate has already voted for itself in
		// the current term (enterCandidate persists that vote), so a
		// same-term VoteRequest from anyone else is rejected by rule
		// (b) of the follower vote-granting logic. A higher-term
		// request has already demoted this server to Follower by
		// universal pre-processing before stepCandidate ever runs.
		mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)
		return Result{
			Role:      RoleCandidate,
			RoleData:  sm.candidate,
			Mutations: mutations,
			Outbound: []Outbound{{
				To: e.From,
				Message: VoteResponse{
					MessageHeader: reply(e.MessageHeader, sm.id, sm.currentTerm),
					VoteGranted:   false,
					reason:        "already a candidate this term",
				},
			}},
		}

	case VoteResponse:
		return sm.candidateHandleVoteResponse(e, priorPersistedTerm)

	case AppendEntriesRequest:
		return sm.candidateHandleAppendEntries(e, priorPersistedTerm)

	case AppendEntriesResponse:
		// Stale reply from a previous leadership term, or a
		// misdirected message; a Candidate never sent AppendEntries.
		return Result{Role: RoleCandidate, RoleData: sm.candidate}

	case ClientCommand:
		return Result{Role: RoleCandidate, RoleData: sm.candidate, Err: ErrNotLeader}

	default:
		panic("raft: unhandled event in stepCandidate")
	}
}

// candidateHandleVoteResponse implements the single most safety-critical
// rule in this module (spec §4.1, §8 invariant 5, §9 "stale-reply bug"):
// "count the vote only if reply.term == current_term and vote_granted."
func (sm *StateMachine) candidateHandleVoteResponse(resp VoteResponse, priorPersistedTerm Term) Result {
	mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)

	if resp.Term != sm.currentTerm || !resp.VoteGranted {
		// No-op: either a stale-term reply (must not be tallied, even
		// if it nominally says VoteGranted=true) or an explicit
		// rejection. The votes-received set is left untouched, which
		// makes re-delivery of the same stale or negative reply
		// idempotent for free.
		return Result{Role: RoleCandidate, RoleData: sm.candidate, Mutations: mutations}
	}

	granted := copyVotes(sm.candidate.VotesGranted)
	granted[resp.From] = true

	if sm.config.IsQuorum(len(granted)) {
		return sm.enterLeader(mutations)
	}

	return Result{
		Role:      RoleCandidate,
		RoleData:  CandidateData{VotesGranted: granted},
		Mutations: mutations,
	}
}

func copyVotes(in map[ServerId]bool) map[ServerId]bool {
	out := make(map[ServerId]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// candidateHandleAppendEntries implements: "if req.term < current_term,
// reject; if req.term == current_term, this means another candidate has
// won -- transition to Follower, then process the request as a follower
// would, reset election timer. (If req.term > current_term, universal
// pre-processing has already made this server a Follower.)"
func (sm *StateMachine) candidateHandleAppendEntries(req AppendEntriesRequest, priorPersistedTerm Term) Result {
	if req.Term < sm.currentTerm {
		mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)
		return Result{
			Role:      RoleCandidate,
			RoleData:  sm.candidate,
			Mutations: mutations,
			Outbound: []Outbound{{
				To: req.From,
				Message: AppendEntriesResponse{
					MessageHeader: reply(req.MessageHeader, sm.id, sm.currentTerm),
					Success:       false,
					reason:        "stale term",
				},
			}},
		}
	}

	// req.Term == sm.currentTerm: another candidate has already won
	// this term's election. Demote and reprocess as a Follower would.
	sm.role = RoleFollower
	sm.follower = FollowerData{}
	return sm.followerHandleAppendEntries(req, priorPersistedTerm)
}
