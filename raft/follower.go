package raft

import "time"

// stepFollower implements spec §4.1's Follower behavior.
func (sm *StateMachine) stepFollower(ev Event, now time.Time, priorPersistedTerm Term) Result {
	switch e := ev.(type) {
	case TimerTick:
		return sm.followerElectionTimeout(now)
	case VoteRequest:
		return sm.followerHandleVoteRequest(e, priorPersistedTerm)
	case VoteResponse:
		// A follower never requested a vote; any reply here is for an
		// election this server is no longer running (it may have been
		// a Candidate and already demoted, or never been one). Ignore.
		return sm.noopResult(FollowerData{})
	case AppendEntriesRequest:
		return sm.followerHandleAppendEntries(e, priorPersistedTerm)
	case AppendEntriesResponse:
		// A follower never sent AppendEntries. Ignore.
		return sm.noopResult(FollowerData{})
	case ClientCommand:
		return Result{Role: RoleFollower, RoleData: FollowerData{}, Err: ErrNotLeader}
	default:
		panic("raft: unhandled event in stepFollower")
	}
}

// noopResult is a transition that changes nothing but still must report
// the (possibly term-bumped) role/data/mutations consistently.
func (sm *StateMachine) noopResult(data FollowerData) Result {
	return Result{
		Role:     RoleFollower,
		RoleData: data,
	}
}

// followerElectionTimeout implements "Election-timer expiry: transition
// to Candidate" by delegating to the Candidate role's entry logic (spec
// §4.1 Candidate behavior "on entry").
func (sm *StateMachine) followerElectionTimeout(now time.Time) Result {
	return sm.enterCandidate()
}

// followerHandleVoteRequest implements spec §4.1's follower VoteRequest
// handling.
func (sm *StateMachine) followerHandleVoteRequest(req VoteRequest, priorPersistedTerm Term) Result {
	mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)

	// By the time we get here, universal pre-processing has already
	// raised sm.currentTerm to req.Term when req.Term was strictly
	// greater, so effectively req.Term == sm.currentTerm; a req.Term <
	// sm.currentTerm is rejected below without granting.
	if req.Term < sm.currentTerm {
		return sm.rejectVote(req, mutations, "stale term")
	}

	// (b) no vote recorded this term, or recorded vote is exactly
	// req.From. Granting to "the same candidate we already voted for"
	// is the load-bearing idempotence case (spec §4.1, §9): safe under
	// message duplication, but granting to a DIFFERENT candidate in the
	// same term would violate single-vote-per-term.
	if sm.hasVoted && sm.votedFor != req.From {
		return sm.rejectVote(req, mutations, "already voted")
	}

	// (c) candidate's log at least as up-to-date as ours.
	if !sm.logUpToDate(req.LastLogTerm, req.LastLogIndex) {
		return sm.rejectVote(req, mutations, "log not up to date")
	}

	mutations = append(mutations, mutateVote(sm.currentTerm, req.From))
	return Result{
		Role:     RoleFollower,
		RoleData: FollowerData{},
		Mutations: mutations,
		Outbound: []Outbound{{
			To: req.From,
			Message: VoteResponse{
				MessageHeader: reply(req.MessageHeader, sm.id, sm.currentTerm),
				VoteGranted:   true,
			},
		}},
		Timer: TimerResetElection,
	}
}

func (sm *StateMachine) rejectVote(req VoteRequest, mutations []StorageMutation, reason string) Result {
	return Result{
		Role:      RoleFollower,
		RoleData:  FollowerData{},
		Mutations: mutations,
		Outbound: []Outbound{{
			To: req.From,
			Message: VoteResponse{
				MessageHeader: reply(req.MessageHeader, sm.id, sm.currentTerm),
				VoteGranted:   false,
				reason:        reason,
			},
		}},
	}
}

// followerHandleAppendEntries implements spec §4.1's follower
// AppendEntriesRequest handling: log consistency check, truncate +
// append, commit index advancement.
func (sm *StateMachine) followerHandleAppendEntries(req AppendEntriesRequest, priorPersistedTerm Term) Result {
	mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)

	if req.Term < sm.currentTerm {
		return Result{
			Role:      RoleFollower,
			RoleData:  FollowerData{},
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

	// Valid AppendEntries from the current leader: reset the election
	// timer regardless of the consistency check outcome (spec §4.1:
	// "Resets on: ... receiving a valid AppendEntriesRequest from a
	// leader at current_term").
	timer := TimerResetElection

	if req.PrevLogIndex > 0 {
		entry, ok, err := sm.storage.Entry(req.PrevLogIndex)
		if err != nil {
			panic(ErrStorageFailure)
		}
		if !ok || entry.Term != req.PrevLogTerm {
			return Result{
				Role:      RoleFollower,
				RoleData:  FollowerData{},
				Mutations: mutations,
				Outbound: []Outbound{{
					To: req.From,
					Message: AppendEntriesResponse{
						MessageHeader: reply(req.MessageHeader, sm.id, sm.currentTerm),
						Success:       false,
						reason:        "log inconsistent at prevLogIndex",
					},
				}},
				Timer: timer,
			}
		}
	}

	// Truncate any conflicting suffix starting at the first divergent
	// entry, then append the new entries.
	existing, err := sm.storage.EntriesFrom(req.PrevLogIndex + 1)
	if err != nil {
		panic(ErrStorageFailure)
	}
	conflictAt := -1
	for i, newEntry := range req.Entries {
		if i >= len(existing) {
			break
		}
		if existing[i].Term != newEntry.Term {
			conflictAt = i
			break
		}
	}
	if conflictAt >= 0 {
		mutations = append(mutations, mutateTruncateFrom(req.Entries[conflictAt].Index))
		for _, e := range req.Entries[conflictAt:] {
			mutations = append(mutations, mutateAppendEntry(e))
		}
	} else if len(req.Entries) > len(existing) {
		for _, e := range req.Entries[len(existing):] {
			mutations = append(mutations, mutateAppendEntry(e))
		}
	}

	lastNewIndex := req.PrevLogIndex
	if len(req.Entries) > 0 {
		lastNewIndex = req.Entries[len(req.Entries)-1].Index
	}

	// "update commit_index := min(req.leader_commit_index, index of
	// last new entry)" (spec §4.1).
	var newCommitIndex *LogIndex
	if req.LeaderCommitIdx > sm.commitIndex {
		ci := req.LeaderCommitIdx
		if lastNewIndex < ci {
			ci = lastNewIndex
		}
		newCommitIndex = &ci
	}

	return Result{
		Role:        RoleFollower,
		RoleData:    FollowerData{},
		Mutations:   mutations,
		CommitIndex: newCommitIndex,
		Outbound: []Outbound{{
			To: req.From,
			Message: AppendEntriesResponse{
				MessageHeader: reply(req.MessageHeader, sm.id, sm.currentTerm),
				Success:       true,
				MatchIndex:    lastNewIndex,
			},
		}},
		Timer: timer,
	}
}

// reply builds the MessageHeader for a response to req, from "from",
// stamped with the responder's own current term.
func reply(req MessageHeader, from ServerId, term Term) MessageHeader {
	return MessageHeader{
		RequestID: req.RequestID,
		From:      from,
		To:        req.From,
		Term:      term,
	}
}
