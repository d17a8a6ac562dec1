package raft

import "time"

// enterLeader implements spec §4.1 Leader behavior "on entry": initialize
// per-peer nextIndex/matchIndex, immediately broadcast an empty
// AppendEntries heartbeat, and ask Node to start the periodic heartbeat
// ticker. mutations carries whatever the caller (candidateHandleVoteResponse)
// has already accumulated (e.g. a term bump from universal
// pre-processing) so the winning transition still records them.
func (sm *StateMachine) enterLeader(mutations []StorageMutation) Result {
	lastIndex, _ := sm.lastLogIndexTerm()

	data := LeaderData{
		NextIndex:  map[ServerId]LogIndex{},
		MatchIndex: map[ServerId]LogIndex{},
	}
	for _, peer := range sm.config.Peers() {
		data.NextIndex[peer] = lastIndex + 1
		data.MatchIndex[peer] = 0
	}

	outbound := sm.heartbeatsFor(data)

	return Result{
		Role:      RoleLeader,
		RoleData:  data,
		Mutations: mutations,
		Outbound:  outbound,
		Timer:     TimerStartHeartbeat,
	}
}

// heartbeatsFor builds one AppendEntries per peer, carrying whatever
// entries are outstanding per that peer's nextIndex (empty for a pure
// heartbeat) -- spec §4.1: "send AppendEntries to each peer with entries
// in [next_index[p], end) (possibly empty)".
func (sm *StateMachine) heartbeatsFor(data LeaderData) []Outbound {
	lastIndex, _ := sm.lastLogIndexTerm()
	outbound := make([]Outbound, 0, len(data.NextIndex))
	for peer, next := range data.NextIndex {
		prevIndex := next - 1
		var prevTerm Term
		if prevIndex > 0 {
			e, ok, err := sm.storage.Entry(prevIndex)
			if err != nil {
				panic(ErrStorageFailure)
			}
			if ok {
				prevTerm = e.Term
			}
		}

		var entries []LogEntry
		if next <= lastIndex {
			es, err := sm.storage.EntriesFrom(next)
			if err != nil {
				panic(ErrStorageFailure)
			}
			entries = es
		}

		outbound = append(outbound, Outbound{
			To: peer,
			Message: AppendEntriesRequest{
				MessageHeader: MessageHeader{
					RequestID: NewRequestID(),
					From:      sm.id,
					To:        peer,
					Term:      sm.currentTerm,
				},
				PrevLogIndex:    prevIndex,
				PrevLogTerm:     prevTerm,
				Entries:         entries,
				LeaderCommitIdx: sm.commitIndex,
			},
		})
	}
	return outbound
}

// stepLeader implements spec §4.1's Leader behavior.
func (sm *StateMachine) stepLeader(ev Event, now time.Time, priorPersistedTerm Term) Result {
	switch e := ev.(type) {
	case TimerTick:
		return Result{
			Role:     RoleLeader,
			RoleData: sm.leader,
			Outbound: sm.heartbeatsFor(sm.leader),
		}

	case VoteRequest:
		// "VoteRequest at current_term: reject (leader has already
		// voted for itself)." A higher term has already demoted this
		// server to Follower by universal pre-processing.
		mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)
		return Result{
			Role:      RoleLeader,
			RoleData:  sm.leader,
			Mutations: mutations,
			Outbound: []Outbound{{
				To: e.From,
				Message: VoteResponse{
					MessageHeader: reply(e.MessageHeader, sm.id, sm.currentTerm),
					VoteGranted:   false,
					reason:        "already leader this term",
				},
			}},
		}

	case VoteResponse:
		// Stale reply from this server's own past candidacy. No-op.
		return Result{Role: RoleLeader, RoleData: sm.leader}

	case AppendEntriesRequest:
		// Election safety (spec §8 invariant 1) guarantees at most one
		// leader per term, so a same-term AppendEntriesRequest here is
		// a ProtocolViolation (malformed or duplicated peer state), not
		// a legitimate demotion: a genuinely higher term has already
		// been handled by universal pre-processing before stepLeader
		// ever runs. Reject, do not crash (spec §7); nothing is logged.
		mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)
		return Result{
			Role:      RoleLeader,
			RoleData:  sm.leader,
			Mutations: mutations,
			Outbound: []Outbound{{
				To: e.From,
				Message: AppendEntriesResponse{
					MessageHeader: reply(e.MessageHeader, sm.id, sm.currentTerm),
					Success:       false,
					reason:        "rejected: two leaders in one term is a protocol violation",
				},
			}},
		}

	case AppendEntriesResponse:
		return sm.leaderHandleAppendEntriesResponse(e, priorPersistedTerm)

	case ClientCommand:
		return sm.leaderHandleClientCommand(e, priorPersistedTerm)

	default:
		panic("raft: unhandled event in stepLeader")
	}
}

// leaderHandleAppendEntriesResponse implements spec §4.1: on success,
// advance match/next index and the commit index (subject to the
// current-term restriction); on failure, decrement next_index and retry
// on the next heartbeat.
func (sm *StateMachine) leaderHandleAppendEntriesResponse(resp AppendEntriesResponse, priorPersistedTerm Term) Result {
	mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)

	// A term bump here means universal pre-processing has already
	// demoted this server to Follower -- sm.role is no longer Leader by
	// the time we reach this function only when resp.Term > the term
	// this message was sent under, i.e. termOf already caught it in
	// Step and dispatch went to stepFollower, not stepLeader. So by
	// construction, if we're here, resp.Term <= sm.currentTerm.

	next := copyIndex(sm.leader.NextIndex)
	match := copyIndex(sm.leader.MatchIndex)

	if resp.Success {
		if resp.MatchIndex > match[resp.From] {
			match[resp.From] = resp.MatchIndex
		}
		next[resp.From] = resp.MatchIndex + 1
	} else if next[resp.From] > 1 {
		next[resp.From]--
	}

	data := LeaderData{NextIndex: next, MatchIndex: match}

	commitIndex := sm.advanceCommitIndex(match)

	return Result{
		Role:        RoleLeader,
		RoleData:    data,
		Mutations:   mutations,
		CommitIndex: commitIndex,
	}
}

func copyIndex(in map[ServerId]LogIndex) map[ServerId]LogIndex {
	out := make(map[ServerId]LogIndex, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// advanceCommitIndex implements: "advance commit_index to the highest N
// such that a majority of match_index >= N AND the entry at N has term
// == current_term (the current-term commit restriction is required for
// safety)."
func (sm *StateMachine) advanceCommitIndex(match map[ServerId]LogIndex) *LogIndex {
	lastIndex, _ := sm.lastLogIndexTerm()
	best := sm.commitIndex
	for n := lastIndex; n > sm.commitIndex; n-- {
		entry, ok, err := sm.storage.Entry(n)
		if err != nil {
			panic(ErrStorageFailure)
		}
		if !ok || entry.Term != sm.currentTerm {
			continue
		}
		count := 1 // self
		for _, m := range match {
			if m >= n {
				count++
			}
		}
		if sm.config.IsQuorum(count) {
			best = n
			break
		}
	}
	if best == sm.commitIndex {
		return nil
	}
	return &best
}

// leaderHandleClientCommand implements: "append to local log with
// (current_term, next index); replication proceeds via heartbeats."
// Spec §9 Open Question #2: appending before the first heartbeat round
// completes is permitted; there is no special-cased "flush now" path
// here, matching the teacher's own heartbeat-only replication trigger.
func (sm *StateMachine) leaderHandleClientCommand(e ClientCommand, priorPersistedTerm Term) Result {
	mutations := sm.currentTermMutationIfBumped(priorPersistedTerm)

	lastIndex, _ := sm.lastLogIndexTerm()
	entry := LogEntry{
		Index:   lastIndex + 1,
		Term:    sm.currentTerm,
		Command: e.Command,
	}
	mutations = append(mutations, mutateAppendEntry(entry))

	return Result{
		Role:      RoleLeader,
		RoleData:  sm.leader,
		Mutations: mutations,
	}
}
