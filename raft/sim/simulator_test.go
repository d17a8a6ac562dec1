package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jonminter/raftcore/raft"
)

func fiveNodeConfig() raft.Config {
	return raft.Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		ClusterMembers:     []raft.ServerId{1, 2, 3, 4, 5},
	}
}

func buildTestCluster(t *testing.T, seed int64, members []raft.ServerId, params LinkParams) (*Simulator, map[raft.ServerId]*raft.Node) {
	t.Helper()
	base := fiveNodeConfig()
	base.ClusterMembers = members

	clock := NewVirtualClock(time.Unix(0, 0))
	network := NewSimNetwork(clock, raft.NewSeededRandom(seed), params)

	nodes := make(map[raft.ServerId]*raft.Node, len(members))
	for _, id := range members {
		cfg := base
		cfg.SelfID = id
		node, err := raft.NewNode(id, cfg, raft.NewMemoryStorage(), clock, raft.NewSeededRandom(seed+int64(id)), network.TransportFor(id), nil)
		require.NoError(t, err)
		nodes[id] = node
	}
	return NewSimulator(clock, network, nodes, nil), nodes
}

func startAndCleanup(t *testing.T, nodes map[raft.ServerId]*raft.Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for _, n := range nodes {
		n.Start(ctx)
	}
	t.Cleanup(func() {
		cancel()
		for _, n := range nodes {
			n.Stop()
		}
	})
}

// S1 — Happy election.
func TestHappyElection(t *testing.T) {
	params := LinkParams{LatencyMean: 5 * time.Millisecond, LatencyStddev: time.Millisecond}
	simulator, nodes := buildTestCluster(t, 1, []raft.ServerId{1, 2, 3, 4, 5}, params)
	startAndCleanup(t, nodes)

	leader, term, ok := simulator.AssertLeaderWithin(time.Second)
	require.True(t, ok, "expected a leader within 1s virtual time")
	require.Greater(t, term, raft.Term(0))

	simulator.RunFor(4 * time.Second)
	require.Equal(t, raft.RoleLeader, nodes[leader].Role(), "the elected leader must still be leader at t=5s absent disruption")
}

// S2 — Split vote: one seed with the same 150-300ms timeout range as S1;
// the test does not force a split. Whether or not one occurs, exactly one
// leader must emerge and its term must exceed the initial term 0.
func TestSplitVoteEventuallyConverges(t *testing.T) {
	params := LinkParams{LatencyMean: 5 * time.Millisecond, LatencyStddev: time.Millisecond}
	simulator, nodes := buildTestCluster(t, 42, []raft.ServerId{1, 2, 3, 4, 5}, params)
	startAndCleanup(t, nodes)

	_, term, ok := simulator.AssertLeaderWithin(3 * time.Second)
	require.True(t, ok)
	require.GreaterOrEqual(t, term, raft.Term(1))

	leaders := 0
	for _, n := range nodes {
		if n.Role() == raft.RoleLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders, "exactly one leader must exist once the simulation settles")
}

// S3 — Stale-reply bug regression, at the StateMachine level (no network
// needed): a term T-1 VoteResponse delivered to a term-T candidate must
// never be tallied.
func TestStaleVoteResponseNeverTallied(t *testing.T) {
	storage := raft.NewMemoryStorage()
	sm, err := raft.NewStateMachine(1, raft.Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		ClusterMembers:     []raft.ServerId{1, 2, 3},
		SelfID:             1,
	}, storage)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	candidacy := sm.Step(raft.TimerTick{Now: now}, now)
	require.Equal(t, raft.RoleCandidate, candidacy.Role)
	term := sm.CurrentTerm()

	stale := raft.VoteResponse{
		MessageHeader: raft.MessageHeader{From: 2, To: 1, Term: term - 1},
		VoteGranted:   true,
	}
	r := sm.Step(stale, now)
	require.Equal(t, raft.RoleCandidate, r.Role, "must not become leader off a stale-term reply alone")
}

// S5 — Candidate demotion on same-term append.
func TestCandidateDemotionOnSameTermAppend(t *testing.T) {
	storage := raft.NewMemoryStorage()
	sm, err := raft.NewStateMachine(1, raft.Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		ClusterMembers:     []raft.ServerId{1, 2, 3},
		SelfID:             1,
	}, storage)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	sm.Step(raft.TimerTick{Now: now}, now)
	term := sm.CurrentTerm()

	req := raft.AppendEntriesRequest{MessageHeader: raft.MessageHeader{From: 2, To: 1, Term: term}}
	r := sm.Step(req, now)
	require.Equal(t, raft.RoleFollower, r.Role)
	require.Equal(t, raft.TimerResetElection, r.Timer)
	resp := r.Outbound[0].Message.(raft.AppendEntriesResponse)
	require.True(t, resp.Success)
}

// S6 — Partition heal: the leader is isolated for 2s of virtual time; a
// new leader with a higher term must emerge during the partition.
func TestPartitionHeal(t *testing.T) {
	params := LinkParams{LatencyMean: 5 * time.Millisecond, LatencyStddev: time.Millisecond}
	members := []raft.ServerId{1, 2, 3, 4, 5}
	simulator, nodes := buildTestCluster(t, 7, members, params)
	startAndCleanup(t, nodes)

	leader, term, ok := simulator.AssertLeaderWithin(time.Second)
	require.True(t, ok)

	for _, id := range members {
		if id != leader {
			simulator.Partition(leader, id)
		}
	}
	simulator.RunFor(2 * time.Second)

	newLeader, newTerm, ok := simulator.AssertLeaderWithin(2 * time.Second)
	require.True(t, ok, "the majority partition must elect a new leader while the old leader is isolated")
	require.NotEqual(t, leader, newLeader)
	require.Greater(t, newTerm, term)

	for _, id := range members {
		if id != leader {
			simulator.Heal(leader, id)
		}
	}
	simulator.RunFor(time.Second)
	require.Equal(t, raft.RoleFollower, nodes[leader].Role(), "the old leader must step down once it observes the higher term after heal")
}
