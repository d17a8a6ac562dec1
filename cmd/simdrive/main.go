// Command simdrive runs one of the documented simulation scenarios
// in-process and prints the resulting event log. It is a debug/demo
// driver, not a production cluster launcher -- wiring real nodes to a
// real transport is explicitly out of scope for this module.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/jonminter/raftcore/raft"
	"github.com/jonminter/raftcore/raft/sim"
)

func main() {
	var (
		scenario = flag.String("scenario", "s1", "scenario to run: s1 (happy election), s2 (split vote), s6 (partition heal)")
		seed     = flag.Int64("seed", 1, "PRNG seed")
		nodes    = flag.Int("nodes", 5, "cluster size")
		verbose  = flag.Bool("v", false, "verbose (debug-level) logging")
	)
	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync()

	if err := run(*scenario, *seed, *nodes, logger); err != nil {
		fmt.Fprintln(os.Stderr, "simdrive:", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

func run(scenario string, seed int64, nodeCount int, logger *zap.Logger) error {
	switch scenario {
	case "s1":
		return runHappyElection(seed, nodeCount, logger)
	case "s2":
		return runSplitVote(seed, nodeCount, logger)
	case "s6":
		return runPartitionHeal(seed, nodeCount, logger)
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}
}

func clusterConfig(nodeCount int) raft.Config {
	members := make([]raft.ServerId, nodeCount)
	for i := range members {
		members[i] = raft.ServerId(i + 1)
	}
	return raft.Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		ClusterMembers:     members,
	}
}

// buildCluster wires nodeCount Nodes sharing one VirtualClock and one
// SimNetwork, each with its own seeded Random stream (spec §9: "Global
// state: none" -- per-node PRNGs, not one shared generator).
func buildCluster(seed int64, nodeCount int, params sim.LinkParams, logger *zap.Logger) (*sim.Simulator, map[raft.ServerId]*raft.Node) {
	base := clusterConfig(nodeCount)
	clock := sim.NewVirtualClock(time.Unix(0, 0))
	network := sim.NewSimNetwork(clock, raft.NewSeededRandom(seed), params)

	nodes := make(map[raft.ServerId]*raft.Node, nodeCount)
	for _, id := range base.ClusterMembers {
		cfg := base
		cfg.SelfID = id
		storage := raft.NewMemoryStorage()
		node, err := raft.NewNode(id, cfg, storage, clock, raft.NewSeededRandom(seed+int64(id)), network.TransportFor(id), logger)
		if err != nil {
			panic(err)
		}
		nodes[id] = node
	}

	return sim.NewSimulator(clock, network, nodes, logger), nodes
}

func startAll(ctx context.Context, nodes map[raft.ServerId]*raft.Node) {
	for _, n := range nodes {
		n.Start(ctx)
	}
}

func stopAll(nodes map[raft.ServerId]*raft.Node) {
	for _, n := range nodes {
		n.Stop()
	}
}

// runHappyElection is scenario S1: zero drop, tight latency. Assert one
// leader emerges within 1s of virtual time.
func runHappyElection(seed int64, nodeCount int, logger *zap.Logger) error {
	params := sim.LinkParams{LatencyMean: 5 * time.Millisecond, LatencyStddev: time.Millisecond}
	simulator, nodes := buildCluster(seed, nodeCount, params, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(ctx, nodes)
	defer stopAll(nodes)

	leader, term, ok := simulator.AssertLeaderWithin(time.Second)
	if !ok {
		return fmt.Errorf("s1: no leader elected within 1s virtual time")
	}
	fmt.Printf("s1: leader=%d term=%d after %d events\n", leader, term, len(simulator.Events()))
	printEvents(simulator)
	return nil
}

// runSplitVote is scenario S2: it uses the same 150-300ms timeout range
// and per-node PRNG streams as s1 and does not force near-simultaneous
// election timer expiry; a split happens only if the seed produces one.
// It reports the leader found within 3s of virtual time.
func runSplitVote(seed int64, nodeCount int, logger *zap.Logger) error {
	params := sim.LinkParams{LatencyMean: 5 * time.Millisecond, LatencyStddev: time.Millisecond}
	simulator, nodes := buildCluster(seed, nodeCount, params, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(ctx, nodes)
	defer stopAll(nodes)

	leader, term, ok := simulator.AssertLeaderWithin(3 * time.Second)
	if !ok {
		return fmt.Errorf("s2: no leader elected within 3s virtual time")
	}
	fmt.Printf("s2: leader=%d term=%d after %d events\n", leader, term, len(simulator.Events()))
	printEvents(simulator)
	return nil
}

// runPartitionHeal is scenario S6: isolate the current leader for 2s of
// virtual time, then heal, and report the leader before and after.
func runPartitionHeal(seed int64, nodeCount int, logger *zap.Logger) error {
	params := sim.LinkParams{LatencyMean: 5 * time.Millisecond, LatencyStddev: time.Millisecond}
	simulator, nodes := buildCluster(seed, nodeCount, params, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startAll(ctx, nodes)
	defer stopAll(nodes)

	leader, term, ok := simulator.AssertLeaderWithin(time.Second)
	if !ok {
		return fmt.Errorf("s6: no initial leader elected")
	}
	fmt.Printf("s6: initial leader=%d term=%d\n", leader, term)

	for _, peer := range nodes {
		if peer.ID() != leader {
			simulator.Partition(leader, peer.ID())
		}
	}
	simulator.RunFor(2 * time.Second)

	newLeader, newTerm, ok := simulator.AssertLeaderWithin(2 * time.Second)
	if !ok {
		return fmt.Errorf("s6: no leader elected during partition")
	}
	fmt.Printf("s6: leader during partition=%d term=%d\n", newLeader, newTerm)

	for _, peer := range nodes {
		if peer.ID() != leader {
			simulator.Heal(leader, peer.ID())
		}
	}
	simulator.RunFor(time.Second)

	fmt.Printf("s6: old leader role after heal=%s\n", nodes[leader].Role())
	printEvents(simulator)
	return nil
}

func printEvents(s *sim.Simulator) {
	for _, e := range s.Events() {
		fmt.Println(" ", e)
	}
}
