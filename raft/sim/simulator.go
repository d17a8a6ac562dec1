package sim

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/jonminter/raftcore/raft"
)

// EventKind classifies one entry in the Simulator's recorded event log
// (spec §4.5 step 4: "records state transitions to an event log for
// post-hoc assertions").
type EventKind int

const (
	EventRoleChange EventKind = iota
	EventDelivered
	EventDropped
)

// LogEvent is one recorded occurrence during a Run.
type LogEvent struct {
	At   time.Time
	Kind EventKind
	Node raft.ServerId
	Role raft.Role // meaningful for EventRoleChange
	Term raft.Term // meaningful for EventRoleChange
}

func (e LogEvent) String() string {
	switch e.Kind {
	case EventRoleChange:
		return fmt.Sprintf("%s node=%d -> %s term=%d", e.At.Format(time.RFC3339Nano), e.Node, e.Role, e.Term)
	case EventDelivered:
		return fmt.Sprintf("%s delivered to node=%d", e.At.Format(time.RFC3339Nano), e.Node)
	case EventDropped:
		return fmt.Sprintf("%s dropped, intended for node=%d", e.At.Format(time.RFC3339Nano), e.Node)
	default:
		return "unknown event"
	}
}

// Simulator wraps N Nodes sharing one VirtualClock and one SimNetwork
// (spec §4.5). It replaces real timers and real latency with virtual
// time that advances only when Tick (or Run) says so. Each Node still
// handles its events on its own goroutines, so Tick does not wait for
// the nodes to finish reacting.
type Simulator struct {
	clock   *VirtualClock
	network *SimNetwork
	nodes   map[raft.ServerId]*raft.Node
	logger  *zap.Logger

	events     []LogEvent
	lastRole   map[raft.ServerId]raft.Role
	lastTerm   map[raft.ServerId]raft.Term
}

// NewSimulator constructs a Simulator over an already-populated set of
// Nodes sharing clock and network.
func NewSimulator(clock *VirtualClock, network *SimNetwork, nodes map[raft.ServerId]*raft.Node, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		clock:    clock,
		network:  network,
		nodes:    nodes,
		logger:   logger,
		lastRole: map[raft.ServerId]raft.Role{},
		lastTerm: map[raft.ServerId]raft.Term{},
	}
}

// Tick implements spec §4.5's four steps: advance the clock to the
// earlier of the next scheduled message delivery or timer expiry,
// deliver due messages, let node timer loops observe the advance
// (Node's own goroutines fire on the VirtualClock's timer channels), and
// record transitions. It returns false when there is no further
// scheduled event (simulation quiesced).
func (s *Simulator) Tick() bool {
	nextMsg, haveMsg := s.network.NextDeliverAt()
	nextTimer, haveTimer := s.clock.NextFireAt()

	var target time.Time
	switch {
	case haveMsg && haveTimer:
		if nextMsg.Before(nextTimer) {
			target = nextMsg
		} else {
			target = nextTimer
		}
	case haveMsg:
		target = nextMsg
	case haveTimer:
		target = nextTimer
	default:
		return false
	}

	s.clock.AdvanceTo(target)

	for _, d := range s.network.DrainDue(target) {
		if node, ok := s.nodes[d.To]; ok {
			node.Deliver(d.Message)
			s.record(LogEvent{At: target, Kind: EventDelivered, Node: d.To})
		}
	}
	for _, d := range s.network.DrainDrops() {
		s.record(LogEvent{At: target, Kind: EventDropped, Node: d.To})
	}

	// Timer fires are observed asynchronously by each Node's own timer
	// goroutines (raft.Node.runElectionTimer/runHeartbeatTimer); give them
	// a chance to run before the next Tick call reads role/term for the
	// event log. VirtualClock's timer channels are buffered and
	// Node.handleEvent is mutex-serialized; the yield lets other
	// goroutines run but does not wait for them to finish.
	runtime.Gosched()

	s.recordRoleChanges(target)
	return true
}

func (s *Simulator) recordRoleChanges(at time.Time) {
	for id, node := range s.nodes {
		role := node.Role()
		term := node.CurrentTerm()
		if s.lastRole[id] != role || s.lastTerm[id] != term {
			s.lastRole[id] = role
			s.lastTerm[id] = term
			s.record(LogEvent{At: at, Kind: EventRoleChange, Node: id, Role: role, Term: term})
		}
	}
}

func (s *Simulator) record(e LogEvent) {
	s.events = append(s.events, e)
	s.logger.Debug("sim event", zap.String("event", e.String()))
}

// Run calls Tick until it returns false (quiesced) or ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.Tick() {
			return
		}
	}
}

// RunFor ticks until the virtual clock has advanced by at least d past
// its value when RunFor was called, or the simulation quiesces first.
func (s *Simulator) RunFor(d time.Duration) {
	deadline := s.clock.Now().Add(d)
	for s.clock.Now().Before(deadline) {
		if !s.Tick() {
			return
		}
	}
}

// Events returns the recorded log for post-hoc assertions (spec §4.5).
func (s *Simulator) Events() []LogEvent { return s.events }

// AssertLeaderWithin ticks the simulation until some node is Leader, or
// the virtual clock would exceed d past the current time, whichever
// comes first. Returns the leader's id and term, and whether one was
// found (spec §6 control surface: "leader elected within T").
func (s *Simulator) AssertLeaderWithin(d time.Duration) (raft.ServerId, raft.Term, bool) {
	deadline := s.clock.Now().Add(d)
	for s.clock.Now().Before(deadline) {
		for id, node := range s.nodes {
			if node.Role() == raft.RoleLeader {
				return id, node.CurrentTerm(), true
			}
		}
		if !s.Tick() {
			break
		}
	}
	for id, node := range s.nodes {
		if node.Role() == raft.RoleLeader {
			return id, node.CurrentTerm(), true
		}
	}
	return 0, 0, false
}

// Partition isolates a and b from each other (spec §6: "partition/heal").
func (s *Simulator) Partition(a, b raft.ServerId) {
	s.network.SetPartitioned(a, b, true)
}

// Heal reverses a prior Partition(a, b).
func (s *Simulator) Heal(a, b raft.ServerId) {
	s.network.SetPartitioned(a, b, false)
}
