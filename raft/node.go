package raft

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transport is the egress side of the transport-agnostic message bus
// (spec §1: the wire transport proper is an external collaborator). Node
// only needs to hand a message to something that will eventually deliver
// it to the right peer's Node.Deliver -- raft/sim.SimNetwork is the
// implementation used by tests; a production RPC client would be another.
type Transport interface {
	Send(to ServerId, msg interface{})
}

// Node binds a StateMachine to its Clock/Storage/Random/Transport
// collaborators (spec §2, §4). It owns the single per-Node critical
// section (spec §5): every call into StateMachine.Step and every
// Storage write happens while holding mu.
//
// This generalizes the teacher's channel-driven Server.loop(): the
// teacher serializes access by funneling everything through one
// goroutine's select statement; here, because Step never blocks and
// never suspends (spec §5: "The StateMachine itself never suspends"), a
// plain mutex around Step + the storage writes gives the same
// serialization with less ceremony, which spec §5 explicitly permits
// ("a mutex or single-consumer task").
type Node struct {
	id      ServerId
	config  Config
	storage Storage
	clock   Clock
	random  Random
	sm      *StateMachine

	transport Transport
	logger    *zap.Logger

	// applyFn, if set, is invoked once (in order) for every newly
	// committed log entry, letting a caller plug in an application
	// state machine without StateMachine itself knowing about one
	// (spec §1's planned log-replication extension: the hook exists,
	// the protocol to fully drive it is a non-goal).
	applyFn      func(LogEntry)
	appliedIndex LogIndex

	mu             sync.Mutex
	electionTimer  Timer
	heartbeatTimer Timer

	inbox    chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NodeOption configures optional Node behavior.
type NodeOption func(*Node)

// WithApplyFunc registers a callback invoked for every entry that
// becomes committed, in log order.
func WithApplyFunc(fn func(LogEntry)) NodeOption {
	return func(n *Node) { n.applyFn = fn }
}

// NewNode constructs a Node for id. storage is read at construction time
// to restore current_term/vote (spec §3 Lifecycle).
func NewNode(id ServerId, config Config, storage Storage, clock Clock, random Random, transport Transport, logger *zap.Logger, opts ...NodeOption) (*Node, error) {
	sm, err := NewStateMachine(id, config, storage)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Node{
		id:        id,
		config:    config,
		storage:   storage,
		clock:     clock,
		random:    random,
		sm:        sm,
		transport: transport,
		logger:    logger.With(zap.Uint64("server_id", uint64(id))),
		inbox:     make(chan Event, 256),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// ID returns this node's server id.
func (n *Node) ID() ServerId { return n.id }

// Role returns the node's current role. Safe to call concurrently.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sm.Role()
}

// CurrentTerm returns the node's current term. Safe to call concurrently.
func (n *Node) CurrentTerm() Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sm.CurrentTerm()
}

// CommitIndex returns the node's current commit index.
func (n *Node) CommitIndex() LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sm.CommitIndex()
}

// Start begins the node's timer and inbox processing loops. It arms the
// election timer with a freshly sampled timeout and leaves the heartbeat
// timer stopped until (if ever) this node becomes leader.
func (n *Node) Start(ctx context.Context) {
	n.mu.Lock()
	n.electionTimer = n.clock.NewTimer(n.sampleElectionTimeoutDuration())
	n.heartbeatTimer = n.clock.NewTimer(n.config.HeartbeatInterval)
	n.heartbeatTimer.Stop()
	n.mu.Unlock()

	n.wg.Add(3)
	go n.runElectionTimer()
	go n.runHeartbeatTimer()
	go n.runInbox(ctx)
}

// Stop cancels the node: its timer loops and inbox loop observe the
// cancellation at their next suspension point and exit (spec §5).
// Idempotent.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
}

// sampleElectionTimeoutDuration draws a fresh randomized election timeout
// in [ElectionTimeoutMin, ElectionTimeoutMax), the half-open range
// Random.DurationRange returns, on every (re)arm. This randomization is
// what makes split votes self-resolving.
func (n *Node) sampleElectionTimeoutDuration() time.Duration {
	return n.random.DurationRange(n.config.ElectionTimeoutMin, n.config.ElectionTimeoutMax)
}

func (n *Node) runElectionTimer() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case t, ok := <-n.electionTimer.C():
			if !ok {
				return
			}
			n.handleEvent(TimerTick{Now: t})
		}
	}
}

func (n *Node) runHeartbeatTimer() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case t, ok := <-n.heartbeatTimer.C():
			if !ok {
				return
			}
			n.handleEvent(TimerTick{Now: t})
			n.mu.Lock()
			stillLeader := n.sm.Role() == RoleLeader
			if stillLeader {
				n.heartbeatTimer.Reset(n.config.HeartbeatInterval)
			}
			n.mu.Unlock()
		}
	}
}

func (n *Node) runInbox(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-n.inbox:
			if !ok {
				return
			}
			n.handleEvent(ev)
		}
	}
}

// Deliver is the ingress point a Transport calls to hand this node an
// inbound wire message. It never blocks the caller for long: the inbox
// is buffered, and a full inbox drops the message (the same outcome as a
// network drop, which Raft already tolerates).
func (n *Node) Deliver(ev Event) {
	select {
	case n.inbox <- ev:
	default:
		n.logger.Warn("inbox full, dropping message")
	}
}

// Command submits a local client command (spec §4.1 "Local client
// command (leader only; others reject)"). It returns the index the
// command was appended at if this node is leader, ErrNotLeader
// otherwise, or ErrNodeStopped once Stop has been called.
func (n *Node) Command(cmd Command) (LogIndex, error) {
	select {
	case <-n.stopCh:
		return 0, ErrNodeStopped
	default:
	}
	result := n.handleEvent(ClientCommand{Command: cmd})
	if result.Err != nil {
		return 0, result.Err
	}
	idx, err := n.storage.LastLogIndex()
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// handleEvent is the single choke point through which every event --
// timer fire, inbound message, client command -- passes. It holds mu for
// the duration of Step plus the storage writes and timer bookkeeping
// that follow, which is the "single per-Node critical section" spec §5
// requires.
func (n *Node) handleEvent(ev Event) Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	result := n.sm.Step(ev, now)

	if err := n.applyMutations(result.Mutations); err != nil {
		n.logger.Error("storage failure, node stopping", zap.Error(err))
		go n.Stop()
		return result
	}

	n.sendOutbound(result.Outbound)
	n.adjustTimers(result)
	n.applyCommitted()

	return result
}

// applyMutations writes every StorageMutation in order. Spec §4.1's
// persistence rule ("current_term and vote must be persisted before the
// corresponding reply is emitted") holds because this runs before
// sendOutbound, both under the same critical section.
func (n *Node) applyMutations(mutations []StorageMutation) error {
	for _, m := range mutations {
		switch {
		case m.SetCurrentTerm != nil:
			if err := n.storage.SetCurrentTerm(*m.SetCurrentTerm); err != nil {
				return wrapStorageErr(err)
			}
		case m.SetVote != nil:
			if err := n.storage.SetVote(m.SetVote.Term, m.SetVote.Candidate); err != nil {
				return wrapStorageErr(err)
			}
		case m.TruncateFrom != nil:
			if err := n.storage.TruncateFrom(*m.TruncateFrom); err != nil {
				return wrapStorageErr(err)
			}
		case m.AppendEntry != nil:
			if err := n.storage.AppendEntry(*m.AppendEntry); err != nil {
				return wrapStorageErr(err)
			}
		}
	}
	return nil
}

func (n *Node) sendOutbound(outbound []Outbound) {
	if n.transport == nil {
		return
	}
	for _, o := range outbound {
		n.transport.Send(o.To, o.Message)
	}
}

// adjustTimers starts/stops the election and heartbeat timers to match
// the role StateMachine.Step just transitioned to, and honors any
// explicit TimerRequest it returned.
func (n *Node) adjustTimers(result Result) {
	switch result.Timer {
	case TimerResetElection:
		n.electionTimer.Reset(n.sampleElectionTimeoutDuration())
	case TimerStartHeartbeat:
		n.electionTimer.Stop()
		n.heartbeatTimer.Reset(n.config.HeartbeatInterval)
	}

	if result.Role != RoleLeader {
		n.heartbeatTimer.Stop()
	}
}

// applyCommitted invokes applyFn for every newly committed entry, in
// order, advancing appliedIndex toward commitIndex (spec §3
// VolatileState "last_applied").
func (n *Node) applyCommitted() {
	if n.applyFn == nil {
		return
	}
	commitIndex := n.sm.CommitIndex()
	for n.appliedIndex < commitIndex {
		next := n.appliedIndex + 1
		entry, ok, err := n.storage.Entry(next)
		if err != nil || !ok {
			return
		}
		n.applyFn(entry)
		n.appliedIndex = next
	}
}

func wrapStorageErr(err error) error {
	if err == nil {
		return nil
	}
	return err
}
