package sim

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonminter/raftcore/raft"
)

// LinkParams configures one direction of one link in the simulated
// network (spec §4.4): a truncated-normal latency distribution and an
// independent per-message drop probability.
type LinkParams struct {
	LatencyMean   time.Duration
	LatencyStddev time.Duration
	DropProbability float64
}

type linkKey struct {
	From, To raft.ServerId
}

// Deliverable is the payload SimNetwork hands to a Node's Deliver once a
// queued message's deliver-at time has arrived.
type Deliverable struct {
	To      raft.ServerId
	Message raft.Event
}

type queuedMessage struct {
	id        uuid.UUID
	from, to  raft.ServerId
	sentAt    time.Time
	deliverAt time.Time
	message   interface{}
	index     int // heap.Interface bookkeeping
}

// messageQueue is a container/heap priority queue keyed by deliverAt.
type messageQueue []*queuedMessage

func (q messageQueue) Len() int { return len(q) }
func (q messageQueue) Less(i, j int) bool { return q[i].deliverAt.Before(q[j].deliverAt) }
func (q messageQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index, q[j].index = i, j
}
func (q *messageQueue) Push(x interface{}) {
	m := x.(*queuedMessage)
	m.index = len(*q)
	*q = append(*q, m)
}
func (q *messageQueue) Pop() interface{} {
	old := *q
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return m
}

// SimNetwork is the bidirectional message bus (spec §4.4): every queued
// message is tagged with a send time, a deliver-at time sampled from the
// link's latency distribution, and a uuid.UUID. The id stays inside the
// queue: neither Deliverable nor the Simulator's event log carries it.
type SimNetwork struct {
	mu       sync.Mutex
	clock    *VirtualClock
	random   raft.Random
	links    map[linkKey]LinkParams
	baseline map[linkKey]LinkParams // saved pre-partition params, for Heal
	defaultParams LinkParams
	queue    messageQueue
	drops    []Deliverable
}

// NewSimNetwork returns a SimNetwork sharing clock for deliver-at
// scheduling and random for latency/drop sampling, with defaultParams
// applied to any link that hasn't been configured explicitly.
func NewSimNetwork(clock *VirtualClock, random raft.Random, defaultParams LinkParams) *SimNetwork {
	return &SimNetwork{
		clock:         clock,
		random:        random,
		links:         map[linkKey]LinkParams{},
		baseline:      map[linkKey]LinkParams{},
		defaultParams: defaultParams,
	}
}

// SetLinkParams configures one direction of the link from -> to.
func (n *SimNetwork) SetLinkParams(from, to raft.ServerId, params LinkParams) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[linkKey{from, to}] = params
}

// TransportFor returns a raft.Transport bound to self, for handing to
// raft.NewNode: every message it sends is attributed to self as the
// sender for this link's latency/drop sampling.
func (n *SimNetwork) TransportFor(self raft.ServerId) raft.Transport {
	return &nodeTransport{net: n, from: self}
}

type nodeTransport struct {
	net  *SimNetwork
	from raft.ServerId
}

func (t *nodeTransport) Send(to raft.ServerId, msg interface{}) {
	t.net.send(t.from, to, msg)
}

func (n *SimNetwork) paramsFor(from, to raft.ServerId) LinkParams {
	if p, ok := n.links[linkKey{from, to}]; ok {
		return p
	}
	return n.defaultParams
}

// SetPartitioned isolates (or heals) the link between a and b in both
// directions by forcing DropProbability to 1.0, saving the prior values
// so Heal (partitioned=false) can restore them exactly (spec §4.4: "set
// drop probability on a link to 1.0").
func (n *SimNetwork) SetPartitioned(a, b raft.ServerId, partitioned bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range []linkKey{{a, b}, {b, a}} {
		if partitioned {
			n.baseline[k] = n.paramsFor(k.From, k.To)
			blocked := n.baseline[k]
			blocked.DropProbability = 1.0
			n.links[k] = blocked
		} else if saved, ok := n.baseline[k]; ok {
			n.links[k] = saved
			delete(n.baseline, k)
		}
	}
}

// send enqueues msg for delivery from->to, sampling latency and the drop
// decision from this link's configured distribution. A dropped message is
// recorded (for Simulator.Events) but never reaches the queue.
func (n *SimNetwork) send(from, to raft.ServerId, msg interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ev, ok := msg.(raft.Event)
	if !ok {
		return
	}

	params := n.paramsFor(from, to)
	if n.random.Float64() < params.DropProbability {
		n.drops = append(n.drops, Deliverable{To: to, Message: ev})
		return
	}

	latency := sampleTruncatedNormal(n.random, params.LatencyMean, params.LatencyStddev)
	now := n.clock.Now()
	heap.Push(&n.queue, &queuedMessage{
		id:        uuid.New(),
		from:      from,
		to:        to,
		sentAt:    now,
		deliverAt: now.Add(latency),
		message:   msg,
	})
}

// sampleTruncatedNormal draws mean + stddev*Z, flooring at 0 (spec §4.4:
// "truncated normal ... floor 0").
func sampleTruncatedNormal(r raft.Random, mean, stddev time.Duration) time.Duration {
	z := r.NormFloat64()
	d := mean + time.Duration(float64(stddev)*z)
	if d < 0 {
		return 0
	}
	return d
}

// NextDeliverAt returns the deliver-at time of the earliest queued
// message, and whether the queue is non-empty. Simulator uses this to
// decide whether a message delivery or a timer fire is the next event.
func (n *SimNetwork) NextDeliverAt() (time.Time, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		return time.Time{}, false
	}
	return n.queue[0].deliverAt, true
}

// DrainDue pops and returns every message whose deliverAt is <= now, in
// deliverAt order.
func (n *SimNetwork) DrainDue(now time.Time) []Deliverable {
	n.mu.Lock()
	defer n.mu.Unlock()
	var due []Deliverable
	for len(n.queue) > 0 && !n.queue[0].deliverAt.After(now) {
		m := heap.Pop(&n.queue).(*queuedMessage)
		if ev, ok := m.message.(raft.Event); ok {
			due = append(due, Deliverable{To: m.to, Message: ev})
		}
	}
	return due
}

// DrainDrops returns and clears the messages dropped since the last call.
func (n *SimNetwork) DrainDrops() []Deliverable {
	n.mu.Lock()
	defer n.mu.Unlock()
	drops := n.drops
	n.drops = nil
	return drops
}
