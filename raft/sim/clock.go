// Package sim is the deterministic simulation harness: a virtual clock,
// a lossy/latent network, and a driver that ticks both against a cluster
// of raft.Node values (spec §2, §4.4, §4.5).
package sim

import (
	"sync"
	"time"

	"github.com/jonminter/raftcore/raft"
)

// VirtualClock is raft.Clock backed by a manually-advanced logical time
// instead of the wall clock, so a whole simulation run is reproducible:
// nothing in StateMachine or Node ever calls time.Now directly.
type VirtualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*virtualTimer
}

// NewVirtualClock returns a VirtualClock starting at epoch.
func NewVirtualClock(epoch time.Time) *VirtualClock {
	return &VirtualClock{now: epoch}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) NewTimer(d time.Duration) raft.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &virtualTimer{
		clock:   c,
		ch:      make(chan time.Time, 1),
		active:  true,
		fireAt:  c.now.Add(d),
	}
	c.timers = append(c.timers, t)
	return t
}

// NextFireAt returns the earliest fireAt among active timers, and whether
// any timer is active at all. Simulator uses this to decide whether a
// timer or a message delivery is the next event.
func (c *VirtualClock) NextFireAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best time.Time
	found := false
	for _, t := range c.timers {
		if !t.active {
			continue
		}
		if !found || t.fireAt.Before(best) {
			best = t.fireAt
			found = true
		}
	}
	return best, found
}

// AdvanceTo moves the clock forward to target and fires (delivers on
// their channel) every active timer whose fireAt has arrived, in the
// order the timers were created. Firing deactivates a timer until it is
// Reset.
func (c *VirtualClock) AdvanceTo(target time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target.Before(c.now) {
		return
	}
	c.now = target
	for _, t := range c.timers {
		if t.active && !t.fireAt.After(c.now) {
			t.active = false
			select {
			case t.ch <- c.now:
			default:
			}
		}
	}
}

type virtualTimer struct {
	clock  *VirtualClock
	ch     chan time.Time
	active bool
	fireAt time.Time
}

func (t *virtualTimer) C() <-chan time.Time { return t.ch }

func (t *virtualTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := t.active
	t.active = true
	t.fireAt = t.clock.now.Add(d)
	// Drain any pending fire so a stale tick isn't delivered after reset.
	select {
	case <-t.ch:
	default:
	}
	return wasActive
}

func (t *virtualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	wasActive := t.active
	t.active = false
	return wasActive
}
