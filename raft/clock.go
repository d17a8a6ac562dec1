package raft

import "time"

// Timer is the interface StateMachine-driving code uses instead of
// *time.Timer directly, so that raft/sim's VirtualClock can stand in for
// it in tests (spec §4.3: "nothing in StateMachine compares instants from
// different clock instances").
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration) bool
	Stop() bool
}

// Clock returns monotonic instants and vends Timers. In production it is
// realClock, wrapping time.Now/time.NewTimer; in tests it is
// raft/sim.VirtualClock, a logical clock the simulator advances.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// realClock is the production Clock, wall monotonic time.
type realClock struct{}

// NewRealClock returns the wall-clock Clock used outside of simulation.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

type realTimer struct {
	t *time.Timer
}

func (rt *realTimer) C() <-chan time.Time       { return rt.t.C }
func (rt *realTimer) Reset(d time.Duration) bool { return rt.t.Reset(d) }
func (rt *realTimer) Stop() bool                 { return rt.t.Stop() }
