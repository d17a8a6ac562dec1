package raft

import (
	"math/rand"
	"time"
)

// Random is the per-node deterministic PRNG used to sample election
// timeouts (spec §2: "Deterministic PRNG seeded per node/test"). Pulling
// this behind an interface -- rather than calling the math/rand global
// functions directly, as the teacher's package-level ElectionTimeout()
// does -- is what lets raft/sim give every simulated Node its own seeded
// stream, so a whole cluster run is reproducible from one seed (spec §9:
// "Global state: none").
type Random interface {
	// DurationRange returns a value uniformly distributed in [min, max).
	DurationRange(min, max time.Duration) time.Duration

	// Float64 returns a value uniformly distributed in [0, 1), used by
	// raft/sim for drop-probability decisions.
	Float64() float64

	// NormFloat64 returns a standard-normal sample, used by raft/sim for
	// truncated-normal latency sampling.
	NormFloat64() float64
}

type seededRandom struct {
	rng *rand.Rand
}

// NewSeededRandom returns a Random seeded deterministically. Two
// instances created with the same seed produce the same sequence.
func NewSeededRandom(seed int64) Random {
	return &seededRandom{rng: rand.New(rand.NewSource(seed))}
}

func (r *seededRandom) DurationRange(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := int64(max - min)
	return min + time.Duration(r.rng.Int63n(span))
}

func (r *seededRandom) Float64() float64 { return r.rng.Float64() }

func (r *seededRandom) NormFloat64() float64 { return r.rng.NormFloat64() }
