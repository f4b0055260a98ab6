package chat

import (
	"math/rand/v2"
	"sync"
)

// Selector picks one of n canned lines.
type Selector interface {
	// Pick returns an index in [0, n). n is always > 0.
	Pick(n int) int
}

// RoundRobin cycles through the lines in order.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

// Pick implements Selector.
func (r *RoundRobin) Pick(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.next % n
	r.next = i + 1
	return i
}

// SeededRandom picks uniformly from a reproducible pseudo-random source.
type SeededRandom struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededRandom returns a SeededRandom whose sequence is fixed by seed.
func NewSeededRandom(seed uint64) *SeededRandom {
	return &SeededRandom{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Pick implements Selector.
func (s *SeededRandom) Pick(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}
