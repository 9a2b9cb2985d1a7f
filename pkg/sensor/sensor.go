// Package sensor simulates measuring devices. Each Sensor owns its own
// random generator, so sensors never share mutable state.
package sensor

import (
	"math/rand/v2"
)

// Source yields one reading per call. Read must not block.
type Source interface {
	Read() float64
}

// Sensor produces readings uniformly distributed in [min, max).
// A Sensor is not safe for concurrent use; give each task its own.
type Sensor struct {
	min, max float64
	rng      *rand.Rand
}

// New returns a sensor seeded with seed.
func New(lo, hi float64, seed uint64) *Sensor {
	return NewWithSource(lo, hi, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NewWithSource returns a sensor drawing from src.
func NewWithSource(lo, hi float64, src rand.Source) *Sensor {
	if hi < lo {
		lo, hi = hi, lo
	}
	return &Sensor{min: lo, max: hi, rng: rand.New(src)}
}

func (s *Sensor) Read() float64 {
	return s.min + s.rng.Float64()*(s.max-s.min)
}

// Range returns the configured bounds.
func (s *Sensor) Range() (lo, hi float64) {
	return s.min, s.max
}
