package sieve

import "sync/atomic"

// Backend abstracts a sieve+finder context, letting a GPU implementation
// stand in for the CPU path without the engine knowing the difference,
// per spec.md §9's "GPU context opaque pointers" design note.
type Backend interface {
	// SieveSegment populates out with composite bits for the candidate
	// range starting at base.
	SieveSegment(base uint64, out *Segment)
	// FindGaps walks out looking for a gap whose approximate merit meets
	// target, returning the gap size of the best candidate found (0 if
	// none met target this cycle).
	FindGaps(out *Segment, shift uint32, target float64, best *Gap) uint64
	RequestStop()
	IsStopRequested() bool
}

// cpuBackend is the default Backend, sieving with the wheel and the
// small-prime table and extracting gaps with ExtractGaps.
type cpuBackend struct {
	primes *SmallPrimeTable
	wheel  *Wheel
	stop   atomic.Bool
}

// NewCPUBackend builds a CPU-backed sieve context sharing the given
// small-prime table and wheel (both safe for concurrent read-only use
// across threads).
func NewCPUBackend(primes *SmallPrimeTable, wheel *Wheel) Backend {
	return &cpuBackend{primes: primes, wheel: wheel}
}

func (b *cpuBackend) SieveSegment(base uint64, out *Segment) {
	out.Reset()
	out.ApplyWheel(b.wheel, base)
	out.SieveSmallPrimes(b.primes, base)
}

func (b *cpuBackend) FindGaps(out *Segment, shift uint32, target float64, best *Gap) uint64 {
	gaps := ExtractGaps(out, shift)
	var bestGap uint64
	for _, g := range gaps {
		if g.AppxMerit >= target && g.GapSize > bestGap {
			bestGap = g.GapSize
			if best != nil {
				*best = g
			}
		}
	}
	return bestGap
}

func (b *cpuBackend) RequestStop()          { b.stop.Store(true) }
func (b *cpuBackend) IsStopRequested() bool { return b.stop.Load() }
