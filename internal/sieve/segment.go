package sieve

import "math"

// Segment is a contiguous bitset covering candidates
// [adderBase, adderBase+sieveBits) after small-prime elimination. A set
// bit means composite; bit i cleared means candidate base+i was not
// eliminated by any prime <= the active sieve depth — it does not by
// itself establish primality.
type Segment struct {
	bits      []uint64
	sieveBits uint64
}

// NewSegment allocates a zeroed segment of sieveBits candidate positions.
func NewSegment(sieveBits uint64) *Segment {
	words := (sieveBits + 63) / 64
	return &Segment{bits: make([]uint64, words), sieveBits: sieveBits}
}

// Reset zeroes the segment for reuse at the next cycle.
func (s *Segment) Reset() {
	for i := range s.bits {
		s.bits[i] = 0
	}
}

func (s *Segment) set(i uint64) {
	s.bits[i/64] |= 1 << (i % 64)
}

// IsComposite reports whether position i has been marked composite.
func (s *Segment) IsComposite(i uint64) bool {
	return s.bits[i/64]&(1<<(i%64)) != 0
}

// Len returns the number of candidate positions the segment covers.
func (s *Segment) Len() uint64 { return s.sieveBits }

// SieveSmallPrimes marks multiples of each prime in the table as
// composite, per spec.md §4.2's segmented sieve of Eratosthenes:
// first = ceil(adderBase/p)*p - adderBase, then first, first+p, ...
func (s *Segment) SieveSmallPrimes(primes *SmallPrimeTable, adderBase uint64) {
	for _, p := range primes.Primes {
		if p == 0 {
			continue
		}
		q := adderBase / p
		if adderBase%p != 0 {
			q++
		}
		first := q*p - adderBase
		for i := first; i < s.sieveBits; i += p {
			s.set(i)
		}
	}
}

// ApplyWheel marks every position whose absolute value (adderBase+i) is
// not coprime to WheelModulus as composite, per spec.md's wheel
// factorization step: it eliminates multiples of 2, 3, 5, and 7 in one
// pass, before the small-prime table's own elimination runs.
func (s *Segment) ApplyWheel(w *Wheel, adderBase uint64) {
	if w == nil {
		return
	}
	for i := uint64(0); i < s.sieveBits; i++ {
		if !w.IsCoprime(adderBase + i) {
			s.set(i)
		}
	}
}

// Gap is a surviving-position pair (a, b) with b-a the gap size, along
// with its approximate merit computed from the sieve alone (not yet
// primality-verified).
type Gap struct {
	Start     uint64 // position of a, relative to adderBase
	End       uint64 // position of b, relative to adderBase
	GapSize   uint64
	AppxMerit float64
}

// ExtractGaps walks the segment and returns every (a, b) pair of
// consecutive surviving positions, with an approximate merit computed
// per spec.md §4.2: ln_prime = shift*ln(2) + ln(position+1), merit =
// gap_size / ln_prime.
func ExtractGaps(seg *Segment, shift uint32) []Gap {
	var gaps []Gap
	var prevSet bool
	var prev uint64

	for i := uint64(0); i < seg.sieveBits; i++ {
		if seg.IsComposite(i) {
			continue
		}
		if prevSet {
			gapSize := i - prev
			lnPrime := float64(shift)*math.Ln2 + math.Log(float64(prev)+1)
			merit := float64(gapSize) / lnPrime
			gaps = append(gaps, Gap{Start: prev, End: i, GapSize: gapSize, AppxMerit: merit})
		}
		prev = i
		prevSet = true
	}
	return gaps
}
