// Package sieve implements the G prime-gap search engine from spec.md
// §4.2: a segmented sieve of Eratosthenes with wheel factorization over
// candidates derived from a block template, gap extraction, Fermat-test
// arbitrary-precision primality verification, and merit scoring.
package sieve

// WheelModulus is the product of the first four primes (2·3·5·7), giving
// 48 residues coprime to it. Sieving only those residues skips the bulk
// of trivially composite candidates before small-prime elimination even
// runs.
const WheelModulus = 210

// Wheel holds the residues mod WheelModulus coprime to it, ascending,
// plus an O(1) membership lookup used by Segment.ApplyWheel.
type Wheel struct {
	Residues []uint32
	coprime  [WheelModulus]bool
}

// NewWheel builds the 48-residue wheel once at construction.
func NewWheel() *Wheel {
	w := &Wheel{Residues: make([]uint32, 0, 48)}
	for r := uint32(1); r < WheelModulus; r++ {
		if gcd(r, WheelModulus) == 1 {
			w.Residues = append(w.Residues, r)
			w.coprime[r] = true
		}
	}
	return w
}

// IsCoprime reports whether n mod WheelModulus is one of the wheel's
// residues — i.e. n is not trivially divisible by 2, 3, 5, or 7.
func (w *Wheel) IsCoprime(n uint64) bool {
	return w.coprime[n%WheelModulus]
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// SmallPrimeTable is a sorted ascending list of primes up to a bound,
// built once at construction and reused across every sieve cycle.
type SmallPrimeTable struct {
	Primes []uint64
}

// NewSmallPrimeTable sieves primes up to bound using a plain
// (unsegmented) sieve of Eratosthenes — cheap relative to the segmented
// sieve it feeds, and run only once.
func NewSmallPrimeTable(bound uint64, capCount int) *SmallPrimeTable {
	if bound < 2 {
		return &SmallPrimeTable{}
	}
	composite := make([]bool, bound+1)
	primes := make([]uint64, 0, 1024)
	for n := uint64(2); n <= bound; n++ {
		if composite[n] {
			continue
		}
		primes = append(primes, n)
		if capCount > 0 && len(primes) >= capCount {
			break
		}
		for m := n * n; m <= bound; m += n {
			composite[m] = true
		}
	}
	return &SmallPrimeTable{Primes: primes}
}
