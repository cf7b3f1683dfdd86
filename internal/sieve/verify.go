package sieve

import (
	"math"
	"math/big"
)

// FermatWitnesses is the fixed deterministic witness list spec.md §4.2
// requires: {2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}.
var FermatWitnesses = []int64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}

// FermatTest reports whether n passes a Fermat primality test against
// rounds witnesses from FermatWitnesses (a^(n-1) mod n == 1 for each).
// rounds is clamped to len(FermatWitnesses).
func FermatTest(n *big.Int, rounds int) bool {
	if rounds > len(FermatWitnesses) {
		rounds = len(FermatWitnesses)
	}
	if n.Sign() <= 0 {
		return false
	}
	two := big.NewInt(2)
	if n.Cmp(two) < 0 {
		return false
	}
	if n.Cmp(two) == 0 {
		return true
	}
	if n.Bit(0) == 0 {
		return false
	}

	nMinus1 := new(big.Int).Sub(n, big.NewInt(1))
	a := new(big.Int)
	r := new(big.Int)
	for i := 0; i < rounds; i++ {
		a.SetInt64(FermatWitnesses[i])
		if a.Cmp(n) >= 0 {
			continue
		}
		r.Exp(a, nMinus1, n)
		if r.Cmp(big.NewInt(1)) != 0 {
			return false
		}
	}
	return true
}

// smallPrimeDivisible does a quick trial-division composite check
// against table before falling back to a single-round Fermat test, per
// spec.md §4.2's interior-candidate verification order.
func smallPrimeDivisible(n *big.Int, table *SmallPrimeTable) bool {
	mod := new(big.Int)
	for _, p := range table.Primes {
		mod.SetUint64(p)
		if new(big.Int).Mod(n, mod).Sign() == 0 && n.Cmp(mod) != 0 {
			return true
		}
	}
	return false
}

// VerifyGap checks that P and P+gapSize are prime (Fermat, consensusRounds
// rounds, >= 3 per spec.md §8) and every strictly interior integer is
// composite (quick trial division, then a single-round Fermat check),
// per spec.md §4.2. Returns the full-precision merit only when the gap
// verifies.
func VerifyGap(p *big.Int, gapSize uint64, table *SmallPrimeTable, consensusRounds int) (merit float64, ok bool) {
	if !FermatTest(p, consensusRounds) {
		return 0, false
	}
	pEnd := new(big.Int).Add(p, new(big.Int).SetUint64(gapSize))
	if !FermatTest(pEnd, consensusRounds) {
		return 0, false
	}

	interior := new(big.Int).Add(p, big.NewInt(1))
	for i := uint64(1); i < gapSize; i++ {
		if smallPrimeDivisible(interior, table) {
			interior.Add(interior, big.NewInt(1))
			continue
		}
		if FermatTest(interior, 1) {
			// An interior candidate that passes even a 1-round Fermat
			// test invalidates the gap: it is not strictly composite.
			return 0, false
		}
		interior.Add(interior, big.NewInt(1))
	}

	merit = LnPrimeMerit(p, gapSize)
	return merit, true
}

// LnPrimeMerit computes gap_size / ln(P) using math/big's Float for
// full-precision logarithm input, per spec.md §4.2's consensus merit
// formula.
func LnPrimeMerit(p *big.Int, gapSize uint64) float64 {
	f := new(big.Float).SetPrec(256).SetInt(p)
	lnP := bigLn(f)
	if lnP == 0 {
		return 0
	}
	return float64(gapSize) / lnP
}

// bigLn computes a float64-precision natural logarithm of a big.Float
// via its exponent/mantissa split, avoiding overflow for very large P.
func bigLn(f *big.Float) float64 {
	mantissa := new(big.Float)
	exp := f.MantExp(mantissa)
	m, _ := mantissa.Float64()
	return math.Log(m) + float64(exp)*math.Ln2
}

// meritScale fixes the compact-merit encoding: micro-merit units, so
// MeritToCompact(CompactToMerit(x)) round-trips exactly for integers in
// [0, 10^8], per spec.md §8.
const meritScale = 1e6

// CompactToMerit decodes a compact merit encoding into its float value.
func CompactToMerit(x uint64) float64 {
	return float64(x) / meritScale
}

// MeritToCompact encodes a merit value back into its compact integer
// form, rounding to the nearest micro-merit unit.
func MeritToCompact(merit float64) uint64 {
	return uint64(math.Round(merit * meritScale))
}
