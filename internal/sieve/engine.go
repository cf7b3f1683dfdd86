package sieve

import (
	"crypto/sha256"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/emberminer/emberminer/internal/blockhdr"
)

// Config parameterizes a new Engine, with defaults from spec.md §4.2.
type Config struct {
	SieveSizeBytes  uint64 // default 32 MiB
	SievePrimes     int    // default 900_000
	Shift           uint32 // default 25, range [14, 65536]
	ConsensusRounds int    // Fermat rounds for consensus solutions, >= 3
	Logger          *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SieveSizeBytes == 0 {
		c.SieveSizeBytes = 32 << 20
	}
	if c.SievePrimes == 0 {
		c.SievePrimes = 900_000
	}
	if c.Shift == 0 {
		c.Shift = 25
	}
	if c.ConsensusRounds < 3 {
		c.ConsensusRounds = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// sieveBits is the number of candidate positions per segment, derived
// from the configured byte budget (one bit per candidate).
func sieveBitsFor(sizeBytes uint64) uint64 { return sizeBytes * 8 }

// Solution is delivered to a caller-supplied callback exactly once per
// accepted gap, per spec.md §4.2's solution contract. The callback may
// be invoked concurrently from multiple threads and must be
// idempotent-tolerant.
type Solution struct {
	Shift   uint32
	Adder   *big.Int
	GapSize uint64
	Merit   float64
}

// Engine implements spec.md §4.2's SieveEngine (G): small-primes table +
// wheel + segmented bitset + big-integer verifier.
type Engine struct {
	cfg    Config
	primes *SmallPrimeTable
	wheel  *Wheel
	logger *slog.Logger

	stop atomic.Bool
	wg   sync.WaitGroup

	bestMerit atomic.Uint64 // CompactMerit-encoded, compare-exchange monotone update
}

// New builds the small-prime table and wheel once, per spec.md §3's
// "built once at miner construction" lifecycle.
func New(cfg Config) *Engine {
	cfg.setDefaults()
	bits := sieveBitsFor(cfg.SieveSizeBytes)
	bound := isqrt(bits) + 1000 // margin per spec.md §3
	return &Engine{
		cfg:    cfg,
		primes: NewSmallPrimeTable(bound, cfg.SievePrimes),
		wheel:  NewWheel(),
		logger: cfg.Logger.With("component", "sieve"),
	}
}

func isqrt(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	x := n
	y := (x + 1) / 2
	for y < x {
		x = y
		y = (x + n/x) / 2
	}
	return x
}

// BasePrime computes P0 = SHA256(headerWithoutGapFields) << shift as an
// arbitrary-precision integer, per spec.md §4.2.
func BasePrime(header *blockhdr.Header, shift uint32) *big.Int {
	digest := sha256.Sum256(header.SerializeWithoutGapFields())
	p0 := new(big.Int).SetBytes(digest[:])
	return p0.Lsh(p0, uint(shift))
}

// StartSearch launches numThreads CPU workers (plus gpuWorkers disjoint
// GPU backends, if any) searching segments of the candidate space for a
// gap whose merit meets targetMerit. onSolution fires once per verified
// gap found; it is safe to call concurrently.
func (e *Engine) StartSearch(header *blockhdr.Header, shift uint32, targetMerit float64, numThreads int, gpuWorkers []Backend, onSolution func(Solution)) error {
	if numThreads < 1 {
		numThreads = 1
	}
	e.stop.Store(false)

	p0 := BasePrime(header, shift)
	sieveBits := sieveBitsFor(e.cfg.SieveSizeBytes)
	totalWorkers := uint64(numThreads + len(gpuWorkers))

	e.wg.Add(numThreads)
	for t := 0; t < numThreads; t++ {
		go func(threadOffset uint64) {
			defer e.wg.Done()
			backend := NewCPUBackend(e.primes, e.wheel)
			e.searchLoop(backend, threadOffset, totalWorkers, sieveBits, p0, shift, targetMerit, onSolution)
		}(uint64(t + len(gpuWorkers)))
	}

	for i, gw := range gpuWorkers {
		e.wg.Add(1)
		go func(offset uint64, backend Backend) {
			defer e.wg.Done()
			e.searchLoop(backend, offset, totalWorkers, sieveBits, p0, shift, targetMerit, onSolution)
		}(uint64(i), gw)
	}

	return nil
}

// searchLoop implements spec.md §4.2's thread partitioning: worker at
// offset o of stride s begins at adder_base = o*sieveBits, advances by
// s*sieveBits each cycle.
func (e *Engine) searchLoop(backend Backend, offset, stride, sieveBits uint64, p0 *big.Int, shift uint32, targetMerit float64, onSolution func(Solution)) {
	seg := NewSegment(sieveBits)
	adderBase := offset * sieveBits
	strideBits := stride * sieveBits

	for {
		if e.stop.Load() || backend.IsStopRequested() {
			return
		}

		backend.SieveSegment(adderBase, seg)

		var best Gap
		if gapSize := backend.FindGaps(seg, shift, targetMerit, &best); gapSize > 0 {
			e.verifyAndEmit(p0, adderBase, shift, best, onSolution)
		}

		adderBase += strideBits
	}
}

func (e *Engine) verifyAndEmit(p0 *big.Int, adderBase uint64, shift uint32, gap Gap, onSolution func(Solution)) {
	p := new(big.Int).Add(p0, new(big.Int).SetUint64(adderBase+gap.Start))
	merit, ok := VerifyGap(p, gap.GapSize, e.primes, e.cfg.ConsensusRounds)
	if !ok {
		// Silently discarded, per spec.md §4.2's failure modes: no
		// retries, the search proceeds.
		return
	}

	e.publishBestMerit(merit)

	adder := new(big.Int).SetUint64(adderBase + gap.Start)
	onSolution(Solution{Shift: shift, Adder: adder, GapSize: gap.GapSize, Merit: merit})
}

// publishBestMerit maintains a monotone best-merit counter via
// compare-and-swap, per spec.md §7's "compare-exchange loop for monotone
// update".
func (e *Engine) publishBestMerit(merit float64) {
	compact := MeritToCompact(merit)
	for {
		cur := e.bestMerit.Load()
		if compact <= cur {
			return
		}
		if e.bestMerit.CompareAndSwap(cur, compact) {
			return
		}
	}
}

// BestMerit returns the highest merit observed across all search threads
// this session.
func (e *Engine) BestMerit() float64 {
	return CompactToMerit(e.bestMerit.Load())
}

// StopSearch requests all workers to stop and joins them.
func (e *Engine) StopSearch() {
	e.stop.Store(true)
	e.wg.Wait()
}
