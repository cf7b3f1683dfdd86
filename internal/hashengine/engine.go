package hashengine

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberminer/emberminer/internal/blockhdr"
)

// Mode selects LIGHT (cache-only) or FULL (dataset-preloaded) execution,
// per spec.md §3/§4.1.
type Mode int

const (
	ModeLight Mode = iota
	ModeFull
)

func (m Mode) String() string {
	if m == ModeFull {
		return "full"
	}
	return "light"
}

// yieldEvery and publishEvery implement the cooperative scheduling spec.md
// §4.1/§5 describes: a brief yield every 256 nonces, a counter publish
// every 64.
const (
	publishEvery = 64
	yieldEvery   = 256
	yieldFor     = 100 * time.Microsecond
)

// Config configures a new Engine.
type Config struct {
	// SafeMode disables JIT and wide-vector code paths.
	SafeMode bool
	Logger   *slog.Logger
}

// Engine implements spec.md §4.1's HashEngine (R).
type Engine struct {
	safeMode bool
	logger   *slog.Logger

	mu      sync.RWMutex // guards cache/dataset/key/mode lifecycle
	key     []byte
	mode    Mode
	cache   *nativeCache
	dataset *nativeDataset
	flags   nativeFlags

	vmMu         sync.Mutex
	validationVM *nativeVM

	miningMu      sync.Mutex
	mining        bool
	stopRequested atomic.Bool
	sessionHashes atomic.Uint64
	sessionStart  time.Time
	wg            sync.WaitGroup

	hashrateMu   sync.Mutex
	lastHashrate float64
}

// New creates an uninitialized Engine. Call Init before Hash or StartMining.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		safeMode: cfg.SafeMode,
		logger:   cfg.Logger.With("component", "hashengine"),
	}
}

// BackendName identifies which hashing backend was compiled in ("native"
// under -tags rx with cgo, "stub" otherwise).
func BackendName() string { return backendName }

// Init allocates the cache (and in FULL mode, the dataset) for key. It is
// idempotent: calling it again with the same key is a no-op that returns
// nil; a different key tears down and reinitializes.
func (e *Engine) Init(key []byte, mode Mode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cache != nil && bytes.Equal(e.key, key) && e.mode == mode {
		return nil
	}

	flags := recommendedFlags()
	if e.safeMode {
		flags &^= flagJIT
		flags &^= flagArgon2AVX2
		flags &^= flagArgon2SSSE3
	}

	cache, err := newNativeCache(flags, key)
	if err != nil {
		// Retry once without JIT before giving up, per spec.md §4.1
		// failure modes.
		cache, err = newNativeCache(flags&^flagJIT, key)
		if err != nil {
			return fmt.Errorf("hashengine: init cache: %w", err)
		}
		flags &^= flagJIT
	}

	var dataset *nativeDataset
	if mode == ModeFull {
		dataset, err = e.buildDataset(flags, cache)
		if err != nil {
			e.logger.Warn("dataset allocation failed, downgrading to light mode", "error", err)
			dataset = nil
			mode = ModeLight
		}
	}

	e.teardownLocked()

	e.key = append([]byte(nil), key...)
	e.mode = mode
	e.cache = cache
	e.dataset = dataset
	e.flags = flags

	e.logger.Info("hash engine initialized", "mode", mode, "backend", BackendName())
	return nil
}

func (e *Engine) buildDataset(flags nativeFlags, cache *nativeCache) (*nativeDataset, error) {
	dataset, err := newNativeDataset(flags|flagFullMem, cache)
	if err != nil {
		return nil, err
	}

	threads := runtime.NumCPU()
	if threads < 1 {
		threads = 1
	}
	itemCount := dataset.itemCount()
	perThread := itemCount / uint64(threads)

	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		start := uint64(t) * perThread
		count := perThread
		if t == threads-1 {
			count = itemCount - start
		}
		wg.Add(1)
		go func(start, count uint64) {
			defer wg.Done()
			dataset.initRange(cache, start, count)
		}(start, count)
	}
	wg.Wait()

	return dataset, nil
}

// teardownLocked releases cache/dataset/validationVM. Caller must hold mu.
func (e *Engine) teardownLocked() {
	if e.dataset != nil {
		e.dataset.close()
		e.dataset = nil
	}
	if e.cache != nil {
		e.cache.close()
		e.cache = nil
	}
	e.vmMu.Lock()
	if e.validationVM != nil {
		e.validationVM.close()
		e.validationVM = nil
	}
	e.vmMu.Unlock()
}

// RekeyIfNeeded reinitializes only if key differs from the current one.
// Calling it twice in a row with the same key performs reinitialization at
// most once, per spec.md §8.
func (e *Engine) RekeyIfNeeded(key []byte) error {
	e.mu.RLock()
	unchanged := bytes.Equal(e.key, key) && e.cache != nil
	mode := e.mode
	e.mu.RUnlock()
	if unchanged {
		return nil
	}
	return e.Init(key, mode)
}

// CurrentKey returns a copy of the active epoch key, or nil if uninitialized.
func (e *Engine) CurrentKey() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.key == nil {
		return nil
	}
	return append([]byte(nil), e.key...)
}

var errNotInitialized = errors.New("hashengine: not initialized")

// Hash computes the hash of input using a dedicated, lock-protected
// validation VM, constructed lazily on first call.
func (e *Engine) Hash(input []byte) ([32]byte, error) {
	e.mu.RLock()
	cache := e.cache
	dataset := e.dataset
	flags := e.flags
	e.mu.RUnlock()

	if cache == nil {
		return [32]byte{}, errNotInitialized
	}

	e.vmMu.Lock()
	defer e.vmMu.Unlock()

	if e.validationVM == nil {
		vm, err := newNativeVM(flags, cache, dataset)
		if err != nil {
			return [32]byte{}, fmt.Errorf("hashengine: validation vm: %w", err)
		}
		e.validationVM = vm
	}

	return e.validationVM.hash(input), nil
}

// MeetsTarget implements the big-endian unsigned comparison of spec.md
// §4.1/§8: hash <= target.
func (e *Engine) MeetsTarget(hashBE, targetBE []byte) bool {
	return blockhdr.MeetsTarget(hashBE, targetBE)
}

// Solution is delivered to the callback in StartMining exactly once, per
// the channel-based cross-thread callback model in spec.md §9.
type Solution struct {
	Header *blockhdr.Header
	Nonce  uint32
	Hash   [32]byte
}

// StartMining partitions the 32-bit nonce space evenly across numThreads
// and searches for a nonce producing a hash <= target. on_solution fires
// exactly once, from whichever thread finds it.
func (e *Engine) StartMining(header *blockhdr.Header, targetBE [32]byte, numThreads int, onSolution func(Solution)) error {
	e.mu.RLock()
	cache := e.cache
	dataset := e.dataset
	flags := e.flags
	e.mu.RUnlock()
	if cache == nil {
		return errNotInitialized
	}

	e.miningMu.Lock()
	if e.mining {
		e.miningMu.Unlock()
		return errors.New("hashengine: mining already in progress")
	}
	e.mining = true
	e.miningMu.Unlock()

	if numThreads < 1 {
		numThreads = 1
	}

	vms := make([]*nativeVM, 0, numThreads)
	for i := 0; i < numThreads; i++ {
		vm, err := newNativeVM(flags, cache, dataset)
		if err != nil {
			e.logger.Warn("mining vm creation failed, skipping thread slot", "thread", i, "error", err)
			continue
		}
		vms = append(vms, vm)
	}
	if len(vms) == 0 {
		e.miningMu.Lock()
		e.mining = false
		e.miningMu.Unlock()
		return errors.New("hashengine: zero mining vms created, aborting")
	}

	e.stopRequested.Store(false)
	e.sessionHashes.Store(0)
	e.sessionStart = time.Now()

	var solutionOnce sync.Once
	space := uint32(len(vms))

	e.wg.Add(len(vms))
	for i, vm := range vms {
		go func(threadID uint32, vm *nativeVM) {
			defer e.wg.Done()
			defer vm.close()
			e.mineThread(threadID, space, header, targetBE, vm, &solutionOnce, onSolution)
		}(uint32(i), vm)
	}

	return nil
}

func (e *Engine) mineThread(threadID, stride uint32, header *blockhdr.Header, targetBE [32]byte, vm *nativeVM, once *sync.Once, onSolution func(Solution)) {
	local := header.Clone()
	nonce := threadID
	var localHashes uint64

	for i := uint64(0); ; i++ {
		if e.stopRequested.Load() {
			return
		}

		local.Nonce = nonce
		hash := vm.hash(local.Serialize())
		localHashes++

		if localHashes%publishEvery == 0 {
			e.sessionHashes.Add(publishEvery)
			localHashes = 0
		}

		if blockhdr.MeetsTarget(hash[:], targetBE[:]) {
			e.stopRequested.Store(true)
			once.Do(func() {
				onSolution(Solution{Header: local.Clone(), Nonce: nonce, Hash: hash})
			})
			return
		}

		nonce += stride

		if i%yieldEvery == yieldEvery-1 {
			time.Sleep(yieldFor)
		}
	}
}

// StopMining sets the stop flag, joins all mining threads, and persists the
// session hashrate.
func (e *Engine) StopMining() {
	e.miningMu.Lock()
	if !e.mining {
		e.miningMu.Unlock()
		return
	}
	e.miningMu.Unlock()

	e.stopRequested.Store(true)
	e.wg.Wait()

	elapsed := time.Since(e.sessionStart).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(e.sessionHashes.Load()) / elapsed
	}

	e.hashrateMu.Lock()
	e.lastHashrate = rate
	e.hashrateMu.Unlock()

	e.miningMu.Lock()
	e.mining = false
	e.miningMu.Unlock()

	e.sessionHashes.Store(0)
}

// Hashrate returns hashes/second for the running session, or the last
// saved value if not currently mining.
func (e *Engine) Hashrate() float64 {
	e.miningMu.Lock()
	mining := e.mining
	e.miningMu.Unlock()

	if !mining {
		e.hashrateMu.Lock()
		defer e.hashrateMu.Unlock()
		return e.lastHashrate
	}

	elapsed := time.Since(e.sessionStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.sessionHashes.Load()) / elapsed
}

// Close releases all resources.
func (e *Engine) Close() {
	e.StopMining()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.key = nil
}
