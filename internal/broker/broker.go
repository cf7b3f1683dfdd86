package broker

import (
	"container/list"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberminer/emberminer/internal/metrics"
	"github.com/emberminer/emberminer/internal/rpcclient"
	"github.com/emberminer/emberminer/internal/sharecache"
)

// MaxHistory is the bounded FIFO job-history size from spec.md §3/§4.3.
const MaxHistory = 10

// KeyBlockInterval is how often the epoch key changes, mirroring the
// teacher's own RandomX key-rotation cadence.
const KeyBlockInterval = 32

// Config configures a Broker.
type Config struct {
	TemplateRefresh time.Duration // default 1s, per job_timeout_seconds
	ShareTargetHex  string        // 4-byte LE hex server share target, pool-configurable

	// Metrics and Cache are both optional; see stratum.Config's fields
	// of the same names for the nil-handling contract.
	Metrics *metrics.Metrics
	Cache   *sharecache.Cache

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.TemplateRefresh == 0 {
		c.TemplateRefresh = time.Second
	}
	if c.ShareTargetHex == "" {
		c.ShareTargetHex = "ffffffff"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Broker owns the current mining job and a small bounded history,
// regenerating jobs on timer, on-demand, or on successful submission —
// spec.md §4.3's JobBroker.
type Broker struct {
	cfg      Config
	provider rpcclient.Provider
	metrics  *metrics.Metrics
	cache    *sharecache.Cache
	logger   *slog.Logger

	counter atomic.Uint64

	mu      sync.RWMutex
	current *Job
	history *list.List               // front = newest, back = oldest
	byJobID map[string]*list.Element // job_id -> history element

	onNewJob func(*Job)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Broker against provider.
func New(cfg Config, provider rpcclient.Provider, onNewJob func(*Job)) *Broker {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:      cfg,
		provider: provider,
		metrics:  cfg.Metrics,
		cache:    cfg.Cache,
		logger:   cfg.Logger.With("component", "broker"),
		history:  list.New(),
		byJobID:  make(map[string]*list.Element),
		onNewJob: onNewJob,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start performs the startup trigger (spec.md §4.3's trigger (c)) and
// launches the timer-driven refresh loop (trigger (a)).
func (b *Broker) Start() error {
	if err := b.Refresh(); err != nil {
		return fmt.Errorf("broker: initial template fetch: %w", err)
	}

	b.wg.Add(1)
	go b.refreshLoop()
	return nil
}

// Stop halts the refresh loop.
func (b *Broker) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *Broker) refreshLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.TemplateRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.Refresh(); err != nil {
				b.logger.Error("template refresh failed", "error", err)
			}
		}
	}
}

// NotifyNewBlock is spec.md §4.3's trigger (b): a successful submission
// forces an immediate job regeneration.
func (b *Broker) NotifyNewBlock() {
	if err := b.Refresh(); err != nil {
		b.logger.Error("post-submit refresh failed", "error", err)
	}
}

// Refresh fetches a new template and derives a job from it.
func (b *Broker) Refresh() error {
	tmpl, err := b.provider.GetBlockTemplate(b.ctx)
	if err != nil {
		return err
	}

	job, err := b.buildJob(tmpl)
	if err != nil {
		return fmt.Errorf("broker: build job: %w", err)
	}

	b.pushJob(job)

	if pubErr := b.cache.PublishNewJob(b.ctx, job.Height); pubErr != nil {
		b.logger.Warn("sharecache publish new job failed", "error", pubErr)
	}
	if b.metrics != nil {
		b.metrics.RecordJob(b.HistoryLen())
	}

	if b.onNewJob != nil {
		b.onNewJob(job)
	}
	return nil
}

func (b *Broker) buildJob(tmpl *rpcclient.BlockTemplate) (*Job, error) {
	jobID := b.nextJobID()

	prevHash, err := hex.DecodeString(tmpl.PreviousBlockHash)
	if err != nil || len(prevHash) != 32 {
		return nil, fmt.Errorf("invalid previousblockhash %q", tmpl.PreviousBlockHash)
	}
	merkleRoot, err := hex.DecodeString(tmpl.MerkleRoot)
	if err != nil || len(merkleRoot) < 32 {
		return nil, fmt.Errorf("invalid merkleroot %q", tmpl.MerkleRoot)
	}
	bits, err := parseHexUint32(tmpl.Bits)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", tmpl.Bits, err)
	}

	blob := buildPayload(prevHash, uint32(tmpl.Version), uint32(tmpl.CurTime), merkleRoot, bits)

	seedHash, err := b.resolveSeedHash(tmpl.Height)
	if err != nil {
		// Fall back to the coarse proxy spec.md §4.3 documents, rather
		// than failing job creation over an epoch-lookup hiccup.
		b.logger.Warn("epoch key lookup failed, using coarse proxy", "error", err)
		seedHash = tmpl.PreviousBlockHash
	}

	return &Job{
		JobID:     jobID,
		Height:    tmpl.Height + 1,
		Blob:      hex.EncodeToString(blob),
		Target:    b.cfg.ShareTargetHex,
		SeedHash:  seedHash,
		Algo:      "rx/0",
		CreatedAt: time.Now(),
		Template: &jobTemplate{
			Version:           tmpl.Version,
			PreviousBlockHash: tmpl.PreviousBlockHash,
			MerkleRoot:        tmpl.MerkleRoot,
			StateRoot:         tmpl.StateRoot,
			UTXORoot:          tmpl.UTXORoot,
			Bits:              tmpl.Bits,
			Height:            tmpl.Height,
			CurTime:           tmpl.CurTime,
		},
	}, nil
}

// nextJobID implements spec.md §4.3's job_id derivation: 8 lower hex
// digits of counter++ concatenated onto hex(unix_seconds).
func (b *Broker) nextJobID() string {
	n := b.counter.Add(1)
	return fmt.Sprintf("%08x%s", n&0xffffffff, strconv.FormatInt(time.Now().Unix(), 16))
}

// buildPayload lays out the 76-byte mining payload per spec.md §4.3:
// bytes 0-31 prev_hash, 32-34 version LE (3 bytes), 35-38 time LE,
// 39-42 nonce placeholder (zero), 43-74 first 32 bytes of merkle_root,
// 75 low byte of bits.
func buildPayload(prevHash []byte, version, curTime uint32, merkleRoot []byte, bits uint32) []byte {
	buf := make([]byte, 76)
	copy(buf[0:32], prevHash)

	var verLE [4]byte
	binary.LittleEndian.PutUint32(verLE[:], version)
	copy(buf[32:35], verLE[:3])

	var timeLE [4]byte
	binary.LittleEndian.PutUint32(timeLE[:], curTime)
	copy(buf[35:39], timeLE[:])

	// buf[39:43] left zero: nonce placeholder.

	copy(buf[43:75], merkleRoot[:32])

	buf[75] = byte(bits)

	return buf
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// resolveSeedHash implements the SUPPLEMENTED FEATURES decision: the
// epoch key is the hash of the block at the KeyBlockInterval-aligned
// height below the tip, not the raw previous-block hash — the spec's
// own documented "coarse proxy".
func (b *Broker) resolveSeedHash(tipHeight int64) (string, error) {
	keyHeight := keyBlockHeight(tipHeight)
	if keyHeight < 0 {
		keyHeight = 0
	}
	return b.provider.GetBlockHash(b.ctx, keyHeight)
}

func keyBlockHeight(blockHeight int64) int64 {
	if blockHeight < KeyBlockInterval {
		return 0
	}
	return ((blockHeight / KeyBlockInterval) - 1) * KeyBlockInterval
}

// pushJob inserts job at the front of history, evicting the oldest
// entry once MaxHistory is exceeded. This is a genuine insertion-ordered
// FIFO: spec.md §9 flags the original's eviction (erase ordered by hash
// of job_id) as a documented-but-unfixed quirk; map/hash ordering isn't
// a meaningful property to reproduce in Go, so history here evicts by
// actual age, the behavior the original's own comments describe as
// intended.
func (b *Broker) pushJob(job *Job) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = job
	elem := b.history.PushFront(job)
	b.byJobID[job.JobID] = elem

	for b.history.Len() > MaxHistory {
		oldest := b.history.Back()
		if oldest == nil {
			break
		}
		b.history.Remove(oldest)
		delete(b.byJobID, oldest.Value.(*Job).JobID)
	}
}

// Current returns the most recently produced job.
func (b *Broker) Current() *Job {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.current
}

// Lookup resolves a job_id against history; returns nil if evicted or
// never issued (submit-path error 21 territory).
func (b *Broker) Lookup(jobID string) *Job {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if elem, ok := b.byJobID[jobID]; ok {
		return elem.Value.(*Job)
	}
	return nil
}

// HistoryLen reports the current history size, for the
// "at most max_history remain resolvable" invariant.
func (b *Broker) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.Len()
}
