// Package miner implements spec.md §4.5's MinerDriver: the thin
// orchestrator that starts/stops either the hash-PoW (R) or gap-PoW (G)
// path against the broker's current job and routes solutions back to
// the node.
package miner

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberminer/emberminer/internal/blockhdr"
	"github.com/emberminer/emberminer/internal/broker"
	"github.com/emberminer/emberminer/internal/hashengine"
	"github.com/emberminer/emberminer/internal/metrics"
	"github.com/emberminer/emberminer/internal/rpcclient"
	"github.com/emberminer/emberminer/internal/sieve"
)

// Path selects which of the two consensus-relevant cores MinerDriver
// drives: the hashing path (current consensus path per spec.md §1) or
// the gap-search path (preserved for block-format compatibility).
type Path int

const (
	PathHash Path = iota
	PathGap
)

func (p Path) String() string {
	if p == PathGap {
		return "gap"
	}
	return "hash"
}

// Config configures a Driver.
type Config struct {
	Path        Path
	TargetMerit float64 // gap path only, default 8.5
	GPUBackends []sieve.Backend

	// Metrics is optional; see stratum.Config's field of the same name
	// for the nil-handling contract.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.TargetMerit == 0 {
		c.TargetMerit = 8.5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Info mirrors spec.md §6's getgapcoinmininginfo / hash-path info shape.
type Info struct {
	Running        bool
	Path           string
	Threads        int
	Shift          uint32
	Hashrate       float64
	BestMerit      float64
	SolutionsFound uint64
}

// Driver is spec.md §4.5's MinerDriver.
type Driver struct {
	cfg      Config
	broker   *broker.Broker
	hashEng  *hashengine.Engine
	sieveEng *sieve.Engine
	provider rpcclient.Provider
	metrics  *metrics.Metrics
	logger   *slog.Logger

	active  atomic.Bool
	threads int
	shift   uint32

	solutionsFound atomic.Uint64

	ctx    context.Context
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Driver. hashEng and sieveEng may both be supplied;
// only the one matching cfg.Path is driven.
func New(cfg Config, b *broker.Broker, hashEng *hashengine.Engine, sieveEng *sieve.Engine, provider rpcclient.Provider) *Driver {
	cfg.setDefaults()
	return &Driver{
		cfg:      cfg,
		broker:   b,
		hashEng:  hashEng,
		sieveEng: sieveEng,
		provider: provider,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "miner"),
		ctx:      context.Background(),
	}
}

// Start launches the mining-loop thread: it repeatedly asks the broker
// for its current job, mines against it until a solution is found or the
// job rotates, and submits on hit, per spec.md §4.5.
func (d *Driver) Start(threads int, shift uint32) error {
	if threads < 1 {
		threads = 1
		if d.cfg.Path == PathGap {
			threads = runtime.NumCPU()
		}
	}
	if shift == 0 && d.cfg.Path == PathGap {
		shift = 25 // sieve.Config's default shift
	}
	if !d.active.CompareAndSwap(false, true) {
		return errors.New("miner: already running")
	}
	d.threads = threads
	d.shift = shift
	d.stopCh = make(chan struct{})

	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop clears the active flag, stops the engine, and joins the loop
// thread.
func (d *Driver) Stop() {
	if !d.active.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)
	if d.cfg.Path == PathHash {
		d.hashEng.StopMining()
	} else {
		d.sieveEng.StopSearch()
	}
	d.wg.Wait()
}

// Info reports current state, per spec.md §6's info verbs.
func (d *Driver) Info() Info {
	info := Info{
		Running:        d.active.Load(),
		Path:           d.cfg.Path.String(),
		Threads:        d.threads,
		Shift:          d.shift,
		BestMerit:      0,
		SolutionsFound: d.solutionsFound.Load(),
	}
	if d.cfg.Path == PathHash {
		info.Hashrate = d.hashEng.Hashrate()
		if d.metrics != nil {
			d.metrics.SetHashEngineHashrate(info.Hashrate)
		}
	} else {
		info.BestMerit = d.sieveEng.BestMerit()
		if d.metrics != nil {
			d.metrics.SetSieveBestMerit(info.BestMerit)
		}
	}
	return info
}

// jobPollInterval bounds how often the loop checks whether the broker
// has rotated to a new job while a search is in flight.
const jobPollInterval = time.Second

func (d *Driver) loop() {
	defer d.wg.Done()

	var lastJobID string
	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		job := d.broker.Current()
		if job == nil {
			time.Sleep(jobPollInterval)
			continue
		}
		if job.JobID == lastJobID {
			time.Sleep(jobPollInterval)
			continue
		}
		lastJobID = job.JobID

		if err := d.mineJob(job); err != nil {
			d.logger.Error("mining job failed", "job_id", job.JobID, "error", err)
			time.Sleep(jobPollInterval)
		}
	}
}

// mineJob runs one engine search against job until a solution is found,
// the job rotates, or Stop is called.
func (d *Driver) mineJob(job *broker.Job) error {
	header, err := headerFromJob(job)
	if err != nil {
		return fmt.Errorf("miner: reconstruct header: %w", err)
	}

	solved := make(chan struct{}, 1)
	var once sync.Once
	onSolved := func() {
		once.Do(func() {
			d.solutionsFound.Add(1)
			select {
			case solved <- struct{}{}:
			default:
			}
		})
	}

	switch d.cfg.Path {
	case PathHash:
		if err := d.startHashSearch(job, header, onSolved); err != nil {
			return err
		}
	default:
		if err := d.startGapSearch(header, onSolved); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			d.stopCurrentSearch()
			return nil
		case <-solved:
			d.stopCurrentSearch()
			return nil
		case <-ticker.C:
			if current := d.broker.Current(); current == nil || current.JobID != job.JobID {
				d.stopCurrentSearch()
				return nil
			}
		}
	}
}

func (d *Driver) stopCurrentSearch() {
	if d.cfg.Path == PathHash {
		d.hashEng.StopMining()
	} else {
		d.sieveEng.StopSearch()
	}
}

func (d *Driver) startHashSearch(job *broker.Job, header *blockhdr.Header, onSolved func()) error {
	seedKey, err := hex.DecodeString(job.SeedHash)
	if err != nil {
		seedKey = []byte(job.SeedHash)
	}
	if err := d.hashEng.RekeyIfNeeded(seedKey); err != nil {
		return fmt.Errorf("hash engine rekey: %w", err)
	}

	bits, err := parseHexUint32(job.Template.Bits)
	if err != nil {
		return fmt.Errorf("malformed bits: %w", err)
	}
	targetBE := blockhdr.TargetToBE32(blockhdr.CompactToTarget(bits))

	return d.hashEng.StartMining(header, targetBE, d.threads, func(sol hashengine.Solution) {
		d.logger.Info("hash solution found", "job_id", job.JobID, "nonce", sol.Nonce)
		if d.metrics != nil {
			d.metrics.RecordSolution(PathHash.String())
		}
		d.submitSolution(job, sol.Header)
		onSolved()
	})
}

func (d *Driver) startGapSearch(header *blockhdr.Header, onSolved func()) error {
	return d.sieveEng.StartSearch(header, d.shift, d.cfg.TargetMerit, d.threads, d.cfg.GPUBackends, func(sol sieve.Solution) {
		d.logger.Info("gap solution found", "shift", sol.Shift, "gap_size", sol.GapSize, "merit", sol.Merit)
		if d.metrics != nil {
			d.metrics.RecordSolution(PathGap.String())
		}
		gapHeader := *header
		gapHeader.Shift = sol.Shift
		gapHeader.GapSize = uint32(sol.GapSize)
		copy(gapHeader.Adder[:], blockhdr.TargetToBE32(sol.Adder)[:])
		d.submitSolution(nil, &gapHeader)
		onSolved()
	})
}

func (d *Driver) submitSolution(job *broker.Job, header *blockhdr.Header) {
	blockHex := hex.EncodeToString(header.Serialize())
	if err := d.provider.SubmitBlock(d.ctx, blockHex); err != nil {
		d.logger.Warn("node rejected mined solution", "error", err)
		return
	}
	d.broker.NotifyNewBlock()
}

// headerFromJob reconstructs the canonical block header from a job's
// embedded template, mirroring internal/stratum's own reconstruction for
// submit-time validation — both must agree byte-for-byte on layout.
func headerFromJob(job *broker.Job) (*blockhdr.Header, error) {
	prevHash, err := hex.DecodeString(job.Template.PreviousBlockHash)
	if err != nil || len(prevHash) != 32 {
		return nil, fmt.Errorf("invalid previousblockhash")
	}
	merkleRoot, err := hex.DecodeString(job.Template.MerkleRoot)
	if err != nil || len(merkleRoot) < 32 {
		return nil, fmt.Errorf("invalid merkleroot")
	}
	bits, err := parseHexUint32(job.Template.Bits)
	if err != nil {
		return nil, fmt.Errorf("invalid bits")
	}

	h := &blockhdr.Header{
		Version: job.Template.Version,
		Time:    uint32(job.Template.CurTime),
		Bits:    bits,
	}
	copy(h.PrevHash[:], prevHash)
	copy(h.MerkleRoot[:], merkleRoot[:32])

	if sr, err := hex.DecodeString(job.Template.StateRoot); err == nil && len(sr) == 32 {
		copy(h.StateRoot[:], sr)
	}
	if ur, err := hex.DecodeString(job.Template.UTXORoot); err == nil && len(ur) == 32 {
		copy(h.UTXORoot[:], ur)
	}

	return h, nil
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
