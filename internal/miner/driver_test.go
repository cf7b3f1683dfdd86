package miner

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/emberminer/emberminer/internal/broker"
	"github.com/emberminer/emberminer/internal/hashengine"
	"github.com/emberminer/emberminer/internal/rpcclient"
	"github.com/emberminer/emberminer/internal/sieve"
)

type fakeProvider struct {
	height    int64
	prev      string
	merkle    string
	bits      string
	version   int32
	curTime   int64
	rejectAll bool

	submitted chan string
}

func (f *fakeProvider) GetBlockTemplate(ctx context.Context) (*rpcclient.BlockTemplate, error) {
	f.curTime++
	return &rpcclient.BlockTemplate{
		Version:           f.version,
		PreviousBlockHash: f.prev,
		MerkleRoot:        f.merkle,
		Bits:              f.bits,
		Height:            f.height,
		CurTime:           f.curTime,
	}, nil
}

func (f *fakeProvider) SubmitBlock(ctx context.Context, blockHex string) error {
	if f.rejectAll {
		return fmt.Errorf("rejected")
	}
	select {
	case f.submitted <- blockHex:
	default:
	}
	return nil
}

func (f *fakeProvider) GetBlockHash(ctx context.Context, height int64) (string, error) {
	return hex.EncodeToString([]byte{byte(height)}), nil
}

func (f *fakeProvider) GetBlockCount(ctx context.Context) (int64, error) {
	return f.height, nil
}

func hexFill(fill byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return hex.EncodeToString(b)
}

func newFakeProvider(bits string) *fakeProvider {
	return &fakeProvider{
		height:    1000,
		prev:      hexFill(0xaa, 32),
		merkle:    hexFill(0xbb, 32),
		bits:      bits,
		version:   1,
		curTime:   1700000000,
		submitted: make(chan string, 4),
	}
}

func newTestBroker(t *testing.T, p *fakeProvider) *broker.Broker {
	t.Helper()
	b := broker.New(broker.Config{TemplateRefresh: time.Hour}, p, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("broker start: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

// TestStartStopLifecycle exercises the Start/Stop guard rails without
// waiting for an actual solution: a minimal target (virtually no hash
// meets it) keeps the hash path spinning harmlessly until Stop joins it.
func TestStartStopLifecycle(t *testing.T) {
	p := newFakeProvider("03000001") // target=1, essentially unreachable
	b := newTestBroker(t, p)

	engine := hashengine.New(hashengine.Config{})
	d := New(Config{Path: PathHash}, b, engine, nil, p)

	if err := d.Start(1, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := d.Start(1, 0); err == nil {
		t.Fatal("expected second Start to fail while already running")
	}

	info := d.Info()
	if !info.Running {
		t.Error("expected Running=true after Start")
	}
	if info.Path != "hash" {
		t.Errorf("Path = %q, want hash", info.Path)
	}

	d.Stop()
	d.Stop() // idempotent

	if d.Info().Running {
		t.Error("expected Running=false after Stop")
	}
}

// TestHashPathFindsSolutionAndSubmits uses a generous target so the
// driver's own hash search finds a genuine winning nonce within a bounded
// number of attempts, then asserts the solution was submitted to the
// provider and triggered a fresh job via NotifyNewBlock.
func TestHashPathFindsSolutionAndSubmits(t *testing.T) {
	p := newFakeProvider("207fffff") // generous but bounded target
	b := newTestBroker(t, p)
	firstJobID := b.Current().JobID

	engine := hashengine.New(hashengine.Config{})
	d := New(Config{Path: PathHash}, b, engine, nil, p)

	if err := d.Start(2, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	select {
	case <-p.submitted:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a submitted solution")
	}

	d.Stop()

	if d.Info().SolutionsFound == 0 {
		t.Error("expected SolutionsFound > 0")
	}
	if b.Current().JobID == firstJobID {
		t.Error("expected NotifyNewBlock to have rotated the job")
	}
}

// TestGapPathInfoReportsBestMerit exercises the gap-search path wiring
// without waiting on an actual sieve hit (finding a real qualifying gap
// is far too slow for a unit test); it only confirms Start/Stop/Info
// drive the SieveEngine branch rather than the HashEngine one.
func TestGapPathInfoReportsBestMerit(t *testing.T) {
	p := newFakeProvider("1d00ffff")
	b := newTestBroker(t, p)

	sieveEng := sieve.New(sieve.Config{})
	d := New(Config{Path: PathGap, TargetMerit: 30}, b, nil, sieveEng, p)

	if err := d.Start(1, 10); err != nil {
		t.Fatalf("start: %v", err)
	}

	info := d.Info()
	if info.Path != "gap" {
		t.Errorf("Path = %q, want gap", info.Path)
	}
	if info.Shift != 10 {
		t.Errorf("Shift = %d, want 10", info.Shift)
	}
	if info.BestMerit != sieveEng.BestMerit() {
		t.Errorf("BestMerit = %f, want the sieve engine's %f", info.BestMerit, sieveEng.BestMerit())
	}

	d.Stop()
}
