package hashengine

import (
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emberminer/emberminer/internal/blockhdr"
)

func TestRekeyIfNeededIdempotent(t *testing.T) {
	e := New(Config{})
	key := []byte("epoch-seed-1")

	if err := e.Init(key, ModeLight); err != nil {
		t.Fatalf("init: %v", err)
	}
	firstCache := e.cache

	if err := e.RekeyIfNeeded(key); err != nil {
		t.Fatalf("rekey 1: %v", err)
	}
	if err := e.RekeyIfNeeded(key); err != nil {
		t.Fatalf("rekey 2: %v", err)
	}

	if e.cache != firstCache {
		t.Error("rekey with unchanged key reinitialized the cache")
	}
}

func TestRekeyIfNeededReinitializesOnNewKey(t *testing.T) {
	e := New(Config{})
	if err := e.Init([]byte("epoch-1"), ModeLight); err != nil {
		t.Fatalf("init: %v", err)
	}
	firstCache := e.cache

	if err := e.RekeyIfNeeded([]byte("epoch-2")); err != nil {
		t.Fatalf("rekey: %v", err)
	}
	if e.cache == firstCache {
		t.Error("rekey with changed key did not reinitialize")
	}
}

func TestLightEqualsFullHash(t *testing.T) {
	key := []byte("shared-epoch-seed")
	input := []byte("candidate header bytes")

	light := New(Config{})
	if err := light.Init(key, ModeLight); err != nil {
		t.Fatalf("init light: %v", err)
	}
	defer light.Close()

	full := New(Config{})
	if err := full.Init(key, ModeFull); err != nil {
		t.Fatalf("init full: %v", err)
	}
	defer full.Close()

	lh, err := light.Hash(input)
	if err != nil {
		t.Fatalf("light hash: %v", err)
	}
	fh, err := full.Hash(input)
	if err != nil {
		t.Fatalf("full hash: %v", err)
	}

	if lh != fh {
		t.Errorf("light and full hashes differ: %x vs %x", lh, fh)
	}
}

func TestStartStopMiningFindsSolutionOnce(t *testing.T) {
	e := New(Config{})
	if err := e.Init([]byte("mining-epoch"), ModeLight); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer e.Close()

	header := &blockhdr.Header{Version: 1, Time: 1234}
	// Maximum target: any hash meets it, so a solution should appear almost
	// immediately.
	maxTarget := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	easyTarget := blockhdr.TargetToBE32(maxTarget)

	var calls int32
	done := make(chan Solution, 1)
	err := e.StartMining(header, easyTarget, 2, func(s Solution) {
		atomic.AddInt32(&calls, 1)
		done <- s
	})
	if err != nil {
		t.Fatalf("start mining: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for solution")
	}

	e.StopMining()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("onSolution called %d times, want 1", got)
	}
}
