package broker

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/emberminer/emberminer/internal/rpcclient"
)

type fakeProvider struct {
	height  int64
	prev    string
	merkle  string
	bits    string
	version int32
	curTime int64

	submitted []string
}

func (f *fakeProvider) GetBlockTemplate(ctx context.Context) (*rpcclient.BlockTemplate, error) {
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
	f.submitted = append(f.submitted, blockHex)
	return nil
}

func (f *fakeProvider) GetBlockHash(ctx context.Context, height int64) (string, error) {
	return hex.EncodeToString([]byte{byte(height)}), nil
}

func (f *fakeProvider) GetBlockCount(ctx context.Context) (int64, error) {
	return f.height, nil
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		height:  1000,
		prev:    hex32("aa"),
		merkle:  hex32("bb"),
		bits:    "1d00ffff",
		version: 1,
		curTime: 1700000000,
	}
}

func hex32(fill string) string {
	b := make([]byte, 32)
	for i := range b {
		b[i] = fill[0]
	}
	return hex.EncodeToString(b)
}

func TestRefreshBuildsJobWithExpectedLayout(t *testing.T) {
	p := newFakeProvider()
	broker := New(Config{TemplateRefresh: time.Hour}, p, nil)

	if err := broker.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	job := broker.Current()
	if job == nil {
		t.Fatal("expected a current job")
	}

	blob, err := hex.DecodeString(job.Blob)
	if err != nil {
		t.Fatalf("decode blob: %v", err)
	}
	if len(blob) != 76 {
		t.Fatalf("blob length = %d, want 76", len(blob))
	}

	prevHashBytes, _ := hex.DecodeString(p.prev)
	if !bytes.Equal(blob[0:32], prevHashBytes) {
		t.Error("bytes 0-31 should equal prev_hash")
	}
	for _, b := range blob[39:43] {
		if b != 0 {
			t.Error("bytes 39-42 should be zero (nonce placeholder)")
		}
	}
	bits, _ := parseHexUint32(p.bits)
	if blob[75] != byte(bits) {
		t.Error("byte 75 should equal low byte of bits")
	}
}

func TestHistoryBoundedAtMax(t *testing.T) {
	p := newFakeProvider()
	broker := New(Config{TemplateRefresh: time.Hour}, p, nil)

	var ids []string
	for i := 0; i < MaxHistory+5; i++ {
		if err := broker.Refresh(); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
		ids = append(ids, broker.Current().JobID)
	}

	if broker.HistoryLen() != MaxHistory {
		t.Errorf("history length = %d, want %d", broker.HistoryLen(), MaxHistory)
	}

	if broker.Lookup(ids[0]) != nil {
		t.Error("oldest job should have been evicted")
	}
	if broker.Lookup(ids[len(ids)-1]) == nil {
		t.Error("newest job should still be resolvable")
	}
}

func TestNotifyNewBlockTriggersRefresh(t *testing.T) {
	p := newFakeProvider()
	broker := New(Config{TemplateRefresh: time.Hour}, p, nil)
	broker.Refresh()
	first := broker.Current().JobID

	broker.NotifyNewBlock()
	second := broker.Current().JobID

	if first == second {
		t.Error("expected a new job after NotifyNewBlock")
	}
}

// TestRefreshWithNilMetricsAndCache confirms Refresh never requires a
// configured metrics.Metrics or sharecache.Cache: both are nil by
// default, matching a deployment with neither Prometheus nor Redis
// enabled (sharecache.Cache itself is also nil-safe, see its own
// package docs).
func TestRefreshWithNilMetricsAndCache(t *testing.T) {
	p := newFakeProvider()
	broker := New(Config{TemplateRefresh: time.Hour}, p, nil)
	if broker.metrics != nil || broker.cache != nil {
		t.Fatal("expected nil metrics and cache by default")
	}
	if err := broker.Refresh(); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}
