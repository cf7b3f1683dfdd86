package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/emberminer/emberminer/internal/blockhdr"
	"github.com/emberminer/emberminer/internal/broker"
	"github.com/emberminer/emberminer/internal/hashengine"
	"github.com/emberminer/emberminer/internal/rpcclient"
)

type fakeProvider struct {
	height    int64
	prev      string
	merkle    string
	bits      string
	version   int32
	curTime   int64
	rejectAll bool
	submitted []string
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
	f.submitted = append(f.submitted, blockHex)
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

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		height:  1000,
		prev:    hexFill(0xaa, 32),
		merkle:  hexFill(0xbb, 32),
		bits:    "1d00ffff",
		version: 1,
		curTime: 1700000000,
	}
}

// newTestClient builds a bare Client over an in-memory pipe, for tests
// that exercise validateAndSubmitShare directly without a real dial.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })
	c := newClient("test-session", serverConn, 10000, slog.Default())
	c.setWalletWorker("WALLETaddress0000000000000001", "w1")
	return c
}

func newTestServer(t *testing.T, p *fakeProvider) (*Server, *broker.Broker) {
	t.Helper()
	b := broker.New(broker.Config{TemplateRefresh: time.Hour}, p, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("broker start: %v", err)
	}
	t.Cleanup(b.Stop)

	engine := hashengine.New(hashengine.Config{})
	srv := New(Config{ListenAddr: "127.0.0.1:0"}, b, engine, p)
	return srv, b
}

func dialLine(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readLine(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func TestSubscribeAuthorizeSubmitHappyPath(t *testing.T) {
	p := newFakeProvider()
	srv, _ := newTestServer(t, p)
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)

	conn, r := dialLine(t, fmt.Sprintf("127.0.0.1:%d", port))

	sendLine(t, conn, map[string]interface{}{"id": 1, "method": MethodSubscribe, "params": []interface{}{}})
	resp := readLine(t, r)
	result, ok := resp["result"].([]interface{})
	if !ok || len(result) != 3 {
		t.Fatalf("unexpected subscribe result: %#v", resp)
	}
	notifyList, ok := result[0].([]interface{})
	if !ok || len(notifyList) == 0 {
		t.Fatalf("subscribe result[0] missing notify list: %#v", result)
	}
	pair, ok := notifyList[0].([]interface{})
	if !ok || len(pair) != 2 || pair[0] != "mining.notify" {
		t.Fatalf("subscribe notify pair malformed: %#v", notifyList)
	}

	sendLine(t, conn, map[string]interface{}{"id": 2, "method": MethodAuthorize, "params": []interface{}{"WALLETaddress0000000000000001.w1", "x"}})
	authResp := readLine(t, r)
	if authResp["result"] != true {
		t.Fatalf("authorize result = %#v, want true", authResp["result"])
	}

	notify := readLine(t, r)
	if notify["method"] != "job" {
		t.Fatalf("expected job notification, got %#v", notify)
	}
}

func TestMoneroStyleLogin(t *testing.T) {
	p := newFakeProvider()
	srv, _ := newTestServer(t, p)
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)

	conn, r := dialLine(t, fmt.Sprintf("127.0.0.1:%d", port))
	sendLine(t, conn, map[string]interface{}{
		"id":     1,
		"method": MethodLogin,
		"params": map[string]string{"login": "WALLETaddress0000000000000001", "pass": "x"},
	})

	resp := readLine(t, r)
	if resp["jsonrpc"] != "2.0" {
		t.Errorf("jsonrpc = %v, want \"2.0\"", resp["jsonrpc"])
	}
	result, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("login result malformed: %#v", resp)
	}
	job, ok := result["job"].(map[string]interface{})
	if !ok {
		t.Fatalf("login result missing job: %#v", result)
	}
	blob, _ := job["blob"].(string)
	if len(blob) != 152 {
		t.Errorf("blob length = %d, want 152 hex chars", len(blob))
	}
	if job["algo"] != "rx/0" {
		t.Errorf("algo = %v, want rx/0", job["algo"])
	}
}

func TestStaleShareRejection(t *testing.T) {
	p := newFakeProvider()
	srv, b := newTestServer(t, p)

	firstJob := b.Current()
	if firstJob == nil {
		t.Fatal("expected initial job")
	}

	for i := 0; i < 11; i++ {
		if err := b.Refresh(); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}

	accepted, stratumErr := srv.validateAndSubmitShare(newTestClient(t), firstJob.JobID, "00000000")
	if accepted {
		t.Fatal("expected rejection for stale job")
	}
	if stratumErr == nil || stratumErr.Code != 21 {
		t.Fatalf("expected error code 21, got %#v", stratumErr)
	}
}

func TestAboveTargetShareRejection(t *testing.T) {
	p := newFakeProvider()
	p.bits = "03000001" // CompactToTarget -> 1: virtually no hash will meet it
	srv, b := newTestServer(t, p)

	job := b.Current()
	accepted, stratumErr := srv.validateAndSubmitShare(newTestClient(t), job.JobID, "00000000")
	if accepted {
		t.Fatal("expected rejection above target")
	}
	if stratumErr == nil || stratumErr.Code != 23 {
		t.Fatalf("expected error code 23, got %#v", stratumErr)
	}
	if srv.blocksFound.Load() != 0 {
		t.Error("blocks_found should not change on a rejected share")
	}
}

func TestValidSolutionAcceptedAndTriggersNewBlock(t *testing.T) {
	p := newFakeProvider()
	p.bits = "207fffff" // a generous, but not maximal, target
	srv, b := newTestServer(t, p)

	job := b.Current()
	header, err := headerFromTemplate(job)
	if err != nil {
		t.Fatalf("headerFromTemplate: %v", err)
	}
	bits, _ := parseHexUint32(job.Template.Bits)
	targetBE := blockhdr.TargetToBE32(blockhdr.CompactToTarget(bits))

	seedKey, err := hex.DecodeString(job.SeedHash)
	if err != nil {
		seedKey = []byte(job.SeedHash)
	}
	if err := srv.engine.RekeyIfNeeded(seedKey); err != nil {
		t.Fatalf("engine init: %v", err)
	}

	var winningNonce uint32 = 0
	found := false
	for n := uint32(0); n < 8192; n++ {
		header.Nonce = n
		hash, err := srv.engine.Hash(header.Serialize())
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if blockhdr.MeetsTarget(hash[:], targetBE[:]) {
			winningNonce = n
			found = true
			break
		}
	}
	if !found {
		t.Fatal("no winning nonce found within search bound")
	}

	var nonceBytes [4]byte
	nonceBytes[0] = byte(winningNonce)
	nonceBytes[1] = byte(winningNonce >> 8)
	nonceBytes[2] = byte(winningNonce >> 16)
	nonceBytes[3] = byte(winningNonce >> 24)

	firstJobID := job.JobID
	accepted, stratumErr := srv.validateAndSubmitShare(newTestClient(t), firstJobID, hex.EncodeToString(nonceBytes[:]))
	if stratumErr != nil {
		t.Fatalf("unexpected error: %v", stratumErr)
	}
	if !accepted {
		t.Fatal("expected the share to be accepted")
	}
	if srv.blocksFound.Load() != 1 {
		t.Errorf("blocks_found = %d, want 1", srv.blocksFound.Load())
	}
	if b.Current().JobID == firstJobID {
		t.Error("expected notify_new_block to have produced a fresh job")
	}
}

// TestValidateAndSubmitShareNilCacheAndMetrics confirms the dedup/metrics
// wiring never requires a configured sharecache.Cache or metrics.Metrics:
// both are nil in newTestServer, matching a deployment with neither
// Redis nor Prometheus enabled.
func TestValidateAndSubmitShareNilCacheAndMetrics(t *testing.T) {
	p := newFakeProvider()
	p.bits = "03000001"
	srv, b := newTestServer(t, p)
	if srv.cache != nil || srv.metrics != nil {
		t.Fatal("expected nil cache and metrics in default test server")
	}

	job := b.Current()
	if _, err := srv.validateAndSubmitShare(newTestClient(t), job.JobID, "00000000"); err == nil {
		t.Fatal("expected an error")
	}
}

// TestHandleSubmitStdRequiresAuthorization mirrors handleSubmitMono's own
// guard: an unauthorized client's mining.submit must be rejected before
// any job/nonce parsing, for both dialects alike.
func TestHandleSubmitStdRequiresAuthorization(t *testing.T) {
	p := newFakeProvider()
	srv, _ := newTestServer(t, p)
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Stop)

	conn, r := dialLine(t, fmt.Sprintf("127.0.0.1:%d", port))
	sendLine(t, conn, map[string]interface{}{"id": 1, "method": MethodSubmitStd, "params": []string{"worker", "jobid", "00000000"}})

	resp := readLine(t, r)
	errArr, ok := resp["error"].([]interface{})
	if !ok || len(errArr) == 0 {
		t.Fatalf("expected an error response for unauthorized submit, got %#v", resp)
	}
	if code, ok := errArr[0].(float64); !ok || int(code) != -1 {
		t.Errorf("error code = %#v, want -1", errArr[0])
	}
}
