package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetBlockTemplate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Method != "getblocktemplate" {
			t.Errorf("method = %q, want getblocktemplate", req.Method)
		}
		resp := Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"version":1,"previousblockhash":"ab","height":100,"bits":"1d00ffff"}`),
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "")
	tmpl, err := c.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate: %v", err)
	}
	if tmpl.Height != 100 {
		t.Errorf("height = %d, want 100", tmpl.Height)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL, "", "")
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	cfg.CBThreshold = 2
	cfg.CBResetTimeout = time.Hour
	c := NewWithConfig(cfg)

	for i := 0; i < 2; i++ {
		if err := c.Call(context.Background(), "ping", nil, nil); err == nil {
			t.Fatal("expected error from failing server")
		}
	}

	if c.State() != CircuitOpen {
		t.Fatalf("circuit state = %v, want open", c.State())
	}

	if err := c.Call(context.Background(), "ping", nil, nil); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	var shouldFail = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldFail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID})
	}))
	defer srv.Close()

	cfg := DefaultConfig(srv.URL, "", "")
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	cfg.CBThreshold = 1
	cfg.CBResetTimeout = 10 * time.Millisecond
	c := NewWithConfig(cfg)

	c.Call(context.Background(), "ping", nil, nil)
	if c.State() != CircuitOpen {
		t.Fatalf("state = %v, want open", c.State())
	}

	time.Sleep(20 * time.Millisecond)
	shouldFail = false

	if err := c.Call(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("expected recovery call to succeed: %v", err)
	}
	if c.State() != CircuitClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
}
