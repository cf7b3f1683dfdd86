// Package rpcclient implements spec.md §2's BlockTemplateProvider: the
// external node collaborator JobBroker pulls templates from and submits
// solutions to.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emberminer/emberminer/internal/metrics"
)

// CircuitState is the circuit breaker's current state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the breaker is tripped.
var ErrCircuitOpen = errors.New("rpcclient: circuit breaker is open")

// Config configures a Client.
type Config struct {
	URL           string
	User          string
	Password      string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration

	CBEnabled      bool
	CBThreshold    int
	CBResetTimeout time.Duration

	// Metrics is optional; see stratum.Config's field of the same name
	// for the nil-handling contract.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// DefaultConfig returns sane production defaults.
func DefaultConfig(url, user, password string) Config {
	return Config{
		URL:            url,
		User:           user,
		Password:       password,
		Timeout:        30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
		CBEnabled:      true,
		CBThreshold:    5,
		CBResetTimeout: 30 * time.Second,
		Logger:         slog.Default(),
	}
}

// Client is the JSON-RPC client BlockTemplateProvider implementations
// wrap around a single node endpoint.
type Client struct {
	url      string
	user     string
	password string
	client   *http.Client
	reqID    atomic.Uint64
	metrics  *metrics.Metrics
	logger   *slog.Logger

	retryAttempts int
	retryDelay    time.Duration

	cbEnabled      bool
	cbState        CircuitState
	cbFailures     int
	cbSuccesses    int
	cbThreshold    int
	cbResetTimeout time.Duration
	cbLastChange   time.Time
	cbMu           sync.Mutex
}

// New creates a client with default configuration.
func New(url, user, password string) *Client {
	return NewWithConfig(DefaultConfig(url, user, password))
}

// NewWithConfig creates a client with explicit configuration.
func NewWithConfig(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:            cfg.URL,
		user:           cfg.User,
		password:       cfg.Password,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With("component", "rpcclient"),
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
		cbEnabled:      cfg.CBEnabled,
		cbState:        CircuitClosed,
		cbThreshold:    cfg.CBThreshold,
		cbResetTimeout: cfg.CBResetTimeout,
		client:         &http.Client{Timeout: cfg.Timeout},
	}
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call performs a JSON-RPC call gated by the circuit breaker, retrying
// up to retryAttempts times with linear backoff.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	start := time.Now()
	err := c.call(ctx, method, params, result)
	if c.metrics != nil {
		c.metrics.RecordRPC(method, time.Since(start).Seconds(), err)
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.cbEnabled && !c.cbAllow() {
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		err := c.doCall(ctx, method, params, result)
		if err == nil {
			c.cbRecordSuccess()
			return nil
		}

		lastErr = err
		c.logger.Warn("rpc call failed", "method", method, "attempt", attempt+1, "error", err)
	}

	c.cbRecordFailure()
	return lastErr
}

func (c *Client) doCall(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := Request{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

func (c *Client) cbAllow() bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(c.cbLastChange) >= c.cbResetTimeout {
			c.cbState = CircuitHalfOpen
			c.logger.Info("circuit breaker half-open")
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return false
}

func (c *Client) cbRecordSuccess() {
	if !c.cbEnabled {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitHalfOpen:
		c.cbSuccesses++
		if c.cbSuccesses >= c.cbThreshold {
			c.cbState = CircuitClosed
			c.cbFailures = 0
			c.cbSuccesses = 0
			c.logger.Info("circuit breaker closed")
		}
	case CircuitClosed:
		c.cbFailures = 0
	}
}

func (c *Client) cbRecordFailure() {
	if !c.cbEnabled {
		return
	}
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	switch c.cbState {
	case CircuitHalfOpen:
		c.cbState = CircuitOpen
		c.cbLastChange = time.Now()
		c.logger.Warn("circuit breaker opened (half-open failed)")
	case CircuitClosed:
		c.cbFailures++
		if c.cbFailures >= c.cbThreshold {
			c.cbState = CircuitOpen
			c.cbLastChange = time.Now()
			c.logger.Warn("circuit breaker opened", "failures", c.cbFailures)
		}
	}
}

// State returns the current circuit breaker state.
func (c *Client) State() CircuitState {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	return c.cbState
}

// BlockTemplate is the subset of getblocktemplate fields the mining
// subsystem consumes, per spec.md §3/§4.3.
type BlockTemplate struct {
	Version           int32  `json:"version"`
	PreviousBlockHash string `json:"previousblockhash"`
	MerkleRoot        string `json:"merkleroot"`
	StateRoot         string `json:"stateroot"`
	UTXORoot          string `json:"utxoroot"`
	Bits              string `json:"bits"`
	Height            int64  `json:"height"`
	CurTime           int64  `json:"curtime"`
	SeedHash          string `json:"seedhash"`
	NextSeedHash      string `json:"nextseedhash,omitempty"`
	CoinbaseValue     int64  `json:"coinbasevalue"`
}

// GetBlockTemplate fetches a fresh template from the node.
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	params := []interface{}{
		map[string]interface{}{"rules": []string{"segwit"}},
	}
	var template BlockTemplate
	if err := c.Call(ctx, "getblocktemplate", params, &template); err != nil {
		return nil, err
	}
	return &template, nil
}

// SubmitBlock submits a solved block's hex-encoded serialization.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) error {
	var result interface{}
	if err := c.Call(ctx, "submitblock", []interface{}{blockHex}, &result); err != nil {
		return err
	}
	if result != nil {
		if errStr, ok := result.(string); ok && errStr != "" {
			return fmt.Errorf("block rejected: %s", errStr)
		}
	}
	return nil
}

// GetBlockHash returns the hash of the block at height, used to resolve
// the epoch/seed-hash boundary lookup in internal/broker.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := c.Call(ctx, "getblockhash", []interface{}{height}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// GetBlockCount returns the current tip height.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var count int64
	if err := c.Call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}
