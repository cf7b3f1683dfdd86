package stratum

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ClientState is the per-client state machine of spec.md §4.4:
// NEW -subscribe-> SUBSCRIBED -authorize-> AUTHORIZED, or combined via
// login; disconnect/error -> CLOSED from any state.
type ClientState int

const (
	StateNew ClientState = iota
	StateSubscribed
	StateAuthorized
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const maxRecvBuffer = 64 * 1024

// Client is spec.md §3's Client entity: one per accepted TCP connection.
type Client struct {
	SessionID  string
	conn       net.Conn
	RemoteAddr string

	mu         sync.RWMutex
	state      ClientState
	wallet     string
	worker     string
	difficulty uint64

	sharesAccepted uint64
	sharesRejected uint64
	lastActivity   atomic64

	vardiffShares    int
	vardiffStartedAt time.Time

	writer *bufio.Writer
	logger *slog.Logger

	recvBuf []byte
}

// atomic64 is a tiny unix-seconds clock guarded by its own mutex; kept
// separate from the broader Client mutex so reaping can poll it without
// contending with protocol handling.
type atomic64 struct {
	mu sync.Mutex
	v  int64
}

func (a *atomic64) store(v int64) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic64) load() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func newClient(sessionID string, conn net.Conn, initialDifficulty uint64, logger *slog.Logger) *Client {
	c := &Client{
		SessionID:        sessionID,
		conn:             conn,
		RemoteAddr:       conn.RemoteAddr().String(),
		state:            StateNew,
		difficulty:       initialDifficulty,
		vardiffStartedAt: time.Now(),
		writer:           bufio.NewWriter(conn),
		logger:           logger.With("session", sessionID, "addr", conn.RemoteAddr()),
	}
	c.lastActivity.store(time.Now().Unix())
	return c
}

// Difficulty returns the client's current share difficulty.
func (c *Client) Difficulty() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.difficulty
}

func (c *Client) setDifficulty(d uint64) {
	c.mu.Lock()
	c.difficulty = d
	c.vardiffShares = 0
	c.vardiffStartedAt = time.Now()
	c.mu.Unlock()
}

// vardiffSnapshot returns the share count and window start used by the
// retargeting loop.
func (c *Client) vardiffSnapshot() (shares int, since time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vardiffShares, c.vardiffStartedAt
}

// State returns the client's current state under read lock.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Authorized reports whether this client is both subscribed and
// authorized, enforcing the invariant from spec.md §3: authorized =>
// subscribed.
func (c *Client) Authorized() bool {
	return c.State() == StateAuthorized
}

func (c *Client) touch() {
	c.lastActivity.store(time.Now().Unix())
}

// IdleSeconds reports seconds since the last read activity, for idle
// reaping.
func (c *Client) IdleSeconds() int64 {
	return time.Now().Unix() - c.lastActivity.load()
}

func (c *Client) walletWorker() (wallet, worker string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wallet, c.worker
}

func (c *Client) setWalletWorker(wallet, worker string) {
	c.mu.Lock()
	c.wallet = wallet
	c.worker = worker
	c.mu.Unlock()
}

func (c *Client) recordAccepted() {
	c.mu.Lock()
	c.sharesAccepted++
	c.vardiffShares++
	c.mu.Unlock()
}

func (c *Client) recordRejected() {
	c.mu.Lock()
	c.sharesRejected++
	c.mu.Unlock()
}

// ShareCounts returns (accepted, rejected) for spec.md §8's per-client
// accounting invariant.
func (c *Client) ShareCounts() (accepted, rejected uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sharesAccepted, c.sharesRejected
}

// send marshals and writes a single JSON-RPC line, newline-terminated.
func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("stratum: marshal: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.writer.Write(data); err != nil {
		return fmt.Errorf("stratum: write: %w", err)
	}
	return c.writer.Flush()
}

func (c *Client) sendResult(id interface{}, result interface{}) error {
	return c.send(&Response{ID: id, JSONRPC: "2.0", Result: result, Error: nil})
}

func (c *Client) sendError(id interface{}, errv *Error) error {
	return c.send(&Response{ID: id, JSONRPC: "2.0", Result: nil, Error: errv})
}

// sendJobNotify pushes a job per the Monero-style dialect, the only
// in-repo consumer of push notifications per spec.md §4.4's Broadcast
// rule.
func (c *Client) sendJobNotify(job JobView) error {
	return c.send(&Notification{JSONRPC: "2.0", Method: "job", Params: job})
}

// Close tears down the connection and transitions to CLOSED from any
// state.
func (c *Client) Close() {
	c.setState(StateClosed)
	c.conn.Close()
}

// extractFrames appends newly read bytes to recvBuf and pulls out
// complete newline-delimited frames, per spec.md §4.4's message loop:
// recv -> append -> extract complete frames -> release lock -> dispatch.
// Returns the extracted frames and an error if the buffer would exceed
// the 64 KiB cap from spec.md §6.
func (c *Client) extractFrames(chunk []byte) ([][]byte, error) {
	c.recvBuf = append(c.recvBuf, chunk...)
	if len(c.recvBuf) > maxRecvBuffer {
		return nil, fmt.Errorf("stratum: recv buffer exceeds %d bytes", maxRecvBuffer)
	}

	var frames [][]byte
	for {
		idx := indexByte(c.recvBuf, '\n')
		if idx < 0 {
			break
		}
		line := c.recvBuf[:idx]
		c.recvBuf = c.recvBuf[idx+1:]
		if len(line) > 0 {
			frames = append(frames, append([]byte(nil), line...))
		}
	}
	return frames, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
