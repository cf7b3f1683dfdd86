package stratum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emberminer/emberminer/internal/blockhdr"
	"github.com/emberminer/emberminer/internal/broker"
	"github.com/emberminer/emberminer/internal/hashengine"
	"github.com/emberminer/emberminer/internal/metrics"
	"github.com/emberminer/emberminer/internal/rpcclient"
	"github.com/emberminer/emberminer/internal/sharecache"
	"github.com/emberminer/emberminer/internal/validation"
)

// Config configures a Server.
type Config struct {
	ListenAddr string // default ":3335", per spec.md §6
	MaxClients int    // cap on concurrent clients, default 1024

	InitialDifficulty   uint64 // vardiff starting point, default 10000
	MinDifficulty       uint64
	MaxDifficulty       uint64
	VardiffTargetShares float64       // shares per minute target
	VardiffRetarget     time.Duration // how often to reconsider

	// IdleTimeout is the reaping policy spec.md §9 leaves open; 600s per
	// the SUPPLEMENTED FEATURES decision recorded in DESIGN.md.
	IdleTimeout time.Duration

	// Metrics and Cache are both optional; a nil Metrics disables
	// Prometheus instrumentation and a nil Cache disables Redis-backed
	// dedup/hashrate/pub-sub (sharecache.Cache itself is also nil-safe,
	// so Server never needs to branch on Cache being configured).
	Metrics *metrics.Metrics
	Cache   *sharecache.Cache

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":3335"
	}
	if c.MaxClients == 0 {
		c.MaxClients = 1024
	}
	if c.InitialDifficulty == 0 {
		c.InitialDifficulty = 10000
	}
	if c.MinDifficulty == 0 {
		c.MinDifficulty = 100
	}
	if c.MaxDifficulty == 0 {
		c.MaxDifficulty = 1 << 32
	}
	if c.VardiffTargetShares == 0 {
		c.VardiffTargetShares = 10
	}
	if c.VardiffRetarget == 0 {
		c.VardiffRetarget = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 600 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats mirrors spec.md §6's getstratuminfo shape.
type Stats struct {
	Running        bool
	Port           int
	Clients        int
	SharesAccepted uint64
	SharesRejected uint64
	BlocksFound    uint64
}

// Server is spec.md §4.4's StratumServer (S): TCP accept, per-client
// protocol state, job broadcast, share validation.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	engine   *hashengine.Engine
	provider rpcclient.Provider
	metrics  *metrics.Metrics
	cache    *sharecache.Cache
	logger   *slog.Logger

	listener net.Listener

	clientsMu sync.RWMutex
	clients   map[string]*Client

	sharesAccepted atomic.Uint64
	sharesRejected atomic.Uint64
	blocksFound    atomic.Uint64

	validator *validation.Validator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running atomic.Bool
}

// New constructs a Server. The broker supplies jobs; the engine computes
// hashes for share validation; the provider forwards accepted solutions.
func New(cfg Config, b *broker.Broker, engine *hashengine.Engine, provider rpcclient.Provider) *Server {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		broker:    b,
		engine:    engine,
		provider:  provider,
		metrics:   cfg.Metrics,
		cache:     cfg.Cache,
		logger:    cfg.Logger.With("component", "stratum"),
		clients:   make(map[string]*Client),
		validator: validation.NewValidator(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start binds the listen socket and launches the accept loop and idle
// reaper. The job-broker's onNewJob callback should be wired to
// BroadcastJob before Start is called.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return 0, fmt.Errorf("stratum: listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.running.Store(true)

	port := 0
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	s.wg.Add(3)
	go s.acceptLoop()
	go s.reapLoop()
	go s.vardiffLoop()

	s.logger.Info("stratum server listening", "addr", ln.Addr().String())
	return port, nil
}

// Stop closes the listener (aborting accept), cancels background loops,
// closes every client socket, and waits for goroutines to exit — per
// spec.md §5's Cancellation ordering.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.clientsMu.Lock()
	for id, c := range s.clients {
		c.Close()
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.clientsMu.RLock()
		count := len(s.clients)
		s.clientsMu.RUnlock()
		if count >= s.cfg.MaxClients {
			conn.Close()
			if s.metrics != nil {
				s.metrics.RecordConnection(false, "max_clients")
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordConnection(true, "")
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	sessionID := uuid.New().String()
	client := newClient(sessionID, conn, s.cfg.InitialDifficulty, s.logger)

	s.clientsMu.Lock()
	s.clients[sessionID] = client
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, sessionID)
		s.clientsMu.Unlock()
		client.Close()
		if s.metrics != nil {
			s.metrics.RecordDisconnection()
		}
		s.cache.SetWorkerOffline(s.ctx, sessionID)
	}()

	s.readLoop(client)
}

// readLoop implements spec.md §4.4's message loop: recv into a bounded
// buffer, extract complete newline frames, dispatch each — without
// holding the clients map mutex.
func (s *Server) readLoop(client *Client) {
	buf := make([]byte, 4096)
	for {
		if !s.running.Load() {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		n, err := client.conn.Read(buf)
		if err != nil {
			return
		}
		client.touch()

		frames, err := client.extractFrames(buf[:n])
		if err != nil {
			s.logger.Warn("recv buffer exceeded, dropping client", "session", client.SessionID)
			return
		}

		for _, frame := range frames {
			s.dispatch(client, frame)
		}
	}
}

func (s *Server) dispatch(client *Client, frame []byte) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		client.sendError(nil, &Error{Code: 20, Message: "malformed request"})
		return
	}

	switch req.Method {
	case MethodSubscribe:
		s.handleSubscribe(client, &req)
	case MethodAuthorize:
		s.handleAuthorizeStd(client, &req)
	case MethodSubmitStd:
		s.handleSubmitStd(client, &req)
	case MethodLogin:
		s.handleLogin(client, &req)
	case MethodGetJob:
		s.handleGetJob(client, &req)
	case MethodSubmitMono:
		s.handleSubmitMono(client, &req)
	case MethodKeepAlive:
		client.sendResult(req.ID, map[string]string{"status": "KEEPALIVED"})
	default:
		client.sendError(req.ID, ErrUnknownMethod)
	}
}

func (s *Server) handleSubscribe(client *Client, req *Request) {
	client.setState(StateSubscribed)
	client.sendResult(req.ID, newSubscribeResult(client.SessionID))
}

func (s *Server) handleAuthorizeStd(client *Client, req *Request) {
	if client.State() == StateNew {
		client.sendError(req.ID, &Error{Code: -1, Message: "not subscribed"})
		return
	}
	login, err := parseAuthorizeParamsStd(req.Params)
	if err != nil {
		client.sendError(req.ID, &Error{Code: 20, Message: "malformed authorize"})
		return
	}
	wallet, worker := splitWalletWorker(login)
	if err := s.validator.ValidateLogin(wallet, worker, "", ""); err != nil {
		client.sendError(req.ID, &Error{Code: 20, Message: err.Error()})
		return
	}
	client.setWalletWorker(wallet, worker)
	client.setState(StateAuthorized)
	s.cache.SetWorkerOnline(s.ctx, client.SessionID)
	client.sendResult(req.ID, true)

	if job := s.broker.Current(); job != nil {
		client.sendJobNotify(jobToViewForClient(job, client))
	}
}

func (s *Server) handleLogin(client *Client, req *Request) {
	params, err := parseLoginParams(req.Params)
	if err != nil {
		client.sendError(req.ID, &Error{Code: 20, Message: "malformed login"})
		return
	}
	wallet, worker := splitWalletWorker(params.Login)
	if err := s.validator.ValidateLogin(wallet, worker, params.Agent, params.RigID); err != nil {
		client.sendError(req.ID, &Error{Code: 20, Message: err.Error()})
		return
	}
	client.setWalletWorker(wallet, worker)
	client.setState(StateAuthorized)
	s.cache.SetWorkerOnline(s.ctx, client.SessionID)

	job := s.broker.Current()
	if job == nil {
		client.sendError(req.ID, &Error{Code: -1, Message: "no job available"})
		return
	}

	client.sendResult(req.ID, map[string]interface{}{
		"id":     client.SessionID,
		"job":    jobToViewForClient(job, client),
		"status": "OK",
	})
}

func (s *Server) handleGetJob(client *Client, req *Request) {
	if !client.Authorized() {
		client.sendError(req.ID, &Error{Code: -1, Message: "not authorized"})
		return
	}
	job := s.broker.Current()
	if job == nil {
		client.sendError(req.ID, &Error{Code: -1, Message: "no job available"})
		return
	}
	client.sendResult(req.ID, jobToViewForClient(job, client))
}

func (s *Server) handleSubmitStd(client *Client, req *Request) {
	if !client.Authorized() {
		client.sendError(req.ID, &Error{Code: -1, Message: "not authorized"})
		return
	}
	jobID, nonceHex, err := parseSubmitParamsStd(req.Params)
	if err != nil {
		client.sendError(req.ID, &Error{Code: 20, Message: "malformed submit"})
		client.recordRejected()
		s.sharesRejected.Add(1)
		return
	}
	s.validateAndRespond(client, req.ID, jobID, nonceHex)
}

func (s *Server) handleSubmitMono(client *Client, req *Request) {
	if !client.Authorized() {
		client.sendError(req.ID, &Error{Code: -1, Message: "not authorized"})
		return
	}
	params, err := parseSubmitParamsMono(req.Params)
	if err != nil {
		client.sendError(req.ID, &Error{Code: 20, Message: "malformed submit"})
		client.recordRejected()
		s.sharesRejected.Add(1)
		return
	}
	s.validateAndRespond(client, req.ID, params.JobID, params.Nonce)
}

// validateAndRespond wraps validateAndSubmitShare and sends the
// appropriate JSON-RPC reply.
func (s *Server) validateAndRespond(client *Client, id interface{}, jobID, nonceHex string) {
	if err := s.validator.ValidateJobID(jobID); err != nil {
		client.recordRejected()
		s.sharesRejected.Add(1)
		client.sendError(id, &Error{Code: 20, Message: err.Error()})
		return
	}
	if err := s.validator.ValidateNonce(nonceHex); err != nil {
		client.recordRejected()
		s.sharesRejected.Add(1)
		client.sendError(id, &Error{Code: 20, Message: err.Error()})
		return
	}

	start := time.Now()
	accepted, stratumErr := s.validateAndSubmitShare(client, jobID, nonceHex)
	if s.metrics != nil {
		s.metrics.RecordShare(stratumErr == nil && accepted, time.Since(start).Seconds())
	}
	if stratumErr != nil {
		client.recordRejected()
		s.sharesRejected.Add(1)
		client.sendError(id, stratumErr)
		return
	}
	if !accepted {
		// Provider rejected the block after a passing hash: don't
		// credit, but still count it against the invariant in §8.
		client.recordRejected()
		s.sharesRejected.Add(1)
		client.sendError(id, &Error{Code: -1, Message: "submission rejected by node"})
		return
	}

	client.recordAccepted()
	s.sharesAccepted.Add(1)
	client.sendResult(id, map[string]string{"status": "OK"})
}

// validateAndSubmitShare implements spec.md §4.4's 8-step
// validate_and_submit_share, plus an optional sharecache dedup check
// ahead of it when a distributed cache is configured.
func (s *Server) validateAndSubmitShare(client *Client, jobID, nonceHex string) (accepted bool, stratumErr *Error) {
	wallet, _ := client.walletWorker()

	if dup, err := s.cache.CheckShareDuplicate(s.ctx, wallet, jobID, nonceHex); err != nil {
		s.logger.Warn("sharecache dedup check failed", "error", err)
	} else if dup {
		return false, ErrDuplicateShare
	}

	// Step 1: job lookup.
	job := s.broker.Lookup(jobID)
	if job == nil {
		return false, ErrUnknownJob
	}

	// Step 2: nonce as 4 hex bytes LE -> u32.
	nonceBytes, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonceBytes) != 4 {
		return false, &Error{Code: 20, Message: "malformed nonce"}
	}
	nonce := leUint32(nonceBytes)

	// Step 3: reconstruct the canonical block header from the job's
	// template and set the nonce.
	header, err := headerFromTemplate(job)
	if err != nil {
		s.logger.Error("failed to reconstruct header from job template", "error", err)
		return false, &Error{Code: 20, Message: "malformed job template"}
	}
	header.Nonce = nonce

	// Step 4: lazy epoch rekey.
	seedKey, err := hex.DecodeString(job.SeedHash)
	if err != nil {
		seedKey = []byte(job.SeedHash)
	}
	if err := s.engine.RekeyIfNeeded(seedKey); err != nil {
		s.logger.Error("hash engine rekey failed", "error", err)
		return false, &Error{Code: 20, Message: "engine not ready"}
	}

	// Step 5: compute hash of fully serialized canonical header.
	hash, err := s.engine.Hash(header.Serialize())
	if err != nil {
		s.logger.Error("hash computation failed", "error", err)
		return false, &Error{Code: 20, Message: "hash failed"}
	}

	// Step 6: decode bits to the full consensus target.
	bits, err := parseHexUint32(job.Template.Bits)
	if err != nil {
		return false, &Error{Code: 20, Message: "malformed bits"}
	}
	target := blockhdr.CompactToTarget(bits)
	targetBE := blockhdr.TargetToBE32(target)

	// Step 7: compare.
	if !blockhdr.MeetsTarget(hash[:], targetBE[:]) {
		return false, ErrLowDifficulty
	}

	// Step 8: forward to the node.
	blockHex := hex.EncodeToString(header.Serialize())
	if err := s.provider.SubmitBlock(s.ctx, blockHex); err != nil {
		s.logger.Warn("node rejected submitted solution", "error", err)
		return false, nil
	}

	s.blocksFound.Add(1)
	if s.metrics != nil {
		s.metrics.RecordBlockFound()
	}
	s.cache.RecordShare(s.ctx, wallet, client.Difficulty())
	s.broker.NotifyNewBlock()
	return true, nil
}

// BroadcastJob pushes job to every subscribed & authorized client, per
// spec.md §4.4's Broadcast rule: iterate under the clients mutex, dispatch
// outward without holding it.
func (s *Server) BroadcastJob(job *broker.Job) {
	s.clientsMu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.Authorized() {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		c.sendJobNotify(jobToViewForClient(job, c))
	}
}

// vardiffLoop periodically retargets each client's share difficulty,
// grounded on the teacher's own adjustSessionDifficulty: shares-per-minute
// against VardiffTargetShares, with >1.2/<0.8 dampening bands so a single
// noisy window doesn't whipsaw the target.
func (s *Server) vardiffLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.VardiffRetarget)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.retargetClients()
		}
	}
}

func (s *Server) retargetClients() {
	s.clientsMu.RLock()
	targets := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.Authorized() {
			targets = append(targets, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		s.retargetClient(c)
	}
}

func (s *Server) retargetClient(c *Client) {
	shares, since := c.vardiffSnapshot()
	elapsed := time.Since(since)
	if elapsed < s.cfg.VardiffRetarget {
		return
	}

	minutes := elapsed.Minutes()
	if minutes <= 0 {
		return
	}
	sharesPerMinute := float64(shares) / minutes
	if sharesPerMinute <= 0 {
		return
	}

	ratio := sharesPerMinute / s.cfg.VardiffTargetShares
	if ratio > 0.8 && ratio < 1.2 {
		return
	}

	newDiff := float64(c.Difficulty()) * ratio
	clamped := uint64(newDiff)
	if clamped < s.cfg.MinDifficulty {
		clamped = s.cfg.MinDifficulty
	}
	if clamped > s.cfg.MaxDifficulty {
		clamped = s.cfg.MaxDifficulty
	}
	if clamped == c.Difficulty() {
		return
	}

	c.setDifficulty(clamped)
	if s.metrics != nil {
		s.metrics.RecordVardiffRetarget()
	}
	s.logger.Debug("vardiff retargeted client", "session", c.SessionID, "difficulty", clamped, "shares_per_minute", sharesPerMinute)

	if job := s.broker.Current(); job != nil {
		c.sendJobNotify(jobToViewForClient(job, c))
	}
}

func (s *Server) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reapIdleClients()
		}
	}
}

func (s *Server) reapIdleClients() {
	idleSeconds := int64(s.cfg.IdleTimeout / time.Second)

	s.clientsMu.RLock()
	var stale []*Client
	for _, c := range s.clients {
		if c.IdleSeconds() > idleSeconds {
			stale = append(stale, c)
		}
	}
	s.clientsMu.RUnlock()

	for _, c := range stale {
		s.logger.Info("reaping idle client", "session", c.SessionID, "idle_seconds", c.IdleSeconds())
		c.Close()
	}
}

// Stats reports the server's current counters, per spec.md §6's
// getstratuminfo shape.
func (s *Server) Stats() Stats {
	s.clientsMu.RLock()
	n := len(s.clients)
	s.clientsMu.RUnlock()

	port := 0
	if s.listener != nil {
		if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			port = tcpAddr.Port
		}
	}

	return Stats{
		Running:        s.running.Load(),
		Port:           port,
		Clients:        n,
		SharesAccepted: s.sharesAccepted.Load(),
		SharesRejected: s.sharesRejected.Load(),
		BlocksFound:    s.blocksFound.Load(),
	}
}

// jobToViewForClient renders job for the wire, substituting the client's
// own vardiff share target for the broker's pool-wide default.
func jobToViewForClient(job *broker.Job, c *Client) JobView {
	return JobView{
		Blob:     job.Blob,
		JobID:    job.JobID,
		Target:   difficultyToTargetHex(c.Difficulty()),
		Algo:     job.Algo,
		Height:   job.Height,
		SeedHash: job.SeedHash,
	}
}

func headerFromTemplate(job *broker.Job) (*blockhdr.Header, error) {
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

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
