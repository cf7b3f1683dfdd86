// Package api exposes the control RPC surface for the mining daemon:
// spec.md §6's startstratum/stopstratum/getstratuminfo and
// startgapcoinmining/stopgapcoinmining/getgapcoinmininginfo verbs,
// plus GPU backend discovery, over a JWT-protected REST interface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/emberminer/emberminer/internal/metrics"
	"github.com/emberminer/emberminer/internal/miner"
	"github.com/emberminer/emberminer/internal/stratum"
)

// StratumController is the subset of *stratum.Server the API drives.
type StratumController interface {
	Start() (int, error)
	Stop()
	Stats() stratum.Stats
}

// MinerController is the subset of *miner.Driver the API drives for
// the standalone gap-coin mining verbs.
type MinerController interface {
	Start(threads int, shift uint32) error
	Stop()
	Info() miner.Info
}

// Config holds API server configuration.
type Config struct {
	ListenAddr      string
	OperatorKey     string // pre-shared secret exchanged for a token pair
	RateLimitPerMin int

	// Metrics is optional; see stratum.Config's field of the same name
	// for the nil-handling contract.
	Metrics *metrics.Metrics

	Logger *slog.Logger
	Auth   AuthConfig
}

func (c *Config) setDefaults() {
	if c.RateLimitPerMin == 0 {
		c.RateLimitPerMin = 60
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server is the REST control-plane server.
type Server struct {
	cfg     Config
	stratum StratumController
	gapcoin MinerController
	auth    *Auth
	metrics *metrics.Metrics
	logger  *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	gpuBackends []GPUDevice

	server *http.Server
}

// GPUDevice describes a discoverable GPU sieve backend. Real kernels
// are out of this module's scope (spec.md's Non-goals: "OpenCL GPU
// kernels (interface only)"), so the only backend ever reported is the
// always-present CPU fallback; a real deployment would populate this
// slice from whatever OpenCL/CUDA enumeration a GPU backend package
// provides.
type GPUDevice struct {
	ID      int    `json:"id"`
	Backend string `json:"backend"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// New constructs an API server. stratumSrv and gapcoinDrv may be nil
// independently; endpoints for a nil controller respond 503.
func New(cfg Config, stratumSrv StratumController, gapcoinDrv MinerController) (*Server, error) {
	cfg.setDefaults()
	auth, err := NewAuth(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("api: init auth: %w", err)
	}

	return &Server{
		cfg:      cfg,
		stratum:  stratumSrv,
		gapcoin:  gapcoinDrv,
		auth:     auth,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "api"),
		limiters: make(map[string]*rate.Limiter),
		gpuBackends: []GPUDevice{
			{ID: 0, Backend: "cpu", Name: "CPU fallback sieve backend", Enabled: true},
		},
	}, nil
}

// Start launches the HTTP server in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/auth/token", s.handleAuthToken)
	mux.HandleFunc("/api/v1/auth/refresh", s.handleAuthRefresh)

	mux.Handle("/api/v1/stratum/start", s.auth.Middleware(s.auth.RequireScope("mining:control")(http.HandlerFunc(s.handleStratumStart))))
	mux.Handle("/api/v1/stratum/stop", s.auth.Middleware(s.auth.RequireScope("mining:control")(http.HandlerFunc(s.handleStratumStop))))
	mux.HandleFunc("/api/v1/stratum/info", s.handleStratumInfo)

	mux.Handle("/api/v1/gapcoin/start", s.auth.Middleware(s.auth.RequireScope("mining:control")(http.HandlerFunc(s.handleGapcoinStart))))
	mux.Handle("/api/v1/gapcoin/stop", s.auth.Middleware(s.auth.RequireScope("mining:control")(http.HandlerFunc(s.handleGapcoinStop))))
	mux.HandleFunc("/api/v1/gapcoin/info", s.handleGapcoinInfo)

	mux.HandleFunc("/api/v1/gpu/devices", s.handleListGPUDevices)
	mux.Handle("/api/v1/gpu/enable", s.auth.Middleware(s.auth.RequireScope("mining:control")(http.HandlerFunc(s.handleEnableGPU))))

	handler := corsMiddleware(s.rateLimitMiddleware(mux))

	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("api server starting", "addr", s.cfg.ListenAddr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server and its auth cleanup loop.
func (s *Server) Stop() error {
	s.auth.Stop()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces a per-client-IP request budget using a
// token-bucket limiter from golang.org/x/time/rate, refilled at
// cfg.RateLimitPerMin requests per minute.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiterFor(ip).Allow() {
			if s.metrics != nil {
				s.metrics.RecordRateLimited()
			}
			errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()

	l, ok := s.limiters[ip]
	if !ok {
		perSecond := rate.Limit(float64(s.cfg.RateLimitPerMin) / 60.0)
		l = rate.NewLimiter(perSecond, s.cfg.RateLimitPerMin)
		s.limiters[ip] = l
	}
	return l
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
