package api

import (
	"encoding/json"
	"net/http"
)

// tokenRequest authenticates against the configured pre-shared
// operator key and, on success, issues a JWT access/refresh pair.
type tokenRequest struct {
	OperatorKey string `json:"operator_key"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.cfg.OperatorKey == "" || req.OperatorKey != s.cfg.OperatorKey {
		errorResponse(w, http.StatusUnauthorized, "invalid operator key")
		return
	}

	access, refresh, err := s.auth.GenerateTokenPair("operator", []string{"mining:control", "mining:read"})
	if err != nil {
		s.logger.Error("failed to generate token pair", "error", err)
		errorResponse(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	jsonResponse(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.Auth.TokenExpiry.Seconds()),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	access, err := s.auth.RefreshToken(req.RefreshToken)
	if err != nil {
		errorResponse(w, http.StatusUnauthorized, err.Error())
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"access_token": access})
}

// handleStratumStart implements spec.md §6's startstratum verb.
func (s *Server) handleStratumStart(w http.ResponseWriter, r *http.Request) {
	if s.stratum == nil {
		errorResponse(w, http.StatusServiceUnavailable, "stratum server not configured")
		return
	}
	port, err := s.stratum.Start()
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"started": true, "port": port})
}

// handleStratumStop implements spec.md §6's stopstratum verb.
func (s *Server) handleStratumStop(w http.ResponseWriter, r *http.Request) {
	if s.stratum == nil {
		errorResponse(w, http.StatusServiceUnavailable, "stratum server not configured")
		return
	}
	s.stratum.Stop()
	jsonResponse(w, http.StatusOK, map[string]interface{}{"stopped": true})
}

// handleStratumInfo implements spec.md §6's getstratuminfo verb.
func (s *Server) handleStratumInfo(w http.ResponseWriter, r *http.Request) {
	if s.stratum == nil {
		errorResponse(w, http.StatusServiceUnavailable, "stratum server not configured")
		return
	}
	jsonResponse(w, http.StatusOK, s.stratum.Stats())
}

type gapcoinStartRequest struct {
	Threads int    `json:"threads"`
	Shift   uint32 `json:"shift"`
}

// handleGapcoinStart implements spec.md §6's
// "startgapcoinmining [threads [shift]]" verb.
func (s *Server) handleGapcoinStart(w http.ResponseWriter, r *http.Request) {
	if s.gapcoin == nil {
		errorResponse(w, http.StatusServiceUnavailable, "gapcoin mining driver not configured")
		return
	}

	var req gapcoinStartRequest
	if r.Body != nil {
		// Tolerate an empty body: both threads and shift default to 0,
		// which the gap-path driver resolves to runtime.NumCPU() threads
		// and shift 25.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.gapcoin.Start(req.Threads, req.Shift); err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"started": true})
}

// handleGapcoinStop implements spec.md §6's stopgapcoinmining verb.
func (s *Server) handleGapcoinStop(w http.ResponseWriter, r *http.Request) {
	if s.gapcoin == nil {
		errorResponse(w, http.StatusServiceUnavailable, "gapcoin mining driver not configured")
		return
	}
	s.gapcoin.Stop()
	jsonResponse(w, http.StatusOK, map[string]interface{}{"stopped": true})
}

// handleGapcoinInfo implements spec.md §6's getgapcoinmininginfo verb.
func (s *Server) handleGapcoinInfo(w http.ResponseWriter, r *http.Request) {
	if s.gapcoin == nil {
		errorResponse(w, http.StatusServiceUnavailable, "gapcoin mining driver not configured")
		return
	}
	jsonResponse(w, http.StatusOK, s.gapcoin.Info())
}

// handleListGPUDevices implements spec.md §6's "listgpudevices [backend]" verb.
func (s *Server) handleListGPUDevices(w http.ResponseWriter, r *http.Request) {
	backend := r.URL.Query().Get("backend")
	if backend == "" {
		jsonResponse(w, http.StatusOK, map[string]interface{}{"devices": s.gpuBackends})
		return
	}

	filtered := make([]GPUDevice, 0, len(s.gpuBackends))
	for _, d := range s.gpuBackends {
		if d.Backend == backend {
			filtered = append(filtered, d)
		}
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{"devices": filtered})
}

type enableGPURequest struct {
	Backend  string `json:"backend"`
	DeviceID int    `json:"device_id"`
}

// handleEnableGPU implements spec.md §6's "enablegpumining backend
// [device_id]" verb. Real GPU kernels are out of this module's scope
// (spec.md's Non-goals: OpenCL kernels are interface-only), so this
// only marks the matching entry of the API's device list as Enabled and
// returns it, without constructing a live device. The flag is not passed
// to the miner: the sieve engine's GPU backends come from
// miner.Config.GPUBackends.
func (s *Server) handleEnableGPU(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		errorResponse(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req enableGPURequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	for i, d := range s.gpuBackends {
		if d.Backend == req.Backend && d.ID == req.DeviceID {
			s.gpuBackends[i].Enabled = true
			jsonResponse(w, http.StatusOK, map[string]interface{}{"enabled": true, "device": s.gpuBackends[i]})
			return
		}
	}
	errorResponse(w, http.StatusNotFound, "unknown backend/device_id")
}
