package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig holds JWT authentication configuration.
type AuthConfig struct {
	SecretKey     string
	TokenExpiry   time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

func (c *AuthConfig) setDefaults() {
	if c.TokenExpiry == 0 {
		c.TokenExpiry = time.Hour
	}
	if c.RefreshExpiry == 0 {
		c.RefreshExpiry = 24 * time.Hour
	}
	if c.Issuer == "" {
		c.Issuer = "emberminer"
	}
}

// Auth handles JWT issuance/validation and API keys for the control
// RPC surface (start/stop mining, query engine info).
type Auth struct {
	cfg       AuthConfig
	secretKey []byte

	blacklist   map[string]time.Time
	blacklistMu sync.RWMutex

	apiKeys   map[string]*APIKey
	apiKeysMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// APIKey is a long-lived credential for service accounts (e.g. a
// supervising orchestrator) that doesn't want to refresh JWTs.
type APIKey struct {
	ID        string
	Name      string
	Key       string
	Scopes    []string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Claims is the JWT payload: an operator identity plus the scopes it
// may exercise against the control API.
type Claims struct {
	jwt.RegisteredClaims
	Operator string   `json:"operator"`
	Scopes   []string `json:"scopes,omitempty"`
	Type     string   `json:"type"` // "access" or "refresh"
}

// NewAuth constructs an Auth handler. If cfg.SecretKey is empty a
// random 32-byte key is generated, so a single-process daemon without
// an explicit secret still gets a consistent key across token
// issuance and validation within its lifetime.
func NewAuth(cfg AuthConfig) (*Auth, error) {
	cfg.setDefaults()
	if cfg.SecretKey == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		cfg.SecretKey = hex.EncodeToString(key)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Auth{
		cfg:       cfg,
		secretKey: []byte(cfg.SecretKey),
		blacklist: make(map[string]time.Time),
		apiKeys:   make(map[string]*APIKey),
		ctx:       ctx,
		cancel:    cancel,
	}
	go a.cleanupLoop()
	return a, nil
}

// Stop halts the background blacklist/API-key cleanup loop.
func (a *Auth) Stop() {
	a.cancel()
}

// GenerateTokenPair issues an access and a refresh token for an
// operator identity with the given scopes.
func (a *Auth) GenerateTokenPair(operator string, scopes []string) (accessToken, refreshToken string, err error) {
	now := time.Now()

	accessClaims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.Issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenExpiry)),
			ID:        generateID(),
		},
		Operator: operator,
		Scopes:   scopes,
		Type:     "access",
	}
	accessToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(a.secretKey)
	if err != nil {
		return "", "", err
	}

	refreshClaims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.Issuer,
			Subject:   operator,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.RefreshExpiry)),
			ID:        generateID(),
		},
		Operator: operator,
		Type:     "refresh",
	}
	refreshToken, err = jwt.NewWithClaims(jwt.SigningMethodHS256, refreshClaims).SignedString(a.secretKey)
	if err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

// ValidateToken parses and verifies a JWT, rejecting blacklisted IDs.
func (a *Auth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}

	a.blacklistMu.RLock()
	_, blacklisted := a.blacklist[claims.ID]
	a.blacklistMu.RUnlock()
	if blacklisted {
		return nil, errors.New("token has been revoked")
	}

	return claims, nil
}

// RefreshToken exchanges a valid refresh token for a fresh access
// token carrying the same operator and scopes.
func (a *Auth) RefreshToken(refreshTokenString string) (string, error) {
	claims, err := a.ValidateToken(refreshTokenString)
	if err != nil {
		return "", err
	}
	if claims.Type != "refresh" {
		return "", errors.New("not a refresh token")
	}

	now := time.Now()
	accessClaims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.cfg.Issuer,
			Subject:   claims.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.TokenExpiry)),
			ID:        generateID(),
		},
		Operator: claims.Operator,
		Scopes:   claims.Scopes,
		Type:     "access",
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, accessClaims).SignedString(a.secretKey)
}

// RevokeToken blacklists a token's ID until its natural expiry.
func (a *Auth) RevokeToken(claims *Claims) {
	a.blacklistMu.Lock()
	a.blacklist[claims.ID] = claims.ExpiresAt.Time
	a.blacklistMu.Unlock()
}

// CreateAPIKey mints a service API key, optionally time-limited.
func (a *Auth) CreateAPIKey(name string, scopes []string, expiresIn *time.Duration) (*APIKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	apiKey := &APIKey{
		ID:        generateID(),
		Name:      name,
		Key:       "sk_" + hex.EncodeToString(key),
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	if expiresIn != nil {
		exp := time.Now().Add(*expiresIn)
		apiKey.ExpiresAt = &exp
	}

	a.apiKeysMu.Lock()
	a.apiKeys[apiKey.Key] = apiKey
	a.apiKeysMu.Unlock()

	return apiKey, nil
}

// ValidateAPIKey looks up and checks the expiry of a service API key.
func (a *Auth) ValidateAPIKey(key string) (*APIKey, error) {
	a.apiKeysMu.RLock()
	apiKey, exists := a.apiKeys[key]
	a.apiKeysMu.RUnlock()

	if !exists {
		return nil, errors.New("invalid API key")
	}
	if apiKey.ExpiresAt != nil && time.Now().After(*apiKey.ExpiresAt) {
		return nil, errors.New("API key expired")
	}
	return apiKey, nil
}

// RevokeAPIKey deletes a service API key immediately.
func (a *Auth) RevokeAPIKey(key string) {
	a.apiKeysMu.Lock()
	delete(a.apiKeys, key)
	a.apiKeysMu.Unlock()
}

// HasScope reports whether claims grant the given scope, or "*".
func (a *Auth) HasScope(claims *Claims, scope string) bool {
	for _, s := range claims.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

func (a *Auth) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			a.blacklistMu.Lock()
			for id, exp := range a.blacklist {
				if now.After(exp) {
					delete(a.blacklist, id)
				}
			}
			a.blacklistMu.Unlock()

			a.apiKeysMu.Lock()
			for key, apiKey := range a.apiKeys {
				if apiKey.ExpiresAt != nil && now.After(*apiKey.ExpiresAt) {
					delete(a.apiKeys, key)
				}
			}
			a.apiKeysMu.Unlock()
		}
	}
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ContextKey is the context key type used to stash auth identity.
type ContextKey string

const (
	ClaimsKey ContextKey = "claims"
	APIKeyCtx ContextKey = "api_key"
)

// Middleware requires either a Bearer JWT or an X-API-Key header.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			claims, err := a.ValidateToken(tokenString)
			if err != nil {
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}
			if claims.Type != "access" {
				http.Error(w, "invalid token type", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != "" {
			key, err := a.ValidateAPIKey(apiKey)
			if err != nil {
				http.Error(w, "invalid API key: "+err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), APIKeyCtx, key)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

// RequireScope further requires a scope. It reads the identity that
// Middleware stashes in the request context, so it must be wrapped by
// Middleware (Middleware(RequireScope(scope)(handler))).
func (a *Auth) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if claims, ok := r.Context().Value(ClaimsKey).(*Claims); ok {
				if a.HasScope(claims, scope) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if key, ok := r.Context().Value(APIKeyCtx).(*APIKey); ok {
				for _, s := range key.Scopes {
					if s == scope || s == "*" {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			http.Error(w, "insufficient permissions", http.StatusForbidden)
		})
	}
}

// GetClaims extracts JWT claims stashed by Middleware, if any.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(ClaimsKey).(*Claims)
	return claims
}

// GetAPIKey extracts the API key stashed by Middleware, if any.
func GetAPIKey(ctx context.Context) *APIKey {
	key, _ := ctx.Value(APIKeyCtx).(*APIKey)
	return key
}
