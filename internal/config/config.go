// Package config provides YAML configuration loading for the emberminer
// daemon, covering the RPC node connection, the stratum server, the
// miner driver, the optional share cache, and the API/dashboard surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration document.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Stratum   StratumConfig   `yaml:"stratum"`
	Mining    MiningConfig    `yaml:"mining"`
	Cache     CacheConfig     `yaml:"cache"`
	API       APIConfig       `yaml:"api"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig configures the external-node JSON-RPC connection.
type NodeConfig struct {
	RPCURL      string        `yaml:"rpc_url"`
	RPCUser     string        `yaml:"rpc_user"`
	RPCPassword string        `yaml:"rpc_password"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StratumConfig mirrors internal/stratum.Config's tunables.
type StratumConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	MaxClients          int           `yaml:"max_clients"`
	InitialDifficulty   uint64        `yaml:"initial_difficulty"`
	MinDifficulty       uint64        `yaml:"min_difficulty"`
	MaxDifficulty       uint64        `yaml:"max_difficulty"`
	VardiffTargetShares float64       `yaml:"vardiff_target_shares"`
	VardiffRetarget     time.Duration `yaml:"vardiff_retarget"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
}

// MiningConfig configures the broker refresh cadence and the miner
// driver's own path/thread defaults.
type MiningConfig struct {
	TemplateRefresh time.Duration `yaml:"template_refresh"`
	ShareTargetHex  string        `yaml:"share_target_hex"`
	Path            string        `yaml:"path"` // "hash" or "gap"
	Threads         int           `yaml:"threads"`
	Shift           uint32        `yaml:"shift"`
	TargetMerit     float64       `yaml:"target_merit"`
}

// CacheConfig configures the optional Redis-backed share cache; Addr
// empty means the cache is disabled and internal/sharecache is not
// constructed, per spec.md §9's "sharecache is optional" decision.
type CacheConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// APIConfig configures the JWT-protected RPC-verb API surface.
type APIConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	OperatorKey     string        `yaml:"operator_key"` // pre-shared secret exchanged for a token pair
	JWTSecret       string        `yaml:"jwt_secret"`   // signs issued tokens; random if empty
	TokenExpiry     time.Duration `yaml:"token_expiry"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
}

// DashboardConfig configures the WebSocket dashboard feed.
type DashboardConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// MetricsConfig configures the Prometheus /metrics endpoint and the
// liveness/readiness health endpoints served alongside it.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Namespace  string `yaml:"namespace"`
}

// LoggingConfig configures slog's handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads and parses a YAML config file, starting from Default and
// overlaying whatever the file specifies.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the daemon's default configuration.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			RPCURL:  "http://127.0.0.1:9998",
			Timeout: 10 * time.Second,
		},
		Stratum: StratumConfig{
			ListenAddr:          ":3335",
			MaxClients:          1024,
			InitialDifficulty:   10000,
			MinDifficulty:       100,
			MaxDifficulty:       1 << 32,
			VardiffTargetShares: 10,
			VardiffRetarget:     30 * time.Second,
			IdleTimeout:         600 * time.Second,
		},
		Mining: MiningConfig{
			TemplateRefresh: time.Second,
			ShareTargetHex:  "ffffffff",
			Path:            "hash",
			Threads:         0, // 0 = auto-detect at wiring time
			Shift:           0,
			TargetMerit:     8.5,
		},
		API: APIConfig{
			ListenAddr:      ":8080",
			TokenExpiry:     time.Hour,
			RateLimitPerMin: 60,
		},
		Dashboard: DashboardConfig{
			Enabled:       true,
			ListenAddr:    ":8081",
			StatsInterval: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9100",
			Namespace:  "emberminer",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks required fields and obvious inconsistencies.
func (c *Config) Validate() error {
	if c.Node.RPCURL == "" {
		return fmt.Errorf("node.rpc_url is required")
	}
	if c.Stratum.ListenAddr == "" {
		return fmt.Errorf("stratum.listen_addr is required")
	}
	if c.Stratum.MinDifficulty > c.Stratum.MaxDifficulty {
		return fmt.Errorf("stratum.min_difficulty must be <= stratum.max_difficulty")
	}
	switch c.Mining.Path {
	case "hash", "gap":
	default:
		return fmt.Errorf("mining.path must be \"hash\" or \"gap\", got %q", c.Mining.Path)
	}
	if c.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must be >= 0")
	}
	return nil
}
