// Command emberminerd runs the mining daemon: the hash/prime-gap
// engines, the job broker, the stratum pool server, and the optional
// control API and dashboard feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/emberminer/emberminer/internal/api"
	"github.com/emberminer/emberminer/internal/broker"
	"github.com/emberminer/emberminer/internal/config"
	"github.com/emberminer/emberminer/internal/dashboard"
	"github.com/emberminer/emberminer/internal/hashengine"
	"github.com/emberminer/emberminer/internal/health"
	"github.com/emberminer/emberminer/internal/metrics"
	"github.com/emberminer/emberminer/internal/miner"
	"github.com/emberminer/emberminer/internal/rpcclient"
	"github.com/emberminer/emberminer/internal/sharecache"
	"github.com/emberminer/emberminer/internal/sieve"
	"github.com/emberminer/emberminer/internal/stratum"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

type flags struct {
	configPath  string
	nodeURL     string
	nodeUser    string
	nodePass    string
	stratumAddr string
	apiAddr     string
	logLevel    string
	logFormat   string
	showVersion bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file (optional; built-in defaults used otherwise)")
	flag.StringVar(&f.nodeURL, "node-url", "", "Override node.rpc_url")
	flag.StringVar(&f.nodeUser, "node-user", "", "Override node.rpc_user")
	flag.StringVar(&f.nodePass, "node-pass", "", "Override node.rpc_password")
	flag.StringVar(&f.stratumAddr, "stratum-addr", "", "Override stratum.listen_addr")
	flag.StringVar(&f.apiAddr, "api-addr", "", "Override api.listen_addr")
	flag.StringVar(&f.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Override logging.format (text, json)")
	flag.BoolVar(&f.showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if f.showVersion {
		fmt.Printf("emberminerd %s (%s) built %s\n", Version, Commit, BuildDate)
		os.Exit(0)
	}
	return f
}

func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	if f.configPath != "" {
		c, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = c
	} else {
		cfg = config.Default()
	}

	if f.nodeURL != "" {
		cfg.Node.RPCURL = f.nodeURL
	}
	if f.nodeUser != "" {
		cfg.Node.RPCUser = f.nodeUser
	}
	if f.nodePass != "" {
		cfg.Node.RPCPassword = f.nodePass
	}
	if f.stratumAddr != "" {
		cfg.Stratum.ListenAddr = f.stratumAddr
	}
	if f.apiAddr != "" {
		cfg.API.ListenAddr = f.apiAddr
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Logging.Format = f.logFormat
	}

	if v := os.Getenv("EMBERMINER_NODE_URL"); v != "" {
		cfg.Node.RPCURL = v
	}
	if v := os.Getenv("EMBERMINER_NODE_USER"); v != "" {
		cfg.Node.RPCUser = v
	}
	if v := os.Getenv("EMBERMINER_NODE_PASS"); v != "" {
		cfg.Node.RPCPassword = v
	}
	if v := os.Getenv("EMBERMINER_API_OPERATOR_KEY"); v != "" {
		cfg.API.OperatorKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func main() {
	f := parseFlags()
	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "emberminerd:", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)
	logger.Info("starting emberminerd", "version", Version, "commit", Commit)

	var mtr *metrics.Metrics
	if cfg.Metrics.Enabled {
		mtr = metrics.New(cfg.Metrics.Namespace)
	}

	var cache *sharecache.Cache
	if cfg.Cache.Addr != "" {
		c, err := sharecache.New(sharecache.Config{
			Addr: cfg.Cache.Addr, Password: cfg.Cache.Password, DB: cfg.Cache.DB,
		})
		if err != nil {
			logger.Warn("share cache unavailable, continuing without it", "error", err)
		} else {
			cache = c
			defer cache.Close()
		}
	}

	provider := rpcclient.NewWithConfig(rpcclient.Config{
		URL:      cfg.Node.RPCURL,
		User:     cfg.Node.RPCUser,
		Password: cfg.Node.RPCPassword,
		Timeout:  cfg.Node.Timeout,
		Metrics:  mtr,
		Logger:   logger,
	})

	hashEng := hashengine.New(hashengine.Config{Logger: logger})
	sieveEng := sieve.New(sieve.Config{Logger: logger})

	b := broker.New(broker.Config{
		TemplateRefresh: cfg.Mining.TemplateRefresh,
		ShareTargetHex:  cfg.Mining.ShareTargetHex,
		Metrics:         mtr,
		Cache:           cache,
		Logger:          logger,
	}, provider, nil)
	if err := b.Start(); err != nil {
		logger.Error("failed to start job broker", "error", err)
		os.Exit(1)
	}
	defer b.Stop()

	stratumSrv := stratum.New(stratum.Config{
		ListenAddr:          cfg.Stratum.ListenAddr,
		MaxClients:          cfg.Stratum.MaxClients,
		InitialDifficulty:   cfg.Stratum.InitialDifficulty,
		MinDifficulty:       cfg.Stratum.MinDifficulty,
		MaxDifficulty:       cfg.Stratum.MaxDifficulty,
		VardiffTargetShares: cfg.Stratum.VardiffTargetShares,
		VardiffRetarget:     cfg.Stratum.VardiffRetarget,
		IdleTimeout:         cfg.Stratum.IdleTimeout,
		Metrics:             mtr,
		Cache:               cache,
		Logger:              logger,
	}, b, hashEng, provider)

	if _, err := stratumSrv.Start(); err != nil {
		logger.Error("failed to start stratum server", "error", err)
		os.Exit(1)
	}
	defer stratumSrv.Stop()

	threads := cfg.Mining.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	path := miner.PathHash
	if cfg.Mining.Path == "gap" {
		path = miner.PathGap
	}
	minerDrv := miner.New(miner.Config{
		Path:        path,
		TargetMerit: cfg.Mining.TargetMerit,
		Metrics:     mtr,
		Logger:      logger,
	}, b, hashEng, sieveEng, provider)

	if cfg.Mining.Path == "gap" {
		if err := minerDrv.Start(threads, cfg.Mining.Shift); err != nil {
			logger.Error("failed to start gap-coin mining", "error", err)
		}
	}
	defer minerDrv.Stop()

	healthHandler := health.NewHandler(health.Config{})
	healthHandler.RegisterCheck("node", health.RPCCheck(func(ctx context.Context) error {
		_, err := provider.GetBlockCount(ctx)
		return err
	}))
	healthHandler.RegisterCheck("stratum", health.StratumCheck(func() bool {
		return stratumSrv.Stats().Running
	}))
	healthHandler.RegisterCheck("sharecache", health.ShareCacheCheck(cachePinger(cache)))
	healthHandler.Start()
	defer healthHandler.Stop()

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(dashboard.Config{StatsInterval: cfg.Dashboard.StatsInterval, Logger: logger})
		dash.SetStatsProvider(func() *dashboard.StatsData {
			st := stratumSrv.Stats()
			info := minerDrv.Info()
			return &dashboard.StatsData{
				StratumRunning: st.Running,
				Clients:        st.Clients,
				SharesAccepted: st.SharesAccepted,
				SharesRejected: st.SharesRejected,
				BlocksFound:    st.BlocksFound,
				MinerRunning:   info.Running,
				MinerPath:      info.Path,
				Hashrate:       info.Hashrate,
				BestMerit:      info.BestMerit,
			}
		})
		dash.Start()
		defer dash.Stop()
	}

	apiSrv, err := api.New(api.Config{
		ListenAddr:      cfg.API.ListenAddr,
		OperatorKey:     cfg.API.OperatorKey,
		RateLimitPerMin: cfg.API.RateLimitPerMin,
		Metrics:         mtr,
		Logger:          logger,
		Auth: api.AuthConfig{
			SecretKey:   cfg.API.JWTSecret,
			TokenExpiry: cfg.API.TokenExpiry,
		},
	}, stratumSrv, minerDrv)
	if err != nil {
		logger.Error("failed to init control API", "error", err)
		os.Exit(1)
	}
	if err := apiSrv.Start(); err != nil {
		logger.Error("failed to start control API", "error", err)
		os.Exit(1)
	}
	defer apiSrv.Stop()

	go serveMetrics(cfg, mtr, healthHandler, logger)
	if dash != nil {
		go serveDashboard(cfg, dash, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		minerDrv.Stop()
		stratumSrv.Stop()
		b.Stop()
		apiSrv.Stop()
		if dash != nil {
			dash.Stop()
		}
		healthHandler.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("graceful shutdown complete")
	case <-ctx.Done():
		logger.Warn("shutdown timed out")
	}
}

func cachePinger(c *sharecache.Cache) func(context.Context) error {
	if c == nil {
		return nil
	}
	return c.Ping
}
