package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/cache"
	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
	"github.com/kjstillabower/prediction-subnet/internal/client"
	"github.com/kjstillabower/prediction-subnet/internal/config"
	httphandler "github.com/kjstillabower/prediction-subnet/internal/http"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
	"github.com/kjstillabower/prediction-subnet/internal/service"
	"github.com/kjstillabower/prediction-subnet/internal/subnet"
)

const (
	membershipTTL        = 30 * time.Second
	limiterCleanupPeriod = time.Minute
)

var (
	minerIP   string
	minerPort string

	exportPair  string
	exportLimit int
	exportOut   string
)

var minerCmd = &cobra.Command{
	Use:   "miner",
	Short: "Miner commands",
}

var minerServeCmd = &cobra.Command{
	Use:   "serve <key>",
	Short: "Register on the subnet and answer prediction requests",
	Args:  cobra.ExactArgs(1),
	RunE:  runMiner,
}

var exportCandlesCmd = &cobra.Command{
	Use:   "export-candles",
	Short: "Write recent candles for a pair as CSV",
	Args:  cobra.NoArgs,
	RunE:  runExportCandles,
}

func init() {
	minerServeCmd.Flags().StringVar(&minerIP, "ip", "", "Advertised IP (default: miner.ip)")
	minerServeCmd.Flags().StringVar(&minerPort, "port", "", "Listen and advertised port (default: miner.port)")

	exportCandlesCmd.Flags().StringVar(&exportPair, "pair", "BTCUSDT", "Trading pair")
	exportCandlesCmd.Flags().IntVar(&exportLimit, "limit", 0, "Number of 1m candles (default: miner.candle_api.limit)")
	exportCandlesCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default: stdout)")
}

// newCandleStack builds the candle client, cache and prediction service from config.
// The memcached cache is nil for the in-memory backend.
func newCandleStack(cfg *config.Config, logger *zap.Logger) (*service.PredictionService, *cache.MemcachedCache, *circuitbreaker.CircuitBreaker, error) {
	binance, err := client.NewBinanceClient(cfg.Miner.CandleAPIURL, upstreamOptions(cfg, cfg.Miner.CandleAPITimeout))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("candle client: %w", err)
	}
	cb := newBreaker(cfg, "binance", logger)
	if cb != nil {
		binance.SetCircuitBreaker(cb)
	}

	var c cache.Cache
	var mc *cache.MemcachedCache
	switch cfg.Miner.CacheBackend {
	case "memcached":
		mc, err = cache.NewMemcachedCache(cfg.Miner.MemcachedAddrs, cfg.Miner.MemcachedTimeout, cfg.Miner.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memcached cache: %w", err)
		}
		c = mc
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.Miner.MemcachedAddrs))
	default:
		c = cache.NewInMemoryCache()
		logger.Info("cache backend: in_memory")
	}
	svc := service.NewPredictionService(binance, c, cfg.Miner.CacheTTL, cfg.Miner.CandleLimit)
	return svc, mc, cb, nil
}

func runMiner(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup("miner")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if minerIP != "" {
		cfg.Miner.IP = minerIP
	}
	if minerPort != "" {
		cfg.Miner.Port = minerPort
	}

	key, err := loadKey(cfg, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	svc, mc, cb, err := newCandleStack(cfg, logger)
	if err != nil {
		return err
	}
	if mc != nil {
		defer func() {
			if err := mc.Close(); err != nil {
				logger.Error("memcached close", zap.Error(err))
			}
		}()
	}

	reg := subnet.NewClient(cfg.RegistryURL, key, cfg.RegistryTimeout)
	netuid, err := subnet.GetSubnetNetUID(ctx, reg, cfg.SubnetName)
	if err != nil {
		return err
	}
	if _, err := registerSelf(ctx, reg, netuid, key.Name, cfg.Miner.IP, cfg.Miner.Port, logger); err != nil {
		return err
	}

	if len(cfg.Miner.TrackedPairs) > 0 {
		warmer := cache.NewCandleWarmer(svc, logger)
		warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.Miner.TrackedPairs); err != nil {
			logger.Warn("candle warming failed", zap.Error(err))
		}
		warmCancel()
		if cfg.Miner.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(ctx, cfg.Miner.TrackedPairs, cfg.Miner.WarmInterval); err != nil && ctx.Err() == nil {
					logger.Error("periodic candle warming stopped", zap.Error(err))
				}
			}()
		}
	}

	healthConfig := &httphandler.HealthConfig{
		Window:            cfg.Miner.HealthWindow,
		OverloadDeniedPct: cfg.Miner.OverloadDeniedPct,
		DegradedErrorPct:  cfg.Miner.DegradedErrorPct,
	}
	if mc != nil {
		healthConfig.CachePing = mc.Ping
	}
	if cb != nil {
		healthConfig.BreakerState = cb.State
	}
	observability.RegisterRateLimitGauges(cfg.Miner.HealthWindow)

	limiter := httphandler.NewIPRateLimiter(cfg.Miner.RateLimitRefillSec, cfg.Miner.RateLimitBurst, cfg.Miner.RateLimitIdleTTL)
	go limiter.RunCleanup(ctx, limiterCleanupPeriod)

	auth := httphandler.AuthConfig{MaxSkew: cfg.Miner.SignatureMaxSkew, Whitelist: cfg.Miner.SubnetsWhitelist}
	if len(auth.Whitelist) > 0 {
		auth.Members = subnet.NewMembership(reg, membershipTTL)
	}

	handler := httphandler.NewHandler(svc, healthConfig, logger)
	router := httphandler.NewMinerRouter(handler, httphandler.MinerRoutes{
		Logger:         logger,
		Limiter:        limiter,
		Auth:           auth,
		RequestTimeout: cfg.Miner.RequestTimeout,
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Miner.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Miner.RequestTimeout + 5*time.Second,
	}
	if err := serve(ctx, srv, cfg, logger); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runExportCandles(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup("miner")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if exportLimit > 0 {
		cfg.Miner.CandleLimit = exportLimit
	}
	cfg.Miner.CacheBackend = "in_memory"

	svc, _, _, err := newCandleStack(cfg, logger)
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	series, err := svc.GetCandles(ctx, exportPair)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("create %s: %w", exportOut, err)
		}
		defer f.Close()
		w = f
	}
	if err := service.WriteCandlesCSV(w, series.Pair, series.Candles); err != nil {
		return err
	}
	logger.Info("candles exported", zap.String("pair", series.Pair), zap.Int("count", len(series.Candles)))
	return nil
}
