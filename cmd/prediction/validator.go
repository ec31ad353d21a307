package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/client"
	"github.com/kjstillabower/prediction-subnet/internal/lifecycle"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
	"github.com/kjstillabower/prediction-subnet/internal/store"
	"github.com/kjstillabower/prediction-subnet/internal/subnet"
	"github.com/kjstillabower/prediction-subnet/internal/validator"
)

var (
	callTimeout   time.Duration
	validatorIP   string
	validatorPort string
)

var validatorCmd = &cobra.Command{
	Use:   "validator",
	Short: "Validator commands",
}

var validatorServeCmd = &cobra.Command{
	Use:   "serve <key>",
	Short: "Prompt miners, record real prices and vote weights",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidator,
}

func init() {
	validatorServeCmd.Flags().DurationVar(&callTimeout, "call-timeout", 0, "Miner call timeout (default: validator.call_timeout)")
	validatorServeCmd.Flags().StringVar(&validatorIP, "ip", "", "Advertised IP (default: validator.ip)")
	validatorServeCmd.Flags().StringVar(&validatorPort, "port", "", "Advertised port serving /health and /metrics (default: validator.port)")
}

// newValidatorRouter serves the lifecycle phase on /health and Prometheus metrics.
func newValidatorRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if lifecycle.IsShuttingDown() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": lifecycle.Current().String()})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	return router
}

func runValidator(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup("validator")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if callTimeout > 0 {
		cfg.Validator.CallTimeout = callTimeout
	}
	if validatorIP != "" {
		cfg.Validator.IP = validatorIP
	}
	if validatorPort != "" {
		cfg.Validator.Port = validatorPort
	}

	key, err := loadKey(cfg, args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	reg := subnet.NewClient(cfg.RegistryURL, key, cfg.RegistryTimeout)
	netuid, err := subnet.GetSubnetNetUID(ctx, reg, cfg.SubnetName)
	if err != nil {
		return err
	}
	if _, err := registerSelf(ctx, reg, netuid, key.Name, cfg.Validator.IP, cfg.Validator.Port, logger); err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.Validator.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	kraken, err := client.NewKrakenClient(cfg.Validator.PriceAPIURL, upstreamOptions(cfg, cfg.Validator.PriceAPITimeout))
	if err != nil {
		return fmt.Errorf("price client: %w", err)
	}
	if cb := newBreaker(cfg, "kraken", logger); cb != nil {
		kraken.SetCircuitBreaker(cb)
	}

	var categories map[string][]string
	if cfg.Validator.CategoriesFile != "" {
		if categories, err = validator.LoadCategories(cfg.Validator.CategoriesFile); err != nil {
			return err
		}
	}

	v := validator.New(validator.Config{
		NetUID:            netuid,
		CallTimeout:       cfg.Validator.CallTimeout,
		IterationInterval: cfg.Validator.IterationInterval,
		WeightingPeriod:   cfg.Validator.WeightingPeriod,
		PriceInterval:     cfg.Validator.PriceInterval,
		PriceSettleDelay:  cfg.Validator.PriceSettleDelay,
		RetentionPeriod:   cfg.Validator.RetentionPeriod,
		MaxAllowedWeights: cfg.Validator.MaxAllowedWeights,
		MaxVoteEntries:    cfg.Validator.MaxVoteEntries,
		PromptHorizon:     cfg.Validator.PromptHorizon,
		Category:          cfg.Validator.Category,
		Pair:              cfg.Validator.Pair,
		Categories:        categories,
	}, key, reg, db, kraken, logger)
	defer v.Close()

	srv := &http.Server{Addr: ":" + cfg.Validator.Port, Handler: newValidatorRouter(), ReadTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server", zap.Error(err))
		}
	}()
	defer srv.Close()
	lifecycle.SetReady()

	logger.Info("validator starting",
		zap.String("key", key.Address()),
		zap.Int("netuid", netuid),
		zap.Duration("call_timeout", cfg.Validator.CallTimeout))
	err = v.Run(ctx)
	lifecycle.SetShuttingDown(true)
	if err != nil {
		return err
	}
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("validator stopped")
	return nil
}
