package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	httphandler "github.com/kjstillabower/prediction-subnet/internal/http"
	"github.com/kjstillabower/prediction-subnet/internal/subnet"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Registry commands",
}

var registryServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory subnet registry",
	Args:  cobra.NoArgs,
	RunE:  runRegistry,
}

func runRegistry(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup("registry")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signalContext()
	defer stop()

	reg := subnet.NewRegistry(cfg.Registry.Subnets, cfg.Registry.MaxAllowedWeights)
	router := httphandler.NewRegistryRouter(httphandler.NewRegistryHandler(reg, logger), logger, cfg.Miner.SignatureMaxSkew)
	srv := &http.Server{
		Addr:         ":" + cfg.Registry.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info("registry configured",
		zap.Any("subnets", cfg.Registry.Subnets),
		zap.Int("max_allowed_weights", cfg.Registry.MaxAllowedWeights))
	if err := serve(ctx, srv, cfg, logger); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
