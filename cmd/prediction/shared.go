package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
	"github.com/kjstillabower/prediction-subnet/internal/client"
	"github.com/kjstillabower/prediction-subnet/internal/config"
	httphandler "github.com/kjstillabower/prediction-subnet/internal/http"
	"github.com/kjstillabower/prediction-subnet/internal/keys"
	"github.com/kjstillabower/prediction-subnet/internal/lifecycle"
	"github.com/kjstillabower/prediction-subnet/internal/models"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
)

type registrar interface {
	Register(ctx context.Context, netuid int, name, address string) (models.Module, error)
}

// registerSelf registers the key name at ip:port on netuid. Registering again updates the address.
func registerSelf(ctx context.Context, reg registrar, netuid int, name, ip, port string, logger *zap.Logger) (models.Module, error) {
	address := net.JoinHostPort(ip, port)
	mod, err := reg.Register(ctx, netuid, name, address)
	if err != nil {
		return models.Module{}, fmt.Errorf("register %s at %s: %w", name, address, err)
	}
	logger.Info("module registered",
		zap.String("name", name),
		zap.Int("netuid", netuid),
		zap.Int("uid", mod.UID),
		zap.String("address", address))
	return mod, nil
}

// setup loads config and builds the role logger.
func setup(role string) (*config.Config, *zap.Logger, error) {
	logger, err := observability.NewLogger(role)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if keyDirFlag != "" {
		cfg.KeyDir = keyDirFlag
	}
	return cfg, logger, nil
}

// resolveKeyDir returns --key-dir, else key_dir from config, else ~/.prediction/key.
// Key commands work without a config file.
func resolveKeyDir() string {
	if keyDirFlag != "" {
		return keyDirFlag
	}
	if cfg, err := config.Load(); err == nil {
		return cfg.KeyDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".prediction", "key")
	}
	return filepath.Join(".prediction", "key")
}

func loadKey(cfg *config.Config, name string) (*keys.Keypair, error) {
	k, err := keys.Load(cfg.KeyDir, name)
	if err != nil {
		return nil, fmt.Errorf("load key %q: %w", name, err)
	}
	return k, nil
}

// upstreamOptions applies the shared retry settings to an upstream timeout.
func upstreamOptions(cfg *config.Config, timeout time.Duration) client.Options {
	return client.Options{
		Timeout:        timeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	}
}

// newBreaker returns a circuit breaker for component reporting to metrics, or nil when disabled.
func newBreaker(cfg *config.Config, component string, logger *zap.Logger) *circuitbreaker.CircuitBreaker {
	if !cfg.CircuitBreakerEnabled {
		return nil
	}
	cb := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        component,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
			observability.SetCircuitBreakerStateGauge(component, int(to))
			logger.Warn("circuit breaker state change",
				zap.String("component", component),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	observability.SetCircuitBreakerStateGauge(component, int(circuitbreaker.StateClosed))
	logger.Info("circuit breaker enabled",
		zap.String("component", component),
		zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
		zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	return cb
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serve runs srv until ctx is cancelled, then drains in-flight requests and flushes telemetry.
func serve(ctx context.Context, srv *http.Server, cfg *config.Config, logger *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	lifecycle.SetReady()
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	return nil
}
