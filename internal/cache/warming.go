package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/observability"
)

// CandleRefresher is implemented by the prediction service to fetch fresh candles for a pair
// and store them in the cache. Keeps this package free of a dependency on the service.
type CandleRefresher interface {
	RefreshCandles(ctx context.Context, pair string) error
}

// CandleWarmer keeps the candle cache populated for the pairs a miner expects to be asked about.
type CandleWarmer struct {
	refresher CandleRefresher
	logger    *zap.Logger
}

// NewCandleWarmer creates a CandleWarmer that uses the given refresher and logger.
func NewCandleWarmer(refresher CandleRefresher, logger *zap.Logger) *CandleWarmer {
	return &CandleWarmer{refresher: refresher, logger: logger}
}

// Warm refreshes candles for each pair concurrently. Returns the joined per-pair errors.
func (w *CandleWarmer) Warm(ctx context.Context, pairs []string) error {
	start := time.Now()
	observability.CandleWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming candle cache", zap.Int("pairs", len(pairs)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(pairs))
	for _, pair := range pairs {
		pair := pair
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.refresher.RefreshCandles(ctx, pair); err != nil {
				errCh <- fmt.Errorf("warm %s: %w", pair, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CandleWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("candle cache warming complete", zap.Int("pairs", len(pairs)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CandleWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CandleWarmer) WarmPeriodic(ctx context.Context, pairs []string, interval time.Duration) error {
	if err := w.Warm(ctx, pairs); err != nil && w.logger != nil {
		w.logger.Warn("initial candle warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, pairs); err != nil && w.logger != nil {
				w.logger.Warn("periodic candle warm failed", zap.Error(err))
			}
		}
	}
}
