package validator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/prediction-subnet/internal/observability"
)

const retentionInterval = time.Hour

// Run runs the request, weights and price loops until ctx is cancelled.
// A failed iteration is logged and the loop carries on.
func (v *Validator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.loop(ctx, "request", v.cfg.IterationInterval, v.requestStep) })
	g.Go(func() error { return v.loop(ctx, "weights", v.weightsInterval(), v.SetWeights) })
	g.Go(func() error { return v.loop(ctx, "price", v.cfg.PriceInterval, v.priceDue) })
	if v.cfg.RetentionPeriod > 0 {
		g.Go(func() error { return v.loop(ctx, "retention", retentionInterval, v.purge) })
	}
	return g.Wait()
}

// weightsInterval is the weighting period, or the iteration interval when none is set.
func (v *Validator) weightsInterval() time.Duration {
	if v.cfg.WeightingPeriod > 0 {
		return v.cfg.WeightingPeriod
	}
	return v.cfg.IterationInterval
}

// requestStep records a prompt only once there is a miner to send it to.
func (v *Validator) requestStep(ctx context.Context) error {
	targets, err := v.minerTargets(ctx)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		v.logger.Info("no miners to query", zap.Int("netuid", v.cfg.NetUID))
		return nil
	}
	prompt, err := v.GetMinerPrompt(ctx)
	if err != nil {
		return err
	}
	_, err = v.sendToTargets(ctx, prompt, targets)
	return err
}

// loop runs step, then sleeps for whatever is left of interval.
func (v *Validator) loop(ctx context.Context, name string, interval time.Duration, step func(context.Context) error) error {
	logger := v.logger.With(zap.String("loop", name))
	logger.Info("loop started", zap.Duration("interval", interval))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("loop stopped")
			return nil
		case <-timer.C:
		}

		start := time.Now()
		err := step(ctx)
		elapsed := time.Since(start)
		observability.RecordIteration(name, err, elapsed)
		if err != nil && ctx.Err() == nil {
			logger.Error("iteration failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		}
		timer.Reset(max(interval-elapsed, 0))
	}
}
