package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
	"github.com/kjstillabower/prediction-subnet/internal/client"
	"github.com/kjstillabower/prediction-subnet/internal/models"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
	"github.com/kjstillabower/prediction-subnet/internal/scoring"
)

// weightingSlack widens the scoring window past the weighting period.
const weightingSlack = 3 * time.Minute

// abandonAfter is how long a prompt may stay unpriced for lack of data before it is dropped.
// Kraken only serves the latest 720 one-minute bars.
const abandonAfter = 12 * time.Hour

// SetWeights scores miners over the weighting window and votes their weights.
// Nothing is voted when no miner earned a weight.
func (v *Validator) SetWeights(ctx context.Context) error {
	since := v.now().Add(-v.cfg.WeightingPeriod - weightingSlack).Unix()
	records, err := v.store.ScoredPredictionsSince(ctx, since)
	if err != nil {
		observability.WeightVotesTotal.WithLabelValues("error").Inc()
		return err
	}
	scores := scoring.ScoreMiners(records)
	weights := scoring.Weights(scores, v.cfg.MaxAllowedWeights)

	mods, err := v.registry.Modules(ctx, v.cfg.NetUID)
	if err != nil {
		observability.WeightVotesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("list modules: %w", err)
	}
	uidByKey := make(map[string]int, len(mods))
	for _, m := range mods {
		uidByKey[m.Key] = m.UID
	}
	vote := scoring.BuildVote(weights, uidByKey, v.cfg.MaxVoteEntries)
	if len(vote.UIDs) == 0 {
		observability.WeightVotesTotal.WithLabelValues("skipped").Inc()
		v.logger.Info("no weights to set", zap.Int("records", len(records)), zap.Int("miners", len(scores)))
		return nil
	}

	if err := v.registry.Vote(ctx, v.cfg.NetUID, vote.UIDs, vote.Weights); err != nil {
		observability.WeightVotesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("vote: %w", err)
	}
	observability.WeightVotesTotal.WithLabelValues("success").Inc()
	observability.LastVoteMiners.Set(float64(len(vote.UIDs)))
	v.logger.Info("weights set",
		zap.Int("netuid", v.cfg.NetUID),
		zap.Ints("uids", vote.UIDs),
		zap.Ints("weights", vote.Weights))
	return nil
}

// PriceStep stores the real price of the oldest due prompt. A prompt is due once its
// timestamp is PriceSettleDelay in the past. It reports whether a prompt was handled.
func (v *Validator) PriceStep(ctx context.Context) (bool, error) {
	now := v.now()
	p, ok, err := v.store.NextUnpriced(ctx, now.Add(-v.cfg.PriceSettleDelay).Unix())
	if err != nil || !ok {
		return false, err
	}
	if err := v.pricePrompt(ctx, p, now); err != nil {
		return false, err
	}
	return true, nil
}

// pricePrompt stores the price of p, or drops p when its price can never be fetched:
// the price API rejects the pair, or it has had no data for abandonAfter.
func (v *Validator) pricePrompt(ctx context.Context, p models.PricePrompt, now time.Time) error {
	price, err := v.prices.GetClosePrice(ctx, p.Pair, p.Timestamp)
	if err != nil {
		status := "error"
		if errors.Is(err, client.ErrNoData) {
			status = "no_data"
		}
		observability.PricesFetchedTotal.WithLabelValues(status).Inc()

		noData := errors.Is(err, client.ErrNoData) && now.Sub(time.Unix(p.Timestamp, 0)) > abandonAfter
		if noData || errors.Is(err, client.ErrBadRequest) {
			v.logger.Warn("abandoning unpriceable prompt",
				zap.String("prompt_id", p.ID),
				zap.String("pair", p.Pair),
				zap.Error(err))
			return v.store.DeletePrompt(ctx, p.ID)
		}
		return fmt.Errorf("price for prompt %s: %w", p.ID, err)
	}
	if err := v.store.SetPrice(ctx, p.ID, price); err != nil {
		observability.PricesFetchedTotal.WithLabelValues("error").Inc()
		return err
	}
	observability.PricesFetchedTotal.WithLabelValues("stored").Inc()
	v.logger.Debug("price stored", zap.String("prompt_id", p.ID), zap.String("pair", p.Pair), zap.Float64("price", price))
	return nil
}

// priceDue prices every due prompt, oldest first. A prompt that fails stays for the next
// pass without holding back newer ones; an open breaker or a rate limit ends the pass.
func (v *Validator) priceDue(ctx context.Context) error {
	now := v.now()
	due, err := v.store.DueUnpriced(ctx, now.Add(-v.cfg.PriceSettleDelay).Unix())
	if err != nil {
		return err
	}
	var (
		failed  int
		lastErr error
	)
	for _, p := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := v.pricePrompt(ctx, p, now); err != nil {
			failed++
			lastErr = err
			if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, client.ErrRateLimited) {
				break
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%d of %d due prompts not priced: %w", failed, len(due), lastErr)
	}
	return nil
}

// purge drops prompts and answers older than the retention period.
func (v *Validator) purge(ctx context.Context) error {
	before := v.now().Add(-v.cfg.RetentionPeriod).Unix()
	n, err := v.store.PurgeBefore(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		v.logger.Info("purged old predictions", zap.Int64("rows", n))
	}
	return nil
}
