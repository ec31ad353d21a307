package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/prediction-subnet/internal/cache"
	"github.com/kjstillabower/prediction-subnet/internal/client"
	"github.com/kjstillabower/prediction-subnet/internal/models"
	"github.com/kjstillabower/prediction-subnet/internal/observability"
)

// Categories a validator may ask about. Only crypto has a predictor; the rest answer null.
const (
	CategoryCrypto   = "crypto"
	CategoryForex    = "forex"
	CategoryGambling = "gambling"
	CategoryBetting  = "betting"
	CategoryWeather  = "weather"
)

var knownCategories = map[string]bool{
	CategoryCrypto:   true,
	CategoryForex:    true,
	CategoryGambling: true,
	CategoryBetting:  true,
	CategoryWeather:  true,
}

// ErrNoCandles is returned when the candle source has nothing for a pair.
var ErrNoCandles = errors.New("no candles")

// PredictionService answers prediction requests for the miner. Candles are read cache-aside,
// and concurrent misses for the same pair share a single upstream fetch.
type PredictionService struct {
	candles client.CandleClient
	cache   cache.Cache
	ttl     time.Duration
	limit   int
	group   singleflight.Group
	now     func() time.Time
}

// NewPredictionService creates a PredictionService. ttl is the candle cache lifetime,
// limit the number of 1m candles fetched per pair.
func NewPredictionService(candles client.CandleClient, c cache.Cache, ttl time.Duration, limit int) *PredictionService {
	return &PredictionService{
		candles: candles,
		cache:   c,
		ttl:     ttl,
		limit:   limit,
		now:     time.Now,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// Predict returns the miner's answer for req. A nil answer with a nil error means the
// category has no predictor; the caller replies {"answer": null}.
func (s *PredictionService) Predict(ctx context.Context, req models.PredictionRequest) (*float64, error) {
	logger := loggerFromContext(ctx)
	category := strings.ToLower(strings.TrimSpace(req.Category))

	if category != CategoryCrypto {
		label := category
		if !knownCategories[category] {
			label = "other"
		}
		observability.PredictionsServedTotal.WithLabelValues(label, "unsupported").Inc()
		if logger != nil {
			logger.Info("no predictor for category", zap.String("category", req.Category), zap.String("pair", req.Pair))
		}
		return nil, nil
	}

	series, err := s.GetCandles(ctx, req.Pair)
	if err != nil {
		observability.PredictionsServedTotal.WithLabelValues(category, "error").Inc()
		return nil, err
	}
	answer, err := Extrapolate(series.Candles, req.Time())
	if err != nil {
		observability.PredictionsServedTotal.WithLabelValues(category, "error").Inc()
		return nil, fmt.Errorf("predict %s: %w", req.Pair, err)
	}
	observability.PredictionsServedTotal.WithLabelValues(category, "answered").Inc()
	if logger != nil {
		logger.Debug("prediction served",
			zap.String("pair", req.Pair),
			zap.Int64("timestamp", req.Timestamp),
			zap.Float64("answer", answer),
			zap.Int("candles", len(series.Candles)))
	}
	return &answer, nil
}

// GetCandles returns recent candles for pair, from cache when fresh.
func (s *PredictionService) GetCandles(ctx context.Context, pair string) (models.CandleSeries, error) {
	key := normalizePair(pair)
	logger := loggerFromContext(ctx)

	cached, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", string(client.CategorizeError(err))).Inc()
		if logger != nil {
			logger.Warn("cache get failed", zap.String("pair", key), zap.Error(err))
		}
	} else if ok {
		observability.CacheHitsTotal.WithLabelValues("candles").Inc()
		return cached, nil
	}

	if logger != nil {
		logger.Debug("cache miss, fetching candles", zap.String("pair", key))
	}
	return s.fetch(ctx, key)
}

// RefreshCandles fetches fresh candles for pair and stores them, bypassing the cache read.
func (s *PredictionService) RefreshCandles(ctx context.Context, pair string) error {
	_, err := s.fetch(ctx, normalizePair(pair))
	return err
}

// fetch loads candles from upstream through the singleflight group and populates the cache.
// The shared fetch is detached from the first caller's cancellation; each caller still
// stops waiting when its own context ends.
func (s *PredictionService) fetch(ctx context.Context, key string) (models.CandleSeries, error) {
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		candles, err := s.candles.GetCandles(fetchCtx, key, s.limit)
		if err != nil {
			return models.CandleSeries{}, err
		}
		if len(candles) == 0 {
			return models.CandleSeries{}, ErrNoCandles
		}
		series := models.CandleSeries{Pair: key, Candles: candles, FetchedAt: s.now()}
		if setErr := s.cache.Set(fetchCtx, key, series, s.ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", string(client.CategorizeError(setErr))).Inc()
			if logger := loggerFromContext(ctx); logger != nil {
				logger.Warn("cache set failed", zap.String("pair", key), zap.Error(setErr))
			}
		}
		return series, nil
	})

	select {
	case <-ctx.Done():
		return models.CandleSeries{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observability.CandleFetchesCoalescedTotal.Inc()
		}
		if res.Err != nil {
			return models.CandleSeries{}, fmt.Errorf("fetch candles for %s: %w", key, res.Err)
		}
		return res.Val.(models.CandleSeries), nil
	}
}

// normalizePair trims whitespace and upper-cases a pair symbol for cache keys and API requests.
func normalizePair(pair string) string {
	return strings.ToUpper(strings.TrimSpace(pair))
}
