package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
	"github.com/kjstillabower/prediction-subnet/internal/models"
)

// CandleClient fetches recent 1-minute candles for a pair, oldest first.
type CandleClient interface {
	GetCandles(ctx context.Context, pair string, limit int) ([]models.Candle, error)
}

// BinanceClient reads klines from Binance's public market data API.
type BinanceClient struct {
	apiURL   string
	interval string
	f        *fetcher
}

// NewBinanceClient returns a client for the klines endpoint at apiURL.
func NewBinanceClient(apiURL string, opts Options) (*BinanceClient, error) {
	if _, err := url.Parse(apiURL); err != nil || apiURL == "" {
		return nil, fmt.Errorf("invalid candle API URL %q", apiURL)
	}
	return &BinanceClient{apiURL: apiURL, interval: "1m", f: newFetcher("binance", opts)}, nil
}

// SetCircuitBreaker guards upstream calls with cb. Pass nil to disable.
func (c *BinanceClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.f.breaker = cb
}

// GetCandles returns up to limit of the most recent candles for pair.
func (c *BinanceClient) GetCandles(ctx context.Context, pair string, limit int) ([]models.Candle, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("interval", c.interval)
	params.Set("limit", strconv.Itoa(limit))
	u.RawQuery = params.Encode()

	var rows [][]any
	if err := c.f.getJSON(ctx, u.String(), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, row := range rows {
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("parse kline %d: %w", i, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, closeTime, quoteVolume, ...].
func parseKline(row []any) (models.Candle, error) {
	if len(row) < 8 {
		return models.Candle{}, fmt.Errorf("kline has %d fields", len(row))
	}
	openMs, ok := row[0].(float64)
	if !ok {
		return models.Candle{}, fmt.Errorf("open time: unexpected type %T", row[0])
	}
	var vals [6]float64
	for i, idx := range []int{1, 2, 3, 4, 5, 7} {
		v, err := toFloat(row[idx])
		if err != nil {
			return models.Candle{}, err
		}
		vals[i] = v
	}
	return models.Candle{
		OpenTime:    time.UnixMilli(int64(openMs)).UTC(),
		Open:        vals[0],
		High:        vals[1],
		Low:         vals[2],
		Close:       vals[3],
		Volume:      vals[4],
		QuoteVolume: vals[5],
	}, nil
}
