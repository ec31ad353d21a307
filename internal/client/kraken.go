package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
)

// PriceClient returns the settled market price of a pair at a unix timestamp.
type PriceClient interface {
	GetClosePrice(ctx context.Context, pair string, ts int64) (float64, error)
}

// krakenPairs maps exchange-neutral pair symbols to Kraken's asset pair names.
var krakenPairs = map[string]string{
	"BTCUSDT": "XXBTZUSD",
	"ETHUSDT": "XETHZUSD",
}

// KrakenPair returns the Kraken pair name for pair. Unknown pairs pass through unchanged.
func KrakenPair(pair string) string {
	if p, ok := krakenPairs[pair]; ok {
		return p
	}
	return pair
}

// KrakenClient reads 1-minute OHLC bars from Kraken's public API.
type KrakenClient struct {
	apiURL string
	f      *fetcher
}

// NewKrakenClient returns a client for the OHLC endpoint at apiURL.
func NewKrakenClient(apiURL string, opts Options) (*KrakenClient, error) {
	if _, err := url.Parse(apiURL); err != nil || apiURL == "" {
		return nil, fmt.Errorf("invalid price API URL %q", apiURL)
	}
	return &KrakenClient{apiURL: apiURL, f: newFetcher("kraken", opts)}, nil
}

// SetCircuitBreaker guards upstream calls with cb. Pass nil to disable.
func (c *KrakenClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.f.breaker = cb
}

type krakenResponse struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// GetClosePrice returns the close of the last 1m bar Kraken reports since the minute containing ts.
func (c *KrakenClient) GetClosePrice(ctx context.Context, pair string, ts int64) (float64, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return 0, fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	params.Set("pair", KrakenPair(pair))
	params.Set("interval", "1")
	params.Set("since", strconv.FormatInt(ts-ts%60, 10))
	u.RawQuery = params.Encode()

	var resp krakenResponse
	if err := c.f.getJSON(ctx, u.String(), &resp); err != nil {
		return 0, err
	}
	if len(resp.Error) > 0 {
		return 0, fmt.Errorf("%w: kraken: %s", ErrBadRequest, strings.Join(resp.Error, "; "))
	}
	return lastClose(resp.Result)
}

// lastClose extracts the close (index 4) of the final bar of the pair series.
// The result object also carries a "last" cursor, which is skipped.
func lastClose(result map[string]json.RawMessage) (float64, error) {
	keys := make([]string, 0, len(result))
	for k := range result {
		if k != "last" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return 0, ErrNoData
	}
	sort.Strings(keys)

	var bars [][]any
	if err := json.Unmarshal(result[keys[0]], &bars); err != nil {
		return 0, fmt.Errorf("parse ohlc bars: %w", err)
	}
	if len(bars) == 0 {
		return 0, ErrNoData
	}
	last := bars[len(bars)-1]
	if len(last) < 5 {
		return 0, fmt.Errorf("parse ohlc bars: bar has %d fields", len(last))
	}
	return toFloat(last[4])
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("parse price %q: %w", t, err)
		}
		return f, nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("parse price: unexpected type %T", v)
	}
}
