package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/circuitbreaker"
)

func testOptions() Options {
	return Options{
		Timeout:        2 * time.Second,
		RetryAttempts:  3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  100 * time.Millisecond,
	}
}

const krakenOK = `{"error":[],"result":{"XXBTZUSD":[
	[1700000040,"37000.0","37010.0","36990.0","37005.5","37001.0","1.5",12],
	[1700000100,"37005.5","37020.0","37000.0","37012.25","37010.0","2.0",20]
],"last":1700000100}}`

func TestKrakenClient_GetClosePrice_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("pair") != "XXBTZUSD" {
			t.Errorf("pair = %q, want XXBTZUSD", q.Get("pair"))
		}
		if q.Get("interval") != "1" {
			t.Errorf("interval = %q, want 1", q.Get("interval"))
		}
		if q.Get("since") != "1700000040" {
			t.Errorf("since = %q, want minute-floored 1700000040", q.Get("since"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(krakenOK))
	}))
	defer server.Close()

	c, err := NewKrakenClient(server.URL, testOptions())
	if err != nil {
		t.Fatalf("NewKrakenClient() error = %v", err)
	}
	got, err := c.GetClosePrice(context.Background(), "BTCUSDT", 1700000059)
	if err != nil {
		t.Fatalf("GetClosePrice() error = %v", err)
	}
	if got != 37012.25 {
		t.Errorf("GetClosePrice() = %v, want 37012.25", got)
	}
}

func TestKrakenClient_GetClosePrice_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"api error array", `{"error":["EQuery:Unknown asset pair"],"result":{}}`, ErrBadRequest},
		{"empty result", `{"error":[],"result":{}}`, ErrNoData},
		{"only cursor", `{"error":[],"result":{"last":1}}`, ErrNoData},
		{"no bars", `{"error":[],"result":{"XXBTZUSD":[],"last":1}}`, ErrNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c, _ := NewKrakenClient(server.URL, testOptions())
			_, err := c.GetClosePrice(context.Background(), "BTCUSDT", 1700000000)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("GetClosePrice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestKrakenPair(t *testing.T) {
	if got := KrakenPair("BTCUSDT"); got != "XXBTZUSD" {
		t.Errorf("KrakenPair(BTCUSDT) = %q", got)
	}
	if got := KrakenPair("SOLUSD"); got != "SOLUSD" {
		t.Errorf("KrakenPair(SOLUSD) = %q, want passthrough", got)
	}
}

func TestFetcher_RetryLogic(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(krakenOK))
	}))
	defer server.Close()

	c, _ := NewKrakenClient(server.URL, testOptions())
	if _, err := c.GetClosePrice(context.Background(), "BTCUSDT", 1700000000); err != nil {
		t.Fatalf("GetClosePrice() error = %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestFetcher_NoRetryOnBadRequest(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	c, _ := NewBinanceClient(server.URL, testOptions())
	_, err := c.GetCandles(context.Background(), "BTCUSDT", 10)
	if !errors.Is(err, ErrBadRequest) {
		t.Errorf("GetCandles() error = %v, want ErrBadRequest", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 1 {
		t.Errorf("expected 1 attempt (no retry), got %d", n)
	}
}

func TestFetcher_ExhaustedRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c, _ := NewKrakenClient(server.URL, testOptions())
	_, err := c.GetClosePrice(context.Background(), "BTCUSDT", 1700000000)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("GetClosePrice() error = %v, want ErrRateLimited", err)
	}
}

func TestFetcher_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	c, _ := NewKrakenClient(server.URL, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetClosePrice(ctx, "BTCUSDT", 1700000000)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("GetClosePrice() error = %v, want context.Canceled", err)
	}
}

func TestFetcher_CorrelationID(t *testing.T) {
	var captured atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Store(r.Header.Get("X-Correlation-ID"))
		_, _ = w.Write([]byte(krakenOK))
	}))
	defer server.Close()

	c, _ := NewKrakenClient(server.URL, testOptions())
	ctx := context.WithValue(context.Background(), "correlation_id", "corr-123")
	if _, err := c.GetClosePrice(ctx, "BTCUSDT", 1700000000); err != nil {
		t.Fatalf("GetClosePrice() error = %v", err)
	}
	if got, _ := captured.Load().(string); got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", got)
	}
}

func TestFetcher_CircuitBreakerOpens(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := testOptions()
	opts.RetryAttempts = 1
	c, _ := NewKrakenClient(server.URL, opts)
	c.SetCircuitBreaker(circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 2,
		Timeout:          time.Minute,
		Component:        "kraken",
	}))

	for i := 0; i < 2; i++ {
		if _, err := c.GetClosePrice(context.Background(), "BTCUSDT", 1700000000); !errors.Is(err, ErrUpstreamFailure) {
			t.Fatalf("call %d error = %v, want ErrUpstreamFailure", i, err)
		}
	}
	_, err := c.GetClosePrice(context.Background(), "BTCUSDT", 1700000000)
	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Fatalf("GetClosePrice() error = %v, want circuitbreaker.ErrOpen", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 2 {
		t.Errorf("upstream attempts = %d, want 2 (third call short-circuited)", n)
	}
}

func TestFetcher_calculateBackoff(t *testing.T) {
	f := newFetcher("test", Options{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: 2 * time.Second})

	tests := []struct {
		attempt int
		wantMax time.Duration
	}{
		{1, 110 * time.Millisecond},
		{2, 220 * time.Millisecond},
		{3, 440 * time.Millisecond},
		{10, 2200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			got := f.calculateBackoff(tt.attempt)
			if got <= 0 || got > tt.wantMax {
				t.Errorf("calculateBackoff(%d) = %v, want (0, %v]", tt.attempt, got, tt.wantMax)
			}
		})
	}
}

func TestBinanceClient_GetCandles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BTCUSDT" || q.Get("interval") != "1m" || q.Get("limit") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[
			[1700000000000,"100.0","110.0","90.0","105.0","3.5",1700000059999,"367.5",10,"1","1","0"],
			[1700000060000,"105.0","115.0","100.0","112.5","2.0",1700000119999,"225.0",8,"1","1","0"]
		]`))
	}))
	defer server.Close()

	c, err := NewBinanceClient(server.URL, testOptions())
	if err != nil {
		t.Fatalf("NewBinanceClient() error = %v", err)
	}
	candles, err := c.GetCandles(context.Background(), "BTCUSDT", 2)
	if err != nil {
		t.Fatalf("GetCandles() error = %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len(candles) = %d, want 2", len(candles))
	}
	first := candles[0]
	if !first.OpenTime.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("OpenTime = %v", first.OpenTime)
	}
	if first.Open != 100 || first.High != 110 || first.Low != 90 || first.Close != 105 || first.Volume != 3.5 || first.QuoteVolume != 367.5 {
		t.Errorf("candle = %+v", first)
	}
	if candles[1].Close != 112.5 {
		t.Errorf("candles[1].Close = %v, want 112.5", candles[1].Close)
	}
}

func TestBinanceClient_GetCandles_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"empty", `[]`, ErrNoData},
		{"short row", `[[1700000000000,"1"]]`, nil},
		{"bad number", `[[1700000000000,"x","1","1","1","1",1,"1"]]`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			c, _ := NewBinanceClient(server.URL, testOptions())
			_, err := c.GetCandles(context.Background(), "BTCUSDT", 10)
			if err == nil {
				t.Fatal("GetCandles() expected error, got nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("GetCandles() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
