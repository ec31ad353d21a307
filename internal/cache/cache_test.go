package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/prediction-subnet/internal/models"
)

func testSeries(pair string, closes ...float64) models.CandleSeries {
	base := time.Unix(1_700_000_000, 0).UTC()
	s := models.CandleSeries{Pair: pair, FetchedAt: base}
	for i, c := range closes {
		s.Candles = append(s.Candles, models.Candle{OpenTime: base.Add(time.Duration(i) * time.Minute), Close: c})
	}
	return s
}

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves
// them correctly with the expected data.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	val := testSeries("BTCUSDT", 100, 101)
	if err := c.Set(ctx, "BTCUSDT", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Pair != val.Pair || len(got.Candles) != 2 || got.Candles[1].Close != 101 {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestInMemoryCache_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in cache.
func TestInMemoryCache_Get_Miss(t *testing.T) {
	c := NewInMemoryCache()

	_, ok, err := c.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
}

// TestInMemoryCache_Get_Expired verifies that expired entries miss and are removed on access.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "BTCUSDT", testSeries("BTCUSDT", 1), 30*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	now = now.Add(31 * time.Second)

	_, ok, err := c.Get(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want expired entry removed", c.Len())
	}
}

// TestInMemoryCache_SetCopiesCandles verifies cached data is isolated from the caller's slice.
func TestInMemoryCache_SetCopiesCandles(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	val := testSeries("BTCUSDT", 100)
	_ = c.Set(ctx, "BTCUSDT", val, time.Minute)
	val.Candles[0].Close = -1

	got, _, _ := c.Get(ctx, "BTCUSDT")
	if got.Candles[0].Close != 100 {
		t.Errorf("cached close = %v, want 100 after caller mutation", got.Candles[0].Close)
	}
}

// TestInMemoryCache_Concurrent exercises concurrent access under -race.
func TestInMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pair := "BTCUSDT"
			if i%2 == 0 {
				pair = "ETHUSDT"
			}
			_ = c.Set(ctx, pair, testSeries(pair, float64(i)), time.Minute)
			_, _, _ = c.Get(ctx, pair)
		}(i)
	}
	wg.Wait()
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" a:1, ,b:2 ")
	if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Errorf("parseAddrs() = %v, want [a:1 b:2]", got)
	}
	if got := parseAddrs(""); len(got) != 0 {
		t.Errorf("parseAddrs(\"\") = %v, want empty", got)
	}
}
