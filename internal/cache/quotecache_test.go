package cache

import (
	"sync"
	"testing"

	"kimpbot/internal/models"
)

func TestQuoteCache_UpdateAndGet(t *testing.T) {
	sym := models.NewSymbol("BTC", "KRW")

	tests := []struct {
		name string
		bid  float64
		ask  float64
		last float64
		ts   int64
		want bool
	}{
		{"fresh valid quote", 100.0, 101.0, 100.5, 1000, true},
		{"zero timestamp is not queried", 1, 2, 1.5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewQuoteCache(5)
			c.Update(models.Upbit, sym, tt.bid, tt.ask, tt.last, tt.ts)
			q := c.Get(models.Upbit, sym)
			if q.Bid != tt.bid || q.Ask != tt.ask || q.Last != tt.last || q.TimestampMs != tt.ts {
				t.Fatalf("got %+v, want bid=%v ask=%v last=%v ts=%v", q, tt.bid, tt.ask, tt.last, tt.ts)
			}
		})
	}
}

func TestQuoteCache_GetMissingKey(t *testing.T) {
	c := NewQuoteCache(5)
	q := c.Get(models.Bybit, models.NewSymbol("ETH", "USDT"))
	if q.Valid {
		t.Fatalf("expected invalid snapshot for unwritten key")
	}
}

func TestQuoteCache_UsdtRateOutlierGuard(t *testing.T) {
	c := NewQuoteCache(5) // 5% cap

	if !c.UpdateUsdtRate(models.Upbit, 1450) {
		t.Fatalf("first sample should always be accepted")
	}
	if got := c.GetUsdtRate(models.Upbit); got != 1450 {
		t.Fatalf("got %v, want 1450", got)
	}

	// +3% is within the cap.
	if !c.UpdateUsdtRate(models.Upbit, 1450*1.03) {
		t.Fatalf("3%% jump should be accepted under a 5%% cap")
	}

	// A further +10% jump relative to the new baseline should be rejected.
	prev := c.GetUsdtRate(models.Upbit)
	if c.UpdateUsdtRate(models.Upbit, prev*1.10) {
		t.Fatalf("10%% jump should be rejected under a 5%% cap")
	}
	if got := c.GetUsdtRate(models.Upbit); got != prev {
		t.Fatalf("rejected sample must not change the stored rate: got %v want %v", got, prev)
	}
}

func TestQuoteCache_ConcurrentReadersSingleWriter(t *testing.T) {
	c := NewQuoteCache(0)
	sym := models.NewSymbol("BTC", "KRW")

	const iterations = 2000
	done := make(chan struct{})

	go func() {
		defer close(done)
		for i := 0; i < iterations; i++ {
			bid := float64(i)
			c.Update(models.Upbit, sym, bid, bid+1, bid+0.5, int64(i+1))
		}
	}()

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				q := c.Get(models.Upbit, sym)
				if q.Valid && q.TimestampMs > 0 {
					if q.Ask < q.Bid {
						t.Errorf("observed torn quote: bid=%v ask=%v", q.Bid, q.Ask)
					}
				}
			}
		}()
	}
	wg.Wait()
}
