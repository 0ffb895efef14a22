// Package cache implements the Quote Cache: a keyed (exchange, symbol)
// store of best bid/ask/last/funding with timestamps. Reads are lock-free;
// each scalar field is stored as an atomic 64-bit word (bit pattern of the
// float64) so that readers never observe a torn double, matching the
// teacher's PairState.entrySpreadBits pattern in internal/bot/engine.go.
package cache

import (
	"math"
	"sync"
	"sync/atomic"

	"kimpbot/internal/models"
)

// key identifies one (exchange, symbol) quote slot.
type key struct {
	exchange models.Exchange
	symbol   models.Symbol
}

// entry holds one quote's fields as independent atomic words. Only the
// producer thread for a given key ever writes; many readers load with
// acquire ordering via atomic.Load.
type entry struct {
	bidBits  uint64
	askBits  uint64
	lastBits uint64

	fundingRateBits     uint64
	fundingIntervalBits uint64
	nextFundingMs       int64

	timestampMs int64
}

func (e *entry) snapshot(ex models.Exchange, sym models.Symbol) models.Quote {
	ts := atomic.LoadInt64(&e.timestampMs)
	return models.Quote{
		Symbol:          sym,
		Exchange:        ex,
		Bid:             loadFloat(&e.bidBits),
		Ask:             loadFloat(&e.askBits),
		Last:            loadFloat(&e.lastBits),
		FundingRate:     loadFloat(&e.fundingRateBits),
		FundingInterval: loadFloat(&e.fundingIntervalBits),
		NextFundingMs:   atomic.LoadInt64(&e.nextFundingMs),
		TimestampMs:     ts,
		Valid:           true,
	}
}

func loadFloat(bits *uint64) float64 {
	return math.Float64frombits(atomic.LoadUint64(bits))
}

func storeFloat(bits *uint64, v float64) {
	atomic.StoreUint64(bits, math.Float64bits(v))
}

// QuoteCache is the shared, single-writer-per-key, many-reader store
// described in spec section 4.1. Creating a new key takes a short exclusive
// section; everything else after that is lock-free atomic reads and writes.
type QuoteCache struct {
	mu      sync.RWMutex
	entries map[key]*entry

	usdtMu   sync.Mutex
	usdtRate map[models.Exchange]uint64 // bit pattern, guarded by usdtMu for the outlier-guard CAS

	// MaxUsdtRateJumpPct bounds the relative change a new USDT/KRW sample
	// may make before it is rejected as an outlier.
	MaxUsdtRateJumpPct float64
}

// NewQuoteCache builds an empty cache. maxUsdtJumpPct is the outlier guard's
// cap on relative change between consecutive USDT/KRW samples.
func NewQuoteCache(maxUsdtJumpPct float64) *QuoteCache {
	return &QuoteCache{
		entries:            make(map[key]*entry),
		usdtRate:           make(map[models.Exchange]uint64),
		MaxUsdtRateJumpPct: maxUsdtJumpPct,
	}
}

func (c *QuoteCache) getOrCreate(ex models.Exchange, sym models.Symbol) *entry {
	k := key{exchange: ex, symbol: sym}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[k]; ok {
		return e
	}
	e = &entry{}
	c.entries[k] = e
	return e
}

// Update writes a fresh bid/ask/last/timestamp quadruple for (exchange,
// symbol). Safe to call concurrently with Get for the same key; unsafe to
// call concurrently with itself for the same key from two different
// goroutines (single-writer-per-key contract).
func (c *QuoteCache) Update(ex models.Exchange, sym models.Symbol, bid, ask, last float64, tsMs int64) {
	e := c.getOrCreate(ex, sym)
	storeFloat(&e.bidBits, bid)
	storeFloat(&e.askBits, ask)
	storeFloat(&e.lastBits, last)
	atomic.StoreInt64(&e.timestampMs, tsMs)
}

// UpdateFunding writes the funding-rate group independently of the price
// group, matching the separate-atomic-group discipline in spec 4.1.
func (c *QuoteCache) UpdateFunding(ex models.Exchange, sym models.Symbol, rate, intervalHours float64, nextFundingMs int64) {
	e := c.getOrCreate(ex, sym)
	storeFloat(&e.fundingRateBits, rate)
	storeFloat(&e.fundingIntervalBits, intervalHours)
	atomic.StoreInt64(&e.nextFundingMs, nextFundingMs)
}

// Get returns a point-in-time snapshot. Valid is false if the key has never
// been written.
func (c *QuoteCache) Get(ex models.Exchange, sym models.Symbol) models.Quote {
	k := key{exchange: ex, symbol: sym}
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return models.Quote{Symbol: sym, Exchange: ex, Valid: false}
	}
	return e.snapshot(ex, sym)
}

// UpdateUsdtRate writes the per-Korean-venue USDT/KRW reference rate,
// subject to the outlier guard: a new sample whose relative change from the
// previous one exceeds MaxUsdtRateJumpPct is rejected (the call is a no-op
// and returns false).
func (c *QuoteCache) UpdateUsdtRate(ex models.Exchange, rate float64) bool {
	if rate <= 0 {
		return false
	}
	c.usdtMu.Lock()
	defer c.usdtMu.Unlock()

	prevBits, ok := c.usdtRate[ex]
	if ok && c.MaxUsdtRateJumpPct > 0 {
		prev := math.Float64frombits(prevBits)
		if prev > 0 {
			delta := (rate - prev) / prev
			if delta < 0 {
				delta = -delta
			}
			if delta*100 > c.MaxUsdtRateJumpPct {
				return false
			}
		}
	}
	c.usdtRate[ex] = math.Float64bits(rate)
	return true
}

// GetUsdtRate returns the last accepted USDT/KRW rate for a Korean venue, or
// 0 if none has been observed yet.
func (c *QuoteCache) GetUsdtRate(ex models.Exchange) float64 {
	c.usdtMu.Lock()
	defer c.usdtMu.Unlock()
	bits, ok := c.usdtRate[ex]
	if !ok {
		return 0
	}
	return math.Float64frombits(bits)
}
