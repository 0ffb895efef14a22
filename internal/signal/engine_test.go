package signal

import (
	"testing"
	"time"

	"kimpbot/internal/cache"
	"kimpbot/internal/models"
	"kimpbot/internal/position"
)

func setup(t *testing.T, cfg Config) (*Engine, *cache.QuoteCache, *position.Tracker, models.Symbol) {
	t.Helper()
	qc := cache.NewQuoteCache(5.0)
	tr := position.NewTracker(cfg.MaxPositions)
	sym := models.NewSymbol("ETH", "KRW")
	watches := []SymbolWatch{{
		Symbol: sym,
		Pairs:  []ExchangePair{{Korean: models.Upbit, Foreign: models.Bybit}},
	}}
	eng := New(cfg, qc, tr, watches, models.Upbit, models.NewSymbol("USDT", "KRW"))
	return eng, qc, tr, sym
}

func quote(ex models.Exchange, sym models.Symbol, bid, ask float64, fundingRate, fundingIntervalHrs float64, nowMs int64) models.Quote {
	return models.Quote{
		Symbol: sym, Exchange: ex,
		Bid: bid, Ask: ask, Last: (bid + ask) / 2,
		FundingRate: fundingRate, FundingInterval: fundingIntervalHrs,
		TimestampMs: nowMs, Valid: true,
	}
}

func TestOnTickerUpdate_EntrySignalFires(t *testing.T) {
	cfg := DefaultConfig()
	eng, qc, _, sym := setup(t, cfg)
	now := time.Now().UnixMilli()

	qc.UpdateUsdtRate(models.Upbit, 1450)
	qc.Update(models.Bybit, sym, 2.5, 2.501, 2.5, now)
	qc.UpdateFunding(models.Bybit, sym, 0.0001, 8, now+1000)

	var got models.Signal
	fired := false
	eng.OnEntry = func(s models.Signal) { got, fired = s, true }

	koreanQuote := quote(models.Upbit, sym, 3455, 3456, 0, 0, now)
	eng.OnTickerUpdate(models.Upbit, koreanQuote)

	if !fired {
		t.Fatalf("expected an entry signal to fire")
	}
	if got.Kind != models.SignalEntry {
		t.Fatalf("expected SignalEntry, got %v", got.Kind)
	}
	if got.Premium > cfg.EntryThreshold {
		t.Fatalf("signal premium %v should be <= threshold %v", got.Premium, cfg.EntryThreshold)
	}
}

func TestOnTickerUpdate_FundingFilterBlocksEntry(t *testing.T) {
	cfg := DefaultConfig()
	eng, qc, _, sym := setup(t, cfg)
	now := time.Now().UnixMilli()

	qc.UpdateUsdtRate(models.Upbit, 1450)
	qc.Update(models.Bybit, sym, 2.5, 2.501, 2.5, now)
	qc.UpdateFunding(models.Bybit, sym, -0.0001, 8, now+1000) // negative funding, RequirePositiveFunding=true

	fired := false
	eng.OnEntry = func(models.Signal) { fired = true }
	eng.OnTickerUpdate(models.Upbit, quote(models.Upbit, sym, 3455, 3456, 0, 0, now))

	if fired {
		t.Fatalf("negative funding rate should block entry when RequirePositiveFunding is set")
	}
}

func TestOnTickerUpdate_FundingIntervalMismatchBlocksEntry(t *testing.T) {
	cfg := DefaultConfig()
	eng, qc, _, sym := setup(t, cfg)
	now := time.Now().UnixMilli()

	qc.UpdateUsdtRate(models.Upbit, 1450)
	qc.Update(models.Bybit, sym, 2.5, 2.501, 2.5, now)
	qc.UpdateFunding(models.Bybit, sym, 0.0001, 4, now+1000) // 4h interval, configured is 8h

	fired := false
	eng.OnEntry = func(models.Signal) { fired = true }
	eng.OnTickerUpdate(models.Upbit, quote(models.Upbit, sym, 3455, 3456, 0, 0, now))

	if fired {
		t.Fatalf("mismatched funding interval should block entry")
	}
}

func TestEvaluateSymbol_ExitFiresAboveDynamicThreshold(t *testing.T) {
	cfg := DefaultConfig()
	eng, qc, tr, sym := setup(t, cfg)
	now := time.Now().UnixMilli()

	tr.OpenPosition(models.Position{
		Symbol:          sym,
		KoreanExchange:  models.Upbit,
		ForeignExchange: models.Bybit,
		EntryPremium:    -0.30,
		KoreanAmount:    1, ForeignAmount: 1,
		IsActive: true,
	})

	qc.UpdateUsdtRate(models.Upbit, 1450)
	// exit_premium must clear max(-0.30+0.79, 0.10) = 0.49%
	foreignAsk := 2.5
	koreanBidForExit := foreignAsk * 1450 * 1.006 // ~0.6% above parity
	qc.Update(models.Bybit, sym, foreignAsk-0.001, foreignAsk, foreignAsk, now)

	var got models.Signal
	fired := false
	eng.OnExit = func(s models.Signal) { got, fired = s, true }
	eng.OnTickerUpdate(models.Upbit, quote(models.Upbit, sym, koreanBidForExit, koreanBidForExit+1, 0, 0, now))

	if !fired {
		t.Fatalf("expected an exit signal to fire")
	}
	if got.Kind != models.SignalExit {
		t.Fatalf("expected SignalExit, got %v", got.Kind)
	}
}

func TestFullRescan_SinglePositionCapPicksLowestPremium(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPositions = 1
	qc := cache.NewQuoteCache(5.0)
	tr := position.NewTracker(1)

	symA := models.NewSymbol("AAA", "KRW")
	symB := models.NewSymbol("BBB", "KRW")
	watches := []SymbolWatch{
		{Symbol: symA, Pairs: []ExchangePair{{Korean: models.Upbit, Foreign: models.Bybit}}},
		{Symbol: symB, Pairs: []ExchangePair{{Korean: models.Upbit, Foreign: models.Bybit}}},
	}
	eng := New(cfg, qc, tr, watches, models.Upbit, models.NewSymbol("USDT", "KRW"))

	now := time.Now().UnixMilli()
	qc.UpdateUsdtRate(models.Upbit, 1450)

	// A: mildly negative premium, qualifies but not the best.
	qc.Update(models.Bybit, symA, 2.5, 2.501, 2.5, now)
	qc.UpdateFunding(models.Bybit, symA, 0.0001, 8, now+1000)
	qc.Update(models.Upbit, symA, 3610, 3611, 3610, now)

	// B: deeply negative premium, should win.
	qc.Update(models.Bybit, symB, 2.5, 2.501, 2.5, now)
	qc.UpdateFunding(models.Bybit, symB, 0.0001, 8, now+1000)
	qc.Update(models.Upbit, symB, 3400, 3401, 3400, now)

	var got models.Signal
	fired := false
	eng.OnEntry = func(s models.Signal) { got, fired = s, true }

	eng.fullRescan()

	if !fired {
		t.Fatalf("expected the single-cap full rescan to emit a signal")
	}
	if got.Symbol != symB {
		t.Fatalf("expected the lowest-premium symbol %v to win, got %v", symB, got.Symbol)
	}
}

func TestWaitForUpdate_WakesOnBump(t *testing.T) {
	eng, _, _, _ := setup(t, DefaultConfig())
	start := eng.CurrentUpdateSeq()

	done := make(chan uint64, 1)
	go func() {
		done <- eng.WaitForUpdate(start, 2*time.Second)
	}()

	eng.bumpUpdateSeq()

	select {
	case got := <-done:
		if got <= start {
			t.Fatalf("expected sequence to advance past %d, got %d", start, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitForUpdate did not wake up after bump")
	}
}

func TestWaitForUpdate_TimesOutWithoutBump(t *testing.T) {
	eng, _, _, _ := setup(t, DefaultConfig())
	start := eng.CurrentUpdateSeq()
	got := eng.WaitForUpdate(start, 50*time.Millisecond)
	if got != start {
		t.Fatalf("expected no change on timeout, got %d want %d", got, start)
	}
}
