package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"kimpbot/internal/cache"
	"kimpbot/internal/config"
	"kimpbot/internal/exchange"
	"kimpbot/internal/execution"
	"kimpbot/internal/models"
	"kimpbot/internal/persistence"
	"kimpbot/internal/position"
	"kimpbot/internal/signal"
)

// fakeKorean and fakeForeign mirror internal/execution's scripted-response
// fakes, extended with AvailableSymbols/Positions/Balance responses the
// orchestrator reads at startup that the execution tests never needed.
type fakeKorean struct {
	symbols []models.Symbol
	balance map[string]float64
}

func (f *fakeKorean) Connect(ctx context.Context) error { return nil }
func (f *fakeKorean) Disconnect() error                 { return nil }
func (f *fakeKorean) Name() string                      { return "fake-korean" }
func (f *fakeKorean) SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error {
	return nil
}
func (f *fakeKorean) AvailableSymbols(ctx context.Context) ([]models.Symbol, error) {
	return f.symbols, nil
}
func (f *fakeKorean) Balance(ctx context.Context, currency string) (float64, error) {
	return f.balance[currency], nil
}
func (f *fakeKorean) PlaceMarketBuyCost(ctx context.Context, symbol models.Symbol, krw float64) (models.Order, error) {
	return models.Order{}, nil
}
func (f *fakeKorean) PlaceMarketBuyQuantity(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	return models.Order{}, nil
}
func (f *fakeKorean) PlaceMarketSell(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	return models.Order{}, nil
}
func (f *fakeKorean) USDTKRWPrice(ctx context.Context) (float64, error) { return 1350, nil }
func (f *fakeKorean) MinOrderKRW() float64                              { return 5000 }

type fakeForeign struct {
	symbols   []models.Symbol
	positions []exchange.PositionSnapshot
	leverage  []struct {
		sym models.Symbol
		lev int
	}
	mu sync.Mutex
}

func (f *fakeForeign) Connect(ctx context.Context) error { return nil }
func (f *fakeForeign) Disconnect() error                 { return nil }
func (f *fakeForeign) Name() string                       { return "fake-foreign" }
func (f *fakeForeign) SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error {
	return nil
}
func (f *fakeForeign) AvailableSymbols(ctx context.Context) ([]models.Symbol, error) {
	return f.symbols, nil
}
func (f *fakeForeign) Balance(ctx context.Context, currency string) (float64, error) { return 0, nil }
func (f *fakeForeign) OpenShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	return models.Order{}, nil
}
func (f *fakeForeign) CloseShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	return models.Order{}, nil
}
func (f *fakeForeign) SetLeverage(ctx context.Context, symbol models.Symbol, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage = append(f.leverage, struct {
		sym models.Symbol
		lev int
	}{symbol, leverage})
	return nil
}
func (f *fakeForeign) Positions(ctx context.Context) ([]exchange.PositionSnapshot, error) {
	return f.positions, nil
}
func (f *fakeForeign) LotSize(symbol models.Symbol) (models.LotSize, bool) { return models.LotSize{}, false }
func (f *fakeForeign) FundingIntervalHours(symbol models.Symbol) (float64, bool) {
	return 0, false
}

func testEngine(t *testing.T, korean *fakeKorean, foreign *fakeForeign) *Engine {
	dir := t.TempDir()
	audit, err := execution.NewAuditLog(dir)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	cfg := &config.Config{
		Trading: config.TradingConfig{
			SliceUSD:      100,
			SliceInterval: time.Millisecond,
			EntryThreshold: -0.99,
			DynamicSpread:  0.79,
			ExitFloor:      0.10,
			MaxPositions:   1,
		},
		PositionSnapshotPath: dir + "/position.json",
	}
	return New(cfg, zap.NewNop(), cache.NewQuoteCache(5), position.NewTracker(1), persistence.NewStore(cfg.PositionSnapshotPath), audit,
		korean, models.Upbit, foreign, models.Bybit)
}

func TestCanonicalize_FixesQuoteToken(t *testing.T) {
	krw := models.NewSymbol("BTC", "KRW")
	usdt := models.NewSymbol("BTC", "USDT")

	if canonicalize(krw) != canonicalize(usdt) {
		t.Fatalf("expected both legs' native symbols to canonicalize to the same key, got %v and %v", canonicalize(krw), canonicalize(usdt))
	}
	if canonicalize(krw).Quote != canonicalQuote {
		t.Fatalf("expected canonical quote %q, got %q", canonicalQuote, canonicalize(krw).Quote)
	}
}

func TestBuildWatches_IntersectsAvailableSymbolsByBase(t *testing.T) {
	korean := &fakeKorean{symbols: []models.Symbol{
		models.NewSymbol("BTC", "KRW"),
		models.NewSymbol("ETH", "KRW"),
		models.NewSymbol("ONLYKOREAN", "KRW"),
	}}
	foreign := &fakeForeign{symbols: []models.Symbol{
		models.NewSymbol("BTC", "USDT"),
		models.NewSymbol("ETH", "USDT"),
		models.NewSymbol("ONLYFOREIGN", "USDT"),
	}}
	e := testEngine(t, korean, foreign)

	watches, err := e.buildWatches(context.Background())
	if err != nil {
		t.Fatalf("buildWatches: %v", err)
	}
	if len(watches) != 2 {
		t.Fatalf("expected 2 symbols common to both venues, got %d: %v", len(watches), watches)
	}
	for _, w := range watches {
		if w.Symbol.Quote != canonicalQuote {
			t.Fatalf("expected watch symbol quote to be canonicalized, got %v", w.Symbol)
		}
		if w.Symbol.Base == "ONLYKOREAN" || w.Symbol.Base == "ONLYFOREIGN" {
			t.Fatalf("expected only symbols present on both venues, got %v", w.Symbol)
		}
	}
}

func TestPresetLeverage_SetsOneXOnEverySymbol(t *testing.T) {
	korean := &fakeKorean{}
	foreign := &fakeForeign{}
	e := testEngine(t, korean, foreign)

	btc := models.NewSymbol("BTC", canonicalQuote)
	eth := models.NewSymbol("ETH", canonicalQuote)
	err := e.presetLeverage(context.Background(), symbolWatches(btc, eth))
	if err != nil {
		t.Fatalf("presetLeverage: %v", err)
	}
	if len(foreign.leverage) != 2 {
		t.Fatalf("expected SetLeverage called once per symbol, got %d calls", len(foreign.leverage))
	}
	for _, call := range foreign.leverage {
		if call.lev != 1 {
			t.Fatalf("expected leverage 1, got %d for %v", call.lev, call.sym)
		}
	}
}

func TestBuildBlacklist_FlagsExternalForeignPositionAndKoreanBalance(t *testing.T) {
	btc := models.NewSymbol("BTC", canonicalQuote)
	eth := models.NewSymbol("ETH", canonicalQuote)

	korean := &fakeKorean{balance: map[string]float64{"ETH": 1.5}}
	foreign := &fakeForeign{positions: []exchange.PositionSnapshot{
		{Symbol: models.NewSymbol("BTC", "USDT"), Quantity: 0.2},
	}}
	e := testEngine(t, korean, foreign)

	if err := e.buildBlacklist(context.Background(), symbolWatches(btc, eth)); err != nil {
		t.Fatalf("buildBlacklist: %v", err)
	}
	if _, ok := e.blacklist[btc]; !ok {
		t.Fatalf("expected BTC blacklisted from the external foreign position")
	}
	if _, ok := e.blacklist[eth]; !ok {
		t.Fatalf("expected ETH blacklisted from the external korean balance")
	}
}

func TestStartLoop_DedupesConcurrentSignalsForTheSameSymbol(t *testing.T) {
	korean := &fakeKorean{}
	foreign := &fakeForeign{}
	e := testEngine(t, korean, foreign)

	sym := models.NewSymbol("BTC", canonicalQuote)
	started := make(chan struct{}, 4)
	release := make(chan struct{})

	run := func(ctx context.Context, ctrl *execution.Controller) execution.Result {
		started <- struct{}{}
		<-release
		return execution.Result{}
	}

	for i := 0; i < 4; i++ {
		e.startLoop(sym, run)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected the first loop to start")
	}
	select {
	case <-started:
		t.Fatal("expected only one loop to start for a symbol already running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	e.wg.Wait()
}

// symbolWatches is a small test helper building a []signal.SymbolWatch for
// tests that only care about the Symbol field, not a real exchange pair.
func symbolWatches(symbols ...models.Symbol) []signal.SymbolWatch {
	out := make([]signal.SymbolWatch, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, signal.SymbolWatch{Symbol: s})
	}
	return out
}
