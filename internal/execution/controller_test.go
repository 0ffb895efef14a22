package execution

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"kimpbot/internal/exchange"
	"kimpbot/internal/models"
	"kimpbot/internal/persistence"
)

// fakeQuotes is a QuoteSource with fixed, per-venue quotes set by the test.
type fakeQuotes struct {
	quotes map[models.Exchange]models.Quote
	usdt   float64
}

func (f *fakeQuotes) Get(ex models.Exchange, sym models.Symbol) models.Quote { return f.quotes[ex] }
func (f *fakeQuotes) GetUsdtRate(ex models.Exchange) float64                { return f.usdt }

// fakeWaiter never actually blocks; tests drive the loop to completion well
// before SliceInterval would matter.
type fakeWaiter struct{ seq uint64 }

func (w *fakeWaiter) WaitForUpdate(lastSeen uint64, timeout time.Duration) uint64 {
	w.seq++
	return w.seq
}
func (w *fakeWaiter) CurrentUpdateSeq() uint64 { return w.seq }

// fakeKorean implements exchange.KoreanSpot with scripted responses.
type fakeKorean struct {
	buyErr       error
	buyStatus    models.OrderStatus
	sellErr      error
	sellStatus   models.OrderStatus
	sellCalls    int
	failSellsFor int // number of leading sell calls to fail before succeeding
	minOrderKRW  float64
}

func (f *fakeKorean) Connect(ctx context.Context) error  { return nil }
func (f *fakeKorean) Disconnect() error                  { return nil }
func (f *fakeKorean) Name() string                       { return "fake-korean" }
func (f *fakeKorean) SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error {
	return nil
}
func (f *fakeKorean) AvailableSymbols(ctx context.Context) ([]models.Symbol, error) { return nil, nil }
func (f *fakeKorean) Balance(ctx context.Context, currency string) (float64, error) { return 0, nil }

func (f *fakeKorean) PlaceMarketBuyCost(ctx context.Context, symbol models.Symbol, krw float64) (models.Order, error) {
	return models.Order{}, nil
}

func (f *fakeKorean) PlaceMarketBuyQuantity(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	status := f.buyStatus
	if status == "" {
		status = models.OrderFilled
	}
	return models.Order{Symbol: symbol, Side: models.SideBuy, Status: status, RequestedQty: qty, FilledQuantity: qty}, f.buyErr
}

func (f *fakeKorean) PlaceMarketSell(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	f.sellCalls++
	if f.sellCalls <= f.failSellsFor {
		return models.Order{Status: models.OrderRejected}, errors.New("sell rejected")
	}
	status := f.sellStatus
	if status == "" {
		status = models.OrderFilled
	}
	return models.Order{Symbol: symbol, Side: models.SideSell, Status: status, RequestedQty: qty, FilledQuantity: qty}, f.sellErr
}

func (f *fakeKorean) USDTKRWPrice(ctx context.Context) (float64, error) { return 1350, nil }

func (f *fakeKorean) MinOrderKRW() float64 {
	if f.minOrderKRW > 0 {
		return f.minOrderKRW
	}
	return 5000
}

// fakeForeign implements exchange.ForeignPerp with scripted responses.
type fakeForeign struct {
	openErr      error
	closeErr     error
	lot          models.LotSize
	hasLot       bool
	rollbackCall int
}

func (f *fakeForeign) Connect(ctx context.Context) error { return nil }
func (f *fakeForeign) Disconnect() error                 { return nil }
func (f *fakeForeign) Name() string                       { return "fake-foreign" }
func (f *fakeForeign) SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error {
	return nil
}
func (f *fakeForeign) AvailableSymbols(ctx context.Context) ([]models.Symbol, error) { return nil, nil }
func (f *fakeForeign) Balance(ctx context.Context, currency string) (float64, error) { return 0, nil }

func (f *fakeForeign) OpenShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	if f.openErr != nil {
		return models.Order{}, f.openErr
	}
	return models.Order{Symbol: symbol, Side: models.SideSell, Status: models.OrderFilled, RequestedQty: qty, FilledQuantity: qty}, nil
}

func (f *fakeForeign) CloseShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error) {
	f.rollbackCall++
	if f.closeErr != nil {
		return models.Order{}, f.closeErr
	}
	return models.Order{Symbol: symbol, Side: models.SideBuy, Status: models.OrderFilled, RequestedQty: qty, FilledQuantity: qty}, nil
}

func (f *fakeForeign) SetLeverage(ctx context.Context, symbol models.Symbol, leverage int) error { return nil }
func (f *fakeForeign) Positions(ctx context.Context) ([]exchange.PositionSnapshot, error)        { return nil, nil }
func (f *fakeForeign) LotSize(symbol models.Symbol) (models.LotSize, bool)                       { return f.lot, f.hasLot }
func (f *fakeForeign) FundingIntervalHours(symbol models.Symbol) (float64, bool)                 { return 0, false }

func testController(t *testing.T, cfg Config, quotes *fakeQuotes, korean exchange.KoreanSpot, foreign exchange.ForeignPerp) (*Controller, *AuditLog, *persistence.Store) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	store := persistence.NewStore(dir + "/position.json")
	c := New(cfg, quotes, &fakeWaiter{}, nil, korean, foreign, store, audit, map[models.Symbol]models.BlacklistEntry{}, NewAtomicFlag(), nil, zap.NewNop())
	return c, audit, store
}

func baseQuotes() *fakeQuotes {
	return &fakeQuotes{
		usdt: 1350,
		quotes: map[models.Exchange]models.Quote{
			models.Upbit: {Bid: 98_000_000, Ask: 98_010_000, Valid: true},
			models.Bybit: {Bid: 71_000, Ask: 71_010, Valid: true},
		},
	}
}

func TestEntrySlice_HappyPath(t *testing.T) {
	cfg := DefaultConfig()
	quotes := baseQuotes()
	korean := &fakeKorean{}
	foreign := &fakeForeign{}
	c, _, store := testController(t, cfg, quotes, korean, foreign)

	sym := models.NewSymbol("BTC", "KRW")
	pos := models.Position{Symbol: sym, KoreanExchange: models.Upbit, ForeignExchange: models.Bybit}
	var totalKoreanCost, totalForeignValue float64

	filled, attempted := c.entrySlice(context.Background(), sym, models.Upbit, models.Bybit,
		quotes.quotes[models.Upbit], quotes.quotes[models.Bybit], quotes.usdt, -1.5, 100, &pos, &totalKoreanCost, &totalForeignValue)

	if !attempted || !filled {
		t.Fatalf("expected filled=true attempted=true, got filled=%v attempted=%v", filled, attempted)
	}
	if pos.KoreanAmount <= 0 || pos.ForeignAmount <= 0 {
		t.Fatalf("expected both legs to accumulate amount, got korean=%v foreign=%v", pos.KoreanAmount, pos.ForeignAmount)
	}
	if !pos.IsHedged() {
		t.Fatalf("expected hedged position after a single slice, diff=%v", pos.KoreanAmount-pos.ForeignAmount)
	}

	if _, ok, err := store.Load(); err != nil || !ok {
		t.Fatalf("expected a saved snapshot after a successful slice, ok=%v err=%v", ok, err)
	}
}

func TestEntrySlice_RollsBackOnKoreanBuyFailure(t *testing.T) {
	cfg := DefaultConfig()
	quotes := baseQuotes()
	korean := &fakeKorean{buyErr: errors.New("insufficient krw balance")}
	foreign := &fakeForeign{}
	c, _, store := testController(t, cfg, quotes, korean, foreign)

	sym := models.NewSymbol("BTC", "KRW")
	pos := models.Position{Symbol: sym, KoreanExchange: models.Upbit, ForeignExchange: models.Bybit}
	var totalKoreanCost, totalForeignValue float64

	filled, attempted := c.entrySlice(context.Background(), sym, models.Upbit, models.Bybit,
		quotes.quotes[models.Upbit], quotes.quotes[models.Bybit], quotes.usdt, -1.5, 100, &pos, &totalKoreanCost, &totalForeignValue)

	if filled {
		t.Fatalf("expected filled=false after korean buy failure")
	}
	if !attempted {
		t.Fatalf("expected attempted=true (a real attempt was made)")
	}
	if foreign.rollbackCall != 1 {
		t.Fatalf("expected exactly one rollback cover, got %d", foreign.rollbackCall)
	}
	if pos.KoreanAmount != 0 || pos.ForeignAmount != 0 {
		t.Fatalf("expected position untouched on rollback, got korean=%v foreign=%v", pos.KoreanAmount, pos.ForeignAmount)
	}

	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("expected no snapshot saved after rollback, ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(c.audit.entryPath); err == nil {
		t.Fatalf("expected no entry-split audit row appended after rollback")
	}
}

// TestEntrySlice_RollsBackBelowKoreanMinimumNotional guards against
// comparing the Korean-won notional to the foreign venue's USDT minimum
// (which a KRW amount in the millions would never fall under): the rollback
// must key off the Korean venue's own minimum order size.
func TestEntrySlice_RollsBackBelowKoreanMinimumNotional(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SliceUSD = 1 // sliceCoin*korean.Ask lands well under Upbit's 5000 KRW minimum
	quotes := baseQuotes()
	korean := &fakeKorean{minOrderKRW: 5000}
	foreign := &fakeForeign{lot: models.LotSize{MinNotional: 0}} // foreign side has no bearing on this guard
	c, _, store := testController(t, cfg, quotes, korean, foreign)

	sym := models.NewSymbol("BTC", "KRW")
	pos := models.Position{Symbol: sym, KoreanExchange: models.Upbit, ForeignExchange: models.Bybit}
	var totalKoreanCost, totalForeignValue float64

	filled, attempted := c.entrySlice(context.Background(), sym, models.Upbit, models.Bybit,
		quotes.quotes[models.Upbit], quotes.quotes[models.Bybit], quotes.usdt, -1.5, 1, &pos, &totalKoreanCost, &totalForeignValue)

	if filled {
		t.Fatalf("expected filled=false below the Korean minimum order size")
	}
	if !attempted {
		t.Fatalf("expected attempted=true (the short was opened before the guard tripped)")
	}
	if foreign.rollbackCall != 1 {
		t.Fatalf("expected exactly one rollback cover, got %d", foreign.rollbackCall)
	}
	if pos.KoreanAmount != 0 || pos.ForeignAmount != 0 {
		t.Fatalf("expected position untouched on rollback, got korean=%v foreign=%v", pos.KoreanAmount, pos.ForeignAmount)
	}
	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("expected no snapshot saved after rollback, ok=%v err=%v", ok, err)
	}
}

func TestExitSlice_HappyPathComputesPnl(t *testing.T) {
	cfg := DefaultConfig()
	quotes := baseQuotes()
	korean := &fakeKorean{}
	foreign := &fakeForeign{}
	c, _, store := testController(t, cfg, quotes, korean, foreign)

	sym := models.NewSymbol("BTC", "KRW")
	pos := models.Position{
		Symbol:            sym,
		KoreanExchange:    models.Upbit,
		ForeignExchange:   models.Bybit,
		KoreanAmount:      0.0005,
		ForeignAmount:     0.0005,
		KoreanEntryPrice:  97_000_000,
		ForeignEntryPrice: 70_500,
	}
	totalKoreanCost := pos.KoreanAmount * pos.KoreanEntryPrice
	totalForeignValue := pos.ForeignAmount * pos.ForeignEntryPrice

	closed, result := c.exitSlice(context.Background(), sym, models.Upbit, models.Bybit,
		quotes.quotes[models.Upbit], quotes.quotes[models.Bybit], quotes.usdt, &pos, &totalKoreanCost, &totalForeignValue)

	if !closed {
		t.Fatalf("expected the slice to close out the whole small position (below SmallCloseThresholdUSD), got closed=false result=%+v", result)
	}
	if result.RealizedPnlKRW == 0 {
		t.Fatalf("expected a nonzero realized pnl given entry/exit price divergence")
	}
	if pos.ForeignAmount != 0 || pos.KoreanAmount != 0 {
		t.Fatalf("expected position fully unwound, got korean=%v foreign=%v", pos.KoreanAmount, pos.ForeignAmount)
	}
	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("expected snapshot deleted after full close, ok=%v err=%v", ok, err)
	}
}

func TestExitSlice_KoreanSellRetryExhaustion_ContinuesUnhedged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KoreanSellRetries = 2
	cfg.KoreanSellRetryBase = time.Millisecond
	quotes := baseQuotes()
	korean := &fakeKorean{failSellsFor: 2}
	foreign := &fakeForeign{}
	c, _, store := testController(t, cfg, quotes, korean, foreign)

	sym := models.NewSymbol("BTC", "KRW")
	pos := models.Position{
		Symbol:            sym,
		KoreanExchange:    models.Upbit,
		ForeignExchange:   models.Bybit,
		KoreanAmount:      0.01,
		ForeignAmount:     0.01,
		KoreanEntryPrice:  97_000_000,
		ForeignEntryPrice: 70_500,
	}
	totalKoreanCost := pos.KoreanAmount * pos.KoreanEntryPrice
	totalForeignValue := pos.ForeignAmount * pos.ForeignEntryPrice

	closed, _ := c.exitSlice(context.Background(), sym, models.Upbit, models.Bybit,
		quotes.quotes[models.Upbit], quotes.quotes[models.Bybit], quotes.usdt, &pos, &totalKoreanCost, &totalForeignValue)

	if closed {
		t.Fatalf("expected the slice not to report closed after the korean leg failed")
	}
	if korean.sellCalls != cfg.KoreanSellRetries {
		t.Fatalf("expected exactly %d sell attempts, got %d", cfg.KoreanSellRetries, korean.sellCalls)
	}
	// The foreign cover already landed before the korean leg was attempted;
	// the position is left as-is (unhedged) for the next slice iteration to
	// pick back up, matching the no-synthetic-recovery rule.
	if pos.ForeignAmount != 0.01 || pos.KoreanAmount != 0.01 {
		t.Fatalf("expected position unchanged on sell exhaustion, got korean=%v foreign=%v", pos.KoreanAmount, pos.ForeignAmount)
	}
	if _, ok, err := store.Load(); err != nil || ok {
		t.Fatalf("expected no snapshot write on sell exhaustion path (early return before Save), ok=%v err=%v", ok, err)
	}
}

func TestSellKoreanWithRetry_SucceedsAfterTransientRejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KoreanSellRetries = 5
	cfg.KoreanSellRetryBase = time.Millisecond
	korean := &fakeKorean{failSellsFor: 2}
	c := &Controller{cfg: cfg, korean: korean, log: zap.NewNop()}

	order, err := c.sellKoreanWithRetry(context.Background(), models.NewSymbol("BTC", "KRW"), 0.01)
	if err != nil {
		t.Fatalf("expected eventual success, got err=%v", err)
	}
	if order.Status != models.OrderFilled {
		t.Fatalf("expected a filled order, got status=%s", order.Status)
	}
	if korean.sellCalls != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", korean.sellCalls)
	}
}

func TestRunEntry_TransitionsFromEntryToExitInSameLoop(t *testing.T) {
	cfg := DefaultConfig()
	// Static quotes: the korean ask is low enough relative to the foreign bid
	// to satisfy entry, and the korean bid is high enough relative to the
	// foreign ask to satisfy exit, for every iteration of the loop — there is
	// no quote-update plumbing in this fake, so both conditions hold from the
	// first tick. The switch's declaration order (entry case before exit case)
	// is what makes the loop fill the target before ever considering exit.
	quotes := &fakeQuotes{
		usdt: 1350,
		quotes: map[models.Exchange]models.Quote{
			models.Upbit: {Bid: 96_000_000, Ask: 94_900_000, Valid: true},
			models.Bybit: {Bid: 71_000, Ask: 71_010, Valid: true},
		},
	}
	korean := &fakeKorean{}
	foreign := &fakeForeign{}
	c, _, _ := testController(t, cfg, quotes, korean, foreign)

	const targetUSD = 30.0
	result := c.RunEntry(context.Background(), models.NewSymbol("BTC", "KRW"), models.Upbit, models.Bybit, targetUSD)

	if !result.Closed {
		t.Fatalf("expected the loop to fill, then close, the position without returning early, got %+v", result)
	}
}
