package monitor

import (
	"testing"

	"kimpbot/internal/cache"
	"kimpbot/internal/models"
	"kimpbot/internal/position"
	"kimpbot/internal/signal"
)

type fakeSource struct {
	watches []signal.SymbolWatch
	quotes  *cache.QuoteCache
	tracker *position.Tracker
	korean  models.Exchange
	foreign models.Exchange
}

func (f *fakeSource) Watches() []signal.SymbolWatch             { return f.watches }
func (f *fakeSource) Quotes() *cache.QuoteCache                 { return f.quotes }
func (f *fakeSource) Positions() *position.Tracker              { return f.tracker }
func (f *fakeSource) Venues() (korean, foreign models.Exchange) { return f.korean, f.foreign }

func TestRows_ComputesPremiumsAndPositionLabelPerWatch(t *testing.T) {
	qc := cache.NewQuoteCache(5.0)
	sym := models.NewSymbol("BTC", "USDT")

	qc.Update(models.Upbit, sym, 96_000_000, 96_100_000, 96_050_000, 1000)
	qc.Update(models.Bybit, sym, 71_000, 71_010, 71_005, 1000)
	qc.UpdateUsdtRate(models.Upbit, 1350)

	tracker := position.NewTracker(5)
	tracker.OpenPosition(models.Position{Symbol: sym, IsActive: true})

	src := &fakeSource{
		watches: []signal.SymbolWatch{{Symbol: sym}},
		quotes:  qc,
		tracker: tracker,
		korean:  models.Upbit,
		foreign: models.Bybit,
	}

	m := newModel(src)
	rows := m.rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	row := rows[0]
	if row[0] != "BTC" {
		t.Errorf("symbol column = %q, want BTC", row[0])
	}
	if row[5] != "open" {
		t.Errorf("position column = %q, want open (tracker has a position for %v)", row[5], sym)
	}
}

func TestRows_MarksUntrackedSymbolWithDash(t *testing.T) {
	qc := cache.NewQuoteCache(5.0)
	sym := models.NewSymbol("ETH", "USDT")

	src := &fakeSource{
		watches: []signal.SymbolWatch{{Symbol: sym}},
		quotes:  qc,
		tracker: position.NewTracker(5),
		korean:  models.Upbit,
		foreign: models.Bybit,
	}

	rows := newModel(src).rows()
	if got := rows[0][5]; got != "-" {
		t.Errorf("position column = %q, want -", got)
	}
}
