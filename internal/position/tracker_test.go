package position

import (
	"sync"
	"testing"

	"kimpbot/internal/models"
)

func mkPosition(sym models.Symbol) models.Position {
	return models.Position{
		Symbol:          sym,
		KoreanExchange:  models.Upbit,
		ForeignExchange: models.Bybit,
		KoreanAmount:    0.25,
		ForeignAmount:   0.25,
		IsActive:        true,
	}
}

func TestTracker_OpenHasGetClose(t *testing.T) {
	tr := NewTracker(2)
	sym := models.NewSymbol("ETH", "KRW")

	if tr.HasPosition(sym) {
		t.Fatalf("should have no position yet")
	}
	if !tr.OpenPosition(mkPosition(sym)) {
		t.Fatalf("open should succeed with free capacity")
	}
	if !tr.HasPosition(sym) {
		t.Fatalf("should report the position as present")
	}
	p, ok := tr.GetPosition(sym)
	if !ok || p.Symbol != sym {
		t.Fatalf("get should return the opened position")
	}
	closed, ok := tr.ClosePosition(sym)
	if !ok || closed.Symbol != sym {
		t.Fatalf("close should return the closed position")
	}
	if tr.HasPosition(sym) {
		t.Fatalf("should have no position after close")
	}
}

func TestTracker_CapacityEnforced(t *testing.T) {
	tr := NewTracker(1)
	a := models.NewSymbol("BTC", "KRW")
	b := models.NewSymbol("ETH", "KRW")

	if !tr.CanOpenPosition() {
		t.Fatalf("should have capacity initially")
	}
	if !tr.OpenPosition(mkPosition(a)) {
		t.Fatalf("first open should succeed")
	}
	if tr.CanOpenPosition() {
		t.Fatalf("capacity should be exhausted")
	}
	if tr.OpenPosition(mkPosition(b)) {
		t.Fatalf("second open should fail: no free slot")
	}
}

func TestTracker_UpdateInPlace(t *testing.T) {
	tr := NewTracker(1)
	sym := models.NewSymbol("BTC", "KRW")
	tr.OpenPosition(mkPosition(sym))

	ok := tr.UpdatePosition(sym, func(p *models.Position) {
		p.KoreanAmount += 0.1
		p.ForeignAmount += 0.1
	})
	if !ok {
		t.Fatalf("update should find the active slot")
	}
	p, _ := tr.GetPosition(sym)
	if p.KoreanAmount != 0.35 {
		t.Fatalf("got %v, want 0.35", p.KoreanAmount)
	}
	if !p.IsHedged() {
		t.Fatalf("position should remain hedged after a symmetric update")
	}
}

func TestTracker_ConcurrentStress(t *testing.T) {
	tr := NewTracker(8)
	symbols := make([]models.Symbol, 8)
	for i := range symbols {
		symbols[i] = models.NewSymbol(string(rune('A'+i)), "KRW")
	}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		sym := sym
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if !tr.HasPosition(sym) {
					tr.OpenPosition(mkPosition(sym))
				}
				tr.UpdatePosition(sym, func(p *models.Position) {
					p.KoreanAmount += 0.001
					p.ForeignAmount += 0.001
				})
				if p, ok := tr.GetPosition(sym); ok && !p.IsHedged() {
					t.Errorf("observed unhedged position for %v: %+v", sym, p)
				}
				tr.ClosePosition(sym)
			}
		}()
	}
	wg.Wait()
}
