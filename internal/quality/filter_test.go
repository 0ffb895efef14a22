package quality

import (
	"testing"

	"kimpbot/internal/models"
)

func validKoreanQuote() models.Quote {
	return models.Quote{Bid: 100, Ask: 100.5, Last: 100.2, TimestampMs: 10_000, Valid: true}
}

func validForeignQuote() models.Quote {
	return models.Quote{Bid: 1.0, Ask: 1.0005, Last: 1.0002, TimestampMs: 10_000, Valid: true}
}

func TestUsable_AllConditionsPass(t *testing.T) {
	th := DefaultThresholds()
	if !Usable(validKoreanQuote(), validForeignQuote(), 1450, 10_100, th) {
		t.Fatalf("expected usable pair")
	}
}

func TestUsable_FailureConditions(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name    string
		mutate  func(k, f *models.Quote)
		usdt    float64
		now     int64
	}{
		{"korean invalid", func(k, f *models.Quote) { k.Valid = false }, 1450, 10_100},
		{"foreign stale", func(k, f *models.Quote) { f.TimestampMs = 0 }, 1450, 10_100},
		{"stale beyond max age", func(k, f *models.Quote) {}, 1450, 10_000 + th.MaxQuoteAgeMs + 1},
		{"desync beyond cap", func(k, f *models.Quote) { f.TimestampMs = k.TimestampMs + th.MaxDesyncMs + 1 }, 1450, 10_100},
		{"korean spread too wide", func(k, f *models.Quote) { k.Ask = k.Bid * 1.10 }, 1450, 10_100},
		{"foreign spread too wide", func(k, f *models.Quote) { f.Ask = f.Bid * 1.05 }, 1450, 10_100},
		{"usdt rate non-positive", func(k, f *models.Quote) {}, 0, 10_100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, f := validKoreanQuote(), validForeignQuote()
			tt.mutate(&k, &f)
			if Usable(k, f, tt.usdt, tt.now, th) {
				t.Fatalf("expected %s to disqualify the pair", tt.name)
			}
		})
	}
}

func TestAcceptDegraded(t *testing.T) {
	degraded := models.Quote{Bid: 100, Ask: 100, Last: 100}
	if !AcceptDegraded(degraded, true) {
		t.Fatalf("accept=true should pass a degraded quote through")
	}
	if AcceptDegraded(degraded, false) {
		t.Fatalf("accept=false should filter out a degraded quote")
	}
	normal := models.Quote{Bid: 100, Ask: 101, Last: 100.5}
	if !AcceptDegraded(normal, false) {
		t.Fatalf("a non-degraded quote must never be filtered by this knob")
	}
}
