// Package quality implements the Quality Filter: a pure, stateless
// predicate over a pair of quotes and the current time (spec section 4.2).
package quality

import "kimpbot/internal/models"

// Thresholds bundles the compile-time-constant caps the filter checks
// against. All are configurable at startup (spec section 6, "trading"
// config section) but immutable once the engine is running.
type Thresholds struct {
	MaxQuoteAgeMs      int64
	MaxDesyncMs        int64
	MaxKoreanSpreadPct float64
	MaxForeignSpreadPct float64
}

// DefaultThresholds matches the values implied by the origin's defaults:
// a wider cap for thin Korean spot books, a tighter cap for liquid foreign
// perpetual books.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxQuoteAgeMs:       3000,
		MaxDesyncMs:         1000,
		MaxKoreanSpreadPct:  2.0,
		MaxForeignSpreadPct: 0.5,
	}
}

// Usable implements the five-condition predicate from spec section 4.2.
// Any failing condition silently disqualifies the pair; the filter never
// panics or logs, it only returns a boolean.
func Usable(korean, foreign models.Quote, usdtRate float64, nowMs int64, th Thresholds) bool {
	if !korean.IsValid() || !foreign.IsValid() {
		return false
	}
	if nowMs-korean.TimestampMs > th.MaxQuoteAgeMs {
		return false
	}
	if nowMs-foreign.TimestampMs > th.MaxQuoteAgeMs {
		return false
	}
	desync := korean.TimestampMs - foreign.TimestampMs
	if desync < 0 {
		desync = -desync
	}
	if desync > th.MaxDesyncMs {
		return false
	}
	if korean.SpreadPct() > th.MaxKoreanSpreadPct {
		return false
	}
	if foreign.SpreadPct() > th.MaxForeignSpreadPct {
		return false
	}
	if usdtRate <= 0 {
		return false
	}
	return true
}

// AcceptDegraded reports whether a Korean quote whose bid, ask and last have
// collapsed to the same value (a combined-ticker fallback that has not yet
// populated its order-book channel) should still be treated as valid input
// to Usable. This is the documented knob resolving spec section 9's first
// open question; the origin accepts degraded quotes, so the default here is
// true. See DESIGN.md for the rationale.
func AcceptDegraded(q models.Quote, accept bool) bool {
	if !accept && q.Bid == q.Ask && q.Ask == q.Last {
		return false
	}
	return true
}
