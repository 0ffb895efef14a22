package models

// LotSize is per-symbol order-sizing metadata for a foreign perpetual venue,
// fetched once from the instrument-info endpoint and cached for the life of
// the process (spec section 3, "Lot-size metadata").
type LotSize struct {
	MinQty      float64
	QtyStep     float64
	MinNotional float64
}

// Normalize floors qty to the venue's lot step and reports whether the
// result still clears MinQty and, when price > 0, MinNotional.
//
// Scenario S4: a raw quantity of 0.000657894 with QtyStep 0.001 and MinQty
// 0.001 normalizes up to 0.001 (the floor-to-step result would be 0, which
// is below MinQty, so the minimum wins).
func (l LotSize) Normalize(qty, price float64) (normalized float64, ok bool) {
	if l.QtyStep > 0 {
		steps := qty / l.QtyStep
		normalized = float64(int64(steps)) * l.QtyStep
	} else {
		normalized = qty
	}
	if normalized < l.MinQty {
		normalized = l.MinQty
	}
	if l.MinNotional > 0 && price > 0 && normalized*price < l.MinNotional {
		return normalized, false
	}
	return normalized, true
}
