package models

// Quote is a point-in-time snapshot of one (exchange, symbol) pair, as
// returned by the quote cache's Get. It is a plain value — the cache itself
// owns the mutable, atomically-updated storage this snapshot is copied from.
type Quote struct {
	Symbol   Symbol
	Exchange Exchange

	Bid  float64
	Ask  float64
	Last float64

	FundingRate     float64
	FundingInterval float64 // hours
	NextFundingMs   int64

	TimestampMs int64
	Valid       bool
}

// IsValid reports the per-quote validity rule from the data model: strictly
// positive bid and ask with ask >= bid, and a nonzero timestamp.
func (q Quote) IsValid() bool {
	return q.Valid && q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid && q.TimestampMs > 0
}

// Mid returns the mid price, or 0 if the quote has no usable sides.
func (q Quote) Mid() float64 {
	if q.Bid <= 0 || q.Ask <= 0 {
		return 0
	}
	return (q.Bid + q.Ask) / 2
}

// SpreadPct returns the relative bid-ask spread as a percentage of mid.
func (q Quote) SpreadPct() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / mid * 100
}
