package models

// Snapshot is the on-disk JSON shape of a persisted Position, written
// atomically (temp file + rename) after every slice. A missing file means
// no open position. Field names match spec section 6's literal schema.
type Snapshot struct {
	SymbolBase      string  `json:"symbol_base"`
	SymbolQuote     string  `json:"symbol_quote"`
	KoreanExchange  string  `json:"korean_exchange"`
	ForeignExchange string  `json:"foreign_exchange"`

	EntryTimeMs  int64   `json:"entry_time_ms"`
	EntryPremium float64 `json:"entry_premium"`

	PositionSizeUSD float64 `json:"position_size_usd"`

	KoreanAmount  float64 `json:"korean_amount"`
	ForeignAmount float64 `json:"foreign_amount"`

	KoreanEntryPrice  float64 `json:"korean_entry_price"`
	ForeignEntryPrice float64 `json:"foreign_entry_price"`

	RealizedPnlKRW float64 `json:"realized_pnl_krw"`

	IsActive bool `json:"is_active"`
}

// ToPosition reconstructs a Position from a loaded snapshot.
func (s Snapshot) ToPosition() Position {
	koreanEx, _ := ParseExchange(s.KoreanExchange)
	foreignEx, _ := ParseExchange(s.ForeignExchange)
	return Position{
		Symbol:            NewSymbol(s.SymbolBase, s.SymbolQuote),
		KoreanExchange:    koreanEx,
		ForeignExchange:   foreignEx,
		EntryTimeMs:       s.EntryTimeMs,
		EntryPremium:      s.EntryPremium,
		KoreanAmount:      s.KoreanAmount,
		ForeignAmount:     s.ForeignAmount,
		KoreanEntryPrice:  s.KoreanEntryPrice,
		ForeignEntryPrice: s.ForeignEntryPrice,
		RealizedPnlKRW:    s.RealizedPnlKRW,
		PositionSizeUSD:   s.PositionSizeUSD,
		IsActive:          s.IsActive,
	}
}

// FromPosition builds the persisted shape from a live Position.
func FromPosition(p Position) Snapshot {
	return Snapshot{
		SymbolBase:        p.Symbol.Base,
		SymbolQuote:       p.Symbol.Quote,
		KoreanExchange:    p.KoreanExchange.String(),
		ForeignExchange:   p.ForeignExchange.String(),
		EntryTimeMs:       p.EntryTimeMs,
		EntryPremium:      p.EntryPremium,
		PositionSizeUSD:   p.PositionSizeUSD,
		KoreanAmount:      p.KoreanAmount,
		ForeignAmount:     p.ForeignAmount,
		KoreanEntryPrice:  p.KoreanEntryPrice,
		ForeignEntryPrice: p.ForeignEntryPrice,
		RealizedPnlKRW:    p.RealizedPnlKRW,
		IsActive:          true,
	}
}
