// Package exchange adapts each venue's REST/websocket API to the Exchange
// Capability the engine consumes (spec section 4.8). Grounded on the
// teacher's Exchange interface in this same file, generalized from the
// teacher's mixed spot/futures dashboard surface (balances, arbitrary market
// orders, liquidation subscriptions) down to the narrower operation set this
// system actually drives: a Korean-spot leg and a foreign-perpetual leg per
// symbol.
package exchange

import (
	"context"
	"time"

	"kimpbot/internal/models"
)

// Capability is the subset of operations every venue — Korean spot or
// foreign perpetual — must support.
type Capability interface {
	// Connect idempotently opens REST connection pools and the websocket
	// stream, resubscribing any channels requested before a reconnect.
	Connect(ctx context.Context) error
	Disconnect() error

	Name() string

	// SubscribeTicker arranges for quote updates on the given symbols to
	// flow into onTicker. The subscription list is remembered and re-sent
	// automatically after a reconnect.
	SubscribeTicker(symbols []models.Symbol, onTicker func(models.Quote)) error

	// AvailableSymbols is a one-shot enumeration of tradable symbols for
	// this venue's market type.
	AvailableSymbols(ctx context.Context) ([]models.Symbol, error)

	// Balance returns the free balance of currency on this venue.
	Balance(ctx context.Context, currency string) (float64, error)
}

// KoreanSpot is the Capability sub-interface for a Korean won spot venue.
type KoreanSpot interface {
	Capability

	// PlaceMarketBuyCost submits a market buy for krw notional worth of
	// symbol.
	PlaceMarketBuyCost(ctx context.Context, symbol models.Symbol, krw float64) (models.Order, error)

	// PlaceMarketBuyQuantity submits a market buy for an exact coin
	// quantity of symbol.
	PlaceMarketBuyQuantity(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error)

	// PlaceMarketSell is the Korean sell path used when exiting a position.
	PlaceMarketSell(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error)

	// USDTKRWPrice is the fallback fetch used if the streamed reference
	// rate is absent.
	USDTKRWPrice(ctx context.Context) (float64, error)

	// MinOrderKRW is this venue's minimum market order notional, in won.
	// The entry-slice minimum-notional rollback guard (spec section 4.6)
	// compares against this, not the foreign venue's USDT min notional.
	MinOrderKRW() float64
}

// ForeignPerp is the Capability sub-interface for a USDT-margined foreign
// perpetual venue.
type ForeignPerp interface {
	Capability

	// OpenShort applies lot-size normalization (floor to step, round up to
	// min qty, reject below min notional) before submitting a short market
	// order.
	OpenShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error)

	// CloseShort covers qty of an open short via a market buy.
	CloseShort(ctx context.Context, symbol models.Symbol, qty float64) (models.Order, error)

	// SetLeverage is a pre-flight call; "already at this leverage" is
	// treated as success.
	SetLeverage(ctx context.Context, symbol models.Symbol, leverage int) error

	// Positions returns a snapshot of this venue's authoritative short
	// positions.
	Positions(ctx context.Context) ([]PositionSnapshot, error)

	// LotSize returns the cached per-symbol lot size and funding interval,
	// populated by AvailableSymbols.
	LotSize(symbol models.Symbol) (models.LotSize, bool)
	FundingIntervalHours(symbol models.Symbol) (float64, bool)
}

// PositionSnapshot is a venue-reported open position, used at startup to
// build the external-position blacklist (spec section 4.6 preconditions).
type PositionSnapshot struct {
	Symbol     models.Symbol
	Side       models.Side
	Quantity   float64
	EntryPrice float64
	UpdatedAt  time.Time
}

// CapabilityError wraps a venue error with the adapter's name and the
// classified order status it corresponds to, per spec section 4.8's
// "rejected, new, partially_filled, filled, cancelled, expired" taxonomy.
type CapabilityError struct {
	Venue    string
	Status   models.OrderStatus
	Message  string
	Original error
}

func (e *CapabilityError) Error() string {
	return e.Venue + ": " + e.Message
}

func (e *CapabilityError) Unwrap() error {
	return e.Original
}
