package models

// OrderStatus classifies an order's lifecycle state as reported by an
// exchange adapter (spec section 4.8: "rejected, new, partially_filled,
// filled, cancelled, expired").
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
	OrderRejected        OrderStatus = "rejected"
)

// Side is the trading direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order is the reconciled result of an adapter's place_* call: by the time
// the adapter returns it, FilledQuantity and AveragePrice reflect either the
// synchronous response or a follow-up detail query (spec section 4.8).
type Order struct {
	OrderIDStr      string
	Symbol          Symbol
	Side            Side
	Status          OrderStatus
	RequestedQty    float64
	FilledQuantity  float64
	AveragePrice    float64
	TimestampMs     int64
}

// ReconciledQuantity implements the fill-reconciliation rule from spec
// section 4.6: filled_quantity takes precedence when positive, otherwise the
// lot-size-normalized requested quantity is the authoritative hedge amount.
func (o Order) ReconciledQuantity() float64 {
	if o.FilledQuantity > 0 {
		return o.FilledQuantity
	}
	return o.RequestedQty
}

// IsTerminal reports whether the order has reached a state the caller should
// stop polling for.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderFilled, OrderCancelled, OrderExpired, OrderRejected:
		return true
	default:
		return false
	}
}
