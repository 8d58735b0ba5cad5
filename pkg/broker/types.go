package broker

import "context"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// OrderRequest captures an order intent to be sent to a venue.
type OrderRequest struct {
	OrderID  string // client order id (uuid)
	Symbol   string
	Side     Side
	Notional float64 // order size in USD
}

// OrderResult returns the venue ack.
type OrderResult struct {
	VenueOrderID string
	Status       OrderStatus
}

// Client abstracts a trading venue for one account's credentials.
// Implementations must be safe for concurrent use.
type Client interface {
	// Name returns the venue name the client talks to.
	Name() string
	// RequiresNonce reports whether PlaceOrder must carry a signed nonce.
	RequiresNonce() bool
	// GetBalance returns the account's free balance in USD.
	GetBalance(ctx context.Context) (float64, error)
	// PlaceOrder submits an order. nonce is ignored when RequiresNonce
	// is false.
	PlaceOrder(ctx context.Context, req OrderRequest, nonce uint64) (OrderResult, error)
	// CancelAllOpenOrders cancels every open order for the account.
	CancelAllOpenOrders(ctx context.Context) error
}
