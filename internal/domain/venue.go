package domain

import "context"

// Discoverer resolves a symbol's market for a window bucket.
type Discoverer interface {
	DiscoverUpDown(ctx context.Context, symbol string, bucket int64) (Market, error)
}

// BookFetcher returns a full book snapshot for resynchronisation.
type BookFetcher interface {
	GetBook(ctx context.Context, tokenID string) (OrderBook, error)
}

// Venue is the order side of the trading venue.
type Venue interface {
	PlaceOrder(ctx context.Context, order Order) (OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
	OpenOrders(ctx context.Context) ([]Order, error)
}

// PositionSource fetches current holdings, aggregated per market.
type PositionSource interface {
	Positions(ctx context.Context) ([]Position, error)
}

// Redeemer submits a merge of amount YES+NO back into collateral and returns
// the transaction hash once confirmed.
type Redeemer interface {
	Redeem(ctx context.Context, marketID string, amount float64, negRisk bool) (string, error)
}
