package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeGTD OrderType = "GTD" // Good-Till-Date
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// Valid reports whether t is a known time-in-force.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeGTC, OrderTypeGTD, OrderTypeFOK, OrderTypeFAK:
		return true
	}
	return false
}

// Immediate reports whether orders of this type never rest on the book.
func (t OrderType) Immediate() bool {
	return t == OrderTypeFOK || t == OrderTypeFAK
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusRejected        OrderStatus = "rejected"
)

func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusOpen:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusRejected:
		return 3
	}
	return -1
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s.rank() == 3
}

// Advance returns the status after observing next. Terminal states are sticky
// and an order never moves back to an earlier state.
func (s OrderStatus) Advance(next OrderStatus) OrderStatus {
	if s.Terminal() || next.rank() < s.rank() {
		return s
	}
	return next
}

// Order is one leg of a trade pair, owned by the executor until terminal.
type Order struct {
	ID            string
	CorrelationID string
	MarketID      string
	TokenID       string
	Outcome       Outcome
	Side          OrderSide
	Type          OrderType
	Price         float64
	Size          float64
	FilledSize    float64
	Expiration    time.Time // zero unless GTD
	NegRisk       bool
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Remaining returns the unfilled size.
func (o Order) Remaining() float64 {
	if r := o.Size - o.FilledSize; r > 0 {
		return r
	}
	return 0
}

// OrderResult wraps the API response after order submission.
type OrderResult struct {
	Success    bool
	OrderID    string
	Status     OrderStatus
	Message    string
	FilledSize float64
}

// PairStatus is the joined outcome of both legs of a trade pair.
type PairStatus string

const (
	PairBothFilled      PairStatus = "both_filled"
	PairPartiallyFilled PairStatus = "partially_filled"
	PairOneFailed       PairStatus = "one_failed"
	PairBothFailed      PairStatus = "both_failed"
)

// TradePair is the terminal record of a paired execution.
type TradePair struct {
	CorrelationID string
	Market        Market
	Yes           Order
	No            Order
	Status        PairStatus
	Edge          float64
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Imbalanced reports whether the pair left one-sided exposure behind.
func (p TradePair) Imbalanced() bool {
	return p.Yes.FilledSize != p.No.FilledSize
}
