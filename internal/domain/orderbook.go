package domain

import "time"

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Opposite returns the other outcome.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a full bid/ask ladder for one token, as fetched over REST.
type OrderBook struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestAsk returns the lowest ask level.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, l := range b.Asks {
		if l.Size <= 0 {
			continue
		}
		if !found || l.Price < best.Price {
			best, found = l, true
		}
	}
	return best, found
}

// BestBid returns the highest bid level.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	var best PriceLevel
	found := false
	for _, l := range b.Bids {
		if l.Size <= 0 {
			continue
		}
		if !found || l.Price > best.Price {
			best, found = l, true
		}
	}
	return best, found
}

// BookSide is the best ask of one outcome.
type BookSide struct {
	Ask       float64
	Size      float64
	Seq       uint64
	UpdatedAt time.Time
}

// Valid reports whether the side has a usable quote.
func (s BookSide) Valid() bool {
	return s.Ask > 0 && s.Size > 0
}

// BookSnapshot is an immutable view of both sides of a market.
type BookSnapshot struct {
	MarketID string
	Yes      BookSide
	No       BookSide
	Seq      uint64
	Stale    bool
}

// Side returns the requested outcome's quote.
func (s BookSnapshot) Side(o Outcome) BookSide {
	if o == OutcomeNo {
		return s.No
	}
	return s.Yes
}

// BookUpdate is one sequenced best-ask change delivered by the feed.
type BookUpdate struct {
	MarketID string
	Outcome  Outcome
	Ask      float64
	Size     float64
	Seq      uint64
	At       time.Time
}
