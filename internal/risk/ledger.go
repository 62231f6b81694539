// Package risk owns exposure accounting. The Ledger is the only shared
// mutable state of the trading loop: callers reserve notional before
// submitting orders and then commit what filled or release what did not.
// Every mutation runs under one mutex, so concurrent markets cannot race
// past the global cap.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Rejection reasons.
const (
	RejectCap       = "exposure_cap"
	RejectImbalance = "imbalance"
	RejectEmpty     = "empty_request"
	RejectClosed    = "market_closed"
)

// RejectionError is returned by Reserve when a request does not fit. It
// wraps domain.ErrExposureRejected. Headroom is the largest notional the
// caller may retry with; zero means no retry can succeed.
type RejectionError struct {
	MarketID string
	Reason   string
	Headroom float64
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("risk: %s: market %s (headroom %.4f)", e.Reason, e.MarketID, e.Headroom)
}

func (e *RejectionError) Unwrap() error { return domain.ErrExposureRejected }

// Leg is one side of a reservation request.
type Leg struct {
	Price float64
	Size  float64
}

// Notional returns price * size.
func (l Leg) Notional() float64 {
	return decimal.NewFromFloat(l.Price).Mul(decimal.NewFromFloat(l.Size)).InexactFloat64()
}

// Request asks for room for a YES leg and a NO leg in one market.
type Request struct {
	MarketID string
	Yes      Leg
	No       Leg
}

// Reservation is a granted request. It is a receipt: the ledger keeps the
// authoritative copy.
type Reservation struct {
	ID       string
	MarketID string
	Yes      Leg
	No       Leg
}

// Notional returns the reserved notional of both legs.
func (r Reservation) Notional() float64 {
	return r.Yes.Notional() + r.No.Notional()
}

// Exposure is a read-only view of one market's account.
type Exposure struct {
	MarketID    string
	YesShares   float64
	NoShares    float64
	YesNotional float64
	NoNotional  float64
	Reserved    float64
	Imbalanced  bool
}

// Committed returns the committed notional of both sides.
func (e Exposure) Committed() float64 { return e.YesNotional + e.NoNotional }

// Imbalance returns |yes_notional - no_notional|.
func (e Exposure) Imbalance() float64 {
	d := e.YesNotional - e.NoNotional
	if d < 0 {
		return -d
	}
	return d
}

// Totals is the global view across every market.
type Totals struct {
	Committed float64
	Reserved  float64
	Markets   int
}

type held struct {
	yesShares, noShares decimal.Decimal
	yesPrice, noPrice   decimal.Decimal
}

func (h held) notional() decimal.Decimal {
	return h.yesShares.Mul(h.yesPrice).Add(h.noShares.Mul(h.noPrice))
}

type account struct {
	yesShares, noShares     decimal.Decimal
	yesNotional, noNotional decimal.Decimal

	reservedYesShares decimal.Decimal
	reservedNoShares  decimal.Decimal
	reserved          decimal.Decimal

	imbalanced bool
}

func (a *account) committed() decimal.Decimal { return a.yesNotional.Add(a.noNotional) }

func (a *account) empty() bool {
	return a.yesShares.IsZero() && a.noShares.IsZero() && a.reserved.IsZero() && !a.imbalanced
}

// Ledger tracks committed and reserved notional per market and globally.
type Ledger struct {
	maxExposure decimal.Decimal
	imbalance   decimal.Decimal
	logger      *slog.Logger

	mu           sync.Mutex
	accounts     map[string]*account
	reservations map[string]held
	resMarket    map[string]string
	retiring     map[string]bool
	committed    decimal.Decimal
	reserved     decimal.Decimal
	halted       error
}

// NewLedger creates a ledger capping committed+reserved notional at
// maxExposure, globally and per market. An imbalanceThreshold of zero
// disables the imbalance check.
func NewLedger(maxExposure, imbalanceThreshold float64, logger *slog.Logger) *Ledger {
	return &Ledger{
		maxExposure:  decimal.NewFromFloat(maxExposure),
		imbalance:    decimal.NewFromFloat(imbalanceThreshold),
		logger:       logger.With(slog.String("component", "risk_ledger")),
		accounts:     make(map[string]*account),
		reservations: make(map[string]held),
		resMarket:    make(map[string]string),
		retiring:     make(map[string]bool),
	}
}

// Reserve admits req if it keeps committed+reserved within the cap and does
// not worsen a share imbalance beyond the threshold.
func (l *Ledger) Reserve(req Request) (Reservation, error) {
	h := held{
		yesShares: decimal.NewFromFloat(req.Yes.Size),
		noShares:  decimal.NewFromFloat(req.No.Size),
		yesPrice:  decimal.NewFromFloat(req.Yes.Price),
		noPrice:   decimal.NewFromFloat(req.No.Price),
	}
	want := h.notional()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return Reservation{}, fmt.Errorf("risk: reserve: %w", l.halted)
	}
	if !want.IsPositive() || h.yesShares.IsNegative() || h.noShares.IsNegative() {
		return Reservation{}, &RejectionError{MarketID: req.MarketID, Reason: RejectEmpty}
	}
	if l.retiring[req.MarketID] {
		return Reservation{}, &RejectionError{MarketID: req.MarketID, Reason: RejectClosed}
	}

	acct := l.accounts[req.MarketID]
	if acct == nil {
		acct = &account{}
	}

	headroom := decimal.Min(
		l.maxExposure.Sub(l.committed).Sub(l.reserved),
		l.maxExposure.Sub(acct.committed()).Sub(acct.reserved),
	)
	if want.GreaterThan(headroom) {
		return Reservation{}, &RejectionError{
			MarketID: req.MarketID,
			Reason:   RejectCap,
			Headroom: decimal.Max(headroom, decimal.Zero).InexactFloat64(),
		}
	}

	if l.imbalance.IsPositive() {
		yes := acct.yesShares.Add(acct.reservedYesShares)
		no := acct.noShares.Add(acct.reservedNoShares)
		before := ratio(yes, no)
		after := ratio(yes.Add(h.yesShares), no.Add(h.noShares))
		if after.GreaterThan(l.imbalance) && after.GreaterThan(before) {
			balanced := decimal.Min(h.yesShares, h.noShares)
			return Reservation{}, &RejectionError{
				MarketID: req.MarketID,
				Reason:   RejectImbalance,
				Headroom: balanced.Mul(h.yesPrice.Add(h.noPrice)).InexactFloat64(),
			}
		}
	}

	id := uuid.NewString()
	acct.reserved = acct.reserved.Add(want)
	acct.reservedYesShares = acct.reservedYesShares.Add(h.yesShares)
	acct.reservedNoShares = acct.reservedNoShares.Add(h.noShares)
	l.accounts[req.MarketID] = acct
	l.reservations[id] = h
	l.resMarket[id] = req.MarketID
	l.reserved = l.reserved.Add(want)

	return Reservation{ID: id, MarketID: req.MarketID, Yes: req.Yes, No: req.No}, nil
}

// Commit converts a reservation into committed exposure for the shares that
// actually filled, valued at the reserved leg prices, and frees the rest.
// Filling more than was reserved is an invariant violation and halts the
// ledger.
func (l *Ledger) Commit(res Reservation, yesFilled, noFilled float64) error {
	yf := decimal.NewFromFloat(yesFilled)
	nf := decimal.NewFromFloat(noFilled)

	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.reservations[res.ID]
	if !ok {
		return l.haltLocked(fmt.Errorf("commit of unknown reservation %s", res.ID))
	}
	if yf.IsNegative() || nf.IsNegative() || yf.GreaterThan(h.yesShares) || nf.GreaterThan(h.noShares) {
		return l.haltLocked(fmt.Errorf("fill %s/%s exceeds reservation %s/%s on %s",
			yf, nf, h.yesShares, h.noShares, res.MarketID))
	}

	marketID := l.resMarket[res.ID]
	acct := l.accounts[marketID]
	l.dropReservationLocked(res.ID, h, acct)

	acct.yesShares = acct.yesShares.Add(yf)
	acct.noShares = acct.noShares.Add(nf)
	acct.yesNotional = acct.yesNotional.Add(yf.Mul(h.yesPrice))
	acct.noNotional = acct.noNotional.Add(nf.Mul(h.noPrice))
	added := yf.Mul(h.yesPrice).Add(nf.Mul(h.noPrice))
	l.committed = l.committed.Add(added)

	if err := l.checkLocked(acct); err != nil {
		return l.haltLocked(err)
	}
	l.settlePendingLocked(marketID, acct)
	return nil
}

// Release returns an unused reservation. Releasing twice is harmless.
func (l *Ledger) Release(res Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.reservations[res.ID]
	if !ok {
		return
	}
	marketID := l.resMarket[res.ID]
	acct := l.accounts[marketID]
	l.dropReservationLocked(res.ID, h, acct)
	if acct.empty() {
		delete(l.accounts, marketID)
	}
	l.settlePendingLocked(marketID, acct)
}

// Seed replaces a market's committed exposure with holdings observed at the
// venue. It bypasses the cap: the venue is the source of truth, and a market
// seeded above the cap simply has no headroom.
func (l *Ledger) Seed(marketID string, yesShares, noShares, yesNotional, noNotional float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.accounts[marketID]
	if acct == nil {
		acct = &account{}
		l.accounts[marketID] = acct
	}
	l.committed = l.committed.Sub(acct.committed())
	acct.yesShares = decimal.NewFromFloat(yesShares)
	acct.noShares = decimal.NewFromFloat(noShares)
	acct.yesNotional = decimal.NewFromFloat(yesNotional)
	acct.noNotional = decimal.NewFromFloat(noNotional)
	l.committed = l.committed.Add(acct.committed())

	if l.committed.GreaterThan(l.maxExposure) || acct.committed().GreaterThan(l.maxExposure) {
		l.logger.Warn("seeded exposure above cap",
			slog.String("market", marketID),
			slog.String("market_committed", acct.committed().String()),
			slog.String("global_committed", l.committed.String()),
			slog.String("max_exposure", l.maxExposure.String()),
		)
	}
}

// Redeem reduces both sides of a market by a merged quantity. Notional is
// reduced pro-rata to the shares removed.
func (l *Ledger) Redeem(marketID string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.accounts[marketID]
	if acct == nil || amount <= 0 {
		return
	}
	amt := decimal.NewFromFloat(amount)
	before := acct.committed()
	acct.yesShares, acct.yesNotional = reduce(acct.yesShares, acct.yesNotional, amt)
	acct.noShares, acct.noNotional = reduce(acct.noShares, acct.noNotional, amt)
	l.committed = l.committed.Sub(before).Add(acct.committed())
	if acct.yesShares.Equal(acct.noShares) {
		acct.imbalanced = false
	}
	if acct.empty() {
		delete(l.accounts, marketID)
	}
}

// Settle drops the committed exposure of a market whose window has closed
// and returns the notional released. A market with an outstanding
// reservation reports false: it accepts no new reservations and is settled
// when its last reservation is committed or released.
func (l *Ledger) Settle(marketID string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.accounts[marketID]
	if acct == nil {
		return 0, true
	}
	if !acct.reserved.IsZero() {
		l.retiring[marketID] = true
		return 0, false
	}
	return l.settleLocked(marketID, acct).InexactFloat64(), true
}

// Retiring reports whether marketID is waiting on reservations before it
// can be settled.
func (l *Ledger) Retiring(marketID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.retiring[marketID]
}

func (l *Ledger) settleLocked(marketID string, acct *account) decimal.Decimal {
	released := acct.committed()
	l.committed = l.committed.Sub(released)
	delete(l.accounts, marketID)
	delete(l.retiring, marketID)
	return released
}

// settlePendingLocked completes a deferred Settle once the market's last
// reservation has resolved.
func (l *Ledger) settlePendingLocked(marketID string, acct *account) {
	if !l.retiring[marketID] || acct == nil || !acct.reserved.IsZero() {
		return
	}
	released := l.settleLocked(marketID, acct)
	l.logger.Info("settled retired market",
		slog.String("market", marketID),
		slog.String("released", released.String()),
	)
}

// FlagImbalance marks a market as carrying one-sided exposure.
func (l *Ledger) FlagImbalance(marketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accounts[marketID]
	if acct == nil {
		acct = &account{}
		l.accounts[marketID] = acct
	}
	acct.imbalanced = true
}

// Exposure returns the account of one market.
func (l *Ledger) Exposure(marketID string) Exposure {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct := l.accounts[marketID]
	if acct == nil {
		return Exposure{MarketID: marketID}
	}
	return toExposure(marketID, acct)
}

// Exposures returns every non-empty account ordered by market id.
func (l *Ledger) Exposures() []Exposure {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Exposure, 0, len(l.accounts))
	for id, acct := range l.accounts {
		out = append(out, toExposure(id, acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// Totals returns global committed and reserved notional.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Totals{
		Committed: l.committed.InexactFloat64(),
		Reserved:  l.reserved.InexactFloat64(),
		Markets:   len(l.accounts),
	}
}

// Halted returns the invariant violation that stopped the ledger, if any.
func (l *Ledger) Halted() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Halt stops all further reservations.
func (l *Ledger) Halt(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted == nil {
		l.halted = fmt.Errorf("%w: %v", domain.ErrHalted, cause)
	}
}

func (l *Ledger) dropReservationLocked(id string, h held, acct *account) {
	n := h.notional()
	acct.reserved = acct.reserved.Sub(n)
	acct.reservedYesShares = acct.reservedYesShares.Sub(h.yesShares)
	acct.reservedNoShares = acct.reservedNoShares.Sub(h.noShares)
	l.reserved = l.reserved.Sub(n)
	delete(l.reservations, id)
	delete(l.resMarket, id)
}

func (l *Ledger) checkLocked(acct *account) error {
	var errs []error
	if l.committed.Add(l.reserved).GreaterThan(l.maxExposure) {
		errs = append(errs, fmt.Errorf("global exposure %s above cap %s", l.committed.Add(l.reserved), l.maxExposure))
	}
	if acct.committed().Add(acct.reserved).GreaterThan(l.maxExposure) {
		errs = append(errs, fmt.Errorf("market exposure %s above cap %s", acct.committed().Add(acct.reserved), l.maxExposure))
	}
	if l.reserved.IsNegative() || acct.reserved.IsNegative() {
		errs = append(errs, errors.New("negative reserved notional"))
	}
	return errors.Join(errs...)
}

// haltLocked wraps cause as a ledger invariant violation and stops trading.
func (l *Ledger) haltLocked(cause error) error {
	err := fmt.Errorf("risk: %w: %v", domain.ErrLedgerInvariant, cause)
	if l.halted == nil {
		l.halted = fmt.Errorf("%w: %v", domain.ErrHalted, err)
	}
	l.logger.Error("ledger invariant violated, trading halted",
		slog.String("error", err.Error()),
		slog.String("error_class", domain.ClassLedgerInvariant),
	)
	return err
}

func toExposure(id string, a *account) Exposure {
	return Exposure{
		MarketID:    id,
		YesShares:   a.yesShares.InexactFloat64(),
		NoShares:    a.noShares.InexactFloat64(),
		YesNotional: a.yesNotional.InexactFloat64(),
		NoNotional:  a.noNotional.InexactFloat64(),
		Reserved:    a.reserved.InexactFloat64(),
		Imbalanced:  a.imbalanced,
	}
}

// ratio returns |yes-no|/(yes+no), zero for an empty position.
func ratio(yes, no decimal.Decimal) decimal.Decimal {
	total := yes.Add(no)
	if !total.IsPositive() {
		return decimal.Zero
	}
	return yes.Sub(no).Abs().Div(total)
}

func reduce(shares, notional, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if !shares.IsPositive() {
		return shares, notional
	}
	if amount.GreaterThanOrEqual(shares) {
		return decimal.Zero, decimal.Zero
	}
	left := shares.Sub(amount)
	return left, notional.Mul(left).Div(shares)
}
