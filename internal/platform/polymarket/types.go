package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether a flag is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat unmarshals a JSON number or numeric string.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = flexFloat(n)
	return nil
}

// stringList decodes either a JSON array of strings or a string holding a
// JSON-encoded array, which is how Gamma ships outcomes and clobTokenIds.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = arr
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*l = nil
		return nil
	}
	if err := json.Unmarshal([]byte(s), &arr); err != nil {
		return err
	}
	*l = arr
	return nil
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC3339.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is a market as returned by the Gamma /markets endpoint.
type APIMarket struct {
	ID              string     `json:"id"`
	Question        string     `json:"question"`
	ConditionID     string     `json:"conditionId"`
	Slug            string     `json:"slug"`
	EndDate         string     `json:"endDate"`
	Active          flexBool   `json:"active"`
	Closed          flexBool   `json:"closed"`
	AcceptingOrders flexBool   `json:"acceptingOrders"`
	EnableOrderBook flexBool   `json:"enableOrderBook"`
	NegRisk         flexBool   `json:"negRisk"`
	Outcomes        stringList `json:"outcomes"`
	ClobTokenIDs    stringList `json:"clobTokenIds"`
}

// tradableUpDown reports whether the market is live and shaped Up/Down.
func (m *APIMarket) tradableUpDown() bool {
	if !bool(m.Active) || bool(m.Closed) || !bool(m.EnableOrderBook) || !bool(m.AcceptingOrders) {
		return false
	}
	if len(m.Outcomes) != 2 || len(m.ClobTokenIDs) != 2 || m.ConditionID == "" {
		return false
	}
	hasUp, hasDown := false, false
	for _, o := range m.Outcomes {
		switch strings.ToLower(o) {
		case "up":
			hasUp = true
		case "down":
			hasDown = true
		}
	}
	return hasUp && hasDown
}

// ToDomainMarket converts an up/down Gamma market. The first clob token is
// "Up" (YES) and the second "Down" (NO).
func (m *APIMarket) ToDomainMarket(symbol string, bucket int64) domain.Market {
	dm := domain.Market{
		ID:          m.ConditionID,
		Symbol:      strings.ToLower(symbol),
		Slug:        m.Slug,
		Question:    m.Question,
		WindowStart: time.Unix(bucket, 0).UTC(),
		WindowEnd:   time.Unix(bucket+domain.WindowSeconds, 0).UTC(),
		NegRisk:     bool(m.NegRisk),
		State:       domain.MarketDiscovered,
	}
	if len(m.ClobTokenIDs) == 2 {
		dm.YesTokenID = m.ClobTokenIDs[0]
		dm.NoTokenID = m.ClobTokenIDs[1]
	}
	if t := parseTimestamp(m.EndDate); !t.IsZero() {
		dm.WindowEnd = t.UTC()
	}
	return dm
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder is an order as returned by the CLOB order endpoints.
type APIOrder struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	Market       string    `json:"market"`
	AssetID      string    `json:"asset_id"`
	Side         string    `json:"side"`
	OrderType    string    `json:"order_type"`
	OriginalSize flexFloat `json:"original_size"`
	SizeMatched  flexFloat `json:"size_matched"`
	Price        flexFloat `json:"price"`
	Outcome      string    `json:"outcome"`
	Expiration   string    `json:"expiration"`
	CreatedAt    flexFloat `json:"created_at"`
}

// APIOrderResult is the response from POST /order.
type APIOrderResult struct {
	Success      bool      `json:"success"`
	ErrorMsg     string    `json:"errorMsg,omitempty"`
	OrderID      string    `json:"orderID,omitempty"`
	Status       string    `json:"status,omitempty"`
	TakingAmount flexFloat `json:"takingAmount,omitempty"`
	MakingAmount flexFloat `json:"makingAmount,omitempty"`
}

// APIBook is the response from GET /book.
type APIBook struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Bids      []APIBookLevel `json:"bids"`
	Asks      []APIBookLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// APIBookLevel is one price level of a book.
type APIBookLevel struct {
	Price flexFloat `json:"price"`
	Size  flexFloat `json:"size"`
}

// venueStatus maps CLOB status strings onto the order lifecycle.
func venueStatus(s string, original, matched float64) domain.OrderStatus {
	switch strings.ToUpper(s) {
	case "LIVE", "OPEN":
		if matched > 0 {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusOpen
	case "MATCHED", "FILLED":
		if original > 0 && matched < original {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusFilled
	case "DELAYED", "UNMATCHED":
		return domain.OrderStatusPending
	case "CANCELED", "CANCELLED", "CANCELED_MARKET_RESOLVED":
		return domain.OrderStatusCancelled
	case "EXPIRED":
		return domain.OrderStatusExpired
	case "REJECTED", "INVALID":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusPending
	}
}

// ToDomainOrder converts an APIOrder to a domain.Order.
func (a *APIOrder) ToDomainOrder() domain.Order {
	o := domain.Order{
		ID:         a.ID,
		MarketID:   a.Market,
		TokenID:    a.AssetID,
		Side:       domain.OrderSide(strings.ToUpper(a.Side)),
		Type:       domain.OrderType(strings.ToUpper(a.OrderType)),
		Price:      float64(a.Price),
		Size:       float64(a.OriginalSize),
		FilledSize: float64(a.SizeMatched),
	}
	switch strings.ToLower(a.Outcome) {
	case "yes", "up":
		o.Outcome = domain.OutcomeYes
	case "no", "down":
		o.Outcome = domain.OutcomeNo
	}
	o.Status = venueStatus(a.Status, o.Size, o.FilledSize)
	if t := parseTimestamp(a.Expiration); !t.IsZero() && t.Unix() > 0 {
		o.Expiration = t
	}
	if a.CreatedAt > 0 {
		o.CreatedAt = time.Unix(int64(a.CreatedAt), 0)
	}
	return o
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
// For a matched BUY, takingAmount is the share quantity received.
func (r *APIOrderResult) ToDomainOrderResult(side domain.OrderSide) domain.OrderResult {
	res := domain.OrderResult{
		Success: r.Success,
		OrderID: r.OrderID,
		Message: r.ErrorMsg,
	}
	switch strings.ToLower(r.Status) {
	case "live":
		res.Status = domain.OrderStatusOpen
	case "matched":
		res.Status = domain.OrderStatusFilled
		if side == domain.OrderSideBuy {
			res.FilledSize = float64(r.TakingAmount)
		} else {
			res.FilledSize = float64(r.MakingAmount)
		}
	case "delayed", "unmatched":
		res.Status = domain.OrderStatusPending
	default:
		if r.Success {
			res.Status = domain.OrderStatusPending
		} else {
			res.Status = domain.OrderStatusRejected
		}
	}
	return res
}

// ToDomainBook converts an APIBook to a domain.OrderBook.
func (b *APIBook) ToDomainBook() domain.OrderBook {
	ob := domain.OrderBook{TokenID: b.AssetID, Timestamp: parseTimestamp(b.Timestamp)}
	for _, l := range b.Bids {
		ob.Bids = append(ob.Bids, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	for _, l := range b.Asks {
		ob.Asks = append(ob.Asks, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return ob
}

// --------------------------------------------------------------------------
// Data API DTOs
// --------------------------------------------------------------------------

// APIPosition is one token holding from the Data API /positions endpoint.
type APIPosition struct {
	Asset        string    `json:"asset"`
	ConditionID  string    `json:"conditionId"`
	Size         flexFloat `json:"size"`
	AvgPrice     flexFloat `json:"avgPrice"`
	InitialValue flexFloat `json:"initialValue"`
	Outcome      string    `json:"outcome"`
	OutcomeIndex int       `json:"outcomeIndex"`
	NegativeRisk flexBool  `json:"negativeRisk"`
	Title        string    `json:"title"`
	Slug         string    `json:"slug"`
	Redeemable   flexBool  `json:"redeemable"`
}

// AggregatePositions folds per-token holdings into per-market positions. The
// lower outcome index is the YES side.
func AggregatePositions(raw []APIPosition) []domain.Position {
	byMarket := make(map[string]*domain.Position)
	order := make([]string, 0)
	for _, p := range raw {
		if p.ConditionID == "" || p.Size <= 0 {
			continue
		}
		pos, ok := byMarket[p.ConditionID]
		if !ok {
			pos = &domain.Position{MarketID: p.ConditionID, NegRisk: bool(p.NegativeRisk)}
			if _, bucket, ok := domain.ParseUpDownSlug(p.Slug); ok {
				pos.WindowEnd = time.Unix(bucket+domain.WindowSeconds, 0)
			}
			byMarket[p.ConditionID] = pos
			order = append(order, p.ConditionID)
		}
		pos.Redeemable = pos.Redeemable || bool(p.Redeemable)
		cost := float64(p.InitialValue)
		if cost == 0 {
			cost = float64(p.Size) * float64(p.AvgPrice)
		}
		if p.OutcomeIndex == 0 {
			pos.YesTokenID = p.Asset
			pos.YesSize += float64(p.Size)
			pos.YesCost += cost
		} else {
			pos.NoTokenID = p.Asset
			pos.NoSize += float64(p.Size)
			pos.NoCost += cost
		}
	}
	out := make([]domain.Position, 0, len(order))
	for _, id := range order {
		out = append(out, *byMarket[id])
	}
	return out
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsSubscribe is the market-channel subscription frame.
type wsSubscribe struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// wsEvent is the envelope of market-channel events.
type wsEvent struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	Bids         []APIBookLevel  `json:"bids"`
	Asks         []APIBookLevel  `json:"asks"`
	PriceChanges []wsPriceChange `json:"price_changes"`
	Changes      []wsPriceChange `json:"changes"`
}

// wsPriceChange is one level change inside a price_change event.
type wsPriceChange struct {
	AssetID string    `json:"asset_id"`
	Price   flexFloat `json:"price"`
	Size    flexFloat `json:"size"`
	Side    string    `json:"side"`
}

// BookEvent is a full book for one asset pushed over the feed.
type BookEvent struct {
	AssetID   string
	Market    string
	Bids      []domain.PriceLevel
	Asks      []domain.PriceLevel
	Timestamp time.Time
}

// PriceChangeEvent is a single level change for one asset.
type PriceChangeEvent struct {
	AssetID   string
	Market    string
	Side      domain.OrderSide
	Price     float64
	Size      float64 // 0 removes the level
	Timestamp time.Time
}

func (e *wsEvent) toBook() BookEvent {
	be := BookEvent{AssetID: e.AssetID, Market: e.Market, Timestamp: parseTimestamp(e.Timestamp)}
	for _, l := range e.Bids {
		be.Bids = append(be.Bids, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	for _, l := range e.Asks {
		be.Asks = append(be.Asks, domain.PriceLevel{Price: float64(l.Price), Size: float64(l.Size)})
	}
	return be
}

func (e *wsEvent) toPriceChanges() []PriceChangeEvent {
	ts := parseTimestamp(e.Timestamp)
	changes := e.PriceChanges
	if len(changes) == 0 {
		changes = e.Changes
	}
	out := make([]PriceChangeEvent, 0, len(changes))
	for _, c := range changes {
		asset := c.AssetID
		if asset == "" {
			asset = e.AssetID
		}
		out = append(out, PriceChangeEvent{
			AssetID:   asset,
			Market:    e.Market,
			Side:      domain.OrderSide(strings.ToUpper(c.Side)),
			Price:     float64(c.Price),
			Size:      float64(c.Size),
			Timestamp: ts,
		})
	}
	return out
}
