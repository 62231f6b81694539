package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/updownarb/internal/crypto"
	"github.com/alanyoungcy/updownarb/internal/domain"
)

const (
	zeroAddress = "0x0000000000000000000000000000000000000000"
	endCursor   = "LTE="
)

// ClobOptions configures a ClobClient.
type ClobOptions struct {
	BaseURL           string
	Signer            *crypto.Signer
	Credentials       crypto.APICredentials
	ProxyAddress      string // funder wallet; empty means the signer's EOA
	SignatureType     int
	RequestsPerSecond float64
}

// ClobClient is the REST client for the CLOB API. It places, queries and
// cancels orders and serves book snapshots for resynchronisation.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	funder     common.Address
	sigType    int
	limiter    *rate.Limiter

	mu    sync.RWMutex
	creds crypto.APICredentials
}

// NewClobClient creates a new CLOB REST client. A nil signer yields a
// read-only client (books and prices only).
func NewClobClient(opts ClobOptions) *ClobClient {
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	c := &ClobClient{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		signer:  opts.Signer,
		sigType: opts.SignatureType,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		creds:   opts.Credentials,
	}
	switch {
	case opts.ProxyAddress != "":
		c.funder = common.HexToAddress(opts.ProxyAddress)
	case opts.Signer != nil:
		c.funder = opts.Signer.Address()
	}
	return c
}

// Funder returns the wallet that holds positions and pays for orders.
func (c *ClobClient) Funder() common.Address {
	return c.funder
}

// HasCredentials reports whether L2 API credentials are loaded.
func (c *ClobClient) HasCredentials() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.creds.Empty()
}

// EnsureCredentials derives L2 credentials when none were configured.
func (c *ClobClient) EnsureCredentials(ctx context.Context) error {
	if c.HasCredentials() {
		return nil
	}
	return c.DeriveAPIKey(ctx)
}

// PlaceOrder signs and submits an order.
func (c *ClobClient) PlaceOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error) {
	if c.signer == nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: %w: no signer configured", domain.ErrSigningFailed)
	}
	payload, err := c.buildPayload(order)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: %w", err)
	}
	sig, err := c.signer.SignOrder(payload, order.NegRisk)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: %w: %v", domain.ErrSigningFailed, err)
	}

	side := "BUY"
	if payload.Side == 1 {
		side = "SELL"
	}
	c.mu.RLock()
	owner := c.creds.Key
	c.mu.RUnlock()

	body := map[string]any{
		"order": map[string]any{
			"salt":          json.Number(payload.Salt),
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
			"tokenId":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"expiration":    payload.Expiration,
			"nonce":         payload.Nonce,
			"feeRateBps":    payload.FeeRateBps,
			"side":          side,
			"signatureType": payload.SignatureType,
			"signature":     sig,
		},
		"owner":     owner,
		"orderType": string(order.Type),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	result := apiResult.ToDomainOrderResult(order.Side)
	if !result.Success {
		return result, fmt.Errorf("polymarket/clob: %w: %s", domain.ErrOrderRejected, result.Message)
	}
	return result, nil
}

// buildPayload converts an order into the signed struct. Sizes are rounded
// down to 0.01 shares, prices to the 0.01 tick, and amounts are scaled to the
// 6-decimal collateral and share units.
func (c *ClobClient) buildPayload(o domain.Order) (crypto.OrderPayload, error) {
	if o.TokenID == "" {
		return crypto.OrderPayload{}, fmt.Errorf("%w: token id required", domain.ErrInvalidOrder)
	}
	price := decimal.NewFromFloat(o.Price).Round(2)
	size := decimal.NewFromFloat(o.Size).RoundDown(2)
	if price.LessThanOrEqual(decimal.Zero) || price.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return crypto.OrderPayload{}, fmt.Errorf("%w: price %s out of range", domain.ErrInvalidOrder, price)
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return crypto.OrderPayload{}, fmt.Errorf("%w: size %s", domain.ErrInvalidOrder, size)
	}
	notional := size.Mul(price).RoundDown(4)

	p := crypto.OrderPayload{
		Salt:          strconv.FormatInt(rand.Int63n(1<<53), 10),
		Maker:         c.funder.Hex(),
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       o.TokenID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.sigType,
	}
	if o.Side == domain.OrderSideSell {
		p.Side = 1
		p.MakerAmount = size.Shift(6).StringFixed(0)
		p.TakerAmount = notional.Shift(6).StringFixed(0)
	} else {
		p.MakerAmount = notional.Shift(6).StringFixed(0)
		p.TakerAmount = size.Shift(6).StringFixed(0)
	}
	if o.Type == domain.OrderTypeGTD {
		if o.Expiration.IsZero() {
			return crypto.OrderPayload{}, fmt.Errorf("%w: GTD order without expiration", domain.ErrInvalidOrder)
		}
		p.Expiration = strconv.FormatInt(o.Expiration.Unix(), 10)
	}
	return p, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", map[string]any{"orderID": orderID})
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	return checkCancelResponse(respBody, orderID)
}

// CancelAll cancels all open orders for the authenticated wallet.
func (c *ClobClient) CancelAll(ctx context.Context) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/cancel-all", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}
	return checkCancelResponse(respBody, "")
}

// checkCancelResponse reports ids listed under not_canceled.
func checkCancelResponse(body []byte, orderID string) error {
	var result struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if orderID != "" {
		if reason, ok := result.NotCanceled[orderID]; ok {
			return fmt.Errorf("polymarket/clob: cancel %s: %s", orderID, reason)
		}
	}
	return nil
}

// GetOrder retrieves a single order by ID.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, "/data/order/"+orderID, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}
	if len(bytes.TrimSpace(respBody)) == 0 || string(bytes.TrimSpace(respBody)) == "null" {
		return domain.Order{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, domain.ErrNotFound)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.Order{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return apiOrder.ToDomainOrder(), nil
}

// OpenOrders returns all resting orders of the authenticated wallet,
// following pagination cursors.
func (c *ClobClient) OpenOrders(ctx context.Context) ([]domain.Order, error) {
	var orders []domain.Order
	cursor := ""
	for {
		path := "/data/orders"
		if cursor != "" {
			path += "?next_cursor=" + url.QueryEscape(cursor)
		}
		respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, fmt.Errorf("polymarket/clob: get open orders: %w", err)
		}

		var page struct {
			Data       []APIOrder `json:"data"`
			NextCursor string     `json:"next_cursor"`
		}
		if err := json.Unmarshal(respBody, &page); err != nil {
			var flat []APIOrder
			if err2 := json.Unmarshal(respBody, &flat); err2 != nil {
				return nil, fmt.Errorf("polymarket/clob: decode orders: %w", err)
			}
			page.Data = flat
		}
		for i := range page.Data {
			orders = append(orders, page.Data[i].ToDomainOrder())
		}
		if page.NextCursor == "" || page.NextCursor == endCursor || page.NextCursor == cursor {
			return orders, nil
		}
		cursor = page.NextCursor
	}
}

// GetBook fetches the full book for a token.
func (c *ClobClient) GetBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	respBody, err := c.doPublicGet(ctx, "/book?token_id="+url.QueryEscape(tokenID))
	if err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	var book APIBook
	if err := json.Unmarshal(respBody, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	ob := book.ToDomainBook()
	if ob.TokenID == "" {
		ob.TokenID = tokenID
	}
	return ob, nil
}

// GetPrice returns the best price a taker on side would get for tokenID.
func (c *ClobClient) GetPrice(ctx context.Context, tokenID string, side domain.OrderSide) (float64, error) {
	q := url.Values{}
	q.Set("token_id", tokenID)
	q.Set("side", string(side))
	respBody, err := c.doPublicGet(ctx, "/price?"+q.Encode())
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: get price %s: %w", tokenID, err)
	}
	var res struct {
		Price flexFloat `json:"price"`
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return 0, fmt.Errorf("polymarket/clob: decode price: %w", err)
	}
	return float64(res.Price), nil
}

// DeriveAPIKey performs the L1 auth flow (ClobAuth EIP-712 signature) to
// obtain L2 credentials, creating them when none exist yet.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	if c.signer == nil {
		return fmt.Errorf("polymarket/clob: %w: no signer configured", domain.ErrUnauthorized)
	}
	creds, err := c.l1Request(ctx, http.MethodGet, "/auth/derive-api-key")
	if errors.Is(err, domain.ErrNotFound) || (err == nil && creds.Empty()) {
		creds, err = c.l1Request(ctx, http.MethodPost, "/auth/api-key")
	}
	if err != nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	return nil
}

func (c *ClobClient) l1Request(ctx context.Context, method, path string) (crypto.APICredentials, error) {
	ts := time.Now().Unix()
	sig, err := c.signer.SignAuth(ts, 0)
	if err != nil {
		return crypto.APICredentials{}, fmt.Errorf("%w: %v", domain.ErrSigningFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return crypto.APICredentials{}, fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(ts, 10))
	req.Header.Set("POLY_NONCE", "0")

	if err := c.limiter.Wait(ctx); err != nil {
		return crypto.APICredentials{}, err
	}
	respBody, err := doRequest(c.httpClient, req)
	if err != nil {
		return crypto.APICredentials{}, err
	}
	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return crypto.APICredentials{}, fmt.Errorf("decode auth response: %w", err)
	}
	return crypto.APICredentials{Key: authResp.APIKey, Secret: authResp.Secret, Passphrase: authResp.Passphrase}, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	if creds.Empty() || c.signer == nil {
		return nil, fmt.Errorf("%w: no API credentials", domain.ErrUnauthorized)
	}
	signPath := path
	if u, err := url.Parse(path); err == nil {
		signPath = u.Path
	}
	for k, v := range creds.L2Headers(c.signer.Address().Hex(), method, signPath, bodyStr) {
		req.Header.Set(k, v)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return doRequest(c.httpClient, req)
}

func (c *ClobClient) doPublicGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return doRequest(c.httpClient, req)
}
