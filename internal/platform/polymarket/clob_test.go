package polymarket_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/crypto"
	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/platform/polymarket"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestClob(t *testing.T, h http.HandlerFunc) *polymarket.ClobClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)
	return polymarket.NewClobClient(polymarket.ClobOptions{
		BaseURL:           srv.URL,
		Signer:            signer,
		Credentials:       crypto.APICredentials{Key: "key", Secret: "c2VjcmV0", Passphrase: "pass"},
		RequestsPerSecond: 1000,
	})
}

func TestClobClient_PlaceOrder(t *testing.T) {
	var body map[string]any
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		_, _ = w.Write([]byte(`{"success":true,"orderID":"0xabc","status":"matched","takingAmount":"10","makingAmount":"4.8"}`))
	})

	res, err := clob.PlaceOrder(context.Background(), domain.Order{
		TokenID: "111",
		Side:    domain.OrderSideBuy,
		Type:    domain.OrderTypeFOK,
		Price:   0.48,
		Size:    10,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", res.OrderID)
	assert.Equal(t, domain.OrderStatusFilled, res.Status)
	assert.Equal(t, 10.0, res.FilledSize)

	order := body["order"].(map[string]any)
	assert.Equal(t, "FOK", body["orderType"])
	assert.Equal(t, "key", body["owner"])
	assert.Equal(t, "4800000", order["makerAmount"])
	assert.Equal(t, "10000000", order["takerAmount"])
	assert.Equal(t, "BUY", order["side"])
	assert.Equal(t, "0", order["expiration"])
	assert.NotEmpty(t, order["signature"])
}

func TestClobClient_PlaceOrder_GTDCarriesExpiry(t *testing.T) {
	var body map[string]any
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		_, _ = w.Write([]byte(`{"success":true,"orderID":"1","status":"live"}`))
	})

	exp := time.Unix(1_700_000_400, 0)
	res, err := clob.PlaceOrder(context.Background(), domain.Order{
		TokenID: "111", Side: domain.OrderSideBuy, Type: domain.OrderTypeGTD,
		Price: 0.5, Size: 5, Expiration: exp,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusOpen, res.Status)
	assert.Equal(t, "1700000400", body["order"].(map[string]any)["expiration"])
}

func TestClobClient_PlaceOrder_Rejected(t *testing.T) {
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errorMsg":"not enough balance"}`))
	})
	_, err := clob.PlaceOrder(context.Background(), domain.Order{
		TokenID: "111", Side: domain.OrderSideBuy, Type: domain.OrderTypeGTC, Price: 0.5, Size: 5,
	})
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
}

func TestClobClient_PlaceOrder_InvalidPrice(t *testing.T) {
	var calls atomic.Int32
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	_, err := clob.PlaceOrder(context.Background(), domain.Order{
		TokenID: "111", Side: domain.OrderSideBuy, Type: domain.OrderTypeGTC, Price: 1.2, Size: 5,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Zero(t, calls.Load())
}

func TestClobClient_Unauthorized(t *testing.T) {
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized/Invalid api key"}`))
	})
	_, err := clob.OpenOrders(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.True(t, domain.IsFatal(err))
}

func TestClobClient_GetOrder(t *testing.T) {
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/order/0xabc", r.URL.Path)
		_, _ = w.Write([]byte(`{"id":"0xabc","status":"LIVE","market":"0xcond","asset_id":"111","side":"BUY",
			"original_size":"10","size_matched":"4","price":"0.48","order_type":"GTC","created_at":1700000000}`))
	})
	o, err := clob.GetOrder(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, 10.0, o.Size)
	assert.Equal(t, 4.0, o.FilledSize)
	assert.Equal(t, domain.OrderTypeGTC, o.Type)
}

func TestClobClient_OpenOrdersPaginates(t *testing.T) {
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("next_cursor") {
		case "":
			_, _ = w.Write([]byte(`{"data":[{"id":"a","status":"LIVE","original_size":"5","size_matched":"0"}],"next_cursor":"MQ=="}`))
		case "MQ==":
			_, _ = w.Write([]byte(`{"data":[{"id":"b","status":"LIVE","original_size":"5","size_matched":"0"}],"next_cursor":"LTE="}`))
		}
	})
	orders, err := clob.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "a", orders[0].ID)
	assert.Equal(t, "b", orders[1].ID)
}

func TestClobClient_GetBook(t *testing.T) {
	clob := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "111", r.URL.Query().Get("token_id"))
		_, _ = w.Write([]byte(`{"asset_id":"111","bids":[{"price":"0.45","size":"100"}],
			"asks":[{"price":"0.52","size":"30"},{"price":"0.49","size":"12"}],"timestamp":"1700000000123"}`))
	})
	book, err := clob.GetBook(context.Background(), "111")
	require.NoError(t, err)
	best, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, 0.49, best.Price)
	assert.Equal(t, 12.0, best.Size)
	assert.Equal(t, int64(1700000000123), book.Timestamp.UnixMilli())
}

func TestClobClient_DeriveAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/derive-api-key", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.Equal(t, "0", r.Header.Get("POLY_NONCE"))
		_, _ = w.Write([]byte(`{"apiKey":"k","secret":"s","passphrase":"p"}`))
	}))
	defer srv.Close()
	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)

	clob := polymarket.NewClobClient(polymarket.ClobOptions{BaseURL: srv.URL, Signer: signer})
	assert.False(t, clob.HasCredentials())
	require.NoError(t, clob.EnsureCredentials(context.Background()))
	assert.True(t, clob.HasCredentials())
	assert.Equal(t, signer.Address(), clob.Funder())
}
