package polymarket_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/platform/polymarket"
)

func TestWSClient_SubscribeAndDispatch(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if !assert.NoError(t, err) {
			return
		}
		subscribed <- string(msg)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`[{"event_type":"book","asset_id":"111","market":"0xcond",
			"bids":[],"asks":[{"price":"0.48","size":"20"}],"timestamp":"1700000000000"}]`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"price_change","market":"0xcond","timestamp":"1700000000001",
			"price_changes":[{"asset_id":"222","price":"0.5","size":"15","side":"SELL"}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`PONG`))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	books := make(chan polymarket.BookEvent, 1)
	changes := make(chan polymarket.PriceChangeEvent, 1)

	ws := polymarket.NewWSClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	ws.OnBook(func(b polymarket.BookEvent) { books <- b })
	ws.OnPriceChange(func(c polymarket.PriceChangeEvent) { changes <- c })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Connect(ctx))
	require.NoError(t, ws.Subscribe([]string{"111", "222"}))

	errCh := make(chan error, 1)
	go func() { errCh <- ws.Listen(ctx) }()

	assert.JSONEq(t, `{"assets_ids":["111","222"],"type":"market"}`, <-subscribed)

	b := <-books
	assert.Equal(t, "111", b.AssetID)
	require.Len(t, b.Asks, 1)
	assert.Equal(t, 0.48, b.Asks[0].Price)

	c := <-changes
	assert.Equal(t, "222", c.AssetID)
	assert.Equal(t, domain.OrderSideSell, c.Side)
	assert.Equal(t, 15.0, c.Size)

	err := <-errCh
	assert.True(t, errors.Is(err, domain.ErrWSDisconnect), "got %v", err)
}
