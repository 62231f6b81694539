package polymarket_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/platform/polymarket"
)

const upDownMarketJSON = `[{
	"id": "512345",
	"question": "Bitcoin Up or Down - 5m",
	"conditionId": "0xcond",
	"slug": "btc-updown-5m-1700000100",
	"endDate": "2023-11-14T22:20:00Z",
	"active": true,
	"closed": false,
	"acceptingOrders": true,
	"enableOrderBook": true,
	"outcomes": "[\"Up\", \"Down\"]",
	"clobTokenIds": "[\"111\", \"222\"]"
}]`

func TestGammaClient_DiscoverUpDown(t *testing.T) {
	var gotSlug string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		gotSlug = r.URL.Query().Get("slug")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(upDownMarketJSON))
	}))
	defer srv.Close()

	g := polymarket.NewGammaClient(srv.URL)
	m, err := g.DiscoverUpDown(context.Background(), "BTC", 1_700_000_100)
	require.NoError(t, err)

	assert.Equal(t, "btc-updown-5m-1700000100", gotSlug)
	assert.Equal(t, "0xcond", m.ID)
	assert.Equal(t, "btc", m.Symbol)
	assert.Equal(t, "111", m.YesTokenID)
	assert.Equal(t, "222", m.NoTokenID)
	assert.Equal(t, time.Unix(1_700_000_100, 0).UTC(), m.WindowStart)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 20, 0, 0, time.UTC), m.WindowEnd)
	assert.Equal(t, domain.MarketDiscovered, m.State)
}

func TestGammaClient_DiscoverUpDown_NotAccepting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"conditionId":"0xc","active":true,"acceptingOrders":false,"enableOrderBook":true,
			"outcomes":["Up","Down"],"clobTokenIds":["1","2"]}]`))
	}))
	defer srv.Close()

	_, err := polymarket.NewGammaClient(srv.URL).DiscoverUpDown(context.Background(), "eth", 1_700_000_100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGammaClient_DiscoverUpDown_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	_, err := polymarket.NewGammaClient(srv.URL).DiscoverUpDown(context.Background(), "sol", 1_700_000_100)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
