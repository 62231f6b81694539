package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// GammaClient is the REST client for the Gamma API, used for market discovery.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetMarketBySlug returns the raw Gamma market with the given slug.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (APIMarket, error) {
	params := url.Values{}
	params.Set("slug", slug)

	body, err := g.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market by slug %s: %w", slug, err)
	}

	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}
	return markets[0], nil
}

// DiscoverUpDown resolves the 5-minute up/down market of symbol for the
// window starting at bucket. Markets that are closed, not accepting orders
// or not shaped Up/Down are reported as not found.
func (g *GammaClient) DiscoverUpDown(ctx context.Context, symbol string, bucket int64) (domain.Market, error) {
	slug := domain.UpDownSlug(symbol, bucket)
	m, err := g.GetMarketBySlug(ctx, slug)
	if err != nil {
		return domain.Market{}, err
	}
	if !m.tradableUpDown() {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: %w: %s not tradable", domain.ErrNotFound, slug)
	}
	return m.ToDomainMarket(symbol, bucket), nil
}

func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return doRequest(g.httpClient, req)
}
