package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

const positionsPageSize = 500

// DataClient reads wallet holdings from the Data API.
type DataClient struct {
	client *resty.Client
	user   string
}

// NewDataClient creates a Data API client for the given wallet (the proxy
// wallet when one is used, otherwise the EOA).
func NewDataClient(baseURL, user string) *DataClient {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(15*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		}).
		SetRetryAfter(func(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if s, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
					return time.Duration(s) * time.Second, nil
				}
				return 5 * time.Second, nil
			}
			return 0, nil
		})

	return &DataClient{client: client, user: user}
}

// RawPositions returns every token holding of the wallet.
func (d *DataClient) RawPositions(ctx context.Context) ([]APIPosition, error) {
	var all []APIPosition
	for offset := 0; ; offset += positionsPageSize {
		resp, err := d.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"user":          d.user,
				"sizeThreshold": "0",
				"limit":         strconv.Itoa(positionsPageSize),
				"offset":        strconv.Itoa(offset),
			}).
			Get("/positions")
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("polymarket/data: positions: %w: %v", domain.ErrTransientNetwork, err)
		}
		if err := checkHTTPStatus(resp.StatusCode(), resp.Body()); err != nil {
			return nil, fmt.Errorf("polymarket/data: positions: %w", err)
		}

		var page []APIPosition
		if err := json.Unmarshal(resp.Body(), &page); err != nil {
			return nil, fmt.Errorf("polymarket/data: decode positions: %w", err)
		}
		all = append(all, page...)
		if len(page) < positionsPageSize {
			return all, nil
		}
	}
}

// Positions returns holdings aggregated per market.
func (d *DataClient) Positions(ctx context.Context) ([]domain.Position, error) {
	raw, err := d.RawPositions(ctx)
	if err != nil {
		return nil, err
	}
	return AggregatePositions(raw), nil
}
