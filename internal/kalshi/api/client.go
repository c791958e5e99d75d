// Package api is used to call Kalshi's API endpoints.
package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/internal/kalshi/book"
	"github.com/daszybak/bookstream/pkg/httpclient"
)

const DefaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
	}
}

type Market struct {
	Ticker               string    `json:"ticker"`
	EventTicker          string    `json:"event_ticker"`
	Title                string    `json:"title"`
	Status               string    `json:"status"`
	RulesPrimary         string    `json:"rules_primary"`
	RulesSecondary       string    `json:"rules_secondary"`
	LatestExpirationTime time.Time `json:"latest_expiration_time"`
}

type MarketPage struct {
	Markets []*Market `json:"markets"`
	Cursor  string    `json:"cursor"`
}

// GetMarkets returns one page of markets. status filters by market status
// ("open", "closed", "settled") when set.
func (c *Client) GetMarkets(ctx context.Context, cursor, status string) (*MarketPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "/markets"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	markets, err := httpclient.GetResource[*MarketPage](ctx, c.httpClient, c.baseURL, endpoint, []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't get markets from cursor: %w", err)
	}
	return markets, nil
}

// GetAllMarkets walks every page. Markets fetched before an error are
// returned along with it.
func (c *Client) GetAllMarkets(ctx context.Context, status string) ([]*Market, error) {
	markets := []*Market{}
	cursor := ""
	for {
		page, err := c.GetMarkets(ctx, cursor, status)
		if err != nil {
			if decoded, decodeErr := base64.StdEncoding.DecodeString(cursor); decodeErr == nil && cursor != "" {
				cursor = string(decoded)
			}
			return markets, fmt.Errorf("couldn't get markets for cursor %q: %w", cursor, err)
		}
		markets = append(markets, page.Markets...)
		if page.Cursor == "" {
			return markets, nil
		}
		if decoded, err := base64.StdEncoding.DecodeString(page.Cursor); err == nil && string(decoded) == "-1" {
			return markets, nil
		}
		cursor = page.Cursor
	}
}

type Orderbook struct {
	Yes        book.Ladder `json:"yes"`
	No         book.Ladder `json:"no"`
	YesDollars book.Ladder `json:"yes_dollars"`
	NoDollars  book.Ladder `json:"no_dollars"`
}

type OrderbookResponse struct {
	Orderbook Orderbook `json:"orderbook"`
}

func (c *Client) GetOrderbook(ctx context.Context, ticker string) (*OrderbookResponse, error) {
	endpoint := "/markets/" + url.PathEscape(ticker) + "/orderbook"
	ob, err := httpclient.GetResource[*OrderbookResponse](ctx, c.httpClient, c.baseURL, endpoint, []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't get orderbook for %s: %w", ticker, err)
	}
	return ob, nil
}

// FetchSnapshot returns the YES book of ticker.
func (c *Client) FetchSnapshot(ctx context.Context, ticker string) (orderbook.Snapshot, error) {
	resp, err := c.GetOrderbook(ctx, ticker)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	ob := resp.Orderbook
	bids, asks := book.Sides(book.Prefer(ob.YesDollars, ob.Yes), book.Prefer(ob.NoDollars, ob.No))
	return orderbook.Snapshot{
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now(),
	}, nil
}
