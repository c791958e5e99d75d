// Package clob is used to call clob polymarket endpoints.
package clob

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/internal/price"
	"github.com/daszybak/bookstream/pkg/httpclient"
)

const DefaultBaseURL = "https://clob.polymarket.com"

// endCursor marks the last page.
const endCursor = "LTE="

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

type MarketToken struct {
	Outcome string      `json:"outcome"`
	Price   price.Price `json:"price"`
	TokenID string      `json:"token_id"`
	Winner  bool        `json:"winner"`
}

type Market struct {
	ConditionID string        `json:"condition_id"`
	Description string        `json:"description"`
	Question    string        `json:"question"`
	MarketSlug  string        `json:"market_slug"`
	EndDateISO  string        `json:"end_date_iso"`
	Active      bool          `json:"active"`
	Closed      bool          `json:"closed"`
	Tokens      []MarketToken `json:"tokens"`
}

type MarketPage struct {
	Limit      int       `json:"limit"`
	Count      int       `json:"count"`
	Data       []*Market `json:"data"`
	NextCursor string    `json:"next_cursor"`
}

func (c *Client) GetMarketByConditionID(ctx context.Context, conditionID string) (*Market, error) {
	market, err := httpclient.GetResource[*Market](ctx, c.httpClient, c.baseURL, "/markets/"+url.PathEscape(conditionID), []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't get market by condition ID %s: %w", conditionID, err)
	}
	return market, nil
}

func (c *Client) GetMarkets(ctx context.Context, nextCursor string) (*MarketPage, error) {
	endpoint := "/markets"
	if nextCursor != "" {
		endpoint += "?next_cursor=" + url.QueryEscape(nextCursor)
	}
	markets, err := httpclient.GetResource[*MarketPage](ctx, c.httpClient, c.baseURL, endpoint, []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't get markets from next cursor: %w", err)
	}
	return markets, nil
}

// GetAllMarkets walks every page of /markets.
func (c *Client) GetAllMarkets(ctx context.Context) ([]*Market, error) {
	markets := []*Market{}
	cursor := ""
	for {
		page, err := c.GetMarkets(ctx, cursor)
		if err != nil {
			return nil, fmt.Errorf("couldn't get markets for next cursor %q: %w", cursor, err)
		}
		markets = append(markets, page.Data...)
		if page.NextCursor == "" || page.NextCursor == endCursor {
			return markets, nil
		}
		if decoded, err := base64.StdEncoding.DecodeString(page.NextCursor); err == nil && string(decoded) == "-1" {
			return markets, nil
		}
		cursor = page.NextCursor
	}
}

type OrderSummary struct {
	Price price.Price `json:"price"`
	Size  price.Size  `json:"size"`
}

type OrderBook struct {
	Market    string         `json:"market"`
	AssetID   string         `json:"asset_id"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
	Bids      []OrderSummary `json:"bids"`
	Asks      []OrderSummary `json:"asks"`
}

func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	endpoint := "/book?token_id=" + url.QueryEscape(tokenID)
	book, err := httpclient.GetResource[*OrderBook](ctx, c.httpClient, c.baseURL, endpoint, []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't get order book for token %s: %w", tokenID, err)
	}
	return book, nil
}

// FetchSnapshot returns the book of tokenID.
func (c *Client) FetchSnapshot(ctx context.Context, tokenID string) (orderbook.Snapshot, error) {
	book, err := c.GetOrderBook(ctx, tokenID)
	if err != nil {
		return orderbook.Snapshot{}, err
	}

	ts := time.Now()
	if ms, err := strconv.ParseInt(book.Timestamp, 10, 64); err == nil && ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return orderbook.Snapshot{
		Bids:      levels(book.Bids),
		Asks:      levels(book.Asks),
		Timestamp: ts,
	}, nil
}

func levels(summaries []OrderSummary) []orderbook.Level {
	out := make([]orderbook.Level, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, orderbook.Level{Price: s.Price, Size: s.Size})
	}
	return out
}
