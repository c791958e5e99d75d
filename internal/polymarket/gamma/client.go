// Package gamma consume Polymarket gamma endpoints.
package gamma

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/daszybak/bookstream/pkg/httpclient"
)

const DefaultBaseURL = "https://gamma-api.polymarket.com"

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

// TokenIDs handles the double-encoded JSON array from the API.
type TokenIDs []string

func (t *TokenIDs) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = nil
		return nil
	}
	return json.Unmarshal([]byte(s), (*[]string)(t))
}

type Market struct {
	ID           string   `json:"id"`
	ConditionID  string   `json:"conditionId"`
	Question     string   `json:"question"`
	Slug         string   `json:"slug"`
	Outcomes     string   `json:"outcomes"`
	Closed       bool     `json:"closed"`
	ClobTokenIDs TokenIDs `json:"clobTokenIds"`
}

type Event struct {
	ID      string    `json:"id"`
	Slug    string    `json:"slug"`
	Title   string    `json:"title"`
	Markets []*Market `json:"markets"`
}

func (c *Client) GetMarkets(ctx context.Context) ([]*Market, error) {
	return httpclient.GetResource[[]*Market](ctx, c.httpClient, c.baseURL, "/markets", []int{http.StatusOK})
}

func (c *Client) GetEventBySlug(ctx context.Context, slug string) (*Event, error) {
	event, err := httpclient.GetResource[*Event](ctx, c.httpClient, c.baseURL, "/events/slug/"+url.PathEscape(slug), []int{http.StatusOK})
	if err != nil {
		return nil, fmt.Errorf("couldn't get event %s: %w", slug, err)
	}
	return event, nil
}

// TokenIDsForSlug returns the CLOB token IDs of every open market in the
// event named by slug.
func (c *Client) TokenIDsForSlug(ctx context.Context, slug string) ([]string, error) {
	event, err := c.GetEventBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range event.Markets {
		if m.Closed {
			continue
		}
		ids = append(ids, m.ClobTokenIDs...)
	}
	return ids, nil
}
