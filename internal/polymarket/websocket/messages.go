package websocket

import (
	"github.com/daszybak/bookstream/internal/price"
)

const (
	BookEvent           = "book"
	PriceChangeEvent    = "price_change"
	LastTradePriceEvent = "last_trade_price"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// MarketSubscription is the desired-state frame of the market channel:
// the venue streams exactly the assets it lists.
type MarketSubscription struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

type envelope struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
}

// Book is a full ladder for one asset. Older feeds name the sides buys and
// sells.
type Book struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
	Bids      []OrderSummary `json:"bids"`
	Asks      []OrderSummary `json:"asks"`
	Buys      []OrderSummary `json:"buys"`
	Sells     []OrderSummary `json:"sells"`
}

type OrderSummary struct {
	Price price.Price `json:"price"`
	Size  price.Size  `json:"size"`
}

// PriceChange carries new absolute sizes. Current feeds put one entry per
// level in PriceChanges; older feeds send a single AssetID with Changes.
type PriceChange struct {
	Market       string             `json:"market"`
	Timestamp    string             `json:"timestamp"`
	PriceChanges []PriceChangeEntry `json:"price_changes"`
	AssetID      string             `json:"asset_id"`
	Changes      []PriceChangeEntry `json:"changes"`
}

type PriceChangeEntry struct {
	AssetID string      `json:"asset_id"`
	Price   price.Price `json:"price"`
	Size    price.Size  `json:"size"`
	Side    string      `json:"side"`
	Hash    string      `json:"hash"`
	BestBid string      `json:"best_bid"`
	BestAsk string      `json:"best_ask"`
}

// LastTradePrice reports one match. Side is the taker side.
type LastTradePrice struct {
	AssetID         string      `json:"asset_id"`
	Market          string      `json:"market"`
	Price           price.Price `json:"price"`
	Size            price.Size  `json:"size"`
	Side            string      `json:"side"`
	FeeRateBps      string      `json:"fee_rate_bps"`
	Timestamp       string      `json:"timestamp"`
	TransactionHash string      `json:"transaction_hash"`
}
