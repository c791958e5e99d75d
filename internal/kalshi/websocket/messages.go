package websocket

import (
	"encoding/json"

	"github.com/daszybak/bookstream/internal/kalshi/book"
)

const (
	TypeSubscribed        = "subscribed"
	TypeError             = "error"
	TypeOrderbookSnapshot = "orderbook_snapshot"
	TypeOrderbookDelta    = "orderbook_delta"
	TypeOrderbookUpdate   = "orderbook_update"
	TypeTrade             = "trade"
)

const (
	ChannelOrderbookDelta = "orderbook_delta"
	ChannelTrade          = "trade"

	ActionAddMarkets    = "add_markets"
	ActionDeleteMarkets = "delete_markets"
)

// Command is a request sent to the server.
type Command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params"`
}

type SubscribeParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

type UnsubscribeParams struct {
	SIDs []int64 `json:"sids"`
}

type UpdateSubscriptionParams struct {
	SIDs          []int64  `json:"sids"`
	Action        string   `json:"action"`
	MarketTickers []string `json:"market_tickers"`
}

// Message is any frame from the server. ID is set on command responses,
// SID and Seq on channel data.
type Message struct {
	Type string          `json:"type"`
	ID   int64           `json:"id"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

type SubscribedMsg struct {
	SID     int64  `json:"sid"`
	Channel string `json:"channel"`
}

type ErrorMsg struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
}

type OrderbookSnapshotMsg struct {
	MarketTicker string      `json:"market_ticker"`
	Yes          book.Ladder `json:"yes"`
	No           book.Ladder `json:"no"`
	YesDollars   book.Ladder `json:"yes_dollars"`
	NoDollars    book.Ladder `json:"no_dollars"`
}

type OrderbookDeltaMsg struct {
	MarketTicker string          `json:"market_ticker"`
	Price        json.RawMessage `json:"price"`
	PriceDollars string          `json:"price_dollars"`
	Delta        int64           `json:"delta"`
	Side         string          `json:"side"`
	Ts           json.RawMessage `json:"ts"`
}

// TradeMsg is one execution. Prices are quoted for the YES side.
type TradeMsg struct {
	TradeID         string          `json:"trade_id"`
	MarketTicker    string          `json:"market_ticker"`
	YesPrice        json.RawMessage `json:"yes_price"`
	YesPriceDollars string          `json:"yes_price_dollars"`
	Count           int64           `json:"count"`
	TakerSide       string          `json:"taker_side"`
	Ts              json.RawMessage `json:"ts"`
	CreatedTime     json.RawMessage `json:"created_time"`
}
