// Package websocket translates Kalshi's orderbook_delta and trade channels
// to and from the engine's normalized events.
package websocket

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/daszybak/bookstream/internal/engine"
	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/internal/kalshi/book"
	"github.com/daszybak/bookstream/internal/price"
	"github.com/daszybak/bookstream/pkg/hashset"
)

const (
	Venue      = "kalshi"
	DefaultURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"
)

// channels maps engine channels to Kalshi channel names, in request order.
var channels = []struct {
	channel engine.Channel
	name    string
}{
	{engine.ChannelBook, ChannelOrderbookDelta},
	{engine.ChannelTrades, ChannelTrade},
}

// subscription is the state of one Kalshi channel on one connection.
type subscription struct {
	name      string
	requested hashset.Set[string]
	sidOf     map[string]int64
	inflight  map[int64][]string // command id -> tickers awaiting a sid
	primary   int64
}

// Adapter is the Kalshi engine.Adapter. Keys are market tickers.
//
// Kalshi groups markets into subscriptions identified by a sid that the
// server assigns in its "subscribed" response. For every channel the
// adapter remembers which sid carries each ticker so it can add and remove
// markets without resubscribing. That state belongs to one connection and
// is dropped by Reset.
type Adapter struct {
	nextID int64
	subs   map[engine.Channel]*subscription
}

func NewAdapter() *Adapter {
	a := &Adapter{nextID: 1}
	a.Reset()
	return a
}

func (a *Adapter) Venue() string {
	return Venue
}

func (a *Adapter) Reset() {
	a.subs = make(map[engine.Channel]*subscription, len(channels))
	for _, c := range channels {
		a.subs[c.channel] = &subscription{
			name:      c.name,
			requested: hashset.NewSet[string](),
			sidOf:     make(map[string]int64),
			inflight:  make(map[int64][]string),
		}
	}
}

func (a *Adapter) Classify(data []byte, receivedAt time.Time) ([]engine.Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("couldn't parse message: %w", err)
	}

	switch msg.Type {
	case TypeOrderbookSnapshot:
		return a.classifySnapshot(msg, receivedAt)
	case TypeOrderbookDelta, TypeOrderbookUpdate:
		return a.classifyDelta(msg, receivedAt)
	case TypeTrade:
		return a.classifyTrade(msg, receivedAt)
	case TypeSubscribed:
		return a.classifySubscribed(msg)
	case TypeError:
		return []engine.Event{{Kind: engine.EventError, Reason: errorReason(msg.Msg)}}, nil
	default:
		return nil, nil
	}
}

func (a *Adapter) classifySnapshot(msg Message, receivedAt time.Time) ([]engine.Event, error) {
	var snap OrderbookSnapshotMsg
	if err := json.Unmarshal(msg.Msg, &snap); err != nil {
		return nil, fmt.Errorf("couldn't parse orderbook snapshot: %w", err)
	}
	if snap.MarketTicker == "" {
		return nil, fmt.Errorf("orderbook snapshot without market_ticker")
	}

	bids, asks := book.Sides(
		book.Prefer(snap.YesDollars, snap.Yes),
		book.Prefer(snap.NoDollars, snap.No),
	)
	return []engine.Event{{
		Kind:      engine.EventSnapshot,
		Key:       snap.MarketTicker,
		Bids:      bids,
		Asks:      asks,
		Timestamp: receivedAt,
	}}, nil
}

// classifyDelta yields an incremental delta: Kalshi sends the signed change
// in resting quantity, not the new quantity.
func (a *Adapter) classifyDelta(msg Message, receivedAt time.Time) ([]engine.Event, error) {
	var d OrderbookDeltaMsg
	if err := json.Unmarshal(msg.Msg, &d); err != nil {
		return nil, fmt.Errorf("couldn't parse orderbook delta: %w", err)
	}
	if d.MarketTicker == "" {
		return nil, fmt.Errorf("orderbook delta without market_ticker")
	}

	p, err := dollarsOrCents(d.PriceDollars, d.Price)
	if err != nil {
		return nil, fmt.Errorf("orderbook delta for %s: %w", d.MarketTicker, err)
	}

	ev := engine.Event{
		Kind:        engine.EventDelta,
		Key:         d.MarketTicker,
		Timestamp:   book.ParseTimestamp(d.Ts, receivedAt),
		Incremental: true,
	}
	change := price.Contracts(d.Delta)
	switch d.Side {
	case "yes":
		ev.Bids = []orderbook.Level{{Price: p, Size: change}}
	case "no":
		ev.Asks = []orderbook.Level{{Price: p.Complement(), Size: change}}
	default:
		return nil, fmt.Errorf("orderbook delta for %s: unknown side %q", d.MarketTicker, d.Side)
	}
	return []engine.Event{ev}, nil
}

// classifyTrade reports the execution at its YES price. A taker buying YES
// is a buy; a taker buying NO is a sell.
func (a *Adapter) classifyTrade(msg Message, receivedAt time.Time) ([]engine.Event, error) {
	var tr TradeMsg
	if err := json.Unmarshal(msg.Msg, &tr); err != nil {
		return nil, fmt.Errorf("couldn't parse trade: %w", err)
	}
	if tr.MarketTicker == "" {
		return nil, fmt.Errorf("trade without market_ticker")
	}

	p, err := dollarsOrCents(tr.YesPriceDollars, tr.YesPrice)
	if err != nil {
		return nil, fmt.Errorf("trade for %s: %w", tr.MarketTicker, err)
	}

	var side string
	switch tr.TakerSide {
	case "yes":
		side = engine.SideBuy
	case "no":
		side = engine.SideSell
	}

	ts := tr.Ts
	if len(ts) == 0 {
		ts = tr.CreatedTime
	}
	return []engine.Event{{
		Kind: engine.EventTrade,
		Key:  tr.MarketTicker,
		Trade: engine.Trade{
			Key:       tr.MarketTicker,
			ID:        tr.TradeID,
			Price:     p,
			Size:      price.Contracts(tr.Count),
			Side:      side,
			Timestamp: book.ParseTimestamp(ts, receivedAt),
		},
	}}, nil
}

func (a *Adapter) classifySubscribed(msg Message) ([]engine.Event, error) {
	var ack SubscribedMsg
	if err := json.Unmarshal(msg.Msg, &ack); err != nil {
		return nil, fmt.Errorf("couldn't parse subscribed response: %w", err)
	}
	sub := a.byName(ack.Channel)
	if sub == nil {
		return nil, nil
	}

	for _, ticker := range sub.inflight[msg.ID] {
		sub.sidOf[ticker] = ack.SID
	}
	delete(sub.inflight, msg.ID)
	if sub.primary == 0 {
		sub.primary = ack.SID
	}
	return []engine.Event{{Kind: engine.EventSubscribed}}, nil
}

func (a *Adapter) byName(name string) *subscription {
	for _, sub := range a.subs {
		if sub.name == name {
			return sub
		}
	}
	return nil
}

// Subscribe requests, per channel, the tickers that this connection has not
// requested yet. Once a channel's sid is known they are added to it.
func (a *Adapter) Subscribe(topics []engine.Topic) ([][]byte, error) {
	var frames [][]byte
	for _, c := range channels {
		sub := a.subs[c.channel]
		var fresh []string
		for _, t := range topics {
			if t.Channel == c.channel && !sub.requested.Has(t.Key) {
				fresh = append(fresh, t.Key)
			}
		}
		if len(fresh) == 0 {
			continue
		}
		f, err := a.subscribe(sub, fresh)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f...)
	}
	return frames, nil
}

func (a *Adapter) subscribe(sub *subscription, fresh []string) ([][]byte, error) {
	for _, k := range fresh {
		sub.requested.Set(k)
	}

	if sub.primary != 0 {
		for _, k := range fresh {
			sub.sidOf[k] = sub.primary
		}
		return a.command("update_subscription", UpdateSubscriptionParams{
			SIDs:          []int64{sub.primary},
			Action:        ActionAddMarkets,
			MarketTickers: fresh,
		})
	}

	sub.inflight[a.nextID] = fresh
	return a.command("subscribe", SubscribeParams{
		Channels:      []string{sub.name},
		MarketTickers: fresh,
	})
}

// Unsubscribe removes the ticker from the subscription carrying it on the
// topic's channel, or drops the subscription when the ticker was its last
// market. Nothing is sent while the sid is still unknown; updates for the
// topic are then ignored by the engine.
func (a *Adapter) Unsubscribe(topic engine.Topic, remaining []engine.Topic) ([][]byte, error) {
	sub, ok := a.subs[topic.Channel]
	if !ok {
		return nil, fmt.Errorf("unsupported channel %s", topic.Channel)
	}
	key := topic.Key

	sub.requested.Delete(key)
	for id, tickers := range sub.inflight {
		sub.inflight[id] = slices.DeleteFunc(tickers, func(t string) bool { return t == key })
	}

	sid, ok := sub.sidOf[key]
	if !ok {
		return nil, nil
	}
	delete(sub.sidOf, key)

	for _, other := range sub.sidOf {
		if other == sid {
			return a.command("update_subscription", UpdateSubscriptionParams{
				SIDs:          []int64{sid},
				Action:        ActionDeleteMarkets,
				MarketTickers: []string{key},
			})
		}
	}

	if sub.primary == sid {
		sub.primary = 0
		for _, other := range sub.sidOf {
			sub.primary = other
			break
		}
	}
	return a.command("unsubscribe", UnsubscribeParams{SIDs: []int64{sid}})
}

// dollarsOrCents prefers the dollar string when the venue sent one.
func dollarsOrCents(dollars string, cents json.RawMessage) (price.Price, error) {
	if dollars == "" {
		return book.ParsePrice(cents)
	}
	p, err := price.Parse(dollars)
	if err != nil {
		return 0, err
	}
	if err := p.Check(); err != nil {
		return 0, err
	}
	return p, nil
}

func (a *Adapter) command(cmd string, params any) ([][]byte, error) {
	data, err := json.Marshal(Command{ID: a.nextID, Cmd: cmd, Params: params})
	if err != nil {
		return nil, fmt.Errorf("couldn't encode %s: %w", cmd, err)
	}
	a.nextID++
	return [][]byte{data}, nil
}

func errorReason(raw json.RawMessage) string {
	var e ErrorMsg
	if err := json.Unmarshal(raw, &e); err != nil || e.Msg == "" {
		return strings.TrimSpace(string(raw))
	}
	if len(e.Code) > 0 {
		return fmt.Sprintf("code %s: %s", strings.Trim(string(e.Code), `"`), e.Msg)
	}
	return e.Msg
}
