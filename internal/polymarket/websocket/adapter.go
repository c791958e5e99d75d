// Package websocket translates Polymarket's market channel to and from the
// engine's normalized events.
package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/daszybak/bookstream/internal/engine"
	"github.com/daszybak/bookstream/internal/engine/orderbook"
)

const (
	Venue = "polymarket"

	// DefaultURL is the public market channel. Keys are CLOB token IDs.
	DefaultURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
)

// Adapter is the Polymarket engine.Adapter. It holds no state.
type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Venue() string {
	return Venue
}

// Classify handles book, price_change and last_trade_price events, alone or
// batched in a JSON array. A bad element of a batch is skipped and reported
// without losing the rest. Plain-text frames are acknowledgements except
// for INVALID responses, which are venue errors.
func (a *Adapter) Classify(data []byte, receivedAt time.Time) ([]engine.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '{':
		return a.classifyObject(trimmed, receivedAt)
	case '[':
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("couldn't parse message batch: %w", err)
		}
		var events []engine.Event
		var errs []error
		for i, raw := range batch {
			evs, err := a.classifyObject(raw, receivedAt)
			if err != nil {
				errs = append(errs, fmt.Errorf("batch element %d: %w", i, err))
				continue
			}
			events = append(events, evs...)
		}
		return events, errors.Join(errs...)
	default:
		if bytes.Contains(trimmed, []byte("INVALID")) {
			return []engine.Event{{Kind: engine.EventError, Reason: string(trimmed)}}, nil
		}
		return nil, nil
	}
}

func (a *Adapter) classifyObject(raw []byte, receivedAt time.Time) ([]engine.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("couldn't parse base message: %w", err)
	}

	switch env.EventType {
	case BookEvent:
		return a.classifyBook(raw, receivedAt)
	case PriceChangeEvent:
		return a.classifyPriceChange(raw, receivedAt)
	case LastTradePriceEvent:
		return a.classifyTrade(raw, receivedAt)
	case "":
		// Initial dumps may omit event_type.
		if env.AssetID != "" {
			return a.classifyBook(raw, receivedAt)
		}
		return nil, nil
	default:
		return nil, nil
	}
}

func (a *Adapter) classifyBook(raw []byte, receivedAt time.Time) ([]engine.Event, error) {
	book := &Book{}
	if err := json.Unmarshal(raw, book); err != nil {
		return nil, fmt.Errorf("couldn't parse book event: %w", err)
	}
	if book.AssetID == "" {
		return nil, fmt.Errorf("book event without asset_id")
	}

	bids, asks := book.Bids, book.Asks
	if bids == nil && asks == nil {
		bids, asks = book.Buys, book.Sells
	}
	bidLevels, err := levels(bids)
	if err != nil {
		return nil, fmt.Errorf("book %s: %w", book.AssetID, err)
	}
	askLevels, err := levels(asks)
	if err != nil {
		return nil, fmt.Errorf("book %s: %w", book.AssetID, err)
	}

	return []engine.Event{{
		Kind:      engine.EventSnapshot,
		Key:       book.AssetID,
		Bids:      bidLevels,
		Asks:      askLevels,
		Timestamp: parseMillis(book.Timestamp, receivedAt),
	}}, nil
}

func (a *Adapter) classifyPriceChange(raw []byte, receivedAt time.Time) ([]engine.Event, error) {
	pc := &PriceChange{}
	if err := json.Unmarshal(raw, pc); err != nil {
		return nil, fmt.Errorf("couldn't parse price change event: %w", err)
	}

	changes := pc.PriceChanges
	if len(changes) == 0 {
		changes = pc.Changes
		for i := range changes {
			if changes[i].AssetID == "" {
				changes[i].AssetID = pc.AssetID
			}
		}
	}
	ts := parseMillis(pc.Timestamp, receivedAt)

	// One delta per asset, in order of first appearance.
	var events []engine.Event
	index := make(map[string]int)
	for _, ch := range changes {
		if ch.AssetID == "" {
			continue
		}
		if err := ch.Price.Check(); err != nil {
			return nil, fmt.Errorf("price change %s: %w", ch.AssetID, err)
		}
		i, ok := index[ch.AssetID]
		if !ok {
			i = len(events)
			index[ch.AssetID] = i
			events = append(events, engine.Event{
				Kind:      engine.EventDelta,
				Key:       ch.AssetID,
				Timestamp: ts,
			})
		}
		lvl := orderbook.Level{Price: ch.Price, Size: ch.Size}
		switch ch.Side {
		case SideBuy:
			events[i].Bids = append(events[i].Bids, lvl)
		case SideSell:
			events[i].Asks = append(events[i].Asks, lvl)
		}
	}
	return events, nil
}

func (a *Adapter) classifyTrade(raw []byte, receivedAt time.Time) ([]engine.Event, error) {
	lt := &LastTradePrice{}
	if err := json.Unmarshal(raw, lt); err != nil {
		return nil, fmt.Errorf("couldn't parse last trade price event: %w", err)
	}
	if lt.AssetID == "" {
		return nil, fmt.Errorf("last trade price event without asset_id")
	}
	if err := lt.Price.Check(); err != nil {
		return nil, fmt.Errorf("trade %s: %w", lt.AssetID, err)
	}

	var side string
	switch lt.Side {
	case SideBuy:
		side = engine.SideBuy
	case SideSell:
		side = engine.SideSell
	}
	return []engine.Event{{
		Kind: engine.EventTrade,
		Key:  lt.AssetID,
		Trade: engine.Trade{
			Key:       lt.AssetID,
			ID:        lt.TransactionHash,
			Price:     lt.Price,
			Size:      lt.Size,
			Side:      side,
			Timestamp: parseMillis(lt.Timestamp, receivedAt),
		},
	}}, nil
}

// Subscribe lists every key; the market channel replaces the previous
// asset set with the one in the latest frame. Books and trades of an asset
// arrive on the same subscription.
func (a *Adapter) Subscribe(topics []engine.Topic) ([][]byte, error) {
	return encode(MarketSubscription{Type: "market", AssetsIDs: engine.TopicKeys(topics)})
}

func (a *Adapter) Unsubscribe(topic engine.Topic, remaining []engine.Topic) ([][]byte, error) {
	keys := engine.TopicKeys(remaining)
	if slices.Contains(keys, topic.Key) {
		return nil, nil
	}
	if len(keys) > 0 {
		return encode(MarketSubscription{Type: "market", AssetsIDs: keys})
	}
	return encode(MarketSubscription{AssetsIDs: []string{topic.Key}, Operation: "unsubscribe"})
}

func (a *Adapter) Reset() {}

func encode(sub MarketSubscription) ([][]byte, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("couldn't encode subscription: %w", err)
	}
	return [][]byte{data}, nil
}

func levels(summaries []OrderSummary) ([]orderbook.Level, error) {
	out := make([]orderbook.Level, 0, len(summaries))
	for _, s := range summaries {
		if err := s.Price.Check(); err != nil {
			return nil, err
		}
		out = append(out, orderbook.Level{Price: s.Price, Size: s.Size})
	}
	return out, nil
}

// parseMillis reads a Unix millisecond string, falling back to def.
func parseMillis(s string, def time.Time) time.Time {
	if s == "" {
		return def
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return def
	}
	return time.UnixMilli(ms)
}
