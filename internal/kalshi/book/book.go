// Package book decodes Kalshi order book ladders, shared by the REST and
// WebSocket APIs.
//
// Kalshi quotes both sides of a binary market as bids: a resting NO bid at
// p is a YES ask at 1-p. Sides converts the pair into a YES book.
package book

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/internal/price"
)

// Ladder is one side as [price, quantity] pairs. Numeric prices are cents,
// string prices are dollars.
type Ladder []orderbook.Level

func (l *Ladder) UnmarshalJSON(data []byte) error {
	var pairs [][]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("couldn't parse ladder: %w", err)
	}

	out := make(Ladder, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) < 2 {
			return fmt.Errorf("ladder entry has %d elements", len(pair))
		}
		p, err := ParsePrice(pair[0])
		if err != nil {
			return err
		}
		var size price.Size
		if err := json.Unmarshal(pair[1], &size); err != nil {
			return fmt.Errorf("couldn't parse quantity: %w", err)
		}
		out = append(out, orderbook.Level{Price: p, Size: size})
	}
	*l = out
	return nil
}

// ParsePrice reads a cents number or a dollar string. Prices outside
// [0, 1] are rejected with price.ErrOutOfRange.
func ParsePrice(raw json.RawMessage) (price.Price, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing price")
	}
	var p price.Price
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &p); err != nil {
			return 0, fmt.Errorf("couldn't parse dollar price %s: %w", raw, err)
		}
	} else {
		cents, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("couldn't parse cent price %s: %w", raw, err)
		}
		p = price.FromCents(cents)
	}
	if err := p.Check(); err != nil {
		return 0, err
	}
	return p, nil
}

// Sides turns YES and NO bids into the bids and asks of the YES book.
func Sides(yes, no Ladder) (bids, asks []orderbook.Level) {
	bids = make([]orderbook.Level, 0, len(yes))
	bids = append(bids, yes...)
	asks = make([]orderbook.Level, 0, len(no))
	for _, lvl := range no {
		asks = append(asks, orderbook.Level{Price: lvl.Price.Complement(), Size: lvl.Size})
	}
	return bids, asks
}

// Prefer returns the dollar ladder when the venue sent one.
func Prefer(dollars, cents Ladder) Ladder {
	if dollars != nil {
		return dollars
	}
	return cents
}

// ParseTimestamp reads an RFC 3339 string or a Unix number in seconds,
// milliseconds or microseconds. def is returned when raw is empty or
// unreadable.
func ParseTimestamp(raw json.RawMessage, def time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return def
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return def
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		raw = json.RawMessage(s)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	switch {
	case n < 1e11:
		return time.Unix(n, 0)
	case n < 1e14:
		return time.UnixMilli(n)
	default:
		return time.UnixMicro(n)
	}
}
