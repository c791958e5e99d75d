package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/internal/price"
	"github.com/daszybak/bookstream/pkg/hashset"
)

var (
	ErrConnectionFailed     = errors.New("connection failed")
	ErrMaxReconnectAttempts = fmt.Errorf("%w: max reconnect attempts reached", ErrConnectionFailed)
	ErrConnectTimeout       = errors.New("connection timeout")
	ErrWatcherClosed        = errors.New("watcher closed")
	ErrSupervisorClosed     = errors.New("supervisor closed")
	ErrNotWatched           = errors.New("key is not watched")
)

// VenueError is an error frame sent by the venue. It never closes the
// connection.
type VenueError struct {
	Reason string
}

func (e *VenueError) Error() string {
	return "venue error: " + e.Reason
}

// State is the state of the physical connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type EventKind int

const (
	EventSubscribed EventKind = iota + 1
	EventError
	EventSnapshot
	EventDelta
	EventTrade
)

func (k EventKind) String() string {
	switch k {
	case EventSubscribed:
		return "subscribed"
	case EventError:
		return "error"
	case EventSnapshot:
		return "snapshot"
	case EventDelta:
		return "delta"
	case EventTrade:
		return "trade"
	default:
		return "unknown"
	}
}

// Event is a venue message normalized by an Adapter.
type Event struct {
	Kind EventKind
	Key  string

	// Bids and Asks hold the full ladder for a snapshot and only the changed
	// levels for a delta.
	Bids      []orderbook.Level
	Asks      []orderbook.Level
	Timestamp time.Time

	// Incremental marks a delta whose sizes are signed changes to the
	// resting size rather than the new absolute size.
	Incremental bool

	// Reason is set for EventError.
	Reason string

	// Trade is set for EventTrade.
	Trade Trade
}

// Taker sides of a Trade.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Trade is one execution reported by the venue.
type Trade struct {
	Key       string
	ID        string
	Price     price.Price
	Size      price.Size
	Side      string // taker side, empty when the venue does not say
	Timestamp time.Time
}

// Channel is a kind of stream a key can be subscribed to.
type Channel int

const (
	ChannelBook Channel = iota
	ChannelTrades
)

func (c Channel) String() string {
	switch c {
	case ChannelBook:
		return "book"
	case ChannelTrades:
		return "trades"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Topic is one channel of one key. The subscription registry is a set of
// topics.
type Topic struct {
	Channel Channel
	Key     string
}

func BookTopic(key string) Topic {
	return Topic{Channel: ChannelBook, Key: key}
}

func TradesTopic(key string) Topic {
	return Topic{Channel: ChannelTrades, Key: key}
}

func (t Topic) String() string {
	return t.Channel.String() + ":" + t.Key
}

// TopicKeys returns the distinct keys of topics in sorted order.
func TopicKeys(topics []Topic) []string {
	keys := hashset.NewSet[string]()
	for _, t := range topics {
		keys.Set(t.Key)
	}
	return hashset.Sorted(keys)
}

func sortedTopics(set hashset.Set[Topic]) []Topic {
	out := set.AsSlice()
	slices.SortFunc(out, func(a, b Topic) int {
		return cmp.Or(cmp.Compare(a.Key, b.Key), cmp.Compare(a.Channel, b.Channel))
	})
	return out
}

// Adapter translates one venue's wire format. The Supervisor calls it from
// a single goroutine.
type Adapter interface {
	Venue() string

	// Classify turns one inbound frame into zero or more events. An error
	// means some or all of the frame could not be parsed; it is logged and
	// the events returned with it are still handled. Unrecognized frames
	// yield no events and no error.
	Classify(data []byte, receivedAt time.Time) ([]Event, error)

	// Subscribe encodes the frames that make the venue stream every topic
	// in topics, which is always the whole registry.
	Subscribe(topics []Topic) ([][]byte, error)

	// Unsubscribe encodes the frames that stop topic; remaining is the
	// registry after topic was removed.
	Unsubscribe(topic Topic, remaining []Topic) ([][]byte, error)

	// Reset drops per-connection protocol state. Called on every open.
	Reset()
}

// SnapshotSource fetches a full book out of band, typically over REST.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, key string) (orderbook.Snapshot, error)
}

// BookState is one update delivered to a Watcher.
type BookState struct {
	Key string
	orderbook.Snapshot
}

func (b BookState) clone() BookState {
	b.Bids = append([]orderbook.Level(nil), b.Bids...)
	b.Asks = append([]orderbook.Level(nil), b.Asks...)
	return b
}

type NoticeKind int

const (
	NoticeStateChange NoticeKind = iota + 1
	NoticeVenueError
	NoticeProtocolError
	NoticeReconnectError
	NoticeMaxReconnectAttempts
)

// Notice is an observability signal. Notices are dropped when nobody reads
// them.
type Notice struct {
	Kind  NoticeKind
	State State
	Err   error
	Time  time.Time
}
