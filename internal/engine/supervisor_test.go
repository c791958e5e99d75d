package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/internal/price"
)

const waitTimeout = 2 * time.Second

// fakeVenue is a WebSocket server that records what clients send and lets
// the test push frames on the latest connection.
type fakeVenue struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	received chan string
	reject   atomic.Bool
	mutePing atomic.Bool
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	v := &fakeVenue{
		conns:    make(chan *websocket.Conn, 16),
		received: make(chan string, 256),
	}
	upgrader := websocket.Upgrader{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if v.mutePing.Load() {
			conn.SetPingHandler(func(string) error { return nil })
		}
		v.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			v.received <- string(data)
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVenue) url() string {
	return "ws" + strings.TrimPrefix(v.srv.URL, "http")
}

func (v *fakeVenue) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-v.conns:
		return conn
	case <-time.After(waitTimeout):
		t.Fatal("no connection")
		return nil
	}
}

func (v *fakeVenue) nextControl(t *testing.T) control {
	t.Helper()
	select {
	case raw := <-v.received:
		var c control
		require.NoError(t, json.Unmarshal([]byte(raw), &c), raw)
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no frame received")
		return control{}
	}
}

func push(t *testing.T, conn *websocket.Conn, frames ...string) {
	t.Helper()
	for _, f := range frames {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f)))
	}
}

type control struct {
	Op   string   `json:"op"`
	Keys []string `json:"keys"`
	Key  string   `json:"key"`
	Raw  string   `json:"raw"`
}

// testAdapter speaks a minimal JSON protocol:
//
//	{"type":"snapshot","key":"k","bids":[["0.52","100"]],"asks":[]}
type testAdapter struct {
	resets atomic.Int32
}

type testMessage struct {
	Type        string      `json:"type"`
	Key         string      `json:"key"`
	Bids        [][2]string `json:"bids"`
	Asks        [][2]string `json:"asks"`
	Incremental bool        `json:"incremental"`
	Reason      string      `json:"reason"`

	ID    string `json:"id"`
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

func (a *testAdapter) Venue() string { return "test" }

// Classify also accepts a JSON array of messages; bad elements are skipped
// and reported alongside the events of the good ones.
func (a *testAdapter) Classify(data []byte, receivedAt time.Time) ([]Event, error) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, err
		}
		var events []Event
		var errs []error
		for _, raw := range batch {
			evs, err := a.Classify(raw, receivedAt)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			events = append(events, evs...)
		}
		return events, errors.Join(errs...)
	}

	var m testMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	ev := Event{Key: m.Key, Timestamp: receivedAt, Incremental: m.Incremental, Reason: m.Reason}
	switch m.Type {
	case "snapshot":
		ev.Kind = EventSnapshot
	case "delta":
		ev.Kind = EventDelta
	case "error":
		ev.Kind = EventError
	case "subscribed":
		ev.Kind = EventSubscribed
	case "trade":
		p, err := price.Parse(m.Price)
		if err != nil {
			return nil, err
		}
		sz, err := price.ParseSize(m.Size)
		if err != nil {
			return nil, err
		}
		ev.Kind = EventTrade
		ev.Trade = Trade{Key: m.Key, ID: m.ID, Price: p, Size: sz, Side: m.Side, Timestamp: receivedAt}
		return []Event{ev}, nil
	default:
		return nil, nil
	}
	var err error
	if ev.Bids, err = parseLevels(m.Bids); err != nil {
		return nil, err
	}
	if ev.Asks, err = parseLevels(m.Asks); err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// topicName spells book topics as the bare key.
func topicName(t Topic) string {
	if t.Channel == ChannelBook {
		return t.Key
	}
	return t.String()
}

func (a *testAdapter) Subscribe(topics []Topic) ([][]byte, error) {
	keys := make([]string, 0, len(topics))
	for _, t := range topics {
		keys = append(keys, topicName(t))
	}
	data, err := json.Marshal(control{Op: "subscribe", Keys: keys})
	return [][]byte{data}, err
}

func (a *testAdapter) Unsubscribe(topic Topic, remaining []Topic) ([][]byte, error) {
	keys := make([]string, 0, len(remaining))
	for _, t := range remaining {
		keys = append(keys, topicName(t))
	}
	data, err := json.Marshal(control{Op: "unsubscribe", Key: topicName(topic), Keys: keys})
	return [][]byte{data}, err
}

func (a *testAdapter) Reset() { a.resets.Add(1) }

func parseLevels(raw [][2]string) ([]orderbook.Level, error) {
	levels := make([]orderbook.Level, 0, len(raw))
	for _, r := range raw {
		p, err := price.Parse(r[0])
		if err != nil {
			return nil, err
		}
		sz, err := price.ParseSize(r[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, orderbook.Level{Price: p, Size: sz})
	}
	return levels, nil
}

func lv(t *testing.T, p, size string) orderbook.Level {
	t.Helper()
	levels, err := parseLevels([][2]string{{p, size}})
	require.NoError(t, err)
	return levels[0]
}

func snapshotFrame(key, bids, asks string) string {
	return fmt.Sprintf(`{"type":"snapshot","key":%q,"bids":%s,"asks":%s}`, key, bids, asks)
}

func deltaFrame(key, bids, asks string) string {
	return fmt.Sprintf(`{"type":"delta","key":%q,"bids":%s,"asks":%s}`, key, bids, asks)
}

type fakeSource struct {
	calls atomic.Int32
	snap  orderbook.Snapshot
}

func (f *fakeSource) FetchSnapshot(ctx context.Context, key string) (orderbook.Snapshot, error) {
	f.calls.Add(1)
	return f.snap, nil
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectInterval = 50 * time.Millisecond
	cfg.ConnectTimeout = waitTimeout
	return cfg
}

func startSupervisor(t *testing.T, cfg Config, opts ...Option) (*Supervisor, *testAdapter) {
	t.Helper()
	adapter := &testAdapter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewSupervisor(cfg, adapter, logger, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return s, adapter
}

func watch(t *testing.T, s *Supervisor, key string) *Watcher {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	w, err := s.Watch(ctx, key)
	require.NoError(t, err)
	return w
}

func next(t *testing.T, w *Watcher) BookState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	st, err := w.Next(ctx)
	require.NoError(t, err)
	return st
}

func watchTrades(t *testing.T, s *Supervisor, key string) *TradeWatcher {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	w, err := s.WatchTrades(ctx, key)
	require.NoError(t, err)
	return w
}

func nextTrade(t *testing.T, w *TradeWatcher) Trade {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	tr, err := w.Next(ctx)
	require.NoError(t, err)
	return tr
}

func expectNothing(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := w.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func waitNotice(t *testing.T, s *Supervisor, kind NoticeKind) Notice {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case n := <-s.Notices():
			if n.Kind == kind {
				return n
			}
		case <-deadline:
			t.Fatalf("no notice of kind %d", kind)
			return Notice{}
		}
	}
}

func gateOpen(t *testing.T, s *Supervisor, key string) bool {
	t.Helper()
	res := make(chan bool, 1)
	require.NoError(t, s.submit(context.Background(), func() {
		b, ok := s.books[key]
		res <- ok && b.applied
	}))
	return <-res
}

func TestNewSupervisorRejectsInvalidConfig(t *testing.T) {
	_, err := NewSupervisor(Config{}, &testAdapter{}, nil)
	require.Error(t, err)

	cfg := DefaultConfig("ws://localhost")
	cfg.MaxReconnectAttempts = -1
	_, err = NewSupervisor(cfg, &testAdapter{}, nil)
	require.Error(t, err)

	// An unset maximum takes the default cap, which a larger base
	// interval would exceed.
	cfg = Config{URL: "ws://localhost", ReconnectInterval: time.Minute}
	require.Error(t, cfg.Validate())
	_, err = NewSupervisor(cfg, &testAdapter{}, nil)
	require.Error(t, err)

	cfg.ReconnectInterval = 10 * time.Second
	require.NoError(t, cfg.Validate())
}

func TestWatchSnapshotThenDelta(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	sub := venue.nextControl(t)
	assert.Equal(t, control{Op: "subscribe", Keys: []string{"m1"}}, sub)

	push(t, conn,
		snapshotFrame("m1", `[["0.52","100"]]`, `[["0.53","150"]]`),
		deltaFrame("m1", `[["0.52","110"]]`, `[]`),
	)

	first := next(t, w)
	assert.Equal(t, "m1", first.Key)
	assert.Equal(t, []orderbook.Level{lv(t, "0.52", "100")}, first.Bids)

	second := next(t, w)
	assert.Equal(t, []orderbook.Level{lv(t, "0.52", "110")}, second.Bids)
	assert.Equal(t, []orderbook.Level{lv(t, "0.53", "150")}, second.Asks)
	assert.False(t, second.Timestamp.IsZero())
}

func TestDeltasBeforeSnapshotAreReplayed(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	push(t, conn,
		deltaFrame("m1", `[["0.50","1"]]`, `[]`),
		deltaFrame("m1", `[["0.50","2"]]`, `[]`),
		deltaFrame("m1", `[["0.50","3"]]`, `[]`),
	)
	expectNothing(t, w)
	assert.False(t, gateOpen(t, s, "m1"))

	push(t, conn, snapshotFrame("m1", `[["0.52","100"]]`, `[]`))

	st := next(t, w)
	assert.Equal(t, []orderbook.Level{lv(t, "0.52", "100")}, st.Bids)
	for _, size := range []string{"1", "2", "3"} {
		st = next(t, w)
		assert.Equal(t, []orderbook.Level{lv(t, "0.52", "100"), lv(t, "0.50", size)}, st.Bids)
	}
	assert.True(t, gateOpen(t, s, "m1"))
}

func TestPendingOverflowKeepsMostRecent(t *testing.T) {
	venue := newFakeVenue(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	cfg := testConfig(venue.url())
	cfg.PendingBufferCapacity = 2
	s, _ := startSupervisor(t, cfg, WithMetrics(metrics))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	push(t, conn,
		deltaFrame("m1", `[["0.41","1"]]`, `[]`),
		deltaFrame("m1", `[["0.42","2"]]`, `[]`),
		deltaFrame("m1", `[["0.43","3"]]`, `[]`),
		snapshotFrame("m1", `[]`, `[]`),
	)

	assert.Empty(t, next(t, w).Bids)
	assert.Equal(t, []orderbook.Level{lv(t, "0.42", "2")}, next(t, w).Bids)
	assert.Equal(t, []orderbook.Level{lv(t, "0.43", "3"), lv(t, "0.42", "2")}, next(t, w).Bids)
	expectNothing(t, w)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.pendingDropped.WithLabelValues("test")))
}

func TestWatchersShareOneSubscription(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	w1 := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)
	w2 := watch(t, s, "m1")

	push(t, conn,
		snapshotFrame("m1", `[["0.52","100"]]`, `[]`),
		deltaFrame("m1", `[["0.51","10"]]`, `[]`),
		deltaFrame("m1", `[["0.52","0"]]`, `[]`),
	)

	for i := 0; i < 3; i++ {
		assert.Equal(t, next(t, w1), next(t, w2))
	}

	// A second watcher on the same key sends no control frame.
	select {
	case raw := <-venue.received:
		t.Fatalf("unexpected frame %s", raw)
	default:
	}
}

func TestCloseOneWatcherKeepsOthers(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	w1 := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)
	w2 := watch(t, s, "m1")

	push(t, conn, snapshotFrame("m1", `[["0.52","100"]]`, `[]`))
	next(t, w1)
	next(t, w2)

	w1.Close()
	_, err := w1.Next(context.Background())
	require.ErrorIs(t, err, ErrWatcherClosed)

	push(t, conn, deltaFrame("m1", `[["0.52","120"]]`, `[]`))
	assert.Equal(t, []orderbook.Level{lv(t, "0.52", "120")}, next(t, w2).Bids)

	w2.Close()
	unsub := venue.nextControl(t)
	assert.Equal(t, "unsubscribe", unsub.Op)
	assert.Equal(t, "m1", unsub.Key)
	assert.Empty(t, unsub.Keys)
}

func TestLateWatcherStartsFromCurrentBook(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	w1 := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)
	push(t, conn, snapshotFrame("m1", `[["0.52","100"]]`, `[]`))
	next(t, w1)

	w2 := watch(t, s, "m1")
	assert.Equal(t, []orderbook.Level{lv(t, "0.52", "100")}, next(t, w2).Bids)
}

func TestSubscribeSendsWholeRegistry(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	watch(t, s, "b")
	venue.nextConn(t)
	assert.Equal(t, []string{"b"}, venue.nextControl(t).Keys)

	wa := watch(t, s, "a")
	assert.Equal(t, []string{"a", "b"}, venue.nextControl(t).Keys)

	wa.Close()
	unsub := venue.nextControl(t)
	assert.Equal(t, "a", unsub.Key)
	assert.Equal(t, []string{"b"}, unsub.Keys)
}

func TestReconnectResubscribesWithGatesClosed(t *testing.T) {
	venue := newFakeVenue(t)
	s, adapter := startSupervisor(t, testConfig(venue.url()))

	wa := watch(t, s, "a")
	conn := venue.nextConn(t)
	venue.nextControl(t)
	wb := watch(t, s, "b")
	venue.nextControl(t)

	push(t, conn,
		snapshotFrame("a", `[["0.40","1"]]`, `[]`),
		snapshotFrame("b", `[["0.60","1"]]`, `[]`),
	)
	next(t, wa)
	next(t, wb)
	require.True(t, gateOpen(t, s, "a"))

	conn.Close()

	conn = venue.nextConn(t)
	sub := venue.nextControl(t)
	assert.Equal(t, control{Op: "subscribe", Keys: []string{"a", "b"}}, sub)
	assert.False(t, gateOpen(t, s, "a"))
	assert.False(t, gateOpen(t, s, "b"))
	assert.Equal(t, int32(2), adapter.resets.Load())
	assert.Equal(t, StateConnected, s.State())

	push(t, conn,
		deltaFrame("a", `[["0.41","5"]]`, `[]`),
		snapshotFrame("a", `[["0.39","2"]]`, `[]`),
	)
	assert.Equal(t, []orderbook.Level{lv(t, "0.39", "2")}, next(t, wa).Bids)
	assert.Equal(t, []orderbook.Level{lv(t, "0.41", "5"), lv(t, "0.39", "2")}, next(t, wa).Bids)
	expectNothing(t, wb)
}

func TestPongTimeoutTriggersReconnect(t *testing.T) {
	venue := newFakeVenue(t)
	venue.mutePing.Store(true)
	cfg := testConfig(venue.url())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PingTimeout = 20 * time.Millisecond
	s, _ := startSupervisor(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	venue.nextConn(t)
	venue.mutePing.Store(false)

	venue.nextConn(t)
}

func TestMaxReconnectAttempts(t *testing.T) {
	venue := newFakeVenue(t)
	cfg := testConfig(venue.url())
	cfg.MaxReconnectAttempts = 2
	s, _ := startSupervisor(t, cfg)

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	venue.reject.Store(true)
	conn.Close()

	n := waitNotice(t, s, NoticeMaxReconnectAttempts)
	require.ErrorIs(t, n.Err, ErrMaxReconnectAttempts)
	assert.Equal(t, StateError, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	_, err := w.Next(ctx)
	require.ErrorIs(t, err, ErrMaxReconnectAttempts)
	require.ErrorIs(t, err, ErrConnectionFailed)

	_, err = s.Watch(ctx, "m1")
	require.ErrorIs(t, err, ErrMaxReconnectAttempts)

	venue.reject.Store(false)
	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, StateConnected, s.State())
}

func TestConnectIsShared(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	var g errgroup.Group
	for i := 0; i < 5; i++ {
		g.Go(func() error { return s.Connect(ctx) })
	}
	require.NoError(t, g.Wait())

	venue.nextConn(t)
	select {
	case <-venue.conns:
		t.Fatal("more than one connection opened")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectFailureIsReported(t *testing.T) {
	venue := newFakeVenue(t)
	venue.reject.Store(true)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.Error(t, s.Connect(ctx))
	waitNotice(t, s, NoticeReconnectError)

	// The supervisor keeps retrying on its own.
	venue.reject.Store(false)
	venue.nextConn(t)
	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, waitTimeout, 5*time.Millisecond)
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.Send(ctx, []byte(`{"op":"raw","raw":"hello"}`)))
	require.NoError(t, s.Connect(ctx))

	venue.nextConn(t)
	assert.Equal(t, "hello", venue.nextControl(t).Raw)
}

func TestVenueAndProtocolErrorsAreNonFatal(t *testing.T) {
	venue := newFakeVenue(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	s, _ := startSupervisor(t, testConfig(venue.url()), WithMetrics(metrics))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	push(t, conn, `{"type":"error","reason":"rate limited"}`)
	n := waitNotice(t, s, NoticeVenueError)
	var venueErr *VenueError
	require.ErrorAs(t, n.Err, &venueErr)
	assert.Equal(t, "rate limited", venueErr.Reason)

	push(t, conn, `not json`)
	waitNotice(t, s, NoticeProtocolError)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.protocolErrors.WithLabelValues("test")))

	push(t, conn, snapshotFrame("m1", `[["0.52","100"]]`, `[]`))
	next(t, w)
	assert.Equal(t, StateConnected, s.State())
}

func TestSetInitialSnapshotOpensGate(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	push(t, conn, `{"type":"delta","key":"m1","bids":[["0.30","4"]],"incremental":true}`)
	expectNothing(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.SetInitialSnapshot(ctx, "m1", orderbook.Snapshot{
		Bids: []orderbook.Level{lv(t, "0.30", "10")},
	}))

	assert.Equal(t, []orderbook.Level{lv(t, "0.30", "10")}, next(t, w).Bids)
	assert.Equal(t, []orderbook.Level{lv(t, "0.30", "14")}, next(t, w).Bids)
}

func TestSetInitialSnapshotRequiresWatchedKey(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snap := orderbook.Snapshot{Bids: []orderbook.Level{lv(t, "0.30", "10")}}

	require.ErrorIs(t, s.SetInitialSnapshot(ctx, "m1", snap), ErrNotWatched)

	w := watch(t, s, "m1")
	venue.nextConn(t)
	venue.nextControl(t)
	w.Close()
	venue.nextControl(t)

	require.ErrorIs(t, s.SetInitialSnapshot(ctx, "m1", snap), ErrNotWatched)
	snaps, err := s.TakeSnapshots(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.False(t, gateOpen(t, s, "m1"))
}

func TestSetInitialSnapshotSurvivesReconnect(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	venue.reject.Store(true)
	conn.Close()
	require.Eventually(t, func() bool { return s.State() != StateConnected }, waitTimeout, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, s.SetInitialSnapshot(ctx, "m1", orderbook.Snapshot{
		Bids: []orderbook.Level{lv(t, "0.30", "10")},
	}))
	expectNothing(t, w)

	venue.reject.Store(false)
	conn = venue.nextConn(t)
	venue.nextControl(t)

	assert.Equal(t, []orderbook.Level{lv(t, "0.30", "10")}, next(t, w).Bids)
	assert.True(t, gateOpen(t, s, "m1"))

	push(t, conn, `{"type":"delta","key":"m1","bids":[["0.30","4"]],"incremental":true}`)
	assert.Equal(t, []orderbook.Level{lv(t, "0.30", "14")}, next(t, w).Bids)
}

func TestWatchTrades(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	tw := watchTrades(t, s, "a")
	conn := venue.nextConn(t)
	assert.Equal(t, control{Op: "subscribe", Keys: []string{"trades:a"}}, venue.nextControl(t))

	w := watch(t, s, "a")
	assert.Equal(t, []string{"a", "trades:a"}, venue.nextControl(t).Keys)

	push(t, conn,
		`{"type":"trade","key":"b","id":"t0","price":"0.10","size":"1"}`,
		`{"type":"trade","key":"a","id":"t1","price":"0.55","size":"3","side":"buy"}`,
		`{"type":"trade","key":"a","id":"t2","price":"0.54","size":"1.5","side":"sell"}`,
	)

	first := nextTrade(t, tw)
	assert.Equal(t, "t1", first.ID)
	assert.Equal(t, "a", first.Key)
	assert.Equal(t, price.FromCents(55), first.Price)
	assert.Equal(t, price.Contracts(3), first.Size)
	assert.Equal(t, SideBuy, first.Side)
	assert.Equal(t, "t2", nextTrade(t, tw).ID)
	expectNothing(t, w)

	tw.Close()
	unsub := venue.nextControl(t)
	assert.Equal(t, "trades:a", unsub.Key)
	assert.Equal(t, []string{"a"}, unsub.Keys)

	_, err := tw.Next(context.Background())
	require.ErrorIs(t, err, ErrWatcherClosed)
}

func TestPartiallyParsedFrameIsApplied(t *testing.T) {
	venue := newFakeVenue(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	s, _ := startSupervisor(t, testConfig(venue.url()), WithMetrics(metrics))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	push(t, conn, `[`+snapshotFrame("m1", `[["0.52","100"]]`, `[]`)+`,`+snapshotFrame("m1", `[["bad","1"]]`, `[]`)+`]`)
	assert.Equal(t, []orderbook.Level{lv(t, "0.52", "100")}, next(t, w).Bids)
	waitNotice(t, s, NoticeProtocolError)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.protocolErrors.WithLabelValues("test")))
}

func TestSnapshotSourceIsFetchedOnEveryOpen(t *testing.T) {
	venue := newFakeVenue(t)
	src := &fakeSource{snap: orderbook.Snapshot{
		Asks:      []orderbook.Level{{Price: price.FromCents(55), Size: price.Contracts(7)}},
		Timestamp: time.Unix(1700000000, 0),
	}}
	s, _ := startSupervisor(t, testConfig(venue.url()), WithSnapshotSource(src))

	w := watch(t, s, "m1")
	conn := venue.nextConn(t)
	venue.nextControl(t)

	st := next(t, w)
	assert.Equal(t, src.snap.Asks, st.Asks)
	assert.Equal(t, src.snap.Timestamp, st.Timestamp)

	conn.Close()
	venue.nextConn(t)
	next(t, w)
	assert.GreaterOrEqual(t, src.calls.Load(), int32(2))
}

func TestTakeSnapshots(t *testing.T) {
	venue := newFakeVenue(t)
	s, _ := startSupervisor(t, testConfig(venue.url()))

	wa := watch(t, s, "a")
	conn := venue.nextConn(t)
	venue.nextControl(t)
	watch(t, s, "b")
	venue.nextControl(t)

	push(t, conn, snapshotFrame("a", `[["0.40","1"],["0.39","2"]]`, `[["0.45","3"],["0.46","4"]]`))
	next(t, wa)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	snaps, err := s.TakeSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "a", snaps[0].Key)
	assert.Equal(t, []orderbook.Level{lv(t, "0.40", "1")}, snaps[0].Bids)
	assert.Equal(t, []orderbook.Level{lv(t, "0.45", "3")}, snaps[0].Asks)
}

func TestShutdownEndsWatchers(t *testing.T) {
	venue := newFakeVenue(t)
	adapter := &testAdapter{}
	s, err := NewSupervisor(testConfig(venue.url()), adapter, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	w := watch(t, s, "m1")
	tw := watchTrades(t, s, "m1")
	cancel()
	<-s.Done()

	_, err = tw.Next(context.Background())
	require.ErrorIs(t, err, ErrSupervisorClosed)

	_, err = w.Next(context.Background())
	require.ErrorIs(t, err, ErrSupervisorClosed)
	assert.Equal(t, StateDisconnected, s.State())

	_, err = s.Watch(context.Background(), "m1")
	require.ErrorIs(t, err, ErrSupervisorClosed)
	w.Close()
}

func TestBackoffSequence(t *testing.T) {
	cfg := DefaultConfig("ws://localhost").withDefaults()
	b := cfg.newBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, b.NextBackOff(), "attempt %d", i+1)
	}

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}

func TestConfigHeaders(t *testing.T) {
	cfg := DefaultConfig("ws://localhost")
	cfg.Headers = http.Header{"X-Static": {"a"}}
	cfg.HeaderFunc = func() (http.Header, error) {
		return http.Header{"X-Signed": {"b"}}, nil
	}

	h, err := cfg.header()
	require.NoError(t, err)
	assert.Equal(t, "a", h.Get("X-Static"))
	assert.Equal(t, "b", h.Get("X-Signed"))
	assert.Empty(t, cfg.Headers.Get("X-Signed"))
}
