// Package engine keeps live order books in sync with a venue WebSocket feed.
//
// A Supervisor owns one physical connection. Every piece of mutable state
// (the subscription registry, book replicas, pending buffers and the
// fan-out sets of books and trades) is owned by the goroutine running Supervisor.Run; other
// goroutines talk to it through channels. Inbound frames are handled one
// at a time in arrival order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/pkg/hashset"
)

const (
	opsBufferSize     = 64
	inboundBufferSize = 256
	noticeBufferSize  = 64
)

type Option func(*Supervisor)

// WithMetrics records into m instead of an unregistered set of collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m.forVenue(s.adapter.Venue())
	}
}

// WithSnapshotSource fetches a book out of band after every open and for
// every newly watched key.
func WithSnapshotSource(src SnapshotSource) Option {
	return func(s *Supervisor) {
		s.source = src
	}
}

// Supervisor keeps one connection to a venue alive and multiplexes the books
// streamed over it to any number of Watchers.
type Supervisor struct {
	cfg     Config
	adapter Adapter
	source  SnapshotSource
	logger  *slog.Logger
	metrics *venueMetrics
	dialer  *websocket.Dialer

	ops     chan func()
	inbound chan frame
	notices chan Notice
	done    chan struct{}
	running atomic.Bool
	current atomic.Int32

	// Owned by the Run goroutine.
	runCtx         context.Context
	state          State
	attempts       int
	epoch          uint64
	conn           *websocket.Conn
	connCancel     context.CancelFunc
	connectWaiters []chan error
	outbox         [][]byte
	retry          *time.Timer
	backoff        *backoff.ExponentialBackOff
	registry       hashset.Set[Topic]
	books          map[string]*book
	trades         map[string]map[*TradeWatcher]struct{}
}

// NewSupervisor creates a Supervisor. Nothing happens until Run is called.
func NewSupervisor(cfg Config, adapter Adapter, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:     cfg,
		adapter: adapter,
		logger:  logger.With("component", "supervisor", "venue", adapter.Venue()),
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		ops:      make(chan func(), opsBufferSize),
		inbound:  make(chan frame, inboundBufferSize),
		notices:  make(chan Notice, noticeBufferSize),
		done:     make(chan struct{}),
		backoff:  cfg.newBackoff(),
		registry: hashset.NewSet[Topic](),
		books:    make(map[string]*book),
		trades:   make(map[string]map[*TradeWatcher]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil).forVenue(adapter.Venue())
	}
	return s, nil
}

// Run drives the Supervisor until ctx is cancelled. It may be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}
	s.runCtx = ctx
	defer s.shutdown()

	s.logger.Info("started", "url", s.cfg.URL)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped", "reason", ctx.Err())
			return ctx.Err()
		case op := <-s.ops:
			op()
		case f := <-s.inbound:
			s.handleFrame(f)
		case <-s.retryC():
			s.retry = nil
			s.startDial()
		}
	}
}

// Connect opens the connection if it is not already open and waits for the
// attempt to resolve. Concurrent calls share one attempt.
func (s *Supervisor) Connect(ctx context.Context) error {
	result := make(chan error, 1)
	if err := s.submit(ctx, func() { s.connect(result) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSupervisorClosed
	}
}

// Watch returns a Watcher over key, connecting first if needed. The first
// update is the current book when one is already held.
func (s *Supervisor) Watch(ctx context.Context, key string) (*Watcher, error) {
	w := newWatcher(s, key, s.cfg.WatcherBufferCapacity)
	w.detach = func() { s.detach(w) }
	if err := s.open(ctx, func() error { return s.attach(w) }); err != nil {
		return nil, err
	}
	return w, nil
}

// WatchTrades returns a TradeWatcher over the executions of key, connecting
// first if needed. Trades are delivered in arrival order and never
// replayed.
func (s *Supervisor) WatchTrades(ctx context.Context, key string) (*TradeWatcher, error) {
	w := newStream[Trade](s, key, s.cfg.WatcherBufferCapacity)
	w.detach = func() { s.detachTrades(w) }
	if err := s.open(ctx, func() error { return s.attachTrades(w) }); err != nil {
		return nil, err
	}
	return w, nil
}

// open connects and then runs attach on the loop.
func (s *Supervisor) open(ctx context.Context, attach func() error) error {
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	result := make(chan error, 1)
	if err := s.submit(ctx, func() { result <- attach() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrSupervisorClosed
	}
}

// SetInitialSnapshot injects a book fetched out of band for a key that is
// already watched; otherwise it returns ErrNotWatched. While connected it
// is handled exactly like a snapshot received over the socket. While the
// connection is down it is held and applied right after the next open,
// ahead of any frame from the new connection.
func (s *Supervisor) SetInitialSnapshot(ctx context.Context, key string, snap orderbook.Snapshot) error {
	ev := Event{
		Kind:      EventSnapshot,
		Key:       key,
		Bids:      snap.Bids,
		Asks:      snap.Asks,
		Timestamp: snap.Timestamp,
	}
	result := make(chan error, 1)
	if err := s.submit(ctx, func() { result <- s.seed(ev) }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrSupervisorClosed
	}
}

// Send writes a raw frame, queueing it until the next open when the
// connection is down.
func (s *Supervisor) Send(ctx context.Context, data []byte) error {
	return s.submit(ctx, func() { s.send(data) })
}

// Reset leaves the terminal error state so that Connect or Watch can try
// again.
func (s *Supervisor) Reset(ctx context.Context) error {
	return s.submit(ctx, func() {
		if s.state != StateError {
			return
		}
		s.attempts = 0
		s.backoff.Reset()
		s.setState(StateDisconnected)
	})
}

// TakeSnapshots returns the top depth levels of every book that has
// received a snapshot.
func (s *Supervisor) TakeSnapshots(ctx context.Context, depth int) ([]BookState, error) {
	result := make(chan []BookState, 1)
	if err := s.submit(ctx, func() { result <- s.topOfBooks(depth) }); err != nil {
		return nil, err
	}
	select {
	case snaps := <-result:
		return snaps, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSupervisorClosed
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return State(s.current.Load())
}

// Notices returns observability signals. Notices are dropped when the
// channel is full.
func (s *Supervisor) Notices() <-chan Notice {
	return s.notices
}

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

func (s *Supervisor) submit(ctx context.Context, op func()) error {
	select {
	case <-s.done:
		return ErrSupervisorClosed
	default:
	}
	select {
	case s.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSupervisorClosed
	}
}

func (s *Supervisor) connect(result chan error) {
	switch s.state {
	case StateConnected:
		result <- nil
	case StateConnecting:
		s.connectWaiters = append(s.connectWaiters, result)
	case StateError:
		result <- ErrMaxReconnectAttempts
	default:
		// Disconnected, or Reconnecting and asked to retry right away.
		s.connectWaiters = append(s.connectWaiters, result)
		s.stopRetry()
		s.startDial()
	}
}

func (s *Supervisor) resolveWaiters(err error) {
	for _, ch := range s.connectWaiters {
		ch <- err
	}
	s.connectWaiters = nil
}

// onOpen is the Connecting -> Connected transition.
func (s *Supervisor) onOpen(conn *websocket.Conn) {
	s.attempts = 0
	s.backoff.Reset()
	s.setState(StateConnected)
	s.logger.Info("connected", "url", s.cfg.URL)

	s.startConn(conn)
	s.flushOutbox()

	// The venue may have restarted its delta sequence, so no book is trusted
	// until it gets a fresh snapshot.
	s.closeGates()
	s.adapter.Reset()
	s.resubscribe()
	s.applySeeds()
	for topic := range s.registry {
		if topic.Channel == ChannelBook {
			s.fetchSnapshot(topic.Key)
		}
	}

	s.resolveWaiters(nil)
}

// onClosed handles a dead connection or a failed dial.
func (s *Supervisor) onClosed(err error) {
	s.dropConn()
	s.scheduleReconnect(err)
}

func (s *Supervisor) scheduleReconnect(cause error) {
	limit := s.cfg.MaxReconnectAttempts
	if limit > 0 && s.attempts >= limit {
		s.fail(cause)
		return
	}

	s.setState(StateReconnecting)
	s.attempts++
	delay := s.backoff.NextBackOff()
	s.metrics.reconnects.Inc()
	s.logger.Warn("scheduling reconnect",
		"attempt", s.attempts,
		"delay", delay,
		"error", cause,
	)
	s.stopRetry()
	s.retry = time.NewTimer(delay)
}

// fail enters the terminal error state.
func (s *Supervisor) fail(cause error) {
	s.setState(StateError)
	s.logger.Error("giving up reconnecting",
		"attempts", s.attempts,
		"error", cause,
	)
	s.notify(Notice{Kind: NoticeMaxReconnectAttempts, State: StateError, Err: ErrMaxReconnectAttempts})
	s.resolveWaiters(ErrMaxReconnectAttempts)
	s.outbox = nil
	s.dropAll(ErrMaxReconnectAttempts)
}

func (s *Supervisor) retryC() <-chan time.Time {
	if s.retry == nil {
		return nil
	}
	return s.retry.C
}

func (s *Supervisor) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Supervisor) setState(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("state change", "from", s.state, "to", st)
	s.state = st
	s.current.Store(int32(st))
	s.metrics.state.Set(float64(st))
	s.notify(Notice{Kind: NoticeStateChange, State: st})
}

func (s *Supervisor) notify(n Notice) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	select {
	case s.notices <- n:
	default:
	}
}

func (s *Supervisor) shutdown() {
	s.stopRetry()
	s.dropConn()
	s.resolveWaiters(ErrSupervisorClosed)
	s.dropAll(ErrSupervisorClosed)
	s.setState(StateDisconnected)
	close(s.done)
}
