package engine

import (
	"context"
	"slices"
	"time"

	"github.com/daszybak/bookstream/internal/engine/orderbook"
	"github.com/daszybak/bookstream/pkg/hashset"
	"github.com/daszybak/bookstream/pkg/ring"
)

// book is the replica of one key together with its snapshot gate, the
// deltas held back by the gate and the watchers fed from it.
type book struct {
	ob       *orderbook.Orderbook
	pending  *ring.Ring[Event]
	applied  bool
	watchers map[*Watcher]struct{}

	// seed is a snapshot injected while disconnected, applied on open.
	seed *Event
}

func (s *Supervisor) bookFor(key string) *book {
	b, ok := s.books[key]
	if !ok {
		b = &book{
			ob:       orderbook.New(),
			pending:  ring.New[Event](s.cfg.PendingBufferCapacity),
			watchers: make(map[*Watcher]struct{}),
		}
		s.books[key] = b
	}
	return b
}

func (s *Supervisor) handleEvent(ev Event) {
	s.metrics.event(ev.Kind)

	switch ev.Kind {
	case EventSubscribed:
		s.logger.Debug("subscription confirmed", "key", ev.Key)
		return
	case EventError:
		s.logger.Warn("venue reported error", "reason", ev.Reason)
		s.notify(Notice{Kind: NoticeVenueError, State: s.state, Err: &VenueError{Reason: ev.Reason}})
		return
	case EventTrade:
		s.publishTrade(ev.Trade)
		return
	}

	b, ok := s.books[ev.Key]
	if !ok {
		return
	}

	if ev.Kind == EventSnapshot {
		s.acceptSnapshot(ev.Key, b, ev)
		return
	}
	if !b.applied {
		if _, evicted := b.pending.Push(ev); evicted {
			s.metrics.pendingDropped.Inc()
		}
		return
	}
	s.apply(b, ev)
	s.broadcast(ev.Key, b)
}

// acceptSnapshot replaces the replica, opens the gate and replays whatever
// the gate held back in arrival order.
func (s *Supervisor) acceptSnapshot(key string, b *book, ev Event) {
	s.apply(b, ev)
	b.applied = true
	s.broadcast(key, b)

	replay := b.pending.Drain()
	for _, p := range replay {
		s.apply(b, p)
		s.broadcast(key, b)
	}
	if len(replay) > 0 {
		s.logger.Debug("replayed pending events", "key", key, "count", len(replay))
	}
}

func (s *Supervisor) apply(b *book, ev Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	switch {
	case ev.Kind == EventSnapshot:
		b.ob.ApplySnapshot(ev.Bids, ev.Asks, ts)
	case ev.Incremental:
		b.ob.ApplyIncrement(ev.Bids, ev.Asks, ts)
	default:
		b.ob.ApplyDelta(ev.Bids, ev.Asks, ts)
	}
}

func (s *Supervisor) broadcast(key string, b *book) {
	if len(b.watchers) == 0 {
		return
	}
	st := BookState{Key: key, Snapshot: b.ob.Snapshot()}
	for w := range b.watchers {
		if w.deliver(st.clone()) {
			s.metrics.watcherDropped.Inc()
		}
	}
}

func (s *Supervisor) attach(w *Watcher) error {
	if s.state == StateError {
		return ErrMaxReconnectAttempts
	}

	b := s.bookFor(w.key)
	b.watchers[w] = struct{}{}
	s.metrics.watchers.Inc()
	s.logger.Debug("watcher attached", "key", w.key, "watcher", w.id, "watchers", len(b.watchers))
	if b.applied {
		w.deliver(BookState{Key: w.key, Snapshot: b.ob.Snapshot()})
	}

	if s.subscribe(BookTopic(w.key)) && s.state == StateConnected {
		s.fetchSnapshot(w.key)
	}
	return nil
}

func (s *Supervisor) detach(w *Watcher) {
	b, ok := s.books[w.key]
	if !ok {
		return
	}
	if _, ok := b.watchers[w]; !ok {
		return
	}
	delete(b.watchers, w)
	s.metrics.watchers.Dec()
	s.logger.Debug("watcher detached", "key", w.key, "watcher", w.id, "dropped", w.Dropped())
	if len(b.watchers) > 0 {
		return
	}

	delete(s.books, w.key)
	s.unsubscribe(BookTopic(w.key))
}

func (s *Supervisor) attachTrades(w *TradeWatcher) error {
	if s.state == StateError {
		return ErrMaxReconnectAttempts
	}

	set, ok := s.trades[w.key]
	if !ok {
		set = make(map[*TradeWatcher]struct{})
		s.trades[w.key] = set
	}
	set[w] = struct{}{}
	s.metrics.watchers.Inc()
	s.logger.Debug("trade watcher attached", "key", w.key, "watcher", w.id, "watchers", len(set))

	s.subscribe(TradesTopic(w.key))
	return nil
}

func (s *Supervisor) detachTrades(w *TradeWatcher) {
	set, ok := s.trades[w.key]
	if !ok {
		return
	}
	if _, ok := set[w]; !ok {
		return
	}
	delete(set, w)
	s.metrics.watchers.Dec()
	s.logger.Debug("trade watcher detached", "key", w.key, "watcher", w.id, "dropped", w.Dropped())
	if len(set) > 0 {
		return
	}

	delete(s.trades, w.key)
	s.unsubscribe(TradesTopic(w.key))
}

func (s *Supervisor) publishTrade(t Trade) {
	for w := range s.trades[t.Key] {
		if w.deliver(t) {
			s.metrics.watcherDropped.Inc()
		}
	}
}

// subscribe adds topic to the registry and reports whether it is new.
// While disconnected the next open resubscribes from the registry.
func (s *Supervisor) subscribe(topic Topic) bool {
	if s.registry.Has(topic) {
		return false
	}
	s.registry.Set(topic)
	s.metrics.keys.Set(float64(s.registry.Len()))
	s.logger.Info("subscribing", "topic", topic, "subscriptions", s.registry.Len())

	if s.state == StateConnected {
		s.resubscribe()
	}
	return true
}

func (s *Supervisor) unsubscribe(topic Topic) {
	if !s.registry.Delete(topic) {
		return
	}
	s.metrics.keys.Set(float64(s.registry.Len()))
	s.logger.Info("unsubscribing", "topic", topic, "subscriptions", s.registry.Len())

	if s.state != StateConnected {
		return
	}
	frames, err := s.adapter.Unsubscribe(topic, sortedTopics(s.registry))
	if err != nil {
		s.logger.Error("failed to encode unsubscribe", "topic", topic, "error", err)
		return
	}
	for _, f := range frames {
		s.send(f)
	}
}

// seed handles an injected snapshot. Only watched keys accept one.
func (s *Supervisor) seed(ev Event) error {
	b, ok := s.books[ev.Key]
	if !ok {
		return ErrNotWatched
	}
	if s.state == StateConnected {
		b.seed = nil
		s.handleEvent(ev)
		return nil
	}
	b.seed = &ev
	s.logger.Debug("holding injected snapshot until open", "key", ev.Key)
	return nil
}

// applySeeds feeds held snapshots through the freshly closed gates.
func (s *Supervisor) applySeeds() {
	for _, b := range s.books {
		if b.seed == nil {
			continue
		}
		ev := *b.seed
		b.seed = nil
		s.handleEvent(ev)
	}
}

// closeGates marks every replica untrusted until its next snapshot.
func (s *Supervisor) closeGates() {
	for _, b := range s.books {
		b.applied = false
		b.pending.Clear()
	}
}

func (s *Supervisor) resubscribe() {
	if s.registry.Len() == 0 {
		return
	}
	frames, err := s.adapter.Subscribe(sortedTopics(s.registry))
	if err != nil {
		s.logger.Error("failed to encode subscribe", "error", err)
		return
	}
	for _, f := range frames {
		s.send(f)
	}
}

// fetchSnapshot asks the SnapshotSource for key's book. The result is fed
// through the gate only if the connection it was requested for is still
// the current one.
func (s *Supervisor) fetchSnapshot(key string) {
	if s.source == nil {
		return
	}
	epoch := s.epoch
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.ConnectTimeout)
	go func() {
		defer cancel()
		snap, err := s.source.FetchSnapshot(ctx, key)
		op := func() {
			if err != nil {
				s.logger.Warn("snapshot fetch failed", "key", key, "error", err)
				return
			}
			if epoch != s.epoch {
				return
			}
			s.handleEvent(Event{
				Kind:      EventSnapshot,
				Key:       key,
				Bids:      snap.Bids,
				Asks:      snap.Asks,
				Timestamp: snap.Timestamp,
			})
		}
		select {
		case s.ops <- op:
		case <-s.done:
		}
	}()
}

func (s *Supervisor) topOfBooks(depth int) []BookState {
	keys := make([]string, 0, len(s.books))
	for key, b := range s.books {
		if b.applied {
			keys = append(keys, key)
		}
	}
	out := make([]BookState, 0, len(keys))
	slices.Sort(keys)
	for _, key := range keys {
		b := s.books[key]
		bids, _ := b.ob.GetTopN(orderbook.Bids, depth)
		asks, _ := b.ob.GetTopN(orderbook.Asks, depth)
		out = append(out, BookState{
			Key: key,
			Snapshot: orderbook.Snapshot{
				Bids:      bids,
				Asks:      asks,
				Timestamp: b.ob.UpdatedAt(),
			},
		})
	}
	return out
}

// dropAll ends every watcher with err and forgets all subscriptions.
func (s *Supervisor) dropAll(err error) {
	for _, b := range s.books {
		for w := range b.watchers {
			w.fail(err)
		}
	}
	for _, set := range s.trades {
		for w := range set {
			w.fail(err)
		}
	}
	s.books = make(map[string]*book)
	s.trades = make(map[string]map[*TradeWatcher]struct{})
	s.registry = hashset.NewSet[Topic]()
	s.metrics.watchers.Set(0)
	s.metrics.keys.Set(0)
}
