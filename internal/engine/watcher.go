package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/daszybak/bookstream/pkg/ring"
)

// Stream is one consumer's cursor over the updates of a single key.
//
// Updates are buffered up to the configured capacity; when the consumer
// falls further behind the oldest buffered update is dropped. A Stream
// never slows down the Supervisor or other consumers of the same key.
type Stream[T any] struct {
	id  string
	key string
	sup *Supervisor

	// detach runs on the Supervisor loop when the consumer closes.
	detach func()

	mu      sync.Mutex
	buf     *ring.Ring[T]
	err     error
	dropped int

	wake      chan struct{}
	closeOnce sync.Once
}

// Watcher streams book states of one key.
type Watcher = Stream[BookState]

// TradeWatcher streams the trades of one key.
type TradeWatcher = Stream[Trade]

func newStream[T any](sup *Supervisor, key string, capacity int) *Stream[T] {
	return &Stream[T]{
		id:   uuid.NewString(),
		key:  key,
		sup:  sup,
		buf:  ring.New[T](capacity),
		wake: make(chan struct{}, 1),
	}
}

func newWatcher(sup *Supervisor, key string, capacity int) *Watcher {
	return newStream[BookState](sup, key, capacity)
}

func (w *Stream[T]) ID() string {
	return w.id
}

func (w *Stream[T]) Key() string {
	return w.key
}

// Next blocks until an update is available, the stream ends or ctx is done.
// Buffered updates are returned before a terminal error.
func (w *Stream[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		w.mu.Lock()
		if v, ok := w.buf.Pop(); ok {
			w.mu.Unlock()
			return v, nil
		}
		err := w.err
		w.mu.Unlock()
		if err != nil {
			return zero, err
		}

		select {
		case <-w.wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Dropped returns how many updates were evicted because the consumer was
// behind.
func (w *Stream[T]) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close detaches the stream. Pending updates are discarded and Next
// returns ErrWatcherClosed. When this was the last consumer of its topic
// the topic is unsubscribed. Close returns once the Supervisor has
// processed the detach, or immediately if it is no longer running.
func (w *Stream[T]) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.buf.Clear()
		if w.err == nil {
			w.err = ErrWatcherClosed
		}
		w.mu.Unlock()
		w.signal()

		if w.sup == nil || w.detach == nil {
			return
		}
		done := make(chan struct{})
		if err := w.sup.submit(context.Background(), func() {
			w.detach()
			close(done)
		}); err != nil {
			return
		}
		select {
		case <-done:
		case <-w.sup.done:
		}
	})
}

// deliver hands v to the consumer and reports whether an older update had
// to be evicted. Called from the Supervisor loop.
func (w *Stream[T]) deliver(v T) (evicted bool) {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return false
	}
	if _, evicted = w.buf.Push(v); evicted {
		w.dropped++
	}
	w.mu.Unlock()
	w.signal()
	return evicted
}

// fail ends the stream with err once the buffer is drained.
func (w *Stream[T]) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.signal()
}

func (w *Stream[T]) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
