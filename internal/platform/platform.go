// Package platform provides an adapter interface for prediction market platforms.
package platform

import (
	"context"

	"github.com/daszybak/bookstream/internal/engine"
)

type Platform interface {
	Name() string

	// Start runs the platform's connection until ctx is cancelled.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Instruments returns the keys the platform is configured to watch.
	Instruments(ctx context.Context) ([]string, error)

	WatchOrderBook(ctx context.Context, key string) (*engine.Watcher, error)
	WatchTrades(ctx context.Context, key string) (*engine.TradeWatcher, error)
	TakeSnapshots(ctx context.Context, depth int) ([]engine.BookState, error)
}
