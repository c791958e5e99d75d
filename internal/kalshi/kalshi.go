// Package kalshi adapts Kalshi's REST and WebSocket APIs to the Platform interface.
package kalshi

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"

	"github.com/daszybak/bookstream/internal/engine"
	"github.com/daszybak/bookstream/internal/kalshi/api"
	"github.com/daszybak/bookstream/internal/kalshi/auth"
	"github.com/daszybak/bookstream/internal/kalshi/websocket"
	"github.com/daszybak/bookstream/internal/store"
	"github.com/daszybak/bookstream/pkg/hashset"
)

const platformName = websocket.Venue

type Config struct {
	APIURL string
	Stream engine.Config

	APIKeyID      string
	APIPrivateKey *rsa.PrivateKey

	// RESTSnapshots seeds every watched ticker from the REST order book.
	RESTSnapshots bool

	Tickers []string

	MarketSyncInterval time.Duration
	WatchCatalogue     bool
}

type Kalshi struct {
	config Config
	store  *store.Store
	log    *slog.Logger

	api *api.Client
	sup *engine.Supervisor
}

// New creates a Kalshi platform. The streaming API requires signed
// headers, so an API key is mandatory. s and metrics may be nil.
func New(cfg Config, s *store.Store, metrics *engine.Metrics, log *slog.Logger) (*Kalshi, error) {
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = websocket.DefaultURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = api.DefaultBaseURL
	}

	signer, err := auth.NewSigner(cfg.APIKeyID, cfg.APIPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	cfg.Stream.HeaderFunc = signer.WebSocketHeaders

	k := &Kalshi{
		config: cfg,
		store:  s,
		log:    log.With("component", platformName),
		api:    api.New(cfg.APIURL),
	}

	var opts []engine.Option
	if metrics != nil {
		opts = append(opts, engine.WithMetrics(metrics))
	}
	if cfg.RESTSnapshots {
		opts = append(opts, engine.WithSnapshotSource(k.api))
	}
	sup, err := engine.NewSupervisor(cfg.Stream, websocket.NewAdapter(), log, opts...)
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	k.sup = sup
	return k, nil
}

func (k *Kalshi) Name() string {
	return platformName
}

func (k *Kalshi) Start(ctx context.Context) error {
	k.log.Info("starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return k.sup.Run(ctx)
	})
	if k.store != nil && k.config.MarketSyncInterval > 0 {
		g.Go(func() error {
			k.syncLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (k *Kalshi) Stop(ctx context.Context) error {
	select {
	case <-k.sup.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Kalshi) WatchOrderBook(ctx context.Context, ticker string) (*engine.Watcher, error) {
	return k.sup.Watch(ctx, ticker)
}

func (k *Kalshi) WatchTrades(ctx context.Context, ticker string) (*engine.TradeWatcher, error) {
	return k.sup.WatchTrades(ctx, ticker)
}

func (k *Kalshi) TakeSnapshots(ctx context.Context, depth int) ([]engine.BookState, error) {
	return k.sup.TakeSnapshots(ctx, depth)
}

func (k *Kalshi) Supervisor() *engine.Supervisor {
	return k.sup
}

func (k *Kalshi) Instruments(ctx context.Context) ([]string, error) {
	tickers := hashset.SetFromSlice(k.config.Tickers)
	if k.store != nil && k.config.WatchCatalogue {
		stored, err := k.store.GetTokenIDsForPlatform(ctx, platformName)
		if err != nil {
			return nil, fmt.Errorf("get stored tickers: %w", err)
		}
		for _, t := range stored {
			tickers.Set(t)
		}
	}
	return hashset.Sorted(tickers), nil
}

func (k *Kalshi) syncLoop(ctx context.Context) {
	if err := k.syncMarkets(ctx); err != nil {
		k.log.Error("initial market sync", "error", err)
	}

	ticker := time.NewTicker(k.config.MarketSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := k.syncMarkets(ctx); err != nil {
				k.log.Error("syncing markets", "error", err)
			}
		case <-ctx.Done():
			k.log.Info("market sync stopped", "reason", ctx.Err())
			return
		}
	}
}

// syncMarkets stores every open market. A Kalshi market is a single YES
// book, so its ticker is also its only instrument.
func (k *Kalshi) syncMarkets(ctx context.Context) error {
	markets, err := k.api.GetAllMarkets(ctx, "open")
	if err != nil {
		return fmt.Errorf("get all markets: %w", err)
	}

	err = k.store.WithTx(ctx, func(q *store.Queries) error {
		for _, m := range markets {
			var endDate pgtype.Timestamptz
			if !m.LatestExpirationTime.IsZero() {
				endDate = pgtype.Timestamptz{Time: m.LatestExpirationTime, Valid: true}
			}
			if err := q.UpsertMarket(ctx, store.UpsertMarketParams{
				ID:          m.Ticker,
				Platform:    platformName,
				Description: m.Title,
				EndDate:     endDate,
			}); err != nil {
				return fmt.Errorf("upsert market %s: %w", m.Ticker, err)
			}
			if err := q.UpsertToken(ctx, store.UpsertTokenParams{
				ID:       m.Ticker,
				MarketID: m.Ticker,
				Outcome:  "yes",
			}); err != nil {
				return fmt.Errorf("upsert token %s: %w", m.Ticker, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	k.log.Info("synced markets", "count", len(markets))
	return nil
}
