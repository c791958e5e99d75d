// Package polymarket adapts Polymarket's APIs (CLOB, Gamma, WebSocket) to the Platform interface.
package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/sync/errgroup"

	"github.com/daszybak/bookstream/internal/engine"
	"github.com/daszybak/bookstream/internal/polymarket/clob"
	"github.com/daszybak/bookstream/internal/polymarket/gamma"
	"github.com/daszybak/bookstream/internal/polymarket/websocket"
	"github.com/daszybak/bookstream/internal/store"
	"github.com/daszybak/bookstream/pkg/hashset"
)

const platformName = websocket.Venue

type Config struct {
	ClobURL  string
	GammaURL string
	Stream   engine.Config

	// RESTSnapshots seeds every watched token from the CLOB /book endpoint
	// in addition to the book events of the market channel.
	RESTSnapshots bool

	TokenIDs []string
	Slugs    []string

	// MarketSyncInterval enables the catalogue sync when a store is set.
	MarketSyncInterval time.Duration
	WatchCatalogue     bool
}

type Polymarket struct {
	config Config
	store  *store.Store
	log    *slog.Logger

	clob  *clob.Client
	gamma *gamma.Client
	sup   *engine.Supervisor
}

// New creates a Polymarket platform. s and metrics may be nil. Call Start
// to run it.
func New(cfg Config, s *store.Store, metrics *engine.Metrics, log *slog.Logger) (*Polymarket, error) {
	if cfg.Stream.URL == "" {
		cfg.Stream.URL = websocket.DefaultURL
	}
	if cfg.ClobURL == "" {
		cfg.ClobURL = clob.DefaultBaseURL
	}
	if cfg.GammaURL == "" {
		cfg.GammaURL = gamma.DefaultBaseURL
	}

	p := &Polymarket{
		config: cfg,
		store:  s,
		log:    log.With("component", platformName),
		clob:   clob.New(cfg.ClobURL),
		gamma:  gamma.New(cfg.GammaURL),
	}

	var opts []engine.Option
	if metrics != nil {
		opts = append(opts, engine.WithMetrics(metrics))
	}
	if cfg.RESTSnapshots {
		opts = append(opts, engine.WithSnapshotSource(p.clob))
	}
	sup, err := engine.NewSupervisor(cfg.Stream, websocket.NewAdapter(), log, opts...)
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}
	p.sup = sup
	return p, nil
}

func (p *Polymarket) Name() string {
	return platformName
}

// Start runs the supervisor and, with a store, the market sync. It blocks
// until ctx is cancelled.
func (p *Polymarket) Start(ctx context.Context) error {
	p.log.Info("starting")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.sup.Run(ctx)
	})
	if p.store != nil && p.config.MarketSyncInterval > 0 {
		g.Go(func() error {
			p.syncLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Stop waits for the supervisor to shut down after Start's context ended.
func (p *Polymarket) Stop(ctx context.Context) error {
	select {
	case <-p.sup.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Polymarket) WatchOrderBook(ctx context.Context, tokenID string) (*engine.Watcher, error) {
	return p.sup.Watch(ctx, tokenID)
}

// WatchTrades streams last_trade_price events of tokenID. They arrive on
// the same asset subscription as the book.
func (p *Polymarket) WatchTrades(ctx context.Context, tokenID string) (*engine.TradeWatcher, error) {
	return p.sup.WatchTrades(ctx, tokenID)
}

func (p *Polymarket) TakeSnapshots(ctx context.Context, depth int) ([]engine.BookState, error) {
	return p.sup.TakeSnapshots(ctx, depth)
}

// Supervisor exposes the underlying connection for notices and state.
func (p *Polymarket) Supervisor() *engine.Supervisor {
	return p.sup
}

// Instruments resolves configured token IDs and event slugs, plus the
// stored catalogue when WatchCatalogue is set.
func (p *Polymarket) Instruments(ctx context.Context) ([]string, error) {
	ids := hashset.SetFromSlice(p.config.TokenIDs)

	for _, slug := range p.config.Slugs {
		tokens, err := p.gamma.TokenIDsForSlug(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("resolve slug %s: %w", slug, err)
		}
		p.log.Info("resolved event slug", "slug", slug, "tokens", len(tokens))
		for _, id := range tokens {
			ids.Set(id)
		}
	}

	if p.store != nil && p.config.WatchCatalogue {
		tokens, err := p.store.GetTokenIDsForPlatform(ctx, platformName)
		if err != nil {
			return nil, fmt.Errorf("get stored tokens: %w", err)
		}
		for _, id := range tokens {
			ids.Set(id)
		}
	}

	return hashset.Sorted(ids), nil
}

func (p *Polymarket) syncLoop(ctx context.Context) {
	if err := p.syncMarkets(ctx); err != nil {
		p.log.Error("initial market sync", "error", err)
	}

	ticker := time.NewTicker(p.config.MarketSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.syncMarkets(ctx); err != nil {
				p.log.Error("syncing markets", "error", err)
			}
		case <-ctx.Done():
			p.log.Info("market sync stopped", "reason", ctx.Err())
			return
		}
	}
}

// syncMarkets fetches markets from the API and upserts them into the database.
func (p *Polymarket) syncMarkets(ctx context.Context) error {
	markets, err := p.clob.GetAllMarkets(ctx)
	if err != nil {
		return fmt.Errorf("get all markets: %w", err)
	}

	err = p.store.WithTx(ctx, func(q *store.Queries) error {
		for _, m := range markets {
			if m.Closed {
				continue
			}

			var endDate pgtype.Timestamptz
			if m.EndDateISO != "" {
				t, err := time.Parse(time.RFC3339, m.EndDateISO)
				if err != nil {
					p.log.Warn("invalid end_date_iso", "market_id", m.ConditionID, "value", m.EndDateISO)
				} else {
					endDate = pgtype.Timestamptz{Time: t, Valid: true}
				}
			}

			if err := q.UpsertMarket(ctx, store.UpsertMarketParams{
				ID:          m.ConditionID,
				Platform:    platformName,
				Description: m.Description,
				EndDate:     endDate,
			}); err != nil {
				return fmt.Errorf("upsert market %s: %w", m.ConditionID, err)
			}

			for _, t := range m.Tokens {
				if err := q.UpsertToken(ctx, store.UpsertTokenParams{
					ID:       t.TokenID,
					MarketID: m.ConditionID,
					Outcome:  t.Outcome,
				}); err != nil {
					return fmt.Errorf("upsert token %s: %w", t.TokenID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.log.Info("synced markets", "count", len(markets))
	return nil
}
