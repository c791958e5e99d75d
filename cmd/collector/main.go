package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/daszybak/bookstream/internal/engine"
	"github.com/daszybak/bookstream/internal/kalshi"
	"github.com/daszybak/bookstream/internal/platform"
	"github.com/daszybak/bookstream/internal/polymarket"
	"github.com/daszybak/bookstream/internal/store"
)

func main() {
	configPath := flag.String("config", "configs/collector/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := readConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Couldn't read config: %v\n", err)
		os.Exit(1)
	}

	level, _ := parseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("collector stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("collector stopped")
}

func run(ctx context.Context, cfg *config, logger *slog.Logger) error {
	var st *store.Store
	if cfg.databaseEnabled() {
		pool, err := store.NewPool(ctx, store.PoolConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			PoolSize: cfg.Database.PoolSize,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		st = store.New(pool)
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		logger.Info("connected to database", "host", cfg.Database.Host, "database", cfg.Database.Database)
	}

	metrics := engine.NewMetrics(prometheus.DefaultRegisterer)

	platforms, err := newPlatforms(cfg, st, metrics, logger)
	if err != nil {
		return err
	}

	var sink engine.SampleSink
	if st != nil {
		sink = st
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	for _, p := range platforms {
		g.Go(func() error {
			return p.Start(ctx)
		})
		g.Go(func() error {
			return watchInstruments(ctx, p, cfg.Trades, logger)
		})
		g.Go(func() error {
			engine.NewSnapshotWriter(p, p.Name(), sink, cfg.Sampler.Interval.Duration(), cfg.Sampler.Depth, logger).Start(ctx)
			return nil
		})
	}

	err = g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	for _, p := range platforms {
		if stopErr := p.Stop(stopCtx); stopErr != nil {
			logger.Warn("platform did not stop", "platform", p.Name(), "error", stopErr)
		}
	}
	return err
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newPlatforms(cfg *config, st *store.Store, metrics *engine.Metrics, logger *slog.Logger) ([]platform.Platform, error) {
	var platforms []platform.Platform

	if pm := cfg.Platforms.PolyMarket; pm.Enabled {
		p, err := polymarket.New(polymarket.Config{
			ClobURL:            pm.ClobURL,
			GammaURL:           pm.GammaURL,
			Stream:             cfg.Stream.engineConfig(pm.WSURL),
			RESTSnapshots:      pm.RESTSnapshots,
			TokenIDs:           pm.TokenIDs,
			Slugs:              pm.Slugs,
			MarketSyncInterval: pm.MarketSyncInterval.Duration(),
			WatchCatalogue:     pm.WatchCatalogue,
		}, st, metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("polymarket: %w", err)
		}
		platforms = append(platforms, p)
	}

	if k := cfg.Platforms.Kalshi; k.Enabled {
		p, err := kalshi.New(kalshi.Config{
			APIURL:             k.APIURL,
			Stream:             cfg.Stream.engineConfig(k.WSURL),
			APIKeyID:           k.APIKeyID,
			APIPrivateKey:      k.APIPrivateKey.PrivateKey,
			RESTSnapshots:      k.RESTSnapshots,
			Tickers:            k.Tickers,
			MarketSyncInterval: k.MarketSyncInterval.Duration(),
			WatchCatalogue:     k.WatchCatalogue,
		}, st, metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("kalshi: %w", err)
		}
		platforms = append(platforms, p)
	}

	return platforms, nil
}

// watchInstruments opens one watcher per instrument of p and logs every
// update at debug level, plus every trade when trades is set. It returns
// when ctx ends or the platform gives up reconnecting.
func watchInstruments(ctx context.Context, p platform.Platform, trades bool, logger *slog.Logger) error {
	logger = logger.With("platform", p.Name())

	keys, err := backoff.Retry(ctx, func() ([]string, error) {
		return p.Instruments(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s instruments: %w", p.Name(), err)
	}
	logger.Info("watching instruments", "count", len(keys))

	g, ctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		keyLogger := logger.With("key", key)
		g.Go(func() error {
			return watch(ctx, func(ctx context.Context) (*engine.Watcher, error) {
				return p.WatchOrderBook(ctx, key)
			}, logBook(keyLogger), keyLogger)
		})
		if trades {
			g.Go(func() error {
				return watch(ctx, func(ctx context.Context) (*engine.TradeWatcher, error) {
					return p.WatchTrades(ctx, key)
				}, logTrade(keyLogger), keyLogger)
			})
		}
	}
	return g.Wait()
}

// watch keeps one stream open, reopening it after it ends until ctx is
// done or the platform gives up reconnecting.
func watch[T any](ctx context.Context, open func(context.Context) (*engine.Stream[T], error), handle func(*engine.Stream[T], T), logger *slog.Logger) error {
	for {
		w, err := backoff.Retry(ctx, func() (*engine.Stream[T], error) {
			w, err := open(ctx)
			if errors.Is(err, engine.ErrMaxReconnectAttempts) || errors.Is(err, engine.ErrSupervisorClosed) {
				return nil, backoff.Permanent(err)
			}
			if err != nil {
				logger.Warn("watch failed, retrying", "error", err)
			}
			return w, err
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(0))
		if err != nil {
			_, err = watchEnded(ctx, err)
			return err
		}

		err = consume(ctx, w, handle)
		w.Close()
		if done, err := watchEnded(ctx, err); done {
			return err
		}
		logger.Info("watch ended, reopening", "error", err)
	}
}

func consume[T any](ctx context.Context, w *engine.Stream[T], handle func(*engine.Stream[T], T)) error {
	for {
		v, err := w.Next(ctx)
		if err != nil {
			return err
		}
		handle(w, v)
	}
}

func logBook(logger *slog.Logger) func(*engine.Watcher, engine.BookState) {
	return func(w *engine.Watcher, st engine.BookState) {
		attrs := []any{"bids", len(st.Bids), "asks", len(st.Asks), "dropped", w.Dropped()}
		if len(st.Bids) > 0 {
			attrs = append(attrs, "best_bid", st.Bids[0].Price.String())
		}
		if len(st.Asks) > 0 {
			attrs = append(attrs, "best_ask", st.Asks[0].Price.String())
		}
		logger.Debug("book update", attrs...)
	}
}

func logTrade(logger *slog.Logger) func(*engine.TradeWatcher, engine.Trade) {
	return func(w *engine.TradeWatcher, t engine.Trade) {
		logger.Info("trade",
			"id", t.ID,
			"price", t.Price.String(),
			"size", t.Size.String(),
			"side", t.Side,
			"time", t.Timestamp,
			"dropped", w.Dropped(),
		)
	}
}

// watchEnded reports whether a watch should stop for good. Shutdown is
// clean and exhausted reconnects are fatal.
func watchEnded(ctx context.Context, err error) (bool, error) {
	switch {
	case ctx.Err() != nil, errors.Is(err, engine.ErrSupervisorClosed):
		return true, nil
	case errors.Is(err, engine.ErrMaxReconnectAttempts):
		return true, err
	}
	return false, nil
}
