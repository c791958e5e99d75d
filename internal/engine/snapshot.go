package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/daszybak/bookstream/internal/store"
)

// BookSource returns the top levels of every live book. *Supervisor
// implements it.
type BookSource interface {
	TakeSnapshots(ctx context.Context, depth int) ([]BookState, error)
}

// SampleSink persists sampled book levels.
type SampleSink interface {
	InsertOrderBookSnapshotBatch(ctx context.Context, arg []store.InsertOrderBookSnapshotBatchParams) (int64, error)
}

// SnapshotWriter periodically captures orderbook state and writes it to
// the sink. Without a sink it logs the best bid and ask of each book.
type SnapshotWriter struct {
	source   BookSource
	venue    string
	sink     SampleSink
	interval time.Duration
	depth    int
	logger   *slog.Logger
}

// NewSnapshotWriter creates a new snapshot writer. sink may be nil.
func NewSnapshotWriter(source BookSource, venue string, sink SampleSink, interval time.Duration, depth int, logger *slog.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		source:   source,
		venue:    venue,
		sink:     sink,
		interval: interval,
		depth:    depth,
		logger:   logger.With("component", "snapshot_writer", "venue", venue),
	}
}

// Start runs the snapshot writer until the context is cancelled.
func (sw *SnapshotWriter) Start(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("started snapshot writer", "interval", sw.interval, "depth", sw.depth, "persist", sw.sink != nil)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("snapshot writer stopped", "error", ctx.Err())
			return
		case <-ticker.C:
			if err := sw.writeSnapshots(ctx); err != nil {
				if errors.Is(err, ErrSupervisorClosed) {
					sw.logger.Info("snapshot writer stopped", "error", err)
					return
				}
				sw.logger.Error("failed to write snapshots", "error", err)
			}
		}
	}
}

func (sw *SnapshotWriter) writeSnapshots(ctx context.Context) error {
	snapshots, err := sw.source.TakeSnapshots(ctx, sw.depth)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}

	if sw.sink == nil {
		for _, snap := range snapshots {
			sw.logTop(snap)
		}
		return nil
	}

	params := sampleRows(sw.venue, snapshots, time.Now())
	if len(params) == 0 {
		return nil
	}

	count, err := sw.sink.InsertOrderBookSnapshotBatch(ctx, params)
	if err != nil {
		return err
	}

	sw.logger.Debug("wrote snapshots", "books", len(snapshots), "rows", count)
	return nil
}

func (sw *SnapshotWriter) logTop(snap BookState) {
	attrs := []any{"key", snap.Key, "bids", len(snap.Bids), "asks", len(snap.Asks)}
	if len(snap.Bids) > 0 {
		attrs = append(attrs, "best_bid", snap.Bids[0].Price.String(), "bid_size", snap.Bids[0].Size.String())
	}
	if len(snap.Asks) > 0 {
		attrs = append(attrs, "best_ask", snap.Asks[0].Price.String(), "ask_size", snap.Asks[0].Size.String())
	}
	sw.logger.Info("book", attrs...)
}

// sampleRows flattens snapshots into one row per level. The book's last
// update time is the event time, falling back to now.
func sampleRows(venue string, snapshots []BookState, now time.Time) []store.InsertOrderBookSnapshotBatchParams {
	var params []store.InsertOrderBookSnapshotBatchParams

	for _, snap := range snapshots {
		eventTime := snap.Timestamp
		if eventTime.IsZero() {
			eventTime = now
		}
		for level, bid := range snap.Bids {
			params = append(params, store.InsertOrderBookSnapshotBatchParams{
				Time:     eventTime,
				Platform: venue,
				TokenID:  snap.Key,
				Side:     "bid",
				Level:    int16(level),
				Price:    int64(bid.Price),
				Size:     int64(bid.Size),
			})
		}
		for level, ask := range snap.Asks {
			params = append(params, store.InsertOrderBookSnapshotBatchParams{
				Time:     eventTime,
				Platform: venue,
				TokenID:  snap.Key,
				Side:     "ask",
				Level:    int16(level),
				Price:    int64(ask.Price),
				Size:     int64(ask.Size),
			})
		}
	}

	return params
}
