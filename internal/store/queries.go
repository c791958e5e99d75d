package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type Queries struct {
	db DBTX
}

func newQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Schema creates the tables used by the collector.
const Schema = `
CREATE TABLE IF NOT EXISTS markets (
	id          TEXT PRIMARY KEY,
	platform    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	end_date    TIMESTAMPTZ,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tokens (
	id        TEXT PRIMARY KEY,
	market_id TEXT NOT NULL REFERENCES markets (id) ON DELETE CASCADE,
	outcome   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS order_book_snapshots (
	time        TIMESTAMPTZ NOT NULL,
	platform    TEXT NOT NULL,
	token_id    TEXT NOT NULL,
	side        TEXT NOT NULL,
	level       SMALLINT NOT NULL,
	price       BIGINT NOT NULL,
	size        BIGINT NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS order_book_snapshots_token_time_idx
	ON order_book_snapshots (token_id, time DESC);
`

func (q *Queries) Migrate(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type UpsertMarketParams struct {
	ID          string
	Platform    string
	Description string
	EndDate     pgtype.Timestamptz
}

const upsertMarket = `
INSERT INTO markets (id, platform, description, end_date)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET description = EXCLUDED.description,
    end_date    = EXCLUDED.end_date,
    updated_at  = NOW()`

func (q *Queries) UpsertMarket(ctx context.Context, arg UpsertMarketParams) error {
	_, err := q.db.Exec(ctx, upsertMarket, arg.ID, arg.Platform, arg.Description, arg.EndDate)
	return err
}

type UpsertTokenParams struct {
	ID       string
	MarketID string
	Outcome  string
}

const upsertToken = `
INSERT INTO tokens (id, market_id, outcome)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET market_id = EXCLUDED.market_id,
    outcome   = EXCLUDED.outcome`

func (q *Queries) UpsertToken(ctx context.Context, arg UpsertTokenParams) error {
	_, err := q.db.Exec(ctx, upsertToken, arg.ID, arg.MarketID, arg.Outcome)
	return err
}

const getTokenIDsForPlatform = `
SELECT t.id
FROM tokens t
JOIN markets m ON m.id = t.market_id
WHERE m.platform = $1
  AND (m.end_date IS NULL OR m.end_date > NOW())
ORDER BY t.id`

// GetTokenIDsForPlatform returns the instruments of every unexpired market
// of platform.
func (q *Queries) GetTokenIDsForPlatform(ctx context.Context, platform string) ([]string, error) {
	rows, err := q.db.Query(ctx, getTokenIDsForPlatform, platform)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

type InsertOrderBookSnapshotBatchParams struct {
	Time     time.Time
	Platform string
	TokenID  string
	Side     string
	Level    int16
	Price    int64
	Size     int64
}

var orderBookSnapshotColumns = []string{"time", "platform", "token_id", "side", "level", "price", "size"}

func (q *Queries) InsertOrderBookSnapshotBatch(ctx context.Context, arg []InsertOrderBookSnapshotBatchParams) (int64, error) {
	return q.db.CopyFrom(ctx,
		pgx.Identifier{"order_book_snapshots"},
		orderBookSnapshotColumns,
		pgx.CopyFromSlice(len(arg), func(i int) ([]any, error) {
			r := arg[i]
			return []any{r.Time, r.Platform, r.TokenID, r.Side, r.Level, r.Price, r.Size}, nil
		}),
	)
}
