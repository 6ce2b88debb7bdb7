package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/storage"

	"github.com/shopspring/decimal"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS ticks (
  id BIGSERIAL PRIMARY KEY,
  venue TEXT NOT NULL,
  instrument TEXT NOT NULL,
  venue_ts TIMESTAMPTZ NOT NULL,
  ingest_ts TIMESTAMPTZ NOT NULL,
  bid NUMERIC,
  ask NUMERIC,
  seq BIGINT NOT NULL,
  skewed BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_ticks_instrument_ts ON ticks(instrument, venue_ts);
`)
	return err
}

func (r *Repo) Append(ctx context.Context, t domain.Tick) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ticks(venue, instrument, venue_ts, ingest_ts, bid, ask, seq, skewed)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.Venue, t.Instrument, t.VenueTime.UTC(), t.IngestTime.UTC(), t.Bid, t.Ask, int64(t.Sequence), t.Skewed)
	return err
}

// ReadRange mirrors the sqlite archive. TIMESTAMPTZ keeps microseconds only.
func (r *Repo) ReadRange(ctx context.Context, instrument string, start, end time.Time, strict bool) ([]domain.Tick, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT venue, venue_ts, ingest_ts, bid, ask, seq, skewed
		FROM ticks
		WHERE instrument = $1 AND venue_ts >= $2 AND venue_ts < $3
		ORDER BY venue_ts, venue, seq
	`, instrument, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Tick
	for rows.Next() {
		var (
			t   domain.Tick
			bid decimal.NullDecimal
			ask decimal.NullDecimal
			seq int64
		)
		if err := rows.Scan(&t.Venue, &t.VenueTime, &t.IngestTime, &bid, &ask, &seq, &t.Skewed); err != nil {
			return nil, err
		}
		t.Instrument = instrument
		t.Bid, t.Ask = bid, ask
		t.Sequence = uint64(seq)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if strict {
		if err := storage.CheckCoverage(instrument, start, end, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var (
	_ port.TickSink    = (*Repo)(nil)
	_ port.TickArchive = (*Repo)(nil)
)
