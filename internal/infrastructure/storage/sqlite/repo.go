package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/storage"

	"github.com/shopspring/decimal"
)

// Repo 本地 tick 归档：既是 sink 也是 ReadRange 的数据源
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

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
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  venue TEXT NOT NULL,
  instrument TEXT NOT NULL,
  venue_ts_ns INTEGER NOT NULL,
  ingest_ts_ns INTEGER NOT NULL,
  bid TEXT,
  ask TEXT,
  seq INTEGER NOT NULL,
  skewed INTEGER NOT NULL DEFAULT 0,
  hour_bucket INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ticks_instrument_ts ON ticks(instrument, venue_ts_ns);
CREATE INDEX IF NOT EXISTS idx_ticks_bucket ON ticks(instrument, hour_bucket);
`)
	return err
}

func (r *Repo) Append(ctx context.Context, t domain.Tick) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ticks(venue, instrument, venue_ts_ns, ingest_ts_ns, bid, ask, seq, skewed, hour_bucket)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Venue, t.Instrument, t.VenueTime.UnixNano(), t.IngestTime.UnixNano(),
		nullString(t.Bid), nullString(t.Ask), int64(t.Sequence), t.Skewed,
		storage.HourBucket(t.VenueTime).Unix())
	return err
}

// ReadRange returns ticks with venue time in [start, end), ordered. With
// strict set, every hour in the range must hold data.
func (r *Repo) ReadRange(ctx context.Context, instrument string, start, end time.Time, strict bool) ([]domain.Tick, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT venue, venue_ts_ns, ingest_ts_ns, bid, ask, seq, skewed
		FROM ticks
		WHERE instrument = ? AND venue_ts_ns >= ? AND venue_ts_ns < ?
		ORDER BY venue_ts_ns, venue, seq
	`, instrument, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Tick
	for rows.Next() {
		var (
			t        domain.Tick
			venueNs  int64
			ingestNs int64
			bid, ask sql.NullString
			seq      int64
		)
		if err := rows.Scan(&t.Venue, &venueNs, &ingestNs, &bid, &ask, &seq, &t.Skewed); err != nil {
			return nil, err
		}
		t.Instrument = instrument
		t.VenueTime = time.Unix(0, venueNs).UTC()
		t.IngestTime = time.Unix(0, ingestNs).UTC()
		if t.Bid, err = parseNull(bid); err != nil {
			return nil, err
		}
		if t.Ask, err = parseNull(ask); err != nil {
			return nil, err
		}
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

func nullString(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNull(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

var (
	_ port.TickSink    = (*Repo)(nil)
	_ port.TickArchive = (*Repo)(nil)
)
