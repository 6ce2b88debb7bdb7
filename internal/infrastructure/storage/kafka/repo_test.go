package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/storage"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestAppendPublishesKeyedJSON(t *testing.T) {
	w := &fakeWriter{}
	repo := New(w)

	ts := time.Date(2026, 1, 2, 0, 0, 0, 500_000_000, time.UTC)
	px := decimal.NewNullDecimal(decimal.RequireFromString("1.1001"))
	tk := domain.Tick{Instrument: "EURUSD", Venue: "FINNHUB", VenueTime: ts, IngestTime: ts, Bid: px, Ask: px, Sequence: 7}
	if err := repo.Append(context.Background(), tk); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	m := w.msgs[0]
	if string(m.Key) != "EURUSD" || len(m.Headers) != 1 || string(m.Headers[0].Value) != "FINNHUB" {
		t.Fatalf("message metadata %+v", m)
	}
	var rec storage.Record
	if err := json.Unmarshal(m.Value, &rec); err != nil {
		t.Fatalf("value: %v", err)
	}
	if rec.Sequence != 7 || !rec.Ask.Decimal.Equal(px.Decimal) || !rec.VenueTime.Equal(ts) {
		t.Fatalf("record %+v", rec)
	}

	if err := repo.Close(); err != nil || !w.closed {
		t.Fatal("writer not closed")
	}
}

func TestAppendPropagatesWriterError(t *testing.T) {
	boom := errors.New("broker down")
	repo := New(&fakeWriter{err: boom})
	if err := repo.Append(context.Background(), domain.Tick{Instrument: "EURUSD"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
