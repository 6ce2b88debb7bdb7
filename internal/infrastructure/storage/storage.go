package storage

import (
	"fmt"
	"strings"
	"time"

	"fxstream/internal/domain"

	"github.com/shopspring/decimal"
)

// Record 是 tick 的序列化形式（redis / kafka 载荷）
type Record struct {
	Venue      string              `json:"venue"`
	Instrument string              `json:"instrument"`
	VenueTime  time.Time           `json:"venue_time"`
	IngestTime time.Time           `json:"ingest_time"`
	Bid        decimal.NullDecimal `json:"bid"`
	Ask        decimal.NullDecimal `json:"ask"`
	Sequence   uint64              `json:"seq"`
	Skewed     bool                `json:"skewed,omitempty"`
}

func FromTick(t domain.Tick) Record {
	return Record{
		Venue:      t.Venue,
		Instrument: t.Instrument,
		VenueTime:  t.VenueTime.UTC(),
		IngestTime: t.IngestTime.UTC(),
		Bid:        t.Bid,
		Ask:        t.Ask,
		Sequence:   t.Sequence,
		Skewed:     t.Skewed,
	}
}

func (r Record) Tick() domain.Tick {
	return domain.Tick{
		Instrument: r.Instrument,
		Venue:      r.Venue,
		VenueTime:  r.VenueTime,
		IngestTime: r.IngestTime,
		Bid:        r.Bid,
		Ask:        r.Ask,
		Sequence:   r.Sequence,
		Skewed:     r.Skewed,
	}
}

// HourBucket 返回 t 所在小时的起点 (UTC)
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// CheckCoverage 严格模式：[start, end) 覆盖的每个小时桶都必须至少有一个 tick。
// ticks 必须已经按时间过滤。
func CheckCoverage(instrument string, start, end time.Time, ticks []domain.Tick) error {
	if !end.After(start) {
		return nil
	}
	have := make(map[int64]struct{}, len(ticks))
	for _, t := range ticks {
		have[HourBucket(t.VenueTime).Unix()] = struct{}{}
	}
	var missing []string
	for h := HourBucket(start); h.Before(end); h = h.Add(time.Hour) {
		if _, ok := have[h.Unix()]; !ok {
			missing = append(missing, h.Format("2006-01-02T15"))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if len(missing) > 3 {
		missing = append(missing[:3], fmt.Sprintf("... (%d hours)", len(missing)))
	}
	return fmt.Errorf("%w: %s %s", domain.ErrMissingData, instrument, strings.Join(missing, ", "))
}
