package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/storage"

	"github.com/redis/go-redis/v9"
)

// Repo 写入三处：最新报价 hash、tick stream、pubsub channel
type Repo struct {
	rdb        *redis.Client
	prefix     string
	ttl        time.Duration
	keyLatest  string // prefix + ":latest"
	tickStream string
	tickChan   string
	maxLen     int64
}

type Options struct {
	Prefix     string
	TTL        time.Duration
	TickStream string
	TickChan   string
	// MaxLen stream 近似上限，0 表示不裁剪
	MaxLen int64
}

func New(rdb *redis.Client, opts Options) *Repo {
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "fxstream"
	}
	if strings.TrimSpace(opts.TickStream) == "" {
		opts.TickStream = prefix + ":ticks"
	}
	if strings.TrimSpace(opts.TickChan) == "" {
		opts.TickChan = prefix + ":ticks:pub"
	}
	return &Repo{
		rdb:        rdb,
		prefix:     prefix,
		ttl:        opts.TTL,
		keyLatest:  prefix + ":latest",
		tickStream: opts.TickStream,
		tickChan:   opts.TickChan,
		maxLen:     opts.MaxLen,
	}
}

// LatestKey 返回最新报价 hash 的 key
func (r *Repo) LatestKey() string { return r.keyLatest }

func (r *Repo) Append(ctx context.Context, t domain.Tick) error {
	b, err := json.Marshal(storage.FromTick(t))
	if err != nil {
		return err
	}

	// Hash: field = "OANDA:EURUSD" -> json
	field := fmt.Sprintf("%s:%s", t.Venue, t.Instrument)
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, field, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.tickStream,
		MaxLen: r.maxLen,
		Approx: r.maxLen > 0,
		Values: map[string]any{
			"venue":      t.Venue,
			"instrument": t.Instrument,
			"payload":    string(b),
		},
	})
	pipe.Publish(ctx, r.tickChan, string(b))
	_, err = pipe.Exec(ctx)
	return err
}

// Latest returns the last tick stored for venue and instrument.
func (r *Repo) Latest(ctx context.Context, venue, instrument string) (domain.Tick, bool, error) {
	s, err := r.rdb.HGet(ctx, r.keyLatest, venue+":"+instrument).Result()
	if err == redis.Nil {
		return domain.Tick{}, false, nil
	}
	if err != nil {
		return domain.Tick{}, false, err
	}
	var rec storage.Record
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return domain.Tick{}, false, err
	}
	return rec.Tick(), true, nil
}

func (r *Repo) Close() error { return r.rdb.Close() }

var _ port.TickSink = (*Repo)(nil)
