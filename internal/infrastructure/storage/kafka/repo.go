package kafka

import (
	"context"
	"encoding/json"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/storage"

	"github.com/segmentio/kafka-go"
)

// KafkaWriter 是 *kafka.Writer 的最小子集，便于测试替换
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Repo 把 tick 以 JSON 发布到 topic，key 为 instrument 以保证同一货币对落在同一分区
type Repo struct {
	w KafkaWriter
}

func New(w KafkaWriter) *Repo {
	return &Repo{w: w}
}

// NewWriter builds a hash-balanced writer for brokers and topic.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func (r *Repo) Append(ctx context.Context, t domain.Tick) error {
	b, err := json.Marshal(storage.FromTick(t))
	if err != nil {
		return err
	}
	return r.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(t.Instrument),
		Value: b,
		Time:  t.IngestTime,
		Headers: []kafka.Header{
			{Key: "venue", Value: []byte(t.Venue)},
		},
	})
}

func (r *Repo) Close() error { return r.w.Close() }

var _ port.TickSink = (*Repo)(nil)
