package port

import (
	"context"
	"time"

	"fxstream/internal/domain"
)

type Sink interface {
	// Live line: overwrite last line (no newline)
	WriteLive(line string) error
	// Snapshot line: append a historical line with timestamp
	WriteSnapshot(ts time.Time, line string) error
	// Normal newline (for logs)
	NewLine() error
}

// TickSink 持久化合并后的 tick 流
type TickSink interface {
	Append(ctx context.Context, t domain.Tick) error
	Close() error
}

// TickArchive 按时间区间读取历史 tick，按 venue time 升序。
// strict 为 true 时，区间内任一小时桶没有数据返回 domain.ErrMissingData。
type TickArchive interface {
	ReadRange(ctx context.Context, instrument string, start, end time.Time, strict bool) ([]domain.Tick, error)
}
