package monitor

import (
	"context"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
)

type noopStore struct{}

// NewNoopStore 未配置任何存储时使用
func NewNoopStore() port.TickSink { return noopStore{} }

func (noopStore) Append(ctx context.Context, t domain.Tick) error { return nil }
func (noopStore) Close() error                                    { return nil }
