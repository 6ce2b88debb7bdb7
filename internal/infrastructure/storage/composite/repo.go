package composite

import (
	"context"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
)

// Repo 把每个 tick 写入所有 sink，返回第一个错误
type Repo struct {
	sinks []port.TickSink
}

func New(sinks ...port.TickSink) *Repo {
	// 忽略 nil sink
	out := make([]port.TickSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Repo{sinks: out}
}

func (r *Repo) Len() int { return len(r.sinks) }

func (r *Repo) Append(ctx context.Context, t domain.Tick) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Append(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ port.TickSink = (*Repo)(nil)
