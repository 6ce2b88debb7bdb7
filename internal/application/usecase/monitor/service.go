package monitor

import (
	"context"
	"errors"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"

	"github.com/rs/zerolog"
)

type ServiceDeps struct {
	Ticks       <-chan domain.Tick
	Signals     <-chan domain.Signal
	Instruments []string
	PrintEvery  time.Duration
	Pips        *domain.PipRegistry
	Sink        port.Sink
	Store       port.TickSink
	// Archive 与 Replay 同时设置时，启动前回放最近 Replay 时长的历史 tick
	Archive port.TickArchive
	Replay  time.Duration
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Service struct {
	deps ServiceDeps
	st   *State
	fmt  *Formatter
	log  zerolog.Logger

	persistErrs uint64
}

func NewService(deps ServiceDeps) *Service {
	if deps.PrintEvery <= 0 {
		deps.PrintEvery = 5 * time.Minute
	}
	if deps.Store == nil {
		deps.Store = NewNoopStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		deps: deps,
		st:   NewState(deps.Instruments),
		fmt:  NewFormatter(deps.Pips),
		log:  deps.Logger.With().Str("component", "monitor").Logger(),
	}
}

func (s *Service) State() *State { return s.st }

// Run 消费合并后的 tick 流直到其关闭（返回 nil）或 ctx 结束
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Ticks == nil {
		return errors.New("no tick stream")
	}
	if err := s.replay(ctx); err != nil {
		return err
	}

	snapTicker := time.NewTicker(s.deps.PrintEvery)
	defer snapTicker.Stop()

	_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))

	signals := s.deps.Signals
	for {
		select {
		case <-ctx.Done():
			_ = s.deps.Sink.NewLine()
			return ctx.Err()

		case <-snapTicker.C:
			_ = s.deps.Sink.WriteSnapshot(s.deps.Now(), s.fmt.Render(s.st, RenderSnapshot))

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			s.logSignal(sig)

		case t, ok := <-s.deps.Ticks:
			if !ok {
				_ = s.deps.Sink.NewLine()
				return nil
			}
			if s.st.Apply(t) {
				_ = s.deps.Sink.WriteLive(s.fmt.Render(s.st, RenderLive))
			}
			if err := s.deps.Store.Append(ctx, t); err != nil {
				s.persistErrs++
				if s.persistErrs == 1 || s.persistErrs%1000 == 0 {
					s.log.Warn().Err(err).Uint64("failures", s.persistErrs).Msg("persist tick failed")
				}
			}
		}
	}
}

func (s *Service) replay(ctx context.Context) error {
	if s.deps.Archive == nil || s.deps.Replay <= 0 {
		return nil
	}
	end := s.deps.Now()
	start := end.Add(-s.deps.Replay)
	for _, in := range s.st.Instruments() {
		ticks, err := s.deps.Archive.ReadRange(ctx, in, start, end, false)
		if err != nil {
			return err
		}
		for _, t := range ticks {
			s.st.Apply(t)
			_ = s.deps.Sink.WriteSnapshot(t.VenueTime, s.fmt.FormatTick(t))
		}
		s.log.Info().Str("instrument", in).Int("ticks", len(ticks)).Msg("replayed archive")
	}
	return nil
}

func (s *Service) logSignal(sig domain.Signal) {
	var ev *zerolog.Event
	switch sig.Kind {
	case domain.SignalAuthFailed:
		ev = s.log.Error().Err(sig.Err)
	case domain.SignalBackpressure:
		ev = s.log.Warn().Str("instrument", sig.Tick.Instrument).Uint64("seq", sig.Tick.Sequence)
	case domain.SignalClockSkew:
		ev = s.log.Warn().Time("venue_time", sig.Tick.VenueTime).Time("ingest_time", sig.Tick.IngestTime)
	default:
		ev = s.log.Info().Err(sig.Err).Dur("delay", sig.Delay)
	}
	ev.Str("venue", sig.Venue).Str("signal", sig.Kind.String()).Msg("gateway signal")
}
