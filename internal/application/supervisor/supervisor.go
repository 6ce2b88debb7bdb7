package supervisor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"

	"github.com/rs/zerolog"
)

// errResubscribe 订阅集合变更，立即重连，不计为失败
var errResubscribe = errors.New("subscription changed")

const defaultSilence = 30 * time.Second

// TickWriter 是 supervisor 唯一的输出；每个 writer 只有一个生产者
type TickWriter interface {
	Push(t domain.Tick)
	Close()
}

type Options struct {
	Backoff     Backoff
	StableAfter time.Duration
	ClockSkew   time.Duration
	Logger      zerolog.Logger
	// Notify 接收 AuthFailed / ClockSkew / Reconnecting 信号，不得阻塞
	Notify func(domain.Signal)
	Now    func() time.Time
}

// Stats 单个 venue 的计数快照
type Stats struct {
	Ticks       uint64
	ParseErrors uint64
	Skipped     uint64
	Skewed      uint64
	Reconnects  uint64
}

// Supervisor 驱动一个 adapter 的连接状态机。
// 状态只由 Run 所在 goroutine 修改，其他 goroutine 只读。
type Supervisor struct {
	venue   string
	adapter port.VenueAdapter
	out     TickWriter
	opts    Options
	log     zerolog.Logger

	state atomic.Int32

	mu          sync.Mutex
	instruments []string
	interrupt   context.CancelCauseFunc
	lastErr     error
	changed     chan struct{}

	seq uint64

	ticks       atomic.Uint64
	parseErrors atomic.Uint64
	skipped     atomic.Uint64
	skewed      atomic.Uint64
	reconnects  atomic.Uint64
}

func New(venue string, adapter port.VenueAdapter, instruments []string, out TickWriter, opts Options) *Supervisor {
	if opts.StableAfter <= 0 {
		opts.StableAfter = 30 * time.Second
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = domain.DefaultClockSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notify == nil {
		opts.Notify = func(domain.Signal) {}
	}
	s := &Supervisor{
		venue:       venue,
		adapter:     adapter,
		out:         out,
		opts:        opts,
		log:         opts.Logger.With().Str("venue", venue).Logger(),
		instruments: slices.Clone(instruments),
		changed:     make(chan struct{}, 1),
	}
	s.state.Store(int32(domain.StateDisconnected))
	return s
}

func (s *Supervisor) Venue() string { return s.venue }

func (s *Supervisor) State() domain.ConnState {
	return domain.ConnState(s.state.Load())
}

// Err returns the terminal error, if the venue gave up.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Supervisor) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.instruments)
}

// SetInstruments replaces the subscription set. A live session is torn
// down and reopened with the new set.
func (s *Supervisor) SetInstruments(instruments []string) {
	s.mu.Lock()
	if slices.Equal(s.instruments, instruments) {
		s.mu.Unlock()
		return
	}
	s.instruments = slices.Clone(instruments)
	interrupt := s.interrupt
	s.mu.Unlock()

	if interrupt != nil {
		interrupt(errResubscribe)
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Supervisor) Stats() Stats {
	return Stats{
		Ticks:       s.ticks.Load(),
		ParseErrors: s.parseErrors.Load(),
		Skipped:     s.skipped.Load(),
		Skewed:      s.skewed.Load(),
		Reconnects:  s.reconnects.Load(),
	}
}

// Run blocks until ctx is cancelled or the venue fails authentication.
// The output writer is closed on return.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.out.Close()
	defer s.setState(domain.StateDisconnected)

	r := retry{policy: s.opts.Backoff, stableAfter: s.opts.StableAfter}
	for {
		if ctx.Err() != nil {
			return nil
		}

		instruments := s.Instruments()
		if len(instruments) == 0 {
			s.setState(domain.StateDisconnected)
			s.log.Info().Msg("no instruments, idle")
			select {
			case <-ctx.Done():
				return nil
			case <-s.changed:
				continue
			}
		}

		streamed, err := s.session(ctx, instruments)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errResubscribe) {
			s.log.Info().Strs("instruments", s.Instruments()).Msg("resubscribing")
			continue
		}
		if errors.Is(err, domain.ErrAuth) {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.setState(domain.StateDisconnected)
			s.log.Error().Err(err).Msg("authentication rejected, giving up")
			s.opts.Notify(domain.Signal{Kind: domain.SignalAuthFailed, Venue: s.venue, At: s.opts.Now(), Err: err})
			return err
		}

		delay := r.next(streamed)
		s.reconnects.Add(1)
		s.setState(domain.StateBackoff)
		s.log.Warn().Err(err).Dur("delay", delay).Int("attempt", r.failures).Msg("reconnecting")
		s.opts.Notify(domain.Signal{Kind: domain.SignalReconnecting, Venue: s.venue, At: s.opts.Now(), Err: err, Delay: delay})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connect → subscribe → stream cycle and returns how long
// it spent streaming.
func (s *Supervisor) session(ctx context.Context, instruments []string) (time.Duration, error) {
	sctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	s.mu.Lock()
	if !slices.Equal(s.instruments, instruments) {
		s.mu.Unlock()
		return 0, errResubscribe
	}
	s.interrupt = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.interrupt = nil
		s.mu.Unlock()
	}()

	s.setState(domain.StateConnecting)
	conn, err := s.adapter.Connect(sctx)
	if err != nil {
		return 0, cause(sctx, err)
	}
	defer conn.Close()

	s.setState(domain.StateAuthenticating)
	if a, ok := s.adapter.(port.Authenticator); ok {
		if err := a.Authenticate(sctx, conn); err != nil {
			return 0, cause(sctx, err)
		}
	}

	if err := s.adapter.Subscribe(sctx, conn, instruments); err != nil {
		return 0, cause(sctx, err)
	}
	s.setState(domain.StateSubscribed)
	s.log.Info().Strs("instruments", instruments).Msg("subscribed")

	// 静默超时：任何消息（含心跳）都会重置
	silence := s.adapter.SilenceTimeout()
	if silence <= 0 {
		silence = defaultSilence
	}
	watchdog := time.AfterFunc(silence, func() {
		cancel(domain.ErrSilence)
		_ = conn.Close()
	})
	defer watchdog.Stop()

	var started time.Time
	for {
		raw, err := s.adapter.Receive(sctx, conn)
		if err != nil {
			var streamed time.Duration
			if !started.IsZero() {
				streamed = s.opts.Now().Sub(started)
			}
			return streamed, cause(sctx, err)
		}
		watchdog.Reset(silence)
		if started.IsZero() {
			started = s.opts.Now()
			s.setState(domain.StateStreaming)
			s.log.Info().Msg("streaming")
		}
		s.handle(raw)
	}
}

func (s *Supervisor) handle(raw []byte) {
	ticks, err := s.adapter.Parse(raw)
	switch {
	case errors.Is(err, domain.ErrSkip):
		s.skipped.Add(1)
		return
	case err != nil:
		s.parseErrors.Add(1)
		s.log.Debug().Err(err).Str("raw", domain.Truncate(raw)).Msg("dropped message")
		return
	}

	now := s.opts.Now()
	for _, t := range ticks {
		s.seq++
		t = t.Stamp(s.venue, s.seq, now, s.opts.ClockSkew)
		if t.Skewed {
			s.skewed.Add(1)
			s.opts.Notify(domain.Signal{Kind: domain.SignalClockSkew, Venue: s.venue, At: now, Tick: t})
		}
		s.ticks.Add(1)
		s.out.Push(t)
	}
}

func (s *Supervisor) setState(st domain.ConnState) {
	if old := domain.ConnState(s.state.Swap(int32(st))); old != st {
		s.log.Debug().Str("from", old.String()).Str("to", st.String()).Msg("state")
	}
}

// cause prefers the reason the session context was cancelled over the
// error the blocked call surfaced.
func cause(ctx context.Context, err error) error {
	if c := context.Cause(ctx); c != nil && !errors.Is(c, context.Canceled) {
		return c
	}
	if err == nil {
		return fmt.Errorf("%w: session ended", domain.ErrConnectionClosed)
	}
	return err
}
