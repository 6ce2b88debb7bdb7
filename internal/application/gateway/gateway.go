package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fxstream/internal/application/merge"
	"fxstream/internal/application/port"
	"fxstream/internal/application/supervisor"
	"fxstream/internal/domain"

	"github.com/rs/zerolog"
)

// VenueHandle 注册后返回的 venue 索引
type VenueHandle int

type Options struct {
	ReorderWindow time.Duration
	BufferSize    int
	ClockSkew     time.Duration
	Backoff       supervisor.Backoff
	StableAfter   time.Duration
	// StopTimeout 等待 supervisor 退出的上限
	StopTimeout  time.Duration
	SignalBuffer int
	OutBuffer    int
	Logger       zerolog.Logger
	Now          func() time.Time
}

func DefaultOptions() Options {
	return Options{
		ReorderWindow: merge.DefaultWindow,
		BufferSize:    merge.DefaultBufferSize,
		ClockSkew:     domain.DefaultClockSkew,
		Backoff:       supervisor.DefaultBackoff(),
		StableAfter:   30 * time.Second,
		StopTimeout:   5 * time.Second,
		SignalBuffer:  256,
		Logger:        zerolog.Nop(),
	}
}

// VenueStats 单个 venue 的计数
type VenueStats struct {
	supervisor.Stats
	Dropped  uint64
	Buffered int
}

type venue struct {
	name   string
	cfg    port.VenueConfig
	sup    *supervisor.Supervisor
	buf    *merge.Buffer
	runErr error
}

// Gateway 是 ingestion core 的入口：注册 venue，启动/停止 pipeline，
// 暴露合并后的 tick 流。所有状态都属于实例本身。
type Gateway struct {
	factory port.AdapterFactory
	opts    Options
	log     zerolog.Logger

	mu      sync.Mutex
	venues  []*venue
	byName  map[string]VenueHandle
	started bool
	stopped bool

	subMu sync.Mutex

	merger      *merge.Merger
	cancel      context.CancelFunc
	mergeCancel context.CancelFunc
	supsDone    chan struct{}
	mergeDone   chan struct{}
	wg          sync.WaitGroup

	signals      chan domain.Signal
	signalDrops  atomic.Uint64
	backpressure atomic.Uint64
}

func New(factory port.AdapterFactory, opts Options) *Gateway {
	def := DefaultOptions()
	if opts.ReorderWindow <= 0 {
		opts.ReorderWindow = def.ReorderWindow
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.ClockSkew <= 0 {
		opts.ClockSkew = def.ClockSkew
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = def.StableAfter
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = def.StopTimeout
	}
	if opts.SignalBuffer <= 0 {
		opts.SignalBuffer = def.SignalBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	g := &Gateway{
		factory: factory,
		opts:    opts,
		log:     opts.Logger,
		byName:  make(map[string]VenueHandle),
		signals: make(chan domain.Signal, opts.SignalBuffer),
	}
	g.merger = merge.New(merge.Options{
		Window:    opts.ReorderWindow,
		OutBuffer: opts.OutBuffer,
		Logger:    opts.Logger,
		Now:       opts.Now,
	})
	return g
}

// Register adds a venue to the pipeline. Only allowed before Start.
func (g *Gateway) Register(cfg port.VenueConfig) (VenueHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return 0, domain.ErrStopped
	}
	if g.started {
		return 0, domain.ErrAlreadyStarted
	}

	cfg.Venue = strings.ToUpper(strings.TrimSpace(cfg.Venue))
	if err := validate(cfg); err != nil {
		return 0, err
	}
	instruments, err := domain.NormalizeInstruments(cfg.Instruments)
	if err != nil {
		return 0, fmt.Errorf("venue %s: %w", cfg.Venue, err)
	}
	if len(instruments) == 0 {
		return 0, fmt.Errorf("%w: venue %s has no instruments", domain.ErrConfig, cfg.Venue)
	}
	cfg.Instruments = instruments
	if _, dup := g.byName[cfg.Venue]; dup {
		return 0, fmt.Errorf("%w: venue %s registered twice", domain.ErrConfig, cfg.Venue)
	}

	adapter, err := g.factory.New(cfg)
	if err != nil {
		if errors.Is(err, domain.ErrConfig) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: venue %s: %v", domain.ErrConfig, cfg.Venue, err)
	}

	v := &venue{name: cfg.Venue, cfg: cfg}
	v.buf = g.merger.Add(cfg.Venue, g.opts.BufferSize, g.onDrop(cfg.Venue))
	v.sup = supervisor.New(cfg.Venue, adapter, instruments, v.buf, supervisor.Options{
		Backoff:     g.opts.Backoff,
		StableAfter: g.opts.StableAfter,
		ClockSkew:   g.opts.ClockSkew,
		Logger:      g.opts.Logger,
		Notify:      g.notify,
		Now:         g.opts.Now,
	})

	h := VenueHandle(len(g.venues))
	g.venues = append(g.venues, v)
	g.byName[cfg.Venue] = h
	g.log.Info().Str("venue", cfg.Venue).Str("kind", cfg.Kind).Strs("instruments", instruments).Msg("venue registered")
	return h, nil
}

func validate(cfg port.VenueConfig) error {
	var missing []string
	if cfg.Venue == "" {
		missing = append(missing, "venue")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		missing = append(missing, "endpoint")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		missing = append(missing, "apiKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: venue %q missing %s", domain.ErrConfig, cfg.Venue, strings.Join(missing, ", "))
	}
	return nil
}

// Start runs every registered venue under its supervisor and returns the
// merged stream. The stream is closed after Stop has drained it.
func (g *Gateway) Start() (<-chan domain.Tick, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case g.stopped:
		return nil, domain.ErrStopped
	case g.started:
		return nil, domain.ErrAlreadyStarted
	case len(g.venues) == 0:
		return nil, fmt.Errorf("%w: no venues registered", domain.ErrConfig)
	}
	g.started = true

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	mctx, mcancel := context.WithCancel(context.Background())
	g.mergeCancel = mcancel

	g.supsDone = make(chan struct{})
	g.mergeDone = make(chan struct{})

	for _, v := range g.venues {
		g.wg.Add(1)
		go func(v *venue) {
			defer g.wg.Done()
			err := v.sup.Run(ctx)
			g.mu.Lock()
			v.runErr = err
			g.mu.Unlock()
		}(v)
	}
	go func() {
		g.wg.Wait()
		close(g.signals)
		close(g.supsDone)
	}()
	go func() {
		defer close(g.mergeDone)
		g.merger.Run(mctx)
	}()

	g.log.Info().Int("venues", len(g.venues)).Dur("window", g.opts.ReorderWindow).Msg("gateway started")
	return g.merger.Out(), nil
}

// Stop disconnects every venue, drains buffered ticks through the merger
// and closes the stream. The consumer must keep reading until the stream
// closes or ctx expires.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return domain.ErrNotStarted
	}
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	g.mu.Unlock()

	g.cancel()

	timer := time.NewTimer(g.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-g.supsDone:
	case <-timer.C:
		g.log.Warn().Dur("timeout", g.opts.StopTimeout).Msg("venues did not stop in time, closing buffers")
		for _, v := range g.venues {
			v.buf.Close()
		}
	case <-ctx.Done():
		g.mergeCancel()
		return ctx.Err()
	}

	select {
	case <-g.mergeDone:
		g.log.Info().Msg("gateway stopped")
		return nil
	case <-ctx.Done():
		g.mergeCancel()
		return ctx.Err()
	}
}

// Status is a snapshot of every venue's connection state.
func (g *Gateway) Status() map[string]domain.ConnState {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]domain.ConnState, len(g.venues))
	for _, v := range g.venues {
		out[v.name] = v.sup.State()
	}
	return out
}

func (g *Gateway) Stats() map[string]VenueStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]VenueStats, len(g.venues))
	for _, v := range g.venues {
		out[v.name] = VenueStats{Stats: v.sup.Stats(), Dropped: v.buf.Dropped(), Buffered: v.buf.Len()}
	}
	return out
}

// Signals carries out-of-band events. Sends never block; events are
// discarded when the reader falls behind. Closed once all venues stopped.
func (g *Gateway) Signals() <-chan domain.Signal { return g.signals }

func (g *Gateway) SignalsDropped() uint64 { return g.signalDrops.Load() }

// Handle looks up a venue by name.
func (g *Gateway) Handle(name string) (VenueHandle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.byName[strings.ToUpper(name)]
	return h, ok
}

// VenueErr returns the terminal error of a venue, nil while it is retrying.
func (g *Gateway) VenueErr(h VenueHandle) error {
	v, err := g.venue(h)
	if err != nil {
		return err
	}
	if err := v.sup.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return v.runErr
}

func (g *Gateway) Instruments(h VenueHandle) ([]string, error) {
	v, err := g.venue(h)
	if err != nil {
		return nil, err
	}
	return v.sup.Instruments(), nil
}

// Subscribe adds instruments to a venue's subscription set.
func (g *Gateway) Subscribe(h VenueHandle, instruments ...string) error {
	return g.update(h, instruments, func(cur, in []string) []string {
		for _, s := range in {
			if !slices.Contains(cur, s) {
				cur = append(cur, s)
			}
		}
		return cur
	})
}

// Unsubscribe removes instruments. An empty set parks the venue until
// instruments are added again.
func (g *Gateway) Unsubscribe(h VenueHandle, instruments ...string) error {
	return g.update(h, instruments, func(cur, in []string) []string {
		return slices.DeleteFunc(cur, func(s string) bool { return slices.Contains(in, s) })
	})
}

func (g *Gateway) update(h VenueHandle, instruments []string, apply func(cur, in []string) []string) error {
	v, err := g.venue(h)
	if err != nil {
		return err
	}
	in, err := domain.NormalizeInstruments(instruments)
	if err != nil {
		return err
	}
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return domain.ErrStopped
	}
	g.mu.Unlock()

	g.subMu.Lock()
	defer g.subMu.Unlock()
	next := apply(v.sup.Instruments(), in)
	v.sup.SetInstruments(next)
	g.log.Info().Str("venue", v.name).Strs("instruments", next).Msg("subscription updated")
	return nil
}

func (g *Gateway) venue(h VenueHandle) (*venue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h < 0 || int(h) >= len(g.venues) {
		return nil, fmt.Errorf("%w: handle %d", domain.ErrUnknownVenue, h)
	}
	return g.venues[h], nil
}

func (g *Gateway) notify(s domain.Signal) {
	select {
	case g.signals <- s:
	default:
		if n := g.signalDrops.Add(1); n == 1 || n%1000 == 0 {
			g.log.Warn().Uint64("dropped", n).Str("kind", s.Kind.String()).Msg("signal channel full")
		}
	}
}

func (g *Gateway) onDrop(name string) func(domain.Tick) {
	return func(t domain.Tick) {
		if n := g.backpressure.Add(1); n == 1 || n%1000 == 0 {
			g.log.Warn().Str("venue", name).Uint64("dropped", n).Msg("buffer overflow, dropping oldest tick")
		}
		g.notify(domain.Signal{Kind: domain.SignalBackpressure, Venue: name, At: g.opts.Now(), Tick: t})
	}
}
