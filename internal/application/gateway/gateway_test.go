package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/application/supervisor"
	"fxstream/internal/domain"

	"github.com/shopspring/decimal"
)

type stubConn struct {
	once   sync.Once
	closed chan struct{}
}

func (c *stubConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// stubAdapter parses "<unix-ms> <price>" lines.
type stubAdapter struct {
	name    string
	msgs    chan []byte
	authErr error

	mu   sync.Mutex
	subs [][]string
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Connect(ctx context.Context) (port.Conn, error) {
	if a.authErr != nil {
		return nil, a.authErr
	}
	return &stubConn{closed: make(chan struct{})}, nil
}

func (a *stubAdapter) Subscribe(ctx context.Context, conn port.Conn, instruments []string) error {
	a.mu.Lock()
	a.subs = append(a.subs, slices.Clone(instruments))
	a.mu.Unlock()
	return nil
}

func (a *stubAdapter) lastSub() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.subs) == 0 {
		return nil
	}
	return a.subs[len(a.subs)-1]
}

func (a *stubAdapter) Receive(ctx context.Context, conn port.Conn) ([]byte, error) {
	select {
	case m := <-a.msgs:
		return m, nil
	case <-conn.(*stubConn).closed:
		return nil, domain.ErrConnectionClosed
	case <-ctx.Done():
		return nil, domain.ErrConnectionClosed
	}
}

func (a *stubAdapter) Parse(raw []byte) ([]domain.Tick, error) {
	fields := strings.Fields(string(raw))
	if len(fields) != 2 {
		return nil, domain.NewParseError(a.name, raw, errors.New("want 2 fields"))
	}
	ms, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, domain.NewParseError(a.name, raw, err)
	}
	px, err := decimal.NewFromString(fields[1])
	if err != nil {
		return nil, domain.NewParseError(a.name, raw, err)
	}
	t, err := domain.NewTrade("EURUSD", time.UnixMilli(ms), px)
	if err != nil {
		return nil, domain.NewParseError(a.name, raw, err)
	}
	return []domain.Tick{t}, nil
}

func (a *stubAdapter) SilenceTimeout() time.Duration { return time.Minute }

type stubFactory struct {
	adapters map[string]*stubAdapter
	authErr  map[string]error
}

func newStubFactory() *stubFactory {
	return &stubFactory{adapters: map[string]*stubAdapter{}, authErr: map[string]error{}}
}

func (f *stubFactory) New(cfg port.VenueConfig) (port.VenueAdapter, error) {
	if cfg.Kind == "bogus" {
		return nil, errors.New("unknown kind")
	}
	a := &stubAdapter{name: cfg.Venue, msgs: make(chan []byte, 16), authErr: f.authErr[cfg.Venue]}
	f.adapters[cfg.Venue] = a
	return a, nil
}

func venueCfg(name string, instruments ...string) port.VenueConfig {
	return port.VenueConfig{Kind: "stub", Venue: name, Endpoint: "stub://" + name, APIKey: "k", Instruments: instruments}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReorderWindow = 20 * time.Millisecond
	opts.Backoff = supervisor.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	opts.StopTimeout = time.Second
	return opts
}

func waitState(t *testing.T, g *Gateway, venue string, want domain.ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.Status()[venue] == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s never reached %s (now %s)", venue, want, g.Status()[venue])
}

func TestRegisterRejectsIncompleteConfig(t *testing.T) {
	g := New(newStubFactory(), testOptions())

	cases := map[string]port.VenueConfig{
		"no venue":       {Endpoint: "x", APIKey: "k", Instruments: []string{"EURUSD"}},
		"no endpoint":    {Venue: "A", APIKey: "k", Instruments: []string{"EURUSD"}},
		"no key":         {Venue: "A", Endpoint: "x", Instruments: []string{"EURUSD"}},
		"no instruments": {Venue: "A", Endpoint: "x", APIKey: "k"},
		"bad instrument": {Venue: "A", Endpoint: "x", APIKey: "k", Instruments: []string{"EUR"}},
		"bad kind":       {Kind: "bogus", Venue: "A", Endpoint: "x", APIKey: "k", Instruments: []string{"EURUSD"}},
	}
	for name, cfg := range cases {
		if _, err := g.Register(cfg); !errors.Is(err, domain.ErrConfig) {
			t.Errorf("%s: err = %v, want ErrConfig", name, err)
		}
	}

	if _, err := g.Register(venueCfg("oanda", "eur/usd")); err != nil {
		t.Fatalf("valid register: %v", err)
	}
	if _, err := g.Register(venueCfg("OANDA", "EURUSD")); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("duplicate venue accepted: %v", err)
	}
}

func TestLifecycleErrors(t *testing.T) {
	g := New(newStubFactory(), testOptions())
	if _, err := g.Start(); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("start with no venues: %v", err)
	}
	if err := g.Stop(context.Background()); !errors.Is(err, domain.ErrNotStarted) {
		t.Fatalf("stop before start: %v", err)
	}

	g.Register(venueCfg("A", "EURUSD"))
	if _, err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := g.Start(); !errors.Is(err, domain.ErrAlreadyStarted) {
		t.Fatalf("second start: %v", err)
	}
	if _, err := g.Register(venueCfg("B", "EURUSD")); !errors.Is(err, domain.ErrAlreadyStarted) {
		t.Fatalf("register after start: %v", err)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
	if _, err := g.Start(); !errors.Is(err, domain.ErrStopped) {
		t.Fatalf("restart after stop: %v", err)
	}
}

func TestMergedStreamOrdersAcrossVenues(t *testing.T) {
	f := newStubFactory()
	g := New(f, testOptions())
	g.Register(venueCfg("A", "EURUSD"))
	g.Register(venueCfg("B", "EURUSD"))
	out, err := g.Start()
	if err != nil {
		t.Fatal(err)
	}
	defer g.Stop(context.Background())

	f.adapters["A"].msgs <- []byte("100 1.1000")
	f.adapters["B"].msgs <- []byte("99 1.1001")

	var got []string
	for len(got) < 2 {
		select {
		case tk := <-out:
			got = append(got, tk.Venue)
		case <-time.After(2 * time.Second):
			t.Fatalf("got only %v", got)
		}
	}
	if got[0] != "B" || got[1] != "A" {
		t.Fatalf("order %v, want [B A]", got)
	}
}

func TestStopDrainsTicksInsideWindow(t *testing.T) {
	f := newStubFactory()
	opts := testOptions()
	opts.ReorderWindow = 10 * time.Second
	g := New(f, opts)
	g.Register(venueCfg("A", "EURUSD"))
	g.Register(venueCfg("B", "EURUSD"))
	out, _ := g.Start()

	// B 保持连接但不发数据，A 的三个 tick 都停留在 reorder window 内
	waitState(t, g, "B", domain.StateSubscribed)
	for _, m := range []string{"100 1.1", "101 1.2", "102 1.3"} {
		f.adapters["A"].msgs <- []byte(m)
	}
	deadline := time.Now().Add(2 * time.Second)
	for g.Stats()["A"].Ticks < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- g.Stop(context.Background()) }()

	var got []domain.Tick
	for tk := range out {
		got = append(got, tk)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("drained %d ticks, want 3", len(got))
	}
	for i, tk := range got {
		if tk.Sequence != uint64(i+1) {
			t.Fatalf("tick %d has seq %d", i, tk.Sequence)
		}
	}
}

func TestAuthFailureIsolatedToVenue(t *testing.T) {
	f := newStubFactory()
	f.authErr["BAD"] = fmt.Errorf("stub: %w", domain.ErrAuth)
	g := New(f, testOptions())
	hBad, _ := g.Register(venueCfg("BAD", "EURUSD"))
	g.Register(venueCfg("GOOD", "EURUSD"))
	out, _ := g.Start()
	defer g.Stop(context.Background())

	var authSignal bool
	deadline := time.After(2 * time.Second)
	for !authSignal {
		select {
		case s := <-g.Signals():
			authSignal = s.Kind == domain.SignalAuthFailed && s.Venue == "BAD"
		case <-deadline:
			t.Fatal("no auth failed signal")
		}
	}
	waitState(t, g, "BAD", domain.StateDisconnected)
	if !errors.Is(g.VenueErr(hBad), domain.ErrAuth) {
		t.Fatalf("VenueErr = %v", g.VenueErr(hBad))
	}

	f.adapters["GOOD"].msgs <- []byte("100 1.1")
	select {
	case tk := <-out:
		if tk.Venue != "GOOD" {
			t.Fatalf("unexpected tick %+v", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy venue stopped producing")
	}
}

func TestBackpressureSignal(t *testing.T) {
	f := newStubFactory()
	opts := testOptions()
	opts.BufferSize = 2
	g := New(f, opts)
	g.Register(venueCfg("A", "EURUSD"))
	_, _ = g.Start()
	defer func() {
		// 输出无人读取，Stop 只能等到 ctx 超时
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := g.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("stop with blocked consumer: %v", err)
		}
	}()

	// 不读取输出，merger 阻塞在发送上，缓冲很快写满
	for i := 0; i < 10; i++ {
		f.adapters["A"].msgs <- []byte(fmt.Sprintf("%d 1.1", 100+i))
	}

	select {
	case s := <-g.Signals():
		if s.Kind != domain.SignalBackpressure || s.Venue != "A" {
			t.Fatalf("unexpected signal %v", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no backpressure signal")
	}
	if g.Stats()["A"].Dropped == 0 {
		t.Fatal("drops not counted")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	f := newStubFactory()
	g := New(f, testOptions())
	h, _ := g.Register(venueCfg("A", "EURUSD"))
	_, _ = g.Start()
	defer g.Stop(context.Background())
	waitState(t, g, "A", domain.StateSubscribed)

	if err := g.Subscribe(h, "GBP/USD", "EURUSD"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !slices.Equal(f.adapters["A"].lastSub(), []string{"EURUSD", "GBPUSD"}) {
		if time.Now().After(deadline) {
			t.Fatalf("resubscribe not applied: %v", f.adapters["A"].lastSub())
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := g.Unsubscribe(h, "EURUSD", "GBPUSD"); err != nil {
		t.Fatal(err)
	}
	waitState(t, g, "A", domain.StateDisconnected)
	if got, _ := g.Instruments(h); len(got) != 0 {
		t.Fatalf("instruments = %v", got)
	}

	if err := g.Subscribe(VenueHandle(9), "EURUSD"); !errors.Is(err, domain.ErrUnknownVenue) {
		t.Fatalf("unknown handle: %v", err)
	}
}

func TestIndependentGateways(t *testing.T) {
	f1, f2 := newStubFactory(), newStubFactory()
	g1, g2 := New(f1, testOptions()), New(f2, testOptions())
	g1.Register(venueCfg("A", "EURUSD"))
	g2.Register(venueCfg("A", "USDJPY"))
	out1, _ := g1.Start()
	out2, _ := g2.Start()
	defer g1.Stop(context.Background())
	defer g2.Stop(context.Background())

	f2.adapters["A"].msgs <- []byte("100 150.1")
	select {
	case <-out2:
	case <-time.After(2 * time.Second):
		t.Fatal("second gateway silent")
	}
	select {
	case tk := <-out1:
		t.Fatalf("tick leaked across gateways: %v", tk)
	case <-time.After(50 * time.Millisecond):
	}
}
