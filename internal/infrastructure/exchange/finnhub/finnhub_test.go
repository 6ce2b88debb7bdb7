package finnhub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

func newAdapter(t *testing.T, endpoint string, instruments ...string) *Adapter {
	t.Helper()
	a, err := New(port.VenueConfig{
		Kind:        Kind,
		Venue:       "FINNHUB",
		Endpoint:    endpoint,
		APIKey:      "tok",
		Instruments: instruments,
	}, WithPingInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestParseTradeBatch(t *testing.T) {
	a := newAdapter(t, "ws://x", "EURUSD", "GBPUSD")
	raw := []byte(`{"type":"trade","data":[` +
		`{"p":1.1001,"s":"OANDA:EUR_USD","t":1767312000500,"v":0},` +
		`{"p":"oops","s":"OANDA:EUR_USD","t":1767312000600},` +
		`{"p":1.27,"s":"OANDA:GBP_USD","t":1767312000700},` +
		`{"p":-1,"s":"OANDA:GBP_USD","t":1767312000800},` +
		`{"p":1.27,"s":"OANDA:GBP_USD"}` +
		`]}`)

	ticks, err := a.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(ticks) != 2 {
		t.Fatalf("got %d ticks, want 2 (malformed entries skipped)", len(ticks))
	}
	first := ticks[0]
	if first.Instrument != "EURUSD" || !first.VenueTime.Equal(time.UnixMilli(1767312000500)) {
		t.Fatalf("first tick %v", first)
	}
	p := decimal.RequireFromString("1.1001")
	if !first.Bid.Decimal.Equal(p) || !first.Ask.Decimal.Equal(p) {
		t.Fatal("trade price must be used for both sides")
	}
	if ticks[1].Instrument != "GBPUSD" {
		t.Fatalf("second tick %v", ticks[1])
	}
}

func TestParseEmptyBatch(t *testing.T) {
	a := newAdapter(t, "ws://x", "EURUSD")
	ticks, err := a.Parse([]byte(`{"type":"trade","data":[]}`))
	if err != nil || len(ticks) != 0 {
		t.Fatalf("empty batch: %v %v", ticks, err)
	}
}

func TestParseSymbolFallback(t *testing.T) {
	a := newAdapter(t, "ws://x", "EURUSD")
	ticks, err := a.Parse([]byte(`{"type":"trade","data":[{"p":1.1001,"t":1767312000500}]}`))
	if err != nil || len(ticks) != 1 || ticks[0].Instrument != "EURUSD" {
		t.Fatalf("fallback instrument: %v %v", ticks, err)
	}
}

func TestParseSkipAndErrors(t *testing.T) {
	a := newAdapter(t, "ws://x", "EURUSD")
	if _, err := a.Parse([]byte(`{"type":"ping"}`)); !errors.Is(err, domain.ErrSkip) {
		t.Fatalf("ping: %v", err)
	}
	if _, err := a.Parse([]byte(`{"type":"error","msg":"Invalid symbol"}`)); !errors.Is(err, domain.ErrSkip) {
		t.Fatalf("error frame: %v", err)
	}
	for _, raw := range []string{`{`, `{"data":[]}`, `{"type":"trade","data":{}}`} {
		if _, err := a.Parse([]byte(raw)); !errors.Is(err, domain.ErrParse) {
			t.Errorf("%s: err = %v, want parse error", raw, err)
		}
	}
}

type wsServer struct {
	*httptest.Server
	frames chan map[string]string
	send   chan string
	pings  chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		frames: make(chan map[string]string, 16),
		send:   make(chan string, 16),
		pings:  make(chan struct{}, 16),
	}
	up := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		c.SetPingHandler(func(data string) error {
			select {
			case s.pings <- struct{}{}:
			default:
			}
			return c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var f map[string]string
				if err := c.ReadJSON(&f); err != nil {
					return
				}
				s.frames <- f
			}
		}()
		for {
			select {
			case m := <-s.send:
				if err := c.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) url() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func (s *wsServer) frame(t *testing.T) map[string]string {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
	return nil
}

func TestSubscribeFramesAndReceive(t *testing.T) {
	srv := newWSServer(t)
	a := newAdapter(t, srv.url(), "EURUSD")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conn, err := a.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if err := a.Subscribe(ctx, conn, []string{"EURUSD"}); err != nil {
		t.Fatal(err)
	}
	if f := srv.frame(t); f["type"] != "subscribe" || f["symbol"] != "OANDA:EUR_USD" {
		t.Fatalf("subscribe frame %v", f)
	}
	if err := a.Subscribe(ctx, conn, []string{"EURUSD"}); err != nil {
		t.Fatal(err)
	}
	if err := a.Subscribe(ctx, conn, []string{"USDJPY"}); err != nil {
		t.Fatal(err)
	}
	if f := srv.frame(t); f["type"] != "unsubscribe" || f["symbol"] != "OANDA:EUR_USD" {
		t.Fatalf("expected unsubscribe of EUR_USD next, got %v", f)
	}
	if f := srv.frame(t); f["type"] != "subscribe" || f["symbol"] != "OANDA:USD_JPY" {
		t.Fatalf("expected subscribe of USD_JPY, got %v", f)
	}

	srv.send <- `{"type":"trade","data":[{"p":157.2,"s":"OANDA:USD_JPY","t":1767312000500}]}`
	raw, err := a.Receive(ctx, conn)
	if err != nil {
		t.Fatal(err)
	}
	ticks, err := a.Parse(raw)
	if err != nil || len(ticks) != 1 || ticks[0].Instrument != "USDJPY" {
		t.Fatalf("received %s -> %v %v", raw, ticks, err)
	}

	select {
	case <-srv.pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no keepalive ping")
	}

	cancel()
	if _, err := a.Receive(context.Background(), conn); !errors.Is(err, domain.ErrConnectionClosed) {
		t.Fatalf("receive after cancel: %v", err)
	}
}

func TestHandshakeRejected(t *testing.T) {
	srv := newWSServer(t)
	a, _ := New(port.VenueConfig{Venue: "FINNHUB", Endpoint: srv.url(), APIKey: "nope", Instruments: []string{"EURUSD"}})
	if _, err := a.Connect(context.Background()); !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("err = %v, want auth error", err)
	}
}

func TestConnectRefused(t *testing.T) {
	srv := newWSServer(t)
	u := srv.url()
	srv.Close()
	a := newAdapter(t, u, "EURUSD")
	if _, err := a.Connect(context.Background()); !errors.Is(err, domain.ErrNetwork) {
		t.Fatalf("err = %v, want network error", err)
	}
}
