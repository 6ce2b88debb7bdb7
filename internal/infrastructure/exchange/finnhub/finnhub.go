// Package finnhub 实现 Finnhub WebSocket trade 流。
// 鉴权在握手时通过 token 参数完成；订阅为每个 symbol 一条 JSON 帧。
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/exchange"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	Kind = "finnhub"

	DefaultSilenceTimeout = 30 * time.Second
	DefaultSymbolPrefix   = "OANDA"
	writeWait             = 5 * time.Second
)

type Option func(*Adapter)

func WithDialer(d *websocket.Dialer) Option {
	return func(a *Adapter) { a.dialer = d }
}

// WithPingInterval 覆盖 keepalive ping 间隔
func WithPingInterval(d time.Duration) Option {
	return func(a *Adapter) { a.ping = d }
}

type Adapter struct {
	venue    string
	endpoint string
	apiKey   string
	silence  time.Duration
	ping     time.Duration
	dialer   *websocket.Dialer
	conv     exchange.InstrumentConverter

	instruments []string
}

func New(cfg port.VenueConfig, opts ...Option) (*Adapter, error) {
	prefix := cfg.SymbolPrefix
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultSymbolPrefix
	}
	a := &Adapter{
		venue:       cfg.Venue,
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		apiKey:      cfg.APIKey,
		silence:     cfg.SilenceTimeout,
		ping:        exchange.PingInterval,
		dialer:      exchange.NewDialer(),
		conv:        exchange.NewPairConverter(prefix, "_"),
		instruments: slices.Clone(cfg.Instruments),
	}
	if a.venue == "" {
		a.venue = "FINNHUB"
	}
	if a.silence <= 0 {
		a.silence = DefaultSilenceTimeout
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.venue }

func (a *Adapter) SilenceTimeout() time.Duration { return a.silence }

type conn struct {
	ws     *websocket.Conn
	cancel context.CancelFunc
	once   sync.Once

	wmu    sync.Mutex
	active []string // venue symbols
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) write(fn func() error) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return fn()
}

type subscribeFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

// Connect performs the handshake; a 401/403 upgrade response is an auth
// failure.
func (a *Adapter) Connect(ctx context.Context) (port.Conn, error) {
	u, err := exchange.BuildQueryURL(a.endpoint, "", url.Values{"token": {a.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("%w: finnhub: %v", domain.ErrConfig, err)
	}

	dctx, dcancel := context.WithTimeout(ctx, exchange.HandshakeTimeout)
	ws, resp, err := a.dialer.DialContext(dctx, u, nil)
	dcancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("finnhub: %w: handshake %s", domain.ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("finnhub: %w: %v", domain.ErrNetwork, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &conn{ws: ws, cancel: cancel}
	context.AfterFunc(cctx, func() { _ = c.Close() })
	go exchange.Keepalive(cctx, ws, a.ping, c.write)
	return c, nil
}

// Subscribe sends subscribe frames for new symbols and unsubscribe frames
// for dropped ones. Re-sending the current set is a no-op.
func (a *Adapter) Subscribe(ctx context.Context, pc port.Conn, instruments []string) error {
	c := pc.(*conn)
	a.instruments = slices.Clone(instruments)
	want := exchange.ToVenueAll(a.conv, instruments)

	return c.write(func() error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		defer c.ws.SetWriteDeadline(time.Time{})

		for _, s := range c.active {
			if slices.Contains(want, s) {
				continue
			}
			if err := c.ws.WriteJSON(subscribeFrame{Type: "unsubscribe", Symbol: s}); err != nil {
				return fmt.Errorf("finnhub: %w: unsubscribe %s: %v", domain.ErrNetwork, s, err)
			}
		}
		for _, s := range want {
			if slices.Contains(c.active, s) {
				continue
			}
			if err := c.ws.WriteJSON(subscribeFrame{Type: "subscribe", Symbol: s}); err != nil {
				return fmt.Errorf("finnhub: %w: subscribe %s: %v", domain.ErrNetwork, s, err)
			}
		}
		c.active = want
		return nil
	})
}

func (a *Adapter) Receive(ctx context.Context, pc port.Conn) ([]byte, error) {
	c := pc.(*conn)
	for {
		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("finnhub: %w: %v", domain.ErrConnectionClosed, err)
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return b, nil
		}
	}
}

type frame struct {
	Type string            `json:"type"`
	Data []json.RawMessage `json:"data"`
	Msg  string            `json:"msg"`
}

type trade struct {
	Price  decimal.NullDecimal `json:"p"`
	Time   int64               `json:"t"`
	Symbol string              `json:"s"`
}

// Parse turns a trade batch into one tick per trade. Malformed entries are
// dropped individually; a batch with no usable entries yields no ticks.
func (a *Adapter) Parse(raw []byte) ([]domain.Tick, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, domain.NewParseError(a.venue, raw, err)
	}
	switch f.Type {
	case "trade":
	case "":
		return nil, domain.NewParseError(a.venue, raw, fmt.Errorf("missing type"))
	default:
		// ping、error 等
		return nil, domain.ErrSkip
	}

	ticks := make([]domain.Tick, 0, len(f.Data))
	for _, entry := range f.Data {
		var tr trade
		if err := json.Unmarshal(entry, &tr); err != nil {
			continue
		}
		if !tr.Price.Valid || tr.Time <= 0 {
			continue
		}
		instrument, err := a.instrument(tr.Symbol)
		if err != nil {
			continue
		}
		t, err := domain.NewTrade(instrument, time.UnixMilli(tr.Time).UTC(), tr.Price.Decimal)
		if err != nil {
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

func (a *Adapter) instrument(sym string) (string, error) {
	if sym != "" {
		return a.conv.FromVenue(sym)
	}
	if len(a.instruments) == 1 {
		return a.instruments[0], nil
	}
	return "", fmt.Errorf("missing symbol")
}
