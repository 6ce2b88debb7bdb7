// Package oanda 实现 OANDA v20 pricing stream：一个长连接 HTTP 响应，
// 每行一个 JSON 对象（PRICE / HEARTBEAT）。
package oanda

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"fxstream/internal/application/port"
	"fxstream/internal/domain"
	"fxstream/internal/infrastructure/exchange"

	"github.com/shopspring/decimal"
)

const (
	Kind = "oanda"

	DefaultSilenceTimeout = 20 * time.Second
	maxLine               = 1 << 20
)

var converter exchange.InstrumentConverter = exchange.NewPairConverter("", "_")

type Option func(*Adapter)

// WithHTTPClient 替换默认 client；流式请求不能设置 Client.Timeout
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithHandshakeTimeout 限制从发起请求到收到响应头的时间
func WithHandshakeTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.handshake = d }
}

type Adapter struct {
	venue     string
	endpoint  string
	apiKey    string
	accountID string
	silence   time.Duration
	handshake time.Duration
	client    *http.Client

	instruments []string
}

func New(cfg port.VenueConfig, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, fmt.Errorf("%w: oanda venue %s requires an account id", domain.ErrConfig, cfg.Venue)
	}
	a := &Adapter{
		venue:       cfg.Venue,
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		apiKey:      cfg.APIKey,
		accountID:   strings.TrimSpace(cfg.AccountID),
		silence:     cfg.SilenceTimeout,
		handshake:   exchange.HandshakeTimeout,
		client:      &http.Client{},
		instruments: slices.Clone(cfg.Instruments),
	}
	if a.venue == "" {
		a.venue = "OANDA"
	}
	if a.silence <= 0 {
		a.silence = DefaultSilenceTimeout
	}
	for _, o := range opts {
		o(a)
	}
	if a.handshake <= 0 {
		a.handshake = exchange.HandshakeTimeout
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.venue }

func (a *Adapter) SilenceTimeout() time.Duration { return a.silence }

type conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	resp        *http.Response
	release     context.CancelFunc // 取消当前 resp 的请求
	scanner     *bufio.Scanner
	instruments []string
	closed      bool
}

func (c *conn) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.release != nil {
		c.release()
	}
	if c.resp != nil {
		return c.resp.Body.Close()
	}
	return nil
}

// swap installs a new stream response, closing the previous one.
func (c *conn) swap(resp *http.Response, release context.CancelFunc, instruments []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resp != nil {
		_ = c.resp.Body.Close()
	}
	if c.release != nil {
		c.release()
	}
	c.resp = resp
	c.release = release
	c.instruments = instruments
	c.scanner = bufio.NewScanner(resp.Body)
	c.scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
}

// Connect opens the pricing stream for the last subscribed instrument set.
// The response status is checked by Authenticate.
func (a *Adapter) Connect(ctx context.Context) (port.Conn, error) {
	cctx, cancel := context.WithCancel(ctx)
	c := &conn{ctx: cctx, cancel: cancel}
	resp, release, err := a.open(cctx, a.instruments)
	if err != nil {
		cancel()
		return nil, err
	}
	c.swap(resp, release, slices.Clone(a.instruments))
	return c, nil
}

// Authenticate maps the stream response status onto the error taxonomy.
func (a *Adapter) Authenticate(ctx context.Context, pc port.Conn) error {
	c := pc.(*conn)
	c.mu.Lock()
	resp := c.resp
	c.mu.Unlock()
	return checkStatus(resp)
}

// Subscribe reopens the stream when the instrument set differs from the
// one the connection was opened with.
func (a *Adapter) Subscribe(ctx context.Context, pc port.Conn, instruments []string) error {
	c := pc.(*conn)
	a.instruments = slices.Clone(instruments)

	c.mu.Lock()
	same := slices.Equal(c.instruments, instruments)
	c.mu.Unlock()
	if same {
		return nil
	}

	resp, release, err := a.open(c.ctx, instruments)
	if err != nil {
		return err
	}
	if err := checkStatus(resp); err != nil {
		release()
		return err
	}
	c.swap(resp, release, slices.Clone(instruments))
	return nil
}

// open issues the stream request. Dial and response headers must complete
// within the handshake timeout; the returned release func cancels the
// request once the stream is no longer needed.
func (a *Adapter) open(ctx context.Context, instruments []string) (*http.Response, context.CancelFunc, error) {
	if len(instruments) == 0 {
		return nil, nil, fmt.Errorf("%w: oanda: no instruments", domain.ErrConfig)
	}
	u, err := exchange.BuildQueryURL(a.endpoint,
		"/v3/accounts/"+url.PathEscape(a.accountID)+"/pricing/stream",
		url.Values{"instruments": {strings.Join(exchange.ToVenueAll(converter, instruments), ",")}})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: oanda: %v", domain.ErrConfig, err)
	}
	rctx, release := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, u, nil)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("%w: oanda: %v", domain.ErrConfig, err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Accept-Datetime-Format", "RFC3339")

	// 响应头到达后停止计时，body 继续使用 rctx
	timer := time.AfterFunc(a.handshake, release)
	resp, err := a.client.Do(req)
	inTime := timer.Stop()
	if err != nil {
		release()
		if !inTime && ctx.Err() == nil {
			return nil, nil, fmt.Errorf("oanda: %w: no response headers within %s", domain.ErrNetwork, a.handshake)
		}
		return nil, nil, fmt.Errorf("oanda: %w: %v", domain.ErrNetwork, err)
	}
	if !inTime {
		_ = resp.Body.Close()
		release()
		return nil, nil, fmt.Errorf("oanda: %w: no response headers within %s", domain.ErrNetwork, a.handshake)
	}
	return resp, release, nil
}

func checkStatus(resp *http.Response) error {
	if resp == nil {
		return fmt.Errorf("oanda: %w: no response", domain.ErrNetwork)
	}
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_ = resp.Body.Close()
	msg := strings.TrimSpace(string(body))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("oanda: %w: %s %s", domain.ErrAuth, resp.Status, msg)
	default:
		return fmt.Errorf("oanda: %w: %s %s", domain.ErrNetwork, resp.Status, msg)
	}
}

// Receive returns the next non-empty line of the stream.
func (a *Adapter) Receive(ctx context.Context, pc port.Conn) ([]byte, error) {
	c := pc.(*conn)
	c.mu.Lock()
	sc := c.scanner
	c.mu.Unlock()
	if sc == nil {
		return nil, domain.ErrConnectionClosed
	}
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return slices.Clone(line), nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("oanda: %w: %v", domain.ErrConnectionClosed, err)
	}
	return nil, fmt.Errorf("oanda: %w: end of stream", domain.ErrConnectionClosed)
}

type level struct {
	Price decimal.NullDecimal `json:"price"`
}

type message struct {
	Type       string  `json:"type"`
	Time       string  `json:"time"`
	Instrument string  `json:"instrument"`
	Bids       []level `json:"bids"`
	Asks       []level `json:"asks"`
}

// Parse converts one stream line. HEARTBEAT and other non-price lines are
// skipped.
func (a *Adapter) Parse(raw []byte) ([]domain.Tick, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, domain.NewParseError(a.venue, raw, err)
	}
	switch m.Type {
	case "PRICE", "price-update":
	case "":
		return nil, domain.NewParseError(a.venue, raw, fmt.Errorf("missing type"))
	default:
		return nil, domain.ErrSkip
	}

	ts, err := parseTime(m.Time)
	if err != nil {
		return nil, domain.NewParseError(a.venue, raw, err)
	}
	instrument, err := a.instrument(m.Instrument)
	if err != nil {
		return nil, domain.NewParseError(a.venue, raw, err)
	}

	var bid, ask decimal.NullDecimal
	if len(m.Bids) > 0 {
		bid = m.Bids[0].Price
	}
	if len(m.Asks) > 0 {
		ask = m.Asks[0].Price
	}
	t, err := domain.NewQuote(instrument, ts, bid, ask)
	if err != nil {
		return nil, domain.NewParseError(a.venue, raw, err)
	}
	return []domain.Tick{t}, nil
}

func (a *Adapter) instrument(sym string) (string, error) {
	if sym != "" {
		return converter.FromVenue(sym)
	}
	if len(a.instruments) == 1 {
		return a.instruments[0], nil
	}
	return "", fmt.Errorf("missing instrument")
}

// parseTime accepts RFC3339 and the UNIX "seconds.nanos" form.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad time %q", s)
	}
	sec := d.IntPart()
	nsec := d.Sub(decimal.NewFromInt(sec)).Shift(9).IntPart()
	return time.Unix(sec, nsec).UTC(), nil
}
