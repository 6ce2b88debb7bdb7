package exchange

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	HandshakeTimeout = 10 * time.Second
	PingInterval     = 25 * time.Second
	writeWait        = 5 * time.Second
)

// NewDialer 返回开启 TCP_NODELAY 的 websocket dialer
func NewDialer() *websocket.Dialer {
	return &websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}
}

// Keepalive sends protocol pings until ctx is done or a write fails.
func Keepalive(ctx context.Context, conn *websocket.Conn, interval time.Duration, write func(func() error) error) {
	if interval <= 0 {
		interval = PingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := write(func() error {
				return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
			})
			if err != nil {
				return
			}
		}
	}
}

// BuildQueryURL builds a URL from base, path and query parameters.
func BuildQueryURL(base, path string, query url.Values) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("base url is empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + path
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
