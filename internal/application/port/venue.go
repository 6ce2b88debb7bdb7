package port

import (
	"context"
	"time"

	"fxstream/internal/domain"
)

// VenueConfig 单个 venue 的注册信息
type VenueConfig struct {
	Kind      string // adapter 类型 "oanda" "finnhub"
	Venue     string // 对外展示的 venue 标识，例如 "OANDA"
	Endpoint  string
	APIKey    string
	AccountID string // OANDA 专用

	Instruments []string // canonical, e.g. "EURUSD"

	// 0 表示使用 adapter 默认值
	SilenceTimeout time.Duration
	// Finnhub 的 symbol 前缀，例如 "OANDA"
	SymbolPrefix string
}

// Conn 是 adapter 打开的一条连接；Close 必须幂等
type Conn interface {
	Close() error
}

// VenueAdapter 把一个 venue 的线上协议翻译成统一的 Tick。
// 一个 adapter 只被一个 supervisor goroutine 调用，不要求并发安全。
type VenueAdapter interface {
	Name() string
	// Connect 建立连接；ctx 取消时连接必须被关闭
	Connect(ctx context.Context) (Conn, error)
	// Subscribe 在已建立的连接上订阅 instruments（canonical）
	Subscribe(ctx context.Context, conn Conn, instruments []string) error
	// Receive 阻塞直到下一条原始消息；连接关闭返回 domain.ErrConnectionClosed
	Receive(ctx context.Context, conn Conn) ([]byte, error)
	// Parse 返回零个或多个 tick；心跳返回 domain.ErrSkip，非法消息返回 *domain.ParseError
	Parse(raw []byte) ([]domain.Tick, error)
	SilenceTimeout() time.Duration
}

// Authenticator 可选：连接建立后需要单独鉴权步骤的 adapter 实现它
type Authenticator interface {
	Authenticate(ctx context.Context, conn Conn) error
}

// AdapterFactory 根据配置创建 adapter
type AdapterFactory interface {
	New(cfg VenueConfig) (VenueAdapter, error)
}
