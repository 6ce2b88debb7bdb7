package domain

import (
	"errors"
	"fmt"
)

// 错误分类：调用方通过 errors.Is 判断
var (
	// ErrConfig 注册阶段的配置缺失或非法，立即失败
	ErrConfig = errors.New("config error")
	// ErrAuth 凭证被拒绝；对该 venue 是终态，不再重试
	ErrAuth = errors.New("auth error")
	// ErrNetwork 连接失败或超时，按退避策略重试
	ErrNetwork = errors.New("network error")
	// ErrConnectionClosed 连接被对端或本地关闭，与解析失败区分
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSilence 超过静默超时未收到任何消息（含心跳）
	ErrSilence = fmt.Errorf("%w: silence timeout", ErrNetwork)
	// ErrParse 单条消息解析失败，丢弃但不断开连接
	ErrParse = errors.New("parse error")
	// ErrSkip 与报价无关的消息（心跳、非价格事件），不计为错误
	ErrSkip = errors.New("parse skip")
	// ErrBackpressure 缓冲区溢出，最旧的 tick 被丢弃
	ErrBackpressure = errors.New("backpressure")
	// ErrMissingData 严格模式下历史区间存在缺失
	ErrMissingData = errors.New("missing data")
)

var (
	ErrNotStarted     = errors.New("gateway not started")
	ErrAlreadyStarted = errors.New("gateway already started")
	ErrStopped        = errors.New("gateway stopped")
	ErrUnknownVenue   = errors.New("unknown venue")
)

const maxRawInError = 256

// ParseError carries the offending payload for diagnostics.
type ParseError struct {
	Venue string
	Raw   []byte
	Err   error
}

// NewParseError copies raw so the caller may reuse its read buffer.
func NewParseError(venue string, raw []byte, err error) *ParseError {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &ParseError{Venue: venue, Raw: cp, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse error: %v (raw=%s)", e.Venue, e.Err, Truncate(e.Raw))
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Truncate shortens a raw payload for logging.
func Truncate(raw []byte) string {
	if len(raw) <= maxRawInError {
		return string(raw)
	}
	return string(raw[:maxRawInError]) + "..."
}
