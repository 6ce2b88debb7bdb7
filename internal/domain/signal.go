package domain

import (
	"fmt"
	"time"
)

type SignalKind int

const (
	// SignalBackpressure a venue buffer overflowed; Tick holds the dropped tick
	SignalBackpressure SignalKind = iota + 1
	// SignalAuthFailed a venue was rejected and will not be retried
	SignalAuthFailed
	// SignalClockSkew a tick's venue time ran ahead of ingest time
	SignalClockSkew
	// SignalReconnecting a venue entered backoff
	SignalReconnecting
)

func (k SignalKind) String() string {
	switch k {
	case SignalBackpressure:
		return "backpressure"
	case SignalAuthFailed:
		return "auth_failed"
	case SignalClockSkew:
		return "clock_skew"
	case SignalReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Signal is an out-of-band event reported to the gateway caller.
type Signal struct {
	Kind  SignalKind
	Venue string
	At    time.Time
	Tick  Tick          // backpressure / clock skew
	Err   error         // auth failed / reconnecting
	Delay time.Duration // reconnecting
}

func (s Signal) String() string {
	switch s.Kind {
	case SignalBackpressure, SignalClockSkew:
		return fmt.Sprintf("%s %s seq=%d", s.Kind, s.Venue, s.Tick.Sequence)
	case SignalReconnecting:
		return fmt.Sprintf("%s %s in %s: %v", s.Kind, s.Venue, s.Delay, s.Err)
	default:
		return fmt.Sprintf("%s %s: %v", s.Kind, s.Venue, s.Err)
	}
}
