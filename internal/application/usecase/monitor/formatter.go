package monitor

import (
	"strings"

	"fxstream/internal/domain"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	Pips *domain.PipRegistry
	// Plain 关闭 ANSI 颜色（写文件或测试时）
	Plain bool
}

func NewFormatter(pips *domain.PipRegistry) *Formatter {
	return &Formatter{Pips: pips}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func dirColor(d domain.Direction) string {
	switch d {
	case domain.DirectionUp:
		return ansiGreen
	case domain.DirectionDown:
		return ansiRed
	default:
		return ansiYellow
	}
}

func (f *Formatter) paint(s, c string) string {
	if f.Plain {
		return s
	}
	return colorize(s, c)
}

func (f *Formatter) side(instrument string, ps domain.PriceState) string {
	if !ps.HasValue {
		return f.paint("--", ansiYellow)
	}
	return f.paint(f.Pips.Format(instrument, ps.Value), dirColor(ps.Direction))
}

// Render 每个 instrument 一段：EURUSD FINNHUB 1.10010/1.10010 OANDA 1.10000/1.10020 sp=2.0
func (f *Formatter) Render(st *State, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}
	sb.WriteString(f.paint("[FX] ", ansiDim))

	for i, in := range st.Instruments() {
		if i > 0 {
			sb.WriteString(f.paint("  ||  ", ansiDim))
		}
		sb.WriteString(in)

		venues := st.Venues(in)
		if len(venues) == 0 {
			sb.WriteString(" --")
			continue
		}
		for _, v := range venues {
			q, _ := st.Quote(in, v)
			sb.WriteString(" ")
			sb.WriteString(v)
			if q.Skewed {
				sb.WriteString("*")
			}
			sb.WriteString(" ")
			sb.WriteString(f.side(in, q.Bid))
			sb.WriteString("/")
			sb.WriteString(f.side(in, q.Ask))
			if sp, ok := f.spread(in, q); ok {
				sb.WriteString(" ")
				sb.WriteString(f.paint("sp="+sp, ansiDim))
			}
		}
	}

	if mode == RenderLive && !f.Plain {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

// spread 以 pip 为单位，保留一位（即 pipet）
func (f *Formatter) spread(instrument string, q Quote) (string, bool) {
	if !q.Bid.HasValue || !q.Ask.HasValue || q.Bid.Value.Equal(q.Ask.Value) {
		return "", false
	}
	pips := q.Ask.Value.Sub(q.Bid.Value).Div(f.Pips.Pip(instrument))
	return pips.StringFixed(1), true
}

// FormatTick 单个 tick 的一行摘要，用于历史回放
func (f *Formatter) FormatTick(t domain.Tick) string {
	bid, ask := "--", "--"
	if t.Bid.Valid {
		bid = f.Pips.Format(t.Instrument, t.Bid.Decimal)
	}
	if t.Ask.Valid {
		ask = f.Pips.Format(t.Instrument, t.Ask.Decimal)
	}
	line := t.Instrument + " " + t.Venue + " " + bid + "/" + ask
	if mid, ok := t.Mid(); ok && t.Bid.Valid && t.Ask.Valid && !t.Bid.Decimal.Equal(t.Ask.Decimal) {
		line += " mid=" + f.Pips.Format(t.Instrument, mid)
	}
	return line
}
