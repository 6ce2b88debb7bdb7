package merge

import (
	"context"
	"testing"
	"time"

	"fxstream/internal/domain"

	"github.com/shopspring/decimal"
)

func tick(venue string, ms int64, seq uint64) domain.Tick {
	p := decimal.NewNullDecimal(decimal.RequireFromString("1.1"))
	return domain.Tick{
		Instrument: "EURUSD",
		Venue:      venue,
		VenueTime:  time.UnixMilli(ms),
		Bid:        p,
		Ask:        p,
		Sequence:   seq,
	}
}

func start(t *testing.T, m *Merger) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
}

func next(t *testing.T, m *Merger, within time.Duration) domain.Tick {
	t.Helper()
	select {
	case tk, ok := <-m.Out():
		if !ok {
			t.Fatal("stream closed early")
		}
		return tk
	case <-time.After(within):
		t.Fatal("no tick emitted")
	}
	return domain.Tick{}
}

func TestBufferDropsOldestOnOverflow(t *testing.T) {
	var dropped []domain.Tick
	m := New(Options{})
	b := m.Add("A", 3, func(t domain.Tick) { dropped = append(dropped, t) })

	for seq := uint64(1); seq <= 4; seq++ {
		b.Push(tick("A", 100, seq))
	}

	if len(dropped) != 1 || dropped[0].Sequence != 1 {
		t.Fatalf("expected exactly the oldest tick dropped, got %+v", dropped)
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d", b.Dropped())
	}
	got, _ := b.drain(nil)
	if len(got) != 3 || got[0].Sequence != 2 || got[2].Sequence != 4 {
		t.Fatalf("buffer contents %+v", got)
	}
}

func TestBufferPushAfterCloseIgnored(t *testing.T) {
	m := New(Options{})
	b := m.Add("A", 2, nil)
	b.Close()
	b.Close()
	b.Push(tick("A", 1, 1))
	if b.Len() != 0 {
		t.Fatal("push accepted after close")
	}
}

func TestMergerEmitsEarlierVenueFirst(t *testing.T) {
	m := New(Options{Window: 200 * time.Millisecond})
	a := m.Add("A", 8, nil)
	b := m.Add("B", 8, nil)
	start(t, m)

	a.Push(tick("A", 100, 1))
	b.Push(tick("B", 99, 1))

	first := next(t, m, time.Second)
	second := next(t, m, time.Second)
	if first.Venue != "B" || second.Venue != "A" {
		t.Fatalf("order = %s, %s; want B, A", first.Venue, second.Venue)
	}
}

func TestMergerHoldsUntilWindowElapses(t *testing.T) {
	window := 40 * time.Millisecond
	m := New(Options{Window: window})
	a := m.Add("A", 8, nil)
	m.Add("B", 8, nil)
	start(t, m)

	pushed := time.Now()
	a.Push(tick("A", 100, 1))
	next(t, m, time.Second)
	if waited := time.Since(pushed); waited < window {
		t.Fatalf("emitted after %v, before the reorder window", waited)
	}
}

func TestMergerEmitsEarlyWhenAllVenuesCaughtUp(t *testing.T) {
	m := New(Options{Window: 10 * time.Second})
	a := m.Add("A", 8, nil)
	b := m.Add("B", 8, nil)
	start(t, m)

	a.Push(tick("A", 100, 1))
	b.Push(tick("B", 101, 1))
	if tk := next(t, m, time.Second); tk.Venue != "A" {
		t.Fatalf("got %s first", tk.Venue)
	}
}

func TestMergerTieBreak(t *testing.T) {
	m := New(Options{Window: 10 * time.Second})
	a := m.Add("A", 8, nil)
	b := m.Add("B", 8, nil)
	start(t, m)

	b.Push(tick("B", 100, 1))
	a.Push(tick("A", 100, 2))
	a.Push(tick("A", 100, 1))
	a.Close()
	b.Close()

	var got []domain.Tick
	for tk := range m.Out() {
		got = append(got, tk)
	}
	if len(got) != 3 {
		t.Fatalf("got %d ticks", len(got))
	}
	if got[0].Venue != "A" || got[0].Sequence != 1 || got[1].Sequence != 2 || got[2].Venue != "B" {
		t.Fatalf("tie-break order wrong: %v", got)
	}
}

func TestMergerHoldsTieUntilLowerVenueMovesOn(t *testing.T) {
	m := New(Options{Window: 10 * time.Second})
	a := m.Add("A", 8, nil)
	b := m.Add("B", 8, nil)
	start(t, m)

	a.Push(tick("A", 100, 1))
	b.Push(tick("B", 100, 1))
	// A 的 watermark 等于 B 的时间戳，A 仍可能产出 A@100
	if tk := next(t, m, time.Second); tk.Venue != "A" || tk.Sequence != 1 {
		t.Fatalf("got %v first", tk)
	}
	time.Sleep(50 * time.Millisecond)
	a.Push(tick("A", 100, 2))
	a.Close()
	b.Close()

	var got []domain.Tick
	for tk := range m.Out() {
		got = append(got, tk)
	}
	if len(got) != 2 || got[0].Venue != "A" || got[0].Sequence != 2 || got[1].Venue != "B" {
		t.Fatalf("tie across venues emitted out of order: %v", got)
	}
}

func TestMergerIgnoresFinishedVenue(t *testing.T) {
	m := New(Options{Window: 10 * time.Second})
	a := m.Add("A", 8, nil)
	b := m.Add("B", 8, nil)
	start(t, m)

	a.Close()
	b.Push(tick("B", 100, 1))
	if tk := next(t, m, time.Second); tk.Venue != "B" {
		t.Fatalf("got %+v", tk)
	}
}

func TestMergerDrainsOnClose(t *testing.T) {
	m := New(Options{Window: 10 * time.Second})
	a := m.Add("A", 8, nil)
	b := m.Add("B", 8, nil)
	c := m.Add("C", 8, nil)
	start(t, m)

	// C 从不产出，三个 tick 都被 reorder window 挡住
	a.Push(tick("A", 300, 1))
	b.Push(tick("B", 100, 1))
	a.Push(tick("A", 200, 2))
	time.Sleep(20 * time.Millisecond)

	a.Close()
	b.Close()
	c.Close()

	var got []domain.Tick
	timeout := time.After(time.Second)
	for {
		select {
		case tk, ok := <-m.Out():
			if !ok {
				if len(got) != 3 {
					t.Fatalf("drained %d ticks, want 3", len(got))
				}
				if got[0].Venue != "B" || got[1].VenueTime.UnixMilli() != 200 || got[2].VenueTime.UnixMilli() != 300 {
					t.Fatalf("drain order wrong: %v", got)
				}
				return
			}
			got = append(got, tk)
		case <-timeout:
			t.Fatalf("stream not closed; drained %d", len(got))
		}
	}
}
