package merge

import (
	"context"
	"time"

	"fxstream/internal/domain"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/rs/zerolog"
)

const (
	DefaultWindow     = 250 * time.Millisecond
	DefaultBufferSize = 1024
)

type Options struct {
	Window time.Duration
	// Out 输出 channel 的容量
	OutBuffer int
	Logger    zerolog.Logger
	Now       func() time.Time
}

type pending struct {
	tick    domain.Tick
	arrived time.Time
}

func byTick(a, b interface{}) int {
	ta, tb := a.(pending).tick, b.(pending).tick
	switch {
	case ta.Before(tb):
		return -1
	case tb.Before(ta):
		return 1
	}
	return 0
}

// Merger 把所有 venue 的缓冲合并成一条按 venue time 排序的流。
// 一个 tick 在以下任一条件满足时输出：
//   - 在 merger 中等待满一个 reorder window
//   - 每个仍在生产的 venue 都已经给出不早于它的 tick
type Merger struct {
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger

	wake    chan struct{}
	out     chan domain.Tick
	buffers []*Buffer

	pq        *priorityqueue.Queue
	watermark []time.Time
	done      []bool
	scratch   []domain.Tick

	emitted uint64
}

func New(opts Options) *Merger {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Merger{
		window: opts.Window,
		now:    opts.Now,
		log:    opts.Logger.With().Str("component", "merger").Logger(),
		wake:   make(chan struct{}, 1),
		out:    make(chan domain.Tick, max(opts.OutBuffer, 0)),
		pq:     priorityqueue.NewWith(byTick),
	}
}

// Add registers a venue buffer. Must be called before Run.
func (m *Merger) Add(venue string, size int, onDrop func(domain.Tick)) *Buffer {
	b := newBuffer(venue, len(m.buffers), size, m.wake, onDrop)
	m.buffers = append(m.buffers, b)
	m.watermark = append(m.watermark, time.Time{})
	m.done = append(m.done, false)
	return b
}

// Out is the merged stream. It is closed once every buffer is closed and
// drained, or Run's context is cancelled.
func (m *Merger) Out() <-chan domain.Tick { return m.out }

// Run merges until all producers have finished. Cancelling ctx aborts
// without flushing.
func (m *Merger) Run(ctx context.Context) {
	defer close(m.out)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		finished := m.collect()

		for !m.pq.Empty() {
			v, _ := m.pq.Peek()
			p := v.(pending)
			if !finished && !m.ready(p) {
				break
			}
			m.pq.Dequeue()
			select {
			case m.out <- p.tick:
				m.emitted++
			case <-ctx.Done():
				return
			}
		}

		if finished {
			m.log.Debug().Uint64("emitted", m.emitted).Msg("all venues drained")
			return
		}

		var timeout <-chan time.Time
		if v, ok := m.pq.Peek(); ok {
			timer.Reset(max(v.(pending).arrived.Add(m.window).Sub(m.now()), 0))
			timeout = timer.C
		}
		select {
		case <-m.wake:
		case <-timeout:
		case <-ctx.Done():
			return
		}
		timer.Stop()
	}
}

// collect pulls everything queued in the buffers into the heap and reports
// whether all producers are done and nothing is left upstream.
func (m *Merger) collect() bool {
	now := m.now()
	finished := true
	for i, b := range m.buffers {
		var closed bool
		m.scratch, closed = b.drain(m.scratch[:0])
		for _, t := range m.scratch {
			if t.VenueTime.After(m.watermark[i]) {
				m.watermark[i] = t.VenueTime
			}
			m.pq.Enqueue(pending{tick: t, arrived: now})
		}
		m.done[i] = closed
		if !m.done[i] {
			finished = false
		}
	}
	return finished
}

func (m *Merger) ready(p pending) bool {
	if m.now().Sub(p.arrived) >= m.window {
		return true
	}
	for i := range m.buffers {
		if m.done[i] {
			continue
		}
		w := m.watermark[i]
		if w.Before(p.tick.VenueTime) {
			return false
		}
		// 同一时间戳下，名称更小的 venue 还可能再产出排在前面的 tick
		if w.Equal(p.tick.VenueTime) && m.buffers[i].Venue() < p.tick.Venue {
			return false
		}
	}
	return true
}
