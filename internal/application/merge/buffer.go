package merge

import (
	"sync"
	"sync/atomic"

	"fxstream/internal/domain"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// Buffer 每个 venue 一个有界缓冲：一个生产者（supervisor），一个消费者（merger）。
// 写满时丢弃最旧的 tick，生产者永不阻塞。
type Buffer struct {
	venue  string
	idx    int
	wake   chan struct{}
	onDrop func(domain.Tick)

	mu     sync.Mutex
	q      *circularbuffer.Queue
	closed bool

	dropped atomic.Uint64
}

func newBuffer(venue string, idx, size int, wake chan struct{}, onDrop func(domain.Tick)) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if onDrop == nil {
		onDrop = func(domain.Tick) {}
	}
	return &Buffer{
		venue:  venue,
		idx:    idx,
		wake:   wake,
		onDrop: onDrop,
		q:      circularbuffer.New(size),
	}
}

func (b *Buffer) Venue() string { return b.venue }

// Push enqueues t. On overflow the oldest tick is evicted and reported.
func (b *Buffer) Push(t domain.Tick) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	var (
		evicted domain.Tick
		drop    bool
	)
	if b.q.Full() {
		if v, ok := b.q.Dequeue(); ok {
			evicted, drop = v.(domain.Tick), true
		}
	}
	b.q.Enqueue(t)
	b.mu.Unlock()

	if drop {
		b.dropped.Add(1)
		b.onDrop(evicted)
	}
	b.notify()
}

// Close marks the producer side done; queued ticks stay readable.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.notify()
}

// drain moves every queued tick into dst and reports whether the producer
// has finished.
func (b *Buffer) drain(dst []domain.Tick) ([]domain.Tick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		v, ok := b.q.Dequeue()
		if !ok {
			break
		}
		dst = append(dst, v.(domain.Tick))
	}
	return dst, b.closed
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Size()
}

func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

func (b *Buffer) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
