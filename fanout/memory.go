package fanout

import (
	"context"
	"sync"
)

// MemoryBus is an in-process shared channel. Every subscriber, the
// publishing hub included, receives every message, as on a real broker.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[chan Message]struct{}
	buf  int
}

// NewMemoryBus returns a bus whose subscriber channels buffer buf messages.
func NewMemoryBus(buf int) *MemoryBus {
	if buf <= 0 {
		buf = 256
	}
	return &MemoryBus{subs: make(map[chan Message]struct{}), buf: buf}
}

// Publish never blocks: a subscriber with a full buffer misses the message.
func (b *MemoryBus) Publish(_ context.Context, m Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- m:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, b.buf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}
