package replay

import (
	"context"
	"sync"
	"time"
)

// LocalBackend is an in-process Backend. Expired records are treated as
// absent on lookup and removed by Sweep.
type LocalBackend struct {
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewLocalBackend returns an empty backend. now may be nil.
func NewLocalBackend(now func() time.Time) *LocalBackend {
	if now == nil {
		now = time.Now
	}
	return &LocalBackend{now: now, expires: make(map[string]time.Time)}
}

func (b *LocalBackend) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	if exp, ok := b.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	b.expires[key] = now.Add(ttl)
	return true, nil
}

// Has reports whether key holds an unexpired record.
func (b *LocalBackend) Has(key string) bool {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.expires[key]
	return ok && now.Before(exp)
}

// Live returns every unexpired record with its remaining lifetime.
func (b *LocalBackend) Live() map[string]time.Duration {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]time.Duration, len(b.expires))
	for k, exp := range b.expires {
		if left := exp.Sub(now); left > 0 {
			out[k] = left
		}
	}
	return out
}

// Sweep deletes records expired at now.
func (b *LocalBackend) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k, exp := range b.expires {
		if !now.Before(exp) {
			delete(b.expires, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired ones included.
func (b *LocalBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.expires)
}
