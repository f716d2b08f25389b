package admission

import (
	"fmt"
	"sync"
	"time"
)

// Prober sends a liveness probe to one connection. It must not block for
// long: the sweeper calls it while iterating.
type Prober interface {
	Probe() error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func() error

func (f ProberFunc) Probe() error { return f() }

// Eviction names a connection the sweep decided to close.
type Eviction struct {
	ID     string
	Silent time.Duration
}

type tracked struct {
	prober       Prober
	lastActivity time.Time
	probeSent    bool
}

// Liveness tracks last activity per connection. Any inbound message counts
// as activity, not only probe replies. A connection is evicted only when a
// probe is outstanding and it has been silent for the whole grace period.
type Liveness struct {
	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	mu    sync.Mutex
	conns map[string]*tracked
}

// NewLiveness returns a tracker. grace must span at least two intervals so
// one lost probe is never fatal.
func NewLiveness(interval, grace time.Duration, now func() time.Time) (*Liveness, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("admission: heartbeat interval must be positive, got %s", interval)
	}
	if grace < 2*interval {
		return nil, fmt.Errorf("admission: grace %s must be at least 2x interval %s", grace, interval)
	}
	if now == nil {
		now = time.Now
	}
	return &Liveness{interval: interval, grace: grace, now: now, conns: make(map[string]*tracked)}, nil
}

// Interval returns the sweep period.
func (l *Liveness) Interval() time.Duration { return l.interval }

// Track starts watching id. The connection counts as active now.
func (l *Liveness) Track(id string, p Prober) {
	l.mu.Lock()
	l.conns[id] = &tracked{prober: p, lastActivity: l.now()}
	l.mu.Unlock()
}

// Untrack stops watching id.
func (l *Liveness) Untrack(id string) {
	l.mu.Lock()
	delete(l.conns, id)
	l.mu.Unlock()
}

// OnActivity records inbound traffic from id and clears any outstanding
// probe.
func (l *Liveness) OnActivity(id string) {
	now := l.now()
	l.mu.Lock()
	if c, ok := l.conns[id]; ok {
		c.lastActivity = now
		c.probeSent = false
	}
	l.mu.Unlock()
}

// Len returns the number of tracked connections.
func (l *Liveness) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// Sweep probes every connection silent for at least one interval and
// returns those to evict. Evicted connections are untracked; closing them
// is the caller's job.
func (l *Liveness) Sweep(now time.Time) []Eviction {
	type probe struct {
		id string
		p  Prober
	}
	var (
		evict  []Eviction
		probes []probe
	)

	l.mu.Lock()
	for id, c := range l.conns {
		silent := now.Sub(c.lastActivity)
		switch {
		case c.probeSent && silent >= l.grace:
			evict = append(evict, Eviction{ID: id, Silent: silent})
			delete(l.conns, id)
		case silent >= l.interval:
			c.probeSent = true
			probes = append(probes, probe{id, c.prober})
		}
	}
	l.mu.Unlock()

	// A failed probe write means the transport is gone; the read loop sees
	// the same failure and untracks the connection.
	for _, p := range probes {
		_ = p.p.Probe()
	}
	return evict
}
