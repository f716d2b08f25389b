// Package replay rejects reused handshake nonces.
//
// A (identity, nonce) pair is accepted at most once per TTL. Acceptance is a
// single atomic set-if-absent on the configured backend, so with a shared
// backend the guarantee holds across every instance. When the shared backend
// fails the guard drops to a per-instance local backend (degraded mode) and a
// scheduled Probe restores shared mode once the backend answers again.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	// ErrExpiredTimestamp is returned when the handshake timestamp lies
	// outside the accepted window around server time.
	ErrExpiredTimestamp = errors.New("expired_timestamp")
	// ErrNonceReused is returned when the pair was already consumed.
	ErrNonceReused = errors.New("nonce_reused")
	// ErrBackendUnavailable is returned in fail-closed mode when the shared
	// backend cannot be reached.
	ErrBackendUnavailable = errors.New("replay_backend_unavailable")
)

// Reason returns the stable code for a guard error, or "" for nil.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExpiredTimestamp):
		return ErrExpiredTimestamp.Error()
	case errors.Is(err, ErrNonceReused):
		return ErrNonceReused.Error()
	case errors.Is(err, ErrBackendUnavailable):
		return ErrBackendUnavailable.Error()
	default:
		return "replay_error"
	}
}

// Backend is an atomic set-if-not-exists with expiry.
type Backend interface {
	// SetNX stores key until ttl elapses and reports true, or reports false
	// when key is already present and unexpired.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Pinger is implemented by backends that can answer a health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Observer receives degraded-mode transitions, typically a metrics hook.
type Observer interface {
	Degraded()
	Recovered()
}

// Guard is safe for concurrent use.
type Guard struct {
	window     time.Duration
	ttl        time.Duration
	shared     Backend
	local      *LocalBackend
	failClosed bool
	logger     *slog.Logger
	observer   Observer
	now        func() time.Time

	usingShared atomic.Bool
}

// Option configures a Guard.
type Option func(*Guard)

// WithShared sets the shared backend. Without it the guard is local only.
func WithShared(b Backend) Option { return func(g *Guard) { g.shared = b } }

// WithFailClosed makes handshakes fail with ErrBackendUnavailable instead of
// degrading to the local backend while the shared one is down.
func WithFailClosed(v bool) Option { return func(g *Guard) { g.failClosed = v } }

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

// WithObserver registers a degraded-mode observer.
func WithObserver(o Observer) Option { return func(g *Guard) { g.observer = o } }

// WithClock injects the time source (tests).
func WithClock(fn func() time.Time) Option { return func(g *Guard) { g.now = fn } }

// New builds a guard accepting timestamps within ±window of server time and
// remembering nonces for ttl. ttl must be at least twice the window: a
// timestamp may sit window ahead of server time and must not outlive its
// record.
func New(window, ttl time.Duration, opts ...Option) (*Guard, error) {
	if window <= 0 {
		return nil, fmt.Errorf("replay: window must be positive, got %s", window)
	}
	if ttl < 2*window {
		return nil, fmt.Errorf("replay: ttl %s must be at least 2x window %s", ttl, window)
	}
	g := &Guard{window: window, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.local = NewLocalBackend(g.now)
	g.usingShared.Store(g.shared != nil)
	return g, nil
}

// Window returns the accepted timestamp skew.
func (g *Guard) Window() time.Duration { return g.window }

// UsingSharedBackend reports whether checks currently go to the shared
// backend. False when no shared backend is configured or while degraded.
func (g *Guard) UsingSharedBackend() bool { return g.usingShared.Load() }

// CheckAndConsume accepts (identity, nonce, ts) once. It returns nil on
// acceptance, ErrExpiredTimestamp, ErrNonceReused, or ErrBackendUnavailable
// in fail-closed mode.
func (g *Guard) CheckAndConsume(ctx context.Context, identity, nonce string, ts time.Time) error {
	skew := g.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		return ErrExpiredTimestamp
	}

	key := recordKey(identity, nonce)
	ok, err := g.setNX(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNonceReused
	}
	return nil
}

func (g *Guard) setNX(ctx context.Context, key string) (bool, error) {
	if g.usingShared.Load() {
		// Records consumed while degraded stay binding until they expire.
		if g.local.Has(key) {
			return false, nil
		}
		ok, err := g.shared.SetNX(ctx, key, g.ttl)
		if err == nil {
			return ok, nil
		}
		g.degrade(err)
		if g.failClosed {
			return false, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	} else if g.shared != nil && g.failClosed {
		return false, ErrBackendUnavailable
	}
	return g.local.SetNX(ctx, key, g.ttl)
}

func (g *Guard) degrade(err error) {
	if g.usingShared.CompareAndSwap(true, false) {
		g.logger.Warn("replay: shared backend failed, degraded to local checks", "error", err)
		if g.observer != nil {
			g.observer.Degraded()
		}
	}
}

// Probe checks the shared backend and leaves degraded mode when it answers.
// Records consumed locally during the outage are copied to the shared
// backend with their remaining lifetime first, so sibling instances reject
// them too. It is a no-op without a shared backend or while already in
// shared mode.
func (g *Guard) Probe(ctx context.Context) error {
	if g.shared == nil || g.usingShared.Load() {
		return nil
	}
	if p, ok := g.shared.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("replay: probe: %w", err)
		}
	}
	live := g.local.Live()
	for key, left := range live {
		if _, err := g.shared.SetNX(ctx, key, left); err != nil {
			return fmt.Errorf("replay: probe: backfill: %w", err)
		}
	}
	if g.usingShared.CompareAndSwap(false, true) {
		g.logger.Info("replay: shared backend recovered", "backfilled", len(live))
		if g.observer != nil {
			g.observer.Recovered()
		}
	}
	return nil
}

// Sweep purges expired local records and returns how many were removed.
func (g *Guard) Sweep(now time.Time) int {
	return g.local.Sweep(now)
}

func recordKey(identity, nonce string) string {
	return fmt.Sprintf("%d:%s:%s", len(identity), identity, nonce)
}
