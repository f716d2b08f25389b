// Package gateway is the transport surface of an instance: the websocket
// endpoint clients sync through, plus the HTTP API for reads, token
// issuance and administration.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/gridsync/admission"
	"github.com/hazyhaar/gridsync/audit"
	"github.com/hazyhaar/gridsync/auth"
	"github.com/hazyhaar/gridsync/engine"
	"github.com/hazyhaar/gridsync/fanout"
	"github.com/hazyhaar/gridsync/shield"
)

// Observer receives gateway events, typically metrics.
type Observer interface {
	Connected(delta int)
	Rejected(reason string)
	Evicted()
	Inbound(typ, reason string)
	Handshake(reason string)
}

type nopObserver struct{}

func (nopObserver) Connected(int)          {}
func (nopObserver) Rejected(string)        {}
func (nopObserver) Evicted()               {}
func (nopObserver) Inbound(string, string) {}
func (nopObserver) Handshake(string)       {}

// Settings are the transport limits.
type Settings struct {
	RequireToken    bool
	TrustProxy      bool
	SecureCookies   bool
	PlaceRate       float64 // placements per second per connection
	PlaceBurst      int
	MaxMessageBytes int64
	SendBuffer      int
	WriteTimeout    time.Duration
	AllowedOrigins  []string // empty allows any origin
	AuthRate        float64  // handshake/login requests per second per source
	AuthBurst       int
	MaxBodyBytes    int64
}

// DefaultSettings returns the limits used when none are given.
func DefaultSettings() Settings {
	return Settings{
		PlaceRate:       5,
		PlaceBurst:      10,
		MaxMessageBytes: 64 << 10,
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		AuthRate:        1,
		AuthBurst:       5,
		MaxBodyBytes:    16 << 20,
	}
}

// Server owns the live websocket sessions of an instance.
type Server struct {
	engine *engine.Engine
	hub    *fanout.Hub
	admit  *admission.Admission
	live   *admission.Liveness

	issuer     *auth.Issuer
	verify     func(token string) (*auth.Claims, error)
	handshaker *auth.Handshaker
	adminHash  string
	mcp        *mcp.Server
	gatherer   prometheus.Gatherer
	health     func(context.Context) error
	audit      Auditor

	settings Settings
	observer Observer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	authRL   *shield.RateLimiter

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a Server.
type Option func(*Server)

// WithSettings replaces DefaultSettings.
func WithSettings(s Settings) Option { return func(srv *Server) { srv.settings = s } }

// WithIssuer enables token verification on every route.
func WithIssuer(iss *auth.Issuer) Option { return func(s *Server) { s.issuer = iss } }

// WithHandshaker enables POST /api/auth/handshake.
func WithHandshaker(h *auth.Handshaker) Option { return func(s *Server) { s.handshaker = h } }

// WithAdminPasswordHash enables POST /api/admin/login.
func WithAdminPasswordHash(hash string) Option { return func(s *Server) { s.adminHash = hash } }

// WithMCP mounts the MCP server on /mcp for admins.
func WithMCP(m *mcp.Server) Option { return func(s *Server) { s.mcp = m } }

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// Auditor records administrative actions. *audit.SQLiteLogger satisfies it.
type Auditor interface {
	Record(ctx context.Context, action string, params any, err error)
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// WithAudit records admin mutations and logins, and serves
// GET /api/admin/audit.
func WithAudit(a Auditor) Option { return func(s *Server) { s.audit = a } }

// WithHealth sets the /healthz check.
func WithHealth(fn func(context.Context) error) Option { return func(s *Server) { s.health = fn } }

func WithObserver(o Observer) Option { return func(s *Server) { s.observer = o } }

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// New builds a server. live may be nil to disable liveness tracking.
func New(eng *engine.Engine, hub *fanout.Hub, admit *admission.Admission, live *admission.Liveness, opts ...Option) *Server {
	s := &Server{
		engine:   eng,
		hub:      hub,
		admit:    admit,
		live:     live,
		settings: DefaultSettings(),
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.verify == nil && s.issuer != nil {
		s.verify = s.issuer.Verify
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.authRL = shield.NewRateLimiter(s.settings.AuthRate, s.settings.AuthBurst, func(r *http.Request) string {
		return admission.SourceAddr(r, s.settings.TrustProxy)
	})
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.settings.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.settings.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.DefaultStack(s.settings.MaxBodyBytes) {
		r.Use(mw)
	}

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	// /ws verifies its token itself, after admission.
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.issuer))
		s.routes(r)
	})
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/grid", s.handleGrid)
		r.Get("/grid.bin", s.handleGridBinary)
		r.Get("/cell/{x}/{y}", s.handleCell)
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/writers/{identity}", s.handleWriter)

		r.Group(func(r chi.Router) {
			r.Use(s.authRL.Middleware)
			r.Post("/auth/handshake", s.handleHandshake)
			r.Post("/admin/login", s.handleAdminLogin)
		})
		r.Post("/auth/logout", s.handleLogout)

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin))
			r.Post("/clear", s.handleClear)
			r.Post("/import", s.handleImport)
			r.Post("/restore/{id}", s.handleRestore)
			r.Get("/snapshots", s.handleSnapshots)
			r.Get("/placements", s.handleRecent)
			r.Get("/connections", s.handleConnections)
			if s.audit != nil {
				r.Get("/audit", s.handleAudit)
			}
		})
	})

	if s.mcp != nil {
		h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
		r.With(auth.RequireRole(auth.RoleAdmin)).Handle("/mcp", h)
	}
}

// Len returns the number of open sessions.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep runs one liveness pass and closes the evicted sessions. It returns
// how many were evicted.
func (s *Server) Sweep(now time.Time) int {
	if s.live == nil {
		return 0
	}
	evicted := s.live.Sweep(now)
	for _, ev := range evicted {
		s.mu.Lock()
		sess := s.sessions[ev.ID]
		s.mu.Unlock()
		if sess == nil {
			continue
		}
		s.logger.Info("gateway: evicting silent connection", "conn_id", ev.ID, "silent", ev.Silent)
		s.observer.Evicted()
		sess.shutdown(websocket.CloseGoingAway, ReasonLivenessTimeout)
	}
	return len(evicted)
}

// GCRateLimits drops idle per-source limiter buckets.
func (s *Server) GCRateLimits(idle time.Duration) int { return s.authRL.GC(idle) }

// Shutdown closes every session with a going-away frame and waits for their
// goroutines, or for ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.shutdown(websocket.CloseGoingAway, ReasonShuttingDown)
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
