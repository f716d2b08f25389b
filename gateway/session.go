package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/gridsync/admission"
	"github.com/hazyhaar/gridsync/auth"
	"github.com/hazyhaar/gridsync/idgen"
	"github.com/hazyhaar/gridsync/kit"
	"github.com/hazyhaar/gridsync/protocol"
)

// CloseTryAgainLater is the close code for capacity rejections (RFC 6455
// registry, 1013).
const CloseTryAgainLater = 1013

var newConnID = idgen.Prefixed("conn_", idgen.UUIDv7())

// session is one websocket connection. The reader goroutine is the handler
// goroutine; a second goroutine owns all data writes.
type session struct {
	id         string
	srv        *Server
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	limiter    *rate.Limiter
	logger     *slog.Logger
	ctx        context.Context

	identity   string
	authorized bool
	role       string

	once        sync.Once
	closeCode   int
	closeReason string
}

// TrySend implements fanout.Sink.
func (s *session) TrySend(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown asks the writer to send a close frame and drop the connection.
func (s *session) shutdown(code int, reason string) {
	s.once.Do(func() {
		s.closeCode, s.closeReason = code, reason
		close(s.done)
	})
}

func (s *session) probe() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.srv.settings.WriteTimeout))
}

func (s *session) writeLoop() {
	defer close(s.writerDone)
	defer s.conn.Close()
	timeout := s.srv.settings.WriteTimeout
	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, f); err != nil {
				s.logger.Debug("gateway: write failed", "error", err)
				s.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			if s.closeReason != "" || s.closeCode == websocket.CloseNormalClosure || s.closeCode == websocket.CloseGoingAway {
				msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
				s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
			}
			return
		}
	}
}

func (s *session) reply(typ string, data any) {
	f, err := protocol.Encode(typ, data)
	if err != nil {
		s.logger.Error("gateway: encode reply", "type", typ, "error", err)
		return
	}
	s.TrySend(f)
}

func (s *session) fail(typ, reason, detail string) {
	s.srv.observer.Inbound(typ, reason)
	s.reply(protocol.TypeError, protocol.Error{Reason: reason, Detail: detail})
}

func (s *session) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				s.logger.Debug("gateway: read ended", "error", err)
			}
			return
		}
		if s.srv.live != nil {
			s.srv.live.OnActivity(s.id)
		}
		s.handle(raw)
	}
}

func (s *session) handle(raw []byte) {
	typ, ev, err := protocol.Decode(raw)
	if err != nil {
		s.fail(typ, errorReason(err), "")
		return
	}

	switch ev := ev.(type) {
	case *protocol.Ping:
		s.srv.observer.Inbound(typ, "ok")
		s.reply(protocol.TypePong, protocol.Pong{ClientTimestamp: ev.ClientTimestamp, ServerTimestamp: time.Now().UnixMilli()})
		return
	case *protocol.Erase:
		if reason := s.admitMutation(true); reason != "" {
			s.fail(typ, reason, "")
			return
		}
		if _, err := s.srv.engine.Erase(s.ctx, ev.X, ev.Y, s.identity); err != nil {
			s.fail(typ, errorReason(err), "")
			return
		}
	case *protocol.Place:
		if reason := s.admitMutation(false); reason != "" {
			s.fail(typ, reason, "")
			return
		}
		if _, err := s.srv.engine.Place(s.ctx, ev.X, ev.Y, ev.Color, s.identity); err != nil {
			s.fail(typ, errorReason(err), "")
			return
		}
	case *protocol.PlaceBatch:
		if reason := s.admitMutation(false); reason != "" {
			s.fail(typ, reason, "")
			return
		}
		if _, err := s.srv.engine.PlaceBatch(s.ctx, ev.Placements(), s.identity); err != nil {
			s.fail(typ, errorReason(err), "")
			return
		}
	}
	s.srv.observer.Inbound(typ, "ok")
}

// admitMutation checks identity, authorization, role and rate in that order
// and returns the rejection reason, or "".
func (s *session) admitMutation(adminOnly bool) string {
	switch {
	case s.identity == "":
		return ReasonUnauthenticated
	case adminOnly && s.role != auth.RoleAdmin:
		return ReasonForbidden
	case !s.authorized:
		return ReasonNotAuthorized
	case !s.limiter.Allow():
		return ReasonRateLimited
	}
	return ""
}

// handleWS admits, upgrades and serves one websocket connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	source := admission.SourceAddr(r, s.settings.TrustProxy)
	ticket, admitErr := s.admit.TryAdmit(source)

	// Tokens are only verified once a slot is held, so rejections at
	// capacity stay cheap.
	var claims *auth.Claims
	authReason := ""
	if admitErr == nil {
		if tok := auth.TokenFromRequest(r); tok != "" {
			if s.verify != nil {
				claims, _ = s.verify(tok)
			}
			if claims == nil {
				authReason = ReasonUnauthenticated
			}
		} else if s.settings.RequireToken {
			authReason = ReasonUnauthenticated
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if ticket != nil {
			ticket.Release()
		}
		s.logger.Debug("gateway: upgrade failed", "source", source, "error", err)
		return
	}

	if admitErr != nil {
		reason := admission.Reason(admitErr)
		s.observer.Rejected(reason)
		s.logger.Info("gateway: connection rejected", "source", source, "reason", reason)
		closeWith(conn, CloseTryAgainLater, reason, s.settings.WriteTimeout)
		return
	}
	if authReason != "" {
		ticket.Release()
		s.observer.Rejected(authReason)
		closeWith(conn, websocket.ClosePolicyViolation, authReason, s.settings.WriteTimeout)
		return
	}

	sess := &session{
		id:         newConnID(),
		srv:        s,
		conn:       conn,
		send:       make(chan []byte, s.settings.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(s.settings.PlaceRate), s.settings.PlaceBurst),
		role:       auth.RoleUser,
	}
	if claims != nil {
		sess.identity, sess.authorized, sess.role = claims.Identity(), claims.Authorized, claims.Role
	}
	ctx := kit.WithTransport(s.base, "ws")
	ctx = kit.WithConnID(ctx, sess.id)
	ctx = kit.WithRemoteAddr(ctx, source)
	if sess.identity != "" {
		ctx = kit.WithIdentity(ctx, sess.identity)
	}
	sess.ctx = ctx
	sess.logger = s.logger.With("conn_id", sess.id, "source", source, "identity", sess.identity)

	s.serve(sess, ticket)
}

func (s *Server) serve(sess *session, ticket *admission.Ticket) {
	s.wg.Add(1)
	defer s.wg.Done()

	sess.conn.SetReadLimit(s.settings.MaxMessageBytes)
	if s.live != nil {
		sess.conn.SetPongHandler(func(string) error {
			s.live.OnActivity(sess.id)
			return nil
		})
		s.live.Track(sess.id, admission.ProberFunc(sess.probe))
		defer s.live.Untrack(sess.id)
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
	}()
	// Released before the session leaves the map.
	defer ticket.Release()

	_, unregister := s.hub.Register(sess)
	defer unregister()

	s.observer.Connected(1)
	defer s.observer.Connected(-1)
	sess.logger.Debug("gateway: connected")

	sess.reply(protocol.TypeWelcome, protocol.Welcome{
		Status:     s.engine.Status(),
		InstanceID: s.hub.InstanceID(),
		Identity:   sess.identity,
		Width:      s.engine.Width(),
		Height:     s.engine.Height(),
		Palette:    s.engine.Palette(),
	})

	go sess.writeLoop()
	go func() {
		select {
		case <-sess.done:
		case <-s.base.Done():
			sess.shutdown(websocket.CloseGoingAway, ReasonShuttingDown)
		}
	}()

	sess.readLoop()
	sess.shutdown(websocket.CloseNormalClosure, "")
	<-sess.writerDone
	sess.logger.Debug("gateway: disconnected", "reason", sess.closeReason)
}

func closeWith(conn *websocket.Conn, code int, reason string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	conn.Close()
}
