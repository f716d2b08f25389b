package mcpquic

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"

	"github.com/hazyhaar/gridsync/idgen"
	"github.com/hazyhaar/gridsync/kit"
)

// Authenticator checks the token preamble and returns the caller identity.
// Returning an error closes the connection.
type Authenticator func(token string) (identity string, err error)

// Handler serves MCP sessions on accepted QUIC connections.
type Handler struct {
	mcpServer *mcp.Server
	logger    *slog.Logger
	newID     idgen.Generator
	authn     Authenticator
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerIDGenerator sets a custom ID generator for session IDs.
func WithHandlerIDGenerator(gen idgen.Generator) HandlerOption {
	return func(h *Handler) { h.newID = gen }
}

// WithAuthenticator requires a valid token on every session. Without it
// the token preamble is read and ignored.
func WithAuthenticator(a Authenticator) HandlerOption {
	return func(h *Handler) { h.authn = a }
}

func NewHandler(mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mcpServer: mcpSrv,
		logger:    logger,
		newID:     idgen.Prefixed("quic_", idgen.UUIDv7()),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeConn handles a single QUIC connection as an MCP session.
func (h *Handler) ServeConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		h.logger.Warn("mcpquic: accept stream failed", "remote", remote, "error", err)
		conn.CloseWithError(ConnErrorProtocolViolation, "stream accept failed")
		return
	}
	if err := ValidateMagicBytes(stream); err != nil {
		h.logger.Warn("mcpquic: bad preamble", "remote", remote, "error", err)
		stream.CancelWrite(StreamErrorProtocolConfusion)
		stream.CancelRead(StreamErrorProtocolConfusion)
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid magic bytes")
		return
	}
	token, err := ReadToken(stream)
	if err != nil {
		conn.CloseWithError(ConnErrorProtocolViolation, "invalid token preamble")
		return
	}
	identity := ""
	if h.authn != nil {
		if identity, err = h.authn(token); err != nil {
			h.logger.Warn("mcpquic: unauthorized session", "remote", remote, "error", err)
			conn.CloseWithError(ConnErrorUnauthorized, "unauthorized")
			return
		}
	}

	sessionID := h.newID()
	logger := h.logger.With("session", sessionID, "remote", remote, "identity", identity)
	ctx = kit.WithTransport(ctx, "mcp_quic")
	ctx = kit.WithConnID(ctx, sessionID)
	ctx = kit.WithRemoteAddr(ctx, remote)
	if identity != "" {
		ctx = kit.WithIdentity(ctx, identity)
	}

	ss, err := h.mcpServer.Connect(ctx, &quicServerTransport{stream: stream, sessionID: sessionID}, nil)
	if err != nil {
		logger.Error("mcpquic: connect failed", "error", err)
		stream.Close()
		return
	}
	logger.Info("mcpquic: session started")
	if err := ss.Wait(); err != nil && !errors.Is(err, io.EOF) {
		logger.Debug("mcpquic: session error", "error", err)
	}
	logger.Info("mcpquic: session ended")
}

// Listener accepts MCP-over-QUIC connections for one MCP server.
type Listener struct {
	listener *quic.Listener
	handler  *Handler
	logger   *slog.Logger
}

func NewListener(addr string, tlsCfg *tls.Config, mcpSrv *mcp.Server, logger *slog.Logger, opts ...HandlerOption) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l, err := quic.ListenAddr(addr, tlsCfg, ProductionQUICConfig())
	if err != nil {
		return nil, err
	}
	logger.Info("mcpquic: listener ready", "addr", l.Addr().String())
	return &Listener{listener: l, handler: NewHandler(mcpSrv, logger, opts...), logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string { return l.listener.Addr().String() }

// Serve accepts until ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			l.logger.Error("mcpquic: accept error", "error", err)
			continue
		}
		if alpn := conn.ConnectionState().TLS.NegotiatedProtocol; alpn != ALPNProtocolMCP {
			conn.CloseWithError(ConnErrorUnsupportedALPN, "unsupported ALPN: "+alpn)
			continue
		}
		go l.handler.ServeConn(ctx, conn)
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

// quicServerTransport implements mcp.Transport over one QUIC stream.
type quicServerTransport struct {
	stream    *quic.Stream
	sessionID string
}

func (t *quicServerTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	iot := &mcp.IOTransport{
		Reader: io.NopCloser(t.stream),
		Writer: streamWriteCloser{t.stream},
	}
	conn, err := iot.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: conn, id: t.sessionID}, nil
}

// sessionConn reports our session id instead of the IO transport's empty one.
type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }

type streamWriteCloser struct{ stream *quic.Stream }

func (w streamWriteCloser) Write(p []byte) (int, error) { return w.stream.Write(p) }
func (w streamWriteCloser) Close() error                { return w.stream.Close() }
