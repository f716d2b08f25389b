// Package kit carries request-scoped values and the endpoint plumbing shared
// by the websocket gateway and the MCP admin tools.
package kit

import "context"

type contextKey string

const (
	IdentityKey   contextKey = "kit_identity"
	RoleKey       contextKey = "kit_role"
	AuthorizedKey contextKey = "kit_authorized"
	TransportKey  contextKey = "kit_transport" // "http", "ws", "mcp"
	ConnIDKey     contextKey = "kit_conn_id"
	RemoteAddrKey contextKey = "kit_remote_addr"
	TraceIDKey    contextKey = "kit_trace_id"
)

func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}
func GetIdentity(ctx context.Context) string {
	v, _ := ctx.Value(IdentityKey).(string)
	return v
}

func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, RoleKey, role)
}
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}

func WithAuthorized(ctx context.Context, ok bool) context.Context {
	return context.WithValue(ctx, AuthorizedKey, ok)
}
func IsAuthorized(ctx context.Context) bool {
	v, _ := ctx.Value(AuthorizedKey).(bool)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnIDKey, id)
}
func GetConnID(ctx context.Context) string {
	v, _ := ctx.Value(ConnIDKey).(string)
	return v
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}
