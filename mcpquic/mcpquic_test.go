package mcpquic

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/gridsync/kit"
)

func TestMagicBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := SendMagicBytes(&buf); err != nil {
		t.Fatal(err)
	}
	if err := ValidateMagicBytes(&buf); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if err := ValidateMagicBytes(strings.NewReader("HTTP")); !errors.Is(err, ErrInvalidMagicBytes) {
		t.Fatalf("got %v, want ErrInvalidMagicBytes", err)
	}
	if err := ValidateMagicBytes(strings.NewReader("GS")); err == nil {
		t.Fatal("short preamble accepted")
	}
}

func TestToken(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteToken(&buf, "abc.def"); err != nil {
		t.Fatal(err)
	}
	got, err := ReadToken(&buf)
	if err != nil || got != "abc.def" {
		t.Fatalf("got %q, %v", got, err)
	}

	buf.Reset()
	if err := WriteToken(&buf, ""); err != nil {
		t.Fatal(err)
	}
	if got, err := ReadToken(&buf); err != nil || got != "" {
		t.Fatalf("empty token: %q, %v", got, err)
	}

	if err := WriteToken(&buf, strings.Repeat("x", MaxTokenLen+1)); !errors.Is(err, ErrTokenTooLong) {
		t.Fatalf("got %v, want ErrTokenTooLong", err)
	}
	if _, err := ReadToken(bytes.NewReader([]byte{0xff, 0xff})); !errors.Is(err, ErrTokenTooLong) {
		t.Fatalf("got %v, want ErrTokenTooLong", err)
	}
}

func TestProductionQUICConfig(t *testing.T) {
	cfg := ProductionQUICConfig()
	if cfg.MaxIdleTimeout != DefaultIdleTimeout || cfg.KeepAlivePeriod != DefaultKeepAlive {
		t.Fatalf("timeouts: %s / %s", cfg.MaxIdleTimeout, cfg.KeepAlivePeriod)
	}
	if cfg.Allow0RTT {
		t.Fatal("0-RTT must be off")
	}
}

func TestTLSConfigs(t *testing.T) {
	srv, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	if srv.MinVersion != tls.VersionTLS13 || len(srv.Certificates) != 1 {
		t.Fatalf("server config: %+v", srv)
	}
	if len(srv.NextProtos) != 1 || srv.NextProtos[0] != ALPNProtocolMCP {
		t.Fatalf("ALPN: %v", srv.NextProtos)
	}
	if ClientTLSConfig(false).InsecureSkipVerify {
		t.Fatal("secure client skips verification")
	}
	if !ClientTLSConfig(true).InsecureSkipVerify {
		t.Fatal("insecure client verifies")
	}
	if _, err := ServerTLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem"); err == nil {
		t.Fatal("missing keypair accepted")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("localhost:1234", "", nil)
	if c.tlsCfg == nil || c.tlsCfg.InsecureSkipVerify {
		t.Fatal("default client TLS must verify")
	}
	ctx := context.Background()
	if _, err := c.ListTools(ctx); err == nil {
		t.Fatal("ListTools without session")
	}
	if _, err := c.CallTool(ctx, "x", nil); err == nil {
		t.Fatal("CallTool without session")
	}
}

func startListener(t *testing.T, authn Authenticator) string {
	t.Helper()
	tlsCfg, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatal(err)
	}
	srv := mcp.NewServer(&mcp.Implementation{Name: "gridsync-test", Version: "0.1.0"}, nil)
	kit.RegisterMCPTool(srv,
		&mcp.Tool{Name: "echo", Description: "echo", InputSchema: map[string]any{"type": "object"}},
		func(context.Context, any) (any, error) { return map[string]string{"ok": "yes"}, nil },
		func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) { return &kit.MCPDecodeResult{}, nil },
	)

	var opts []HandlerOption
	if authn != nil {
		opts = append(opts, WithAuthenticator(authn))
	}
	l, err := NewListener("127.0.0.1:0", tlsCfg, srv, nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go l.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		l.Close()
	})
	return l.Addr()
}

func TestListener_EndToEnd(t *testing.T) {
	addr := startListener(t, func(token string) (string, error) {
		if token != "admin-token" {
			return "", errors.New("bad token")
		}
		return "admin", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := NewClient(addr, "admin-token", ClientTLSConfig(true))
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	tools, err := c.ListTools(ctx)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Fatalf("tools: %+v", tools.Tools)
	}
	res, err := c.CallTool(ctx, "echo", map[string]any{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}
	if text := res.Content[0].(*mcp.TextContent).Text; !strings.Contains(text, `"ok":"yes"`) {
		t.Fatalf("tool output %q", text)
	}
}

func TestListener_RejectsBadToken(t *testing.T) {
	addr := startListener(t, func(string) (string, error) { return "", errors.New("bad token") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(addr, "wrong", ClientTLSConfig(true))
	if err := c.Connect(ctx); err == nil {
		c.Close()
		t.Fatal("session established with a rejected token")
	}
}
