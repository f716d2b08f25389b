package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hazyhaar/gridsync/kit"
	"github.com/hazyhaar/gridsync/replay"
)

var testSecret = []byte(strings.Repeat("k", MinSecretLen))

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	iss, err := NewIssuer(testSecret, time.Hour, "gridsync")
	if err != nil {
		t.Fatal(err)
	}
	return iss
}

func TestIssuer_RoundTrip(t *testing.T) {
	iss := newIssuer(t)
	tok, exp, err := iss.Issue("alice", true, "")
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Fatalf("expiry too close: %s", exp)
	}
	c, err := iss.Verify(tok)
	if err != nil {
		t.Fatal(err)
	}
	if c.Identity() != "alice" || !c.Authorized || c.Role != RoleUser || c.IsAdmin() {
		t.Fatalf("claims = %+v", c)
	}
}

func TestIssuer_Rejections(t *testing.T) {
	if _, err := NewIssuer([]byte("short"), time.Hour, ""); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("short secret: %v", err)
	}
	iss := newIssuer(t)

	other, _ := NewIssuer([]byte(strings.Repeat("x", MinSecretLen)), time.Hour, "gridsync")
	forged, _, _ := other.Issue("mallory", true, RoleAdmin)
	if _, err := iss.Verify(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret accepted: %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory", Issuer: "gridsync"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := iss.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none accepted: %v", err)
	}

	tok, _, _ := iss.Issue("alice", true, RoleUser)
	iss.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := iss.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

type signer struct {
	id   string
	priv ed25519.PrivateKey
}

func newSigner(t *testing.T) signer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return signer{id: hex.EncodeToString(pub), priv: priv}
}

func (s signer) request(nonce string, ts time.Time) HandshakeRequest {
	ms := ts.UnixMilli()
	sig := ed25519.Sign(s.priv, HandshakeMessage(s.id, nonce, ms))
	return HandshakeRequest{Identity: s.id, Nonce: nonce, Timestamp: ms, Signature: base64.StdEncoding.EncodeToString(sig)}
}

func newHandshaker(t *testing.T, opts ...HandshakeOption) (*Handshaker, *Issuer) {
	t.Helper()
	g, err := replay.New(5*time.Minute, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	iss := newIssuer(t)
	return NewHandshaker(Ed25519Verifier{}, g, iss, opts...), iss
}

func TestHandshake(t *testing.T) {
	ctx := context.Background()
	s := newSigner(t)
	h, iss := newHandshaker(t)

	res, err := h.Handshake(ctx, s.request("n1", time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	c, err := iss.Verify(res.Token)
	if err != nil || c.Identity() != s.id || !c.Authorized {
		t.Fatalf("token claims = %+v, %v", c, err)
	}

	_, err = h.Handshake(ctx, s.request("n1", time.Now()))
	if !errors.Is(err, replay.ErrNonceReused) || Reason(err) != "nonce_reused" {
		t.Fatalf("reuse: %v (%s)", err, Reason(err))
	}
	_, err = h.Handshake(ctx, s.request("n2", time.Now().Add(-10*time.Minute)))
	if Reason(err) != "expired_timestamp" {
		t.Fatalf("stale: %v", err)
	}
}

func TestHandshake_BadSignatureDoesNotBurnNonce(t *testing.T) {
	ctx := context.Background()
	s, mallory := newSigner(t), newSigner(t)
	h, _ := newHandshaker(t)

	forged := mallory.request("n1", time.Now())
	forged.Identity = s.id
	if _, err := h.Handshake(ctx, forged); Reason(err) != "bad_signature" {
		t.Fatalf("forged: %v", err)
	}
	if _, err := h.Handshake(ctx, s.request("n1", time.Now())); err != nil {
		t.Fatalf("genuine request after forgery: %v", err)
	}
	if _, err := h.Handshake(ctx, HandshakeRequest{Identity: s.id}); Reason(err) != "bad_request" {
		t.Fatalf("empty request: %v", err)
	}
}

func TestHandshake_GateAndAdmins(t *testing.T) {
	ctx := context.Background()
	owner, stranger, broken := newSigner(t), newSigner(t), newSigner(t)
	gate := GateFunc(func(_ context.Context, id string) (bool, error) {
		if id == broken.id {
			return false, errors.New("lookup timeout")
		}
		return id == owner.id, nil
	})
	h, _ := newHandshaker(t, WithGate(gate), WithAdmins(owner.id))

	res, err := h.Handshake(ctx, owner.request("a", time.Now()))
	if err != nil || !res.Authorized || res.Role != RoleAdmin {
		t.Fatalf("owner: %+v %v", res, err)
	}
	res, err = h.Handshake(ctx, stranger.request("a", time.Now()))
	if err != nil || res.Authorized || res.Role != RoleUser {
		t.Fatalf("stranger: %+v %v", res, err)
	}
	if _, err := h.Handshake(ctx, broken.request("a", time.Now())); Reason(err) != "gate_unavailable" {
		t.Fatalf("broken gate: %v", err)
	}
}

func TestAdminLogin(t *testing.T) {
	iss := newIssuer(t)
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatal(err)
	}
	res, err := AdminLogin(iss, hash, "hunter22")
	if err != nil || res.Role != RoleAdmin {
		t.Fatalf("login: %+v %v", res, err)
	}
	if _, err := AdminLogin(iss, hash, "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := AdminLogin(iss, "", "hunter22"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("disabled login: %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	iss := newIssuer(t)
	var gotID, gotRole string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotRole = kit.GetIdentity(r.Context()), kit.GetRole(r.Context())
	})
	admin := Middleware(iss)(RequireRole(RoleAdmin)(inner))

	userTok, _, _ := iss.Issue("bob", true, RoleUser)
	adminTok, _, _ := iss.Issue("root", true, RoleAdmin)

	cases := []struct {
		name   string
		setup  func(*http.Request)
		status int
	}{
		{"anonymous", func(*http.Request) {}, http.StatusUnauthorized},
		{"user", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+userTok) }, http.StatusForbidden},
		{"admin header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+adminTok) }, http.StatusOK},
		{"admin cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: adminTok}) }, http.StatusOK},
		{"garbage", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		gotID, gotRole = "", ""
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		tc.setup(req)
		rec := httptest.NewRecorder()
		admin.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Errorf("%s: status %d, want %d", tc.name, rec.Code, tc.status)
		}
		if tc.status == http.StatusOK && (gotID != "root" || gotRole != RoleAdmin) {
			t.Errorf("%s: context identity=%q role=%q", tc.name, gotID, gotRole)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/ws?token="+userTok, nil)
	if TokenFromRequest(req) != userTok {
		t.Fatal("query token not found")
	}
}
