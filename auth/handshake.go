package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hazyhaar/gridsync/replay"
)

var (
	ErrBadRequest   = errors.New("auth: malformed handshake")
	ErrBadSignature = errors.New("auth: signature does not verify")
	ErrGateFailed   = errors.New("auth: access gate unavailable")
)

// Reason maps handshake errors to stable codes.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrGateFailed):
		return "gate_unavailable"
	case errors.Is(err, ErrBadCredentials):
		return "bad_credentials"
	case errors.Is(err, ErrInvalidToken):
		return "unauthenticated"
	case errors.Is(err, replay.ErrExpiredTimestamp),
		errors.Is(err, replay.ErrNonceReused),
		errors.Is(err, replay.ErrBackendUnavailable):
		return replay.Reason(err)
	}
	return "internal"
}

// Verifier checks that signature over message was produced by identity.
type Verifier interface {
	Verify(identity string, message, signature []byte) error
}

// Ed25519Verifier treats the identity as a hex-encoded ed25519 public key.
type Ed25519Verifier struct{}

func (Ed25519Verifier) Verify(identity string, message, signature []byte) error {
	pub, err := hex.DecodeString(identity)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: identity is not an ed25519 public key", ErrBadRequest)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), message, signature) {
		return ErrBadSignature
	}
	return nil
}

// Gate decides whether a verified identity may place cells. A nil Gate
// authorizes everyone.
type Gate interface {
	Authorized(ctx context.Context, identity string) (bool, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, identity string) (bool, error)

func (f GateFunc) Authorized(ctx context.Context, identity string) (bool, error) {
	return f(ctx, identity)
}

// ReplayChecker is the part of replay.Guard the handshake needs.
type ReplayChecker interface {
	CheckAndConsume(ctx context.Context, identity, nonce string, ts time.Time) error
}

// HandshakeRequest is the body of POST /api/auth/handshake.
type HandshakeRequest struct {
	Identity  string `json:"identity"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Signature string `json:"signature"` // base64 (std encoding)
}

// HandshakeResult is returned on success.
type HandshakeResult struct {
	Token      string    `json:"token"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Identity   string    `json:"identity"`
	Authorized bool      `json:"authorized"`
	Role       string    `json:"role"`
}

// HandshakeMessage is the exact byte string a client signs.
func HandshakeMessage(identity, nonce string, ts int64) []byte {
	return []byte("gridsync-handshake\n" + identity + "\n" + nonce + "\n" + strconv.FormatInt(ts, 10))
}

// Handshaker turns a signed one-time proof into a session token.
type Handshaker struct {
	verifier Verifier
	replay   ReplayChecker
	issuer   *Issuer
	gate     Gate
	admins   map[string]bool
	logger   *slog.Logger
}

type HandshakeOption func(*Handshaker)

// WithGate sets the access gate.
func WithGate(g Gate) HandshakeOption { return func(h *Handshaker) { h.gate = g } }

// WithAdmins grants the admin role to the listed identities.
func WithAdmins(ids ...string) HandshakeOption {
	return func(h *Handshaker) {
		for _, id := range ids {
			h.admins[id] = true
		}
	}
}

func WithHandshakeLogger(l *slog.Logger) HandshakeOption {
	return func(h *Handshaker) { h.logger = l }
}

func NewHandshaker(v Verifier, rc ReplayChecker, iss *Issuer, opts ...HandshakeOption) *Handshaker {
	h := &Handshaker{verifier: v, replay: rc, issuer: iss, admins: make(map[string]bool), logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Handshake verifies the signature, consumes the nonce, consults the gate
// and issues a token. The signature is checked before the nonce so a forged
// request cannot burn another identity's nonce.
func (h *Handshaker) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResult, error) {
	if req.Identity == "" || req.Nonce == "" || req.Timestamp == 0 || req.Signature == "" {
		return HandshakeResult{}, ErrBadRequest
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("%w: signature encoding", ErrBadRequest)
	}
	if err := h.verifier.Verify(req.Identity, HandshakeMessage(req.Identity, req.Nonce, req.Timestamp), sig); err != nil {
		return HandshakeResult{}, err
	}
	if err := h.replay.CheckAndConsume(ctx, req.Identity, req.Nonce, time.UnixMilli(req.Timestamp)); err != nil {
		h.logger.Info("handshake rejected", "identity", req.Identity, "reason", replay.Reason(err))
		return HandshakeResult{}, err
	}

	authorized := true
	if h.gate != nil {
		ok, err := h.gate.Authorized(ctx, req.Identity)
		if err != nil {
			return HandshakeResult{}, fmt.Errorf("%w: %v", ErrGateFailed, err)
		}
		authorized = ok
	}
	role := RoleUser
	if h.admins[req.Identity] {
		role = RoleAdmin
	}

	tok, exp, err := h.issuer.Issue(req.Identity, authorized, role)
	if err != nil {
		return HandshakeResult{}, err
	}
	return HandshakeResult{Token: tok, ExpiresAt: exp, Identity: req.Identity, Authorized: authorized, Role: role}, nil
}
