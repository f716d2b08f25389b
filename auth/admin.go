package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// AdminIdentity is the subject of tokens issued by password login.
const AdminIdentity = "admin"

var ErrBadCredentials = errors.New("auth: bad credentials")

// HashPassword returns a bcrypt hash suitable for the admin_password_hash
// setting.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(h), nil
}

// AdminLogin checks password against the configured bcrypt hash and issues
// an admin token. An empty hash disables password login.
func AdminLogin(iss *Issuer, hash, password string) (HandshakeResult, error) {
	if hash == "" || password == "" {
		return HandshakeResult{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return HandshakeResult{}, ErrBadCredentials
	}
	tok, exp, err := iss.Issue(AdminIdentity, true, RoleAdmin)
	if err != nil {
		return HandshakeResult{}, err
	}
	return HandshakeResult{Token: tok, ExpiresAt: exp, Identity: AdminIdentity, Authorized: true, Role: RoleAdmin}, nil
}
