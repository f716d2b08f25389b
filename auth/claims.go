package auth

import "github.com/golang-jwt/jwt/v5"

// Roles carried in tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Claims is the session token payload. The identity travels in the standard
// subject claim.
type Claims struct {
	jwt.RegisteredClaims
	Authorized bool   `json:"authorized"`
	Role       string `json:"role"`
}

// Identity returns the subject.
func (c *Claims) Identity() string { return c.Subject }

// IsAdmin reports whether the token carries the admin role.
func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }
