package relay

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/umlhive/umlsync/collab"
)

// Authenticator verifies the bearer token presented on connection upgrade.
// The relay never issues tokens; the application backend signs them with
// the shared secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns nil when no secret is configured, which disables
// upgrade authentication.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

type sessionClaims struct {
	Nickname string `json:"nickname"`
	jwt.RegisteredClaims
}

// Verify parses and validates an HS256 token and extracts the session
// identity. The subject claim is the session ID.
func (a *Authenticator) Verify(token string) (collab.Identity, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return collab.Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return collab.Identity{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return collab.Identity{}, fmt.Errorf("token missing subject")
	}

	nickname := claims.Nickname
	if nickname == "" {
		nickname = claims.Subject
	}
	return collab.Identity{SessionID: claims.Subject, Nickname: nickname}, nil
}
