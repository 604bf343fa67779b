// Package auth resolves the user behind a WebSocket connection from the
// access token the REST layer issued.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	CookieName = "access_token"
	QueryParam = "token"
)

// User is the authenticated identity of a connection.
type User struct {
	ID       int64
	Username string
}

type claims struct {
	jwt.RegisteredClaims
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

func (v *Verifier) Verify(token string) (User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return User{}, ErrUnauthenticated
	}

	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if parsed.UserID == 0 || strings.TrimSpace(parsed.Username) == "" {
		return User{}, fmt.Errorf("%w: token has no user", ErrUnauthenticated)
	}
	return User{ID: parsed.UserID, Username: parsed.Username}, nil
}

// Authenticate reads the token from the access_token cookie, falling back
// to the token query parameter browsers use for WebSocket URLs.
func (v *Verifier) Authenticate(r *http.Request) (User, error) {
	if c, err := r.Cookie(CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return v.Verify(c.Value)
	}
	return v.Verify(r.URL.Query().Get(QueryParam))
}

// Issue signs a token for u. Real tokens come from the REST layer; this is
// for local development and tests.
func Issue(secret string, u User, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(u.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   u.ID,
		Username: u.Username,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
