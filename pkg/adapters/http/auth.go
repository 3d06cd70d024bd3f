package http

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Claims are the JWT claims accepted by the relay.
// An empty Document grants access to every document.
type Claims struct {
	Document string `json:"doc,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies HS256 tokens for the relay.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator using secret as the HMAC key.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret, now: time.Now}
}

// Issue signs a token for subject, valid for ttl, restricted to key unless key is zero.
// Every token carries a unique, time-ordered ID in its jti claim.
func (a *Authenticator) Issue(subject string, key domain.DocumentKey, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if !key.IsZero() {
		claims.Document = key.String()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks token for access to key. On failure it returns the connection error code to
// close the socket with.
func (a *Authenticator) Verify(token string, key domain.DocumentKey) (*Claims, syncerror.Code) {
	if token == "" {
		return nil, syncerror.CodeAuthenticationFailed
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, syncerror.CodeConnectionExpired
	case err != nil:
		return nil, syncerror.CodeAuthenticationFailed
	}

	if claims.Document != "" && claims.Document != key.String() {
		return nil, syncerror.CodeAuthenticationFailed
	}
	return claims, ""
}

// tokenFromRequest reads the token from the "token" query parameter or a Bearer header.
// Browsers cannot set headers on WebSocket handshakes, hence the query parameter.
func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
