// Package auth verifies the signed session token a browser presents on the upgrade request.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload issued by the login service
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTAuthenticator reads an HMAC signed token from a cookie, falling back to
// an Authorization: Bearer header.
type JWTAuthenticator struct {
	secret     []byte
	cookieName string
}

// NewJWTAuthenticator creates an authenticator
func NewJWTAuthenticator(secret, cookieName string) *JWTAuthenticator {
	if cookieName == "" {
		cookieName = "token"
	}
	return &JWTAuthenticator{
		secret:     []byte(secret),
		cookieName: cookieName,
	}
}

// Authenticate implements domain.Authenticator
func (a *JWTAuthenticator) Authenticate(_ context.Context, header http.Header) (domain.Identity, error) {
	raw := a.extract(header)
	if raw == "" {
		return domain.Identity{}, domain.ErrAuthFailure.WithDetails("no token")
	}
	return a.Verify(raw)
}

// Verify parses and validates a raw token
func (a *JWTAuthenticator) Verify(raw string) (domain.Identity, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(errors.ErrorTypeAuth, "UNEXPECTED_SIGNING_METHOD", "unexpected signing method").
				WithDetails(fmt.Sprint(token.Header["alg"]))
		}
		return a.secret, nil
	})
	if err != nil {
		return domain.Identity{}, errors.Wrap(err, errors.ErrorTypeAuth, domain.ErrAuthFailure.Code, domain.ErrAuthFailure.Message)
	}

	identity := domain.Identity{UserID: claims.UserID, Username: claims.Username}
	if identity.IsZero() {
		return domain.Identity{}, domain.ErrAuthFailure.WithDetails("token carries no userId")
	}
	return identity, nil
}

// Sign issues a token for identity. A zero ttl issues a token without expiry.
func (a *JWTAuthenticator) Sign(identity domain.Identity, ttl time.Duration) (string, error) {
	return Sign(a.secret, identity, ttl)
}

// Sign issues an HS256 token for identity
func Sign(secret []byte, identity domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   identity.UserID,
		Username: identity.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "TOKEN_SIGN", "failed to sign token")
	}
	return token, nil
}

func (a *JWTAuthenticator) extract(header http.Header) string {
	req := http.Request{Header: header}
	if c, err := req.Cookie(a.cookieName); err == nil && c.Value != "" {
		return c.Value
	}

	auth := header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
