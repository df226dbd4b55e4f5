// Package identity resolves who the local user is from a signed token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken      = errors.New("no identity token")
	ErrInvalidToken = errors.New("invalid identity token")
)

// Provider returns the local user's identity.
type Provider interface {
	Identity(ctx context.Context) (domain.Identity, error)
}

// Claims is the token payload.
type Claims struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Parse validates an HMAC signed token and returns its identity.
func Parse(tokenString, secret string) (domain.Identity, error) {
	if tokenString == "" {
		return domain.Identity{}, ErrNoToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return domain.Identity{}, ErrInvalidToken
	}
	return domain.Identity{Subject: claims.Subject, DisplayName: claims.Name, Email: claims.Email}, nil
}

// Issue signs a token for id. The relay and tests use it.
func Issue(id domain.Identity, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:  id.DisplayName,
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenProvider reads identity from a configured token.
type TokenProvider struct {
	Token  string
	Secret string
}

func (p TokenProvider) Identity(context.Context) (domain.Identity, error) {
	return Parse(p.Token, p.Secret)
}

// Static always returns the same identity.
type Static domain.Identity

func (s Static) Identity(context.Context) (domain.Identity, error) {
	return domain.Identity(s), nil
}
