package auth

import (
	"crypto"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the parsed credential claims.
type Claims struct {
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// PublicKey loads the signing key and returns its public half.
func (i *Issuer) PublicKey() (crypto.PublicKey, error) {
	key, err := i.loadKey()
	if err != nil {
		return nil, err
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key %s cannot sign", ErrKeyRead, i.config.KeyFile)
	}
	return signer.Public(), nil
}

// Verify parses a credential token, checks its signature against publicKey and
// validates exp, iat and aud.
func Verify(tokenString string, publicKey crypto.PublicKey, audience string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: token cannot be empty", ErrInvalidToken)
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(token *jwt.Token) (interface{}, error) {
			return publicKey, nil
		},
		jwt.WithValidMethods([]string{AlgorithmRS256, AlgorithmES256}),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	registered, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	if len(registered.Audience) > 0 {
		claims.Audience = registered.Audience[0]
	}
	if registered.IssuedAt != nil {
		claims.IssuedAt = registered.IssuedAt.Time
	}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time
	}

	return claims, nil
}
