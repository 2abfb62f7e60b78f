package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Supported signing algorithms.
const (
	AlgorithmRS256 = "RS256"
	AlgorithmES256 = "ES256"
)

// DefaultLifetime is the validity window of an issued credential.
const DefaultLifetime = 60 * time.Minute

// Authentication errors. Every error returned by this package wraps ErrAuth.
var (
	ErrAuth                 = errors.New("auth error")
	ErrKeyRead              = fmt.Errorf("%w: cannot load signing key", ErrAuth)
	ErrUnsupportedAlgorithm = fmt.Errorf("%w: unsupported algorithm", ErrAuth)
	ErrInvalidToken         = fmt.Errorf("%w: invalid token", ErrAuth)
)

// Credential is a signed, time-bounded token.
type Credential struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	Token     string
}

// Expired reports whether the credential is no longer valid at now.
func (c *Credential) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Age returns how long ago the credential was issued.
func (c *Credential) Age(now time.Time) time.Duration {
	return now.Sub(c.IssuedAt)
}

// IssuerConfig holds configuration for credential issuing.
type IssuerConfig struct {
	// KeyFile is a PEM encoded RSA or EC private key.
	KeyFile string

	// Algorithm is "RS256" or "ES256".
	Algorithm string

	// Audience is written to the aud claim (the cloud project id).
	Audience string

	// Lifetime of each credential; DefaultLifetime when zero.
	Lifetime time.Duration
}

// Issuer creates credentials from a private key file.
type Issuer struct {
	config IssuerConfig
	method jwt.SigningMethod
	now    func() time.Time
}

// NewIssuer creates a new credential issuer. The key itself is read on every
// Issue call so a replaced key file is used for the next credential.
func NewIssuer(config IssuerConfig) (*Issuer, error) {
	method, err := signingMethod(config.Algorithm)
	if err != nil {
		return nil, err
	}
	if config.Lifetime <= 0 {
		config.Lifetime = DefaultLifetime
	}

	return &Issuer{
		config: config,
		method: method,
		now:    time.Now,
	}, nil
}

// Algorithm returns the configured signing algorithm.
func (i *Issuer) Algorithm() string {
	return i.config.Algorithm
}

// Issue reads the signing key and returns a fresh credential.
func (i *Issuer) Issue() (*Credential, error) {
	key, err := i.loadKey()
	if err != nil {
		return nil, err
	}

	issuedAt := i.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(i.config.Lifetime)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		Audience:  jwt.ClaimStrings{i.config.Audience},
	}

	token, err := jwt.NewWithClaims(i.method, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign token: %w", ErrKeyRead, err)
	}

	return &Credential{
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Token:     token,
	}, nil
}

// loadKey reads and parses the private key for the configured algorithm.
func (i *Issuer) loadKey() (interface{}, error) {
	pemData, err := os.ReadFile(i.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyRead, err)
	}

	switch i.config.Algorithm {
	case AlgorithmRS256:
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
		if err != nil {
			return nil, fmt.Errorf("%w: parse RSA key %s: %w", ErrKeyRead, i.config.KeyFile, err)
		}
		return key, nil
	case AlgorithmES256:
		key, err := jwt.ParseECPrivateKeyFromPEM(pemData)
		if err != nil {
			return nil, fmt.Errorf("%w: parse EC key %s: %w", ErrKeyRead, i.config.KeyFile, err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, i.config.Algorithm)
	}
}

// signingMethod maps an algorithm name to its jwt signing method.
func signingMethod(algorithm string) (jwt.SigningMethod, error) {
	switch algorithm {
	case AlgorithmRS256:
		return jwt.SigningMethodRS256, nil
	case AlgorithmES256:
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algorithm)
	}
}
