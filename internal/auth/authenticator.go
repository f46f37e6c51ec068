package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken   = errors.New("missing authorization header")
	ErrMalformedToken = errors.New("invalid authorization header format")
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrNotConfigured  = errors.New("authentication not configured")
)

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Authenticator tries the OIDC verifier first and falls back to legacy
// HMAC tokens when a secret is set. Either may be absent.
type Authenticator struct {
	verifier TokenVerifier
	secret   string
}

func NewAuthenticator(verifier TokenVerifier, legacySecret string) *Authenticator {
	return &Authenticator{verifier: verifier, secret: legacySecret}
}

func (a *Authenticator) Configured() bool {
	return a.verifier != nil || a.secret != ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", ErrMalformedToken
	}
	return parts[1], nil
}

// Authenticate resolves the Authorization header to an identity.
func (a *Authenticator) Authenticate(header string) (*Identity, error) {
	token, err := BearerToken(header)
	if err != nil {
		return nil, err
	}
	if !a.Configured() {
		return nil, ErrNotConfigured
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(token)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name}, nil
		}
		if a.secret == "" {
			return nil, ErrInvalidToken
		}
	}

	claims, err := ValidateLegacyToken(token, a.secret)
	if err != nil || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
}
