package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TokenVerifier validates OIDC access tokens.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the OIDC token claims the API reads.
type Claims struct {
	UserID            string   `json:"sub"`
	Email             string   `json:"email,omitempty"`
	EmailVerified     bool     `json:"email_verified,omitempty"`
	Name              string   `json:"name,omitempty"`
	PreferredUsername string   `json:"preferred_username,omitempty"`
	Roles             []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier checks signatures against the issuer's published key set.
// Keys are refreshed in the background until Close.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	cancel   context.CancelFunc
}

const discoveryTimeout = 30 * time.Second

// NewJWKSVerifier discovers the issuer's jwks_uri and loads its keys. An
// empty audience disables the audience check.
func NewJWKSVerifier(issuer, audience string) (*JWKSVerifier, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	discoverCtx, cancelDiscover := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancelDiscover()

	jwksURL, err := discoverJWKSURL(discoverCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultCtx(refreshCtx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: audience,
		cancel:   cancel,
	}, nil
}

func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	discoveryURL := fmt.Sprintf("%s/.well-known/openid-configuration", issuer)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}

	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("failed to get audience: %w", err)
		}
		if !slices.Contains(aud, v.audience) {
			return nil, fmt.Errorf("invalid audience")
		}
	}

	return claims, nil
}

// Close stops the background key refresh.
func (v *JWKSVerifier) Close() error {
	v.cancel()
	return nil
}
