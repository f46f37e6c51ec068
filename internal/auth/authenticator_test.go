package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestBearerToken(t *testing.T) {
	_, err := BearerToken("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = BearerToken("Basic abc")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = BearerToken("Bearer")
	assert.ErrorIs(t, err, ErrMalformedToken)

	tok, err := BearerToken("bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", tok)
}

func TestAuthenticator_LegacyToken(t *testing.T) {
	a := NewAuthenticator(nil, testSecret)

	tok, err := IssueLegacyToken(testSecret, "user-1", "u@example.com", time.Hour)
	require.NoError(t, err)

	id, err := a.Authenticate("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "u@example.com", id.Email)
}

func TestAuthenticator_RejectsBadTokens(t *testing.T) {
	a := NewAuthenticator(nil, testSecret)

	other, err := IssueLegacyToken("other-secret", "user-1", "", time.Hour)
	require.NoError(t, err)
	_, err = a.Authenticate("Bearer " + other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	claims := LegacyClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	stale, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = a.Authenticate("Bearer " + stale)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Authenticate("Bearer garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_NotConfigured(t *testing.T) {
	a := NewAuthenticator(nil, "")
	assert.False(t, a.Configured())

	_, err := a.Authenticate("Bearer abc")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestIssueLegacyToken_RequiresSecret(t *testing.T) {
	_, err := IssueLegacyToken("", "user-1", "", time.Hour)
	assert.Error(t, err)
}

type stubVerifier struct {
	claims *Claims
	err    error
}

func (s *stubVerifier) Validate(string) (*Claims, error) { return s.claims, s.err }
func (s *stubVerifier) Close() error                     { return nil }

func TestAuthenticator_PrefersVerifierThenFallsBack(t *testing.T) {
	v := &stubVerifier{claims: &Claims{UserID: "oidc-user", Name: "Pat"}}
	a := NewAuthenticator(v, testSecret)

	id, err := a.Authenticate("Bearer whatever")
	require.NoError(t, err)
	assert.Equal(t, "oidc-user", id.UserID)
	assert.Equal(t, "Pat", id.Name)

	v.claims, v.err = nil, assert.AnError
	tok, err := IssueLegacyToken(testSecret, "legacy-user", "", time.Hour)
	require.NoError(t, err)
	id, err = a.Authenticate("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "legacy-user", id.UserID)

	// no fallback without a secret
	_, err = NewAuthenticator(v, "").Authenticate("Bearer " + tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func newOIDCServer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"issuer": srv.URL, "jwks_uri": srv.URL + "/keys"})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"use": "sig",
			"alg": "RS256",
			"n":   b64(key.PublicKey.N.Bytes()),
			"e":   b64(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := newOIDCServer(t, key)

	v, err := NewJWKSVerifier(srv.URL, "studio")
	require.NoError(t, err)
	defer v.Close()

	valid := signRS256(t, key, Claims{
		UserID: "user-9",
		Email:  "nine@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    srv.URL,
			Audience:  jwt.ClaimStrings{"studio"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	claims, err := v.Validate(valid)
	require.NoError(t, err)
	assert.Equal(t, "user-9", claims.UserID)

	wrongAud := signRS256(t, key, Claims{
		UserID: "user-9",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    srv.URL,
			Audience:  jwt.ClaimStrings{"someone-else"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	_, err = v.Validate(wrongAud)
	assert.Error(t, err)

	noExpiry := signRS256(t, key, Claims{
		UserID:           "user-9",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: srv.URL},
	})
	_, err = v.Validate(noExpiry)
	assert.Error(t, err)
}

func TestNewJWKSVerifier_RequiresIssuer(t *testing.T) {
	_, err := NewJWKSVerifier("", "")
	assert.Error(t, err)
}
