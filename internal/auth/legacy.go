package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const legacyIssuer = "hottake-studio"

// LegacyClaims are HMAC-signed tokens issued with the shared JWT secret,
// used in development and by the CLIs.
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// IssueLegacyToken signs a token for userID. A zero ttl issues a token
// without expiry.
func IssueLegacyToken(secret, userID, email string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", jwt.ErrInvalidKey
	}

	now := time.Now()
	claims := LegacyClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   legacyIssuer,
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
