package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const StreamTokenType = "stream"

var ErrInvalidToken = errors.New("invalid stream token")

// StreamClaims bind a token to a server-side session record. A token is only
// as good as the session it names; callers must still look the session up.
type StreamClaims struct {
	SessionID string `json:"sid"`
	TokenType string `json:"type"`
	jwt.RegisteredClaims
}

func GenerateStreamToken(secret, sessionID string, issuedAt time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("sign stream token: empty secret")
	}
	claims := &StreamClaims{
		SessionID: sessionID,
		TokenType: StreamTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign stream token: %w", err)
	}
	return signed, nil
}

// ValidateStreamToken verifies signature, expiry (against now) and token type.
func ValidateStreamToken(secret, tokenStr string, now func() time.Time) (*StreamClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &StreamClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*StreamClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != StreamTokenType || claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
