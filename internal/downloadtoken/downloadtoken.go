// Package downloadtoken mints and verifies short-lived JWT capability
// tokens scoped to a single upload id.
package downloadtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid covers malformed tokens, bad signatures, and wrong-shape
// claims.
var ErrInvalid = errors.New("token_invalid")

// ErrExpired covers tokens that parsed fine but are past their exp.
var ErrExpired = errors.New("token_expired")

// Claims is the JWT payload: just the scoped upload id plus the
// standard registered claims for exp/iat.
type Claims struct {
	UploadID string `json:"uploadId"`
	jwt.RegisteredClaims
}

// Signer mints and verifies download tokens with an HMAC secret.
type Signer struct {
	secret []byte
}

// NewSigner builds a signer. An empty secret still works (HMAC over an
// empty key) but operators should always set one in production.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Mint signs a token scoped to uploadID, valid for ttl.
func (s *Signer) Mint(uploadID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UploadID: uploadID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uploadID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("downloadtoken: sign: %w", err)
	}
	return signed, nil
}

// Verify parses tokenString and, if valid and unexpired, returns the
// upload id it is scoped to.
func (s *Signer) Verify(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpired
		}
		return "", ErrInvalid
	}
	if !token.Valid || claims.UploadID == "" {
		return "", ErrInvalid
	}
	return claims.UploadID, nil
}
