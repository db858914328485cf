// Package auth issues and verifies the tokens the HTTP transport uses to
// establish caller identity: JWTs carrying (uid, package) claims, plus a
// bcrypt-hashed service token for the admin surface.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// CallerClaims is the verified identity a caller token carries into the blob
// core.
type CallerClaims struct {
	UID     int32  `json:"uid"`
	Package string `json:"package"`
	jwt.RegisteredClaims
}

// IssueCallerToken signs a caller identity token for (uid, package).
func IssueCallerToken(secret []byte, uid int32, pkg string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CallerClaims{
		UID:     uid,
		Package: pkg,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    "blobvault",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing caller token: %w", err)
	}
	return signed, nil
}

// ParseCallerToken verifies the token signature and expiry and returns the
// caller identity claims.
func ParseCallerToken(secret []byte, raw string) (*CallerClaims, error) {
	claims := &CallerClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parsing caller token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("caller token is not valid")
	}
	if claims.Package == "" {
		return nil, fmt.Errorf("caller token carries no package claim")
	}
	return claims, nil
}

// HashServiceToken produces the bcrypt hash stored in configuration for the
// admin service token.
func HashServiceToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing service token: %w", err)
	}
	return string(hash), nil
}

// VerifyServiceToken checks a presented token against the configured hash.
func VerifyServiceToken(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
