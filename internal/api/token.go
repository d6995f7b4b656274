package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/schemaforge/server/pkg/idwrap"
)

// defaultTokenTTL bounds how long a capability token stays usable. Drafts
// that outlive it need a fresh token minted by an operator.
const defaultTokenTTL = 30 * 24 * time.Hour

// IssueToken mints the capability token for a draft: an HS256 JWT whose
// subject is the draft ID. The token itself is returned once and never
// stored; the server keeps only its digest.
func IssueToken(secret []byte, draftID idwrap.IDWrap, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   draftID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("api: sign capability token: %w", err)
	}
	return token, nil
}

// VerifyToken checks signature and expiry and returns the draft ID the
// token is scoped to.
func VerifyToken(secret []byte, token string) (idwrap.IDWrap, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return idwrap.IDWrap{}, fmt.Errorf("api: verify capability token: %w", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return idwrap.IDWrap{}, fmt.Errorf("api: capability token carries no subject")
	}
	draftID, err := idwrap.NewText(claims.Subject)
	if err != nil {
		return idwrap.IDWrap{}, fmt.Errorf("api: capability token subject: %w", err)
	}
	return draftID, nil
}

// TokenDigest is what the drafts table stores in place of the token. A
// leaked database row cannot be turned back into a working token.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func digestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
