package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failure modes surfaced by SessionVerifier.
var (
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
)

// sessionClaims mirrors the payload minted by the account service.
type sessionClaims struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// SessionVerifier validates HMAC-signed session tokens and extracts the
// caller identity.
type SessionVerifier struct {
	signingKey []byte
	leeway     time.Duration
}

// NewSessionVerifier constructs a verifier for the given signing key.
func NewSessionVerifier(signingKey string) (*SessionVerifier, error) {
	key := strings.TrimSpace(signingKey)
	if key == "" {
		return nil, errors.New("auth: signing key is required")
	}
	return &SessionVerifier{signingKey: []byte(key), leeway: 30 * time.Second}, nil
}

// Verify parses and validates the token, returning the embedded identity.
func (v *SessionVerifier) Verify(tokenStr string) (*Identity, error) {
	if v == nil {
		return nil, ErrTokenInvalid
	}
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrTokenInvalid
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %q", token.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	uid := strings.TrimSpace(claims.Subject)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	return &Identity{
		UID:   uid,
		Email: strings.TrimSpace(claims.Email),
		Phone: strings.TrimSpace(claims.Phone),
	}, nil
}
