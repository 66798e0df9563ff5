package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningKey = "test-signing-key"

func mintToken(t *testing.T, uid, email string, expiresIn time.Duration) string {
	t.Helper()
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	verifier, err := NewSessionVerifier(testSigningKey)
	if err != nil {
		t.Fatalf("NewSessionVerifier: %v", err)
	}
	return NewAuthenticator(verifier)
}

func TestRequireAcceptsValidToken(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	var seen *Identity
	handler := authenticator.Require()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "cust-1", "jo@example.com", time.Hour))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if seen == nil || seen.UID != "cust-1" || seen.Email != "jo@example.com" {
		t.Fatalf("unexpected identity: %+v", seen)
	}
}

func TestRequireRejectsMissingToken(t *testing.T) {
	authenticator := newTestAuthenticator(t)
	handler := authenticator.Require()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireRejectsExpiredToken(t *testing.T) {
	authenticator := newTestAuthenticator(t)
	handler := authenticator.Require()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, "cust-1", "jo@example.com", -2*time.Minute))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOptionalAllowsAnonymous(t *testing.T) {
	authenticator := newTestAuthenticator(t)

	var sawIdentity bool
	handler := authenticator.Optional()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawIdentity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if sawIdentity {
		t.Fatal("anonymous request must not carry an identity")
	}
}

func TestOptionalRejectsMalformedToken(t *testing.T) {
	authenticator := newTestAuthenticator(t)
	handler := authenticator.Optional()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInternalOnly(t *testing.T) {
	handler := InternalOnly("tick-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/progression:tick", nil)
	req.Header.Set("Authorization", "Bearer tick-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with valid secret, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/progression:tick", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong secret, got %d", rec.Code)
	}

	disabled := InternalOnly("")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run when disabled")
	}))
	req = httptest.NewRequest(http.MethodPost, "/internal/progression:tick", nil)
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when disabled, got %d", rec.Code)
	}
}
