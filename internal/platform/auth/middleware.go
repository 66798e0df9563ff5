package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/stitchfield/orders-api/internal/platform/httpx"
)

const bearerPrefix = "Bearer "

// Authenticator wires the session verifier into chi middlewares.
type Authenticator struct {
	verifier *SessionVerifier
}

// NewAuthenticator constructs an Authenticator backed by verifier.
func NewAuthenticator(verifier *SessionVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// Require rejects requests without a valid session token.
func (a *Authenticator) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.authenticate(r)
			if err != nil {
				respondAuthError(r, w, err)
				return
			}
			if identity == nil {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// Optional attaches an identity when a valid token is present and lets
// anonymous requests through. A malformed token is still rejected.
func (a *Authenticator) Optional() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := a.authenticate(r)
			if err != nil {
				respondAuthError(r, w, err)
				return
			}
			if identity != nil {
				r = r.WithContext(WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate returns (nil, nil) when no credentials were supplied.
func (a *Authenticator) authenticate(r *http.Request) (*Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}
	if a == nil || a.verifier == nil {
		return nil, ErrTokenInvalid
	}
	return a.verifier.Verify(token)
}

// InternalOnly guards operational endpoints with a shared bearer secret.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "internal endpoint disabled", http.StatusForbidden))
				return
			}
			token := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "invalid internal credentials", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
}

func respondAuthError(r *http.Request, w http.ResponseWriter, err error) {
	code := "unauthenticated"
	message := "invalid session token"
	if err == ErrTokenExpired {
		code = "token_expired"
		message = "session token expired"
	}
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusUnauthorized))
}
