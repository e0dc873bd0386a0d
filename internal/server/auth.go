package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/omen-gateway/omen/internal/omentypes"
)

// Authenticator resolves a bearer token into a Principal. The actual
// mechanism (API key lookup, JWT verification) is treated as an
// external collaborator; the gateway only consumes the resolved object.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*omentypes.Principal, error)
}

// StaticKeyAuthenticator is the simplest Authenticator: a fixed table of
// bearer tokens to principals, loaded from config at startup. Suitable for
// single-operator or trusted-network deployments; a production deployment
// is expected to supply its own Authenticator backed by a real key store.
type StaticKeyAuthenticator struct {
	principals map[string]*omentypes.Principal
}

// NewStaticKeyAuthenticator builds an authenticator from a token ->
// Principal table.
func NewStaticKeyAuthenticator(principals map[string]*omentypes.Principal) *StaticKeyAuthenticator {
	return &StaticKeyAuthenticator{principals: principals}
}

func (a *StaticKeyAuthenticator) Authenticate(ctx context.Context, token string) (*omentypes.Principal, error) {
	p, ok := a.principals[token]
	if !ok {
		return nil, omentypes.NewError(omentypes.ErrUnauthenticated, "unknown api key")
	}
	return p, nil
}

type contextKey string

const principalContextKey contextKey = "principal"

// principalFromContext returns the Principal attached by authMiddleware.
func principalFromContext(ctx context.Context) *omentypes.Principal {
	p, _ := ctx.Value(principalContextKey).(*omentypes.Principal)
	return p
}

// authMiddleware validates the Authorization bearer token on every
// request and attaches the resolved Principal to the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, omentypes.NewError(omentypes.ErrUnauthenticated, "missing or malformed Authorization header"))
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")

		principal, err := s.auth.Authenticate(r.Context(), token)
		if err != nil {
			if oerr, ok := err.(*omentypes.Error); ok {
				writeError(w, oerr)
				return
			}
			writeError(w, omentypes.NewError(omentypes.ErrUnauthenticated, "authentication failed"))
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
