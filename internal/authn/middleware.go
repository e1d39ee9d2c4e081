package authn

import (
	"context"
	"net/http"
	"strings"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/rs/zerolog/log"
)

type contextKey string

const principalKey contextKey = "principal"

func withPrincipal(ctx context.Context, p *principal.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext retrieves the Principal a prior Middleware call placed in ctx.
func FromContext(ctx context.Context) (*principal.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*principal.Principal)
	return p, ok
}

// Middleware authenticates every request using Verifier, rejecting
// unauthenticated requests to non-public paths with the shared error
// envelope. publicPaths are matched by exact path or prefix ("/foo*").
func Middleware(v *Verifier, publicPaths []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublic(r.URL.Path, publicPaths) {
				next.ServeHTTP(w, r)
				return
			}

			token := ExtractToken(r)
			if token == "" {
				writeUnauthenticated(w, r, apperr.New(apperr.Unauthenticated, "missing bearer token").WithCode("missing_token"))
				return
			}

			p, err := v.Verify(r.Context(), token)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
				writeUnauthenticated(w, r, err)
				return
			}

			// A machine principal acting on a user's behalf must present
			// agent:read:any — the permission the catalog's "any owner" reads
			// already require — before the ownership pivot in
			// Principal.EffectiveOwnerID is allowed to take effect.
			if onBehalf := r.Header.Get("X-On-Behalf-Of"); onBehalf != "" &&
				p.Kind == principal.Machine && p.HasPermission("agent:read:any") {
				p.OnBehalfOf = onBehalf
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

// ExtractToken reads a bearer token from the Authorization header or, for
// clients that cannot set headers (WebSocket upgrades from a browser), the
// ?token= query parameter — both carry equivalent trust per the verifier
// contract.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			return strings.TrimSpace(auth[len("bearer "):])
		}
	}
	return r.URL.Query().Get("token")
}

func isPublic(path string, publicPaths []string) bool {
	for _, p := range publicPaths {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

func writeUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentflow"`)
	apperr.WriteJSONRequest(w, r, err)
}
