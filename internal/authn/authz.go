package authn

import (
	"net/http"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
)

// Require fetches the Principal from ctx and checks it carries perm,
// writing a 401/403 response and returning ok=false if not. Handlers call
// this first, before touching the store.
func Require(w http.ResponseWriter, r *http.Request, perm string) (*principal.Principal, bool) {
	p, ok := FromContext(r.Context())
	if !ok {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.Unauthenticated, "unauthenticated"))
		return nil, false
	}
	if perm != "" && !p.HasPermission(perm) {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.Forbidden, "missing permission "+perm))
		return nil, false
	}
	return p, true
}

// RequireAny is Require but succeeds for any authenticated principal (no
// specific permission check) — used for endpoints gated purely by
// ownership, decided per-resource by the handler.
func RequireAny(w http.ResponseWriter, r *http.Request) (*principal.Principal, bool) {
	return Require(w, r, "")
}
