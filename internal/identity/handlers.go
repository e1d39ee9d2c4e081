package identity

import (
	"encoding/json"
	"net/http"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/authn"
	"github.com/go-chi/chi/v5"
)

// Handlers exposes the identity store's REST surface. Wired at
// /api/v1/auth and /api/v1/admin by the top-level router.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func (h *Handlers) Mount(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/users/register", h.register)
		r.Post("/users/login", h.login)
		r.Get("/users/me", h.me)
		r.Patch("/users/me", h.updateMe)
		r.Post("/token", h.mintToken)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/clients", h.createClient)
		r.Delete("/clients/{id}", h.revokeClient)
		r.Post("/clients/{id}/roles", h.assignClientRole)
		r.Post("/roles", h.createRole)
		r.Get("/roles", h.listRoles)
		r.Delete("/roles/{id}", h.deleteRole)
		r.Post("/permissions", h.createPermission)
		r.Post("/roles/{id}/permissions", h.attachPermission)
	})
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	profile, err := h.svc.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	tokens, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.Require(w, r, "")
	if !ok {
		return
	}
	profile, err := h.svc.GetProfile(r.Context(), p.ID)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handlers) updateMe(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.Require(w, r, "")
	if !ok {
		return
	}
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	profile, err := h.svc.UpdateProfile(r.Context(), p.ID, req.DisplayName)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h *Handlers) mintToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed form body"))
		return
	}
	if r.FormValue("grant_type") != "client_credentials" {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "unsupported grant_type"))
		return
	}
	clientID := r.FormValue("client_id")
	clientSecret := r.FormValue("client_secret")

	token, expiresIn, err := h.svc.MintMachineToken(r.Context(), clientID, clientSecret)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   expiresIn,
	})
}

func (h *Handlers) createRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	role, err := h.svc.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (h *Handlers) listRoles(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	roles, err := h.svc.ListRoles(r.Context())
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (h *Handlers) deleteRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	if err := h.svc.DeleteRole(r.Context(), chi.URLParam(r, "id")); err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createPermission(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	perm, err := h.svc.CreatePermission(r.Context(), req.Name)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (h *Handlers) attachPermission(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	var req struct {
		PermissionID string `json:"permission_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	if err := h.svc.AttachPermission(r.Context(), chi.URLParam(r, "id"), req.PermissionID); err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createClient(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	var req struct {
		Name  string   `json:"name"`
		Roles []string `json:"roles"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	clientID, secret, err := h.svc.CreateMachineClient(r.Context(), req.Name, req.Roles)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"client_id":     clientID,
		"client_secret": secret,
	})
}

func (h *Handlers) assignClientRole(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	if err := h.svc.AssignClientRole(r.Context(), chi.URLParam(r, "id"), req.Role); err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) revokeClient(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.Require(w, r, "admin:manage_platform"); !ok {
		return
	}
	if err := h.svc.RevokeClient(r.Context(), chi.URLParam(r, "id")); err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
