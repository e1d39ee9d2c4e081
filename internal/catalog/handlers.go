package catalog

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/authn"
	"github.com/go-chi/chi/v5"
)

// Handlers exposes the Agent Catalog's REST surface, mounted at
// /api/v1/agents by the top-level router.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func (h *Handlers) Mount(r chi.Router) {
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", h.createAgent)
		r.Get("/", h.listAgents)
		r.Get("/{id}", h.getAgent)
		r.Patch("/{id}", h.updateAgent)
		r.Post("/{id}/archive", h.archiveAgent)
		r.Post("/{id}/versions", h.createVersion)
		r.Get("/{id}/versions/latest", h.getLatestVersion)
	})
}

type createAgentRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"`
	Tags        []string        `json:"tags"`
}

func (h *Handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.Require(w, r, "agent:create")
	if !ok {
		return
	}
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	agent, version, err := h.svc.CreateAgent(r.Context(), p, req.Name, req.Description, req.Config, req.Tags)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"agent": agent, "version": version})
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	agent, err := h.svc.GetAgent(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type updateAgentRequest struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
}

func (h *Handlers) updateAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	agent, err := h.svc.UpdateAgent(r.Context(), p, chi.URLParam(r, "id"), req.Name, req.Description, req.Tags)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handlers) archiveAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	agent, err := h.svc.ArchiveAgent(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type createVersionRequest struct {
	Config    json.RawMessage `json:"config"`
	Changelog *string         `json:"changelog"`
}

func (h *Handlers) createVersion(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	var req createVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	version, err := h.svc.UpdateAgentConfig(r.Context(), p, chi.URLParam(r, "id"), req.Config, req.Changelog)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (h *Handlers) getLatestVersion(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	version, err := h.svc.GetLatestVersion(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (h *Handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	status := AgentStatus(r.URL.Query().Get("status"))

	agents, err := h.svc.ListAgents(r.Context(), p, status, page, perPage)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
