package deployment

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/authn"
	"github.com/go-chi/chi/v5"
)

// AgentResolver is the narrow slice of catalog.Service handlers need to
// validate a deployment request's agent/version pair without importing
// catalog's ownership internals — the same function-shaped dependency
// pattern the worker uses for config loading.
type AgentResolver interface {
	GetAgentOwner(ctx context.Context, agentID string) (ownerID string, err error)
	CheckVersionBelongs(ctx context.Context, agentID, versionID string) error
}

type Handlers struct {
	engine *Engine
	agents AgentResolver
}

func NewHandlers(engine *Engine, agents AgentResolver) *Handlers {
	return &Handlers{engine: engine, agents: agents}
}

func (h *Handlers) Mount(r chi.Router) {
	r.Route("/deployments", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Delete("/{id}", h.stop)
	})
}

type createDeploymentRequest struct {
	AgentID        string             `json:"agent_id"`
	AgentVersionID string             `json:"agent_version_id"`
	BuildStrategy  BuildStrategyKind  `json:"build_strategy"`
	DeployStrategy DeployStrategyKind `json:"deploy_strategy"`
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.Require(w, r, "deployment:create")
	if !ok {
		return
	}
	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	if req.AgentID == "" || req.AgentVersionID == "" {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "agent_id and agent_version_id are required"))
		return
	}

	ownerID, err := h.agents.GetAgentOwner(r.Context(), req.AgentID)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	if err := h.agents.CheckVersionBelongs(r.Context(), req.AgentID, req.AgentVersionID); err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}

	d, err := h.engine.CreateDeployment(r.Context(), p, CreateDeploymentRequest{
		AgentID:        req.AgentID,
		AgentVersionID: req.AgentVersionID,
		AgentOwnerID:   ownerID,
		BuildStrategy:  req.BuildStrategy,
		DeployStrategy: req.DeployStrategy,
	})
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	d, err := h.engine.GetDeployment(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	status := Status(r.URL.Query().Get("status"))

	list, err := h.engine.ListDeployments(r.Context(), p, status, page, perPage)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) stop(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	d, err := h.engine.StopDeployment(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
