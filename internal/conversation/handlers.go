package conversation

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/authn"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Handlers exposes C5's REST surface at /api/v1/conversations and the
// WebSocket upgrade at /ws/conversations/{id}, mounted separately by the
// top-level router since the WS route sits outside the /api/v1 prefix.
type Handlers struct {
	svc *Service
}

func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

func (h *Handlers) MountREST(r chi.Router) {
	r.Route("/conversations", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Post("/{id}/messages", h.postMessage)
		r.Get("/{id}/messages", h.listMessages)
	})
}

func (h *Handlers) MountWS(r chi.Router) {
	r.Get("/ws/conversations/{id}", h.serveWS)
}

type createConversationRequest struct {
	AgentID string `json:"agent_id"`
	Title   string `json:"title"`
}

func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	if req.AgentID == "" {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "agent_id is required"))
		return
	}
	c, err := h.svc.CreateConversation(r.Context(), p, req.AgentID, req.Title)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetConversation(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	list, err := h.svc.ListConversations(r.Context(), p, page, perPage)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteJSONRequest(w, r, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}
	m, err := h.svc.PostMessage(r.Context(), p, chi.URLParam(r, "id"), req.Content)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	list, err := h.svc.ListMessages(r.Context(), p, chi.URLParam(r, "id"), page, perPage)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// serveWS upgrades the connection, subscribes it to the conversation's
// broadcast room, and pumps Frames out until the client disconnects.
// Authentication has already run via the shared authn.Middleware — the
// bearer arrives either as a header or the ?token= query parameter
// (authn.ExtractToken), the latter being how browser WS clients authenticate.
func (h *Handlers) serveWS(w http.ResponseWriter, r *http.Request) {
	p, ok := authn.RequireAny(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")

	subscriberID := uuid.NewString()
	sub, err := h.svc.Subscribe(r.Context(), p, conversationID, subscriberID)
	if err != nil {
		apperr.WriteJSONRequest(w, r, err)
		return
	}
	defer h.svc.Unsubscribe(conversationID, subscriberID)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "request context done")
			return
		case <-sub.Closed():
			conn.Close(websocket.StatusPolicyViolation, "subscriber evicted: slow consumer")
			return
		case frame := <-sub.Frames():
			if err := conn.Write(ctx, websocket.MessageText, frame.marshal()); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
