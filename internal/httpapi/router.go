package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentflow/control-plane/internal/authn"
	"github.com/agentflow/control-plane/internal/catalog"
	"github.com/agentflow/control-plane/internal/config"
	"github.com/agentflow/control-plane/internal/conversation"
	"github.com/agentflow/control-plane/internal/dbstore"
	"github.com/agentflow/control-plane/internal/deployment"
	"github.com/agentflow/control-plane/internal/identity"
)

// publicPaths bypasses authn.Middleware for endpoints a caller must be able
// to reach before it has a token: health checks, registration, login, and
// the client-credentials token endpoint. The WS route authenticates via
// ?token= like every other endpoint — it is not public.
var publicPaths = []string{
	"/health/liveness",
	"/health/readiness",
	"/api/v1/auth/users/register",
	"/api/v1/auth/users/login",
	"/api/v1/auth/token",
}

// Deps is everything the router needs to mount every component's handlers.
// Built once at startup by cmd/server and passed here so this package never
// constructs a service itself — it only wires HTTP onto services main.go
// already assembled.
type Deps struct {
	Config        *config.Config
	Pool          *pgxpool.Pool
	Verifier      *authn.Verifier
	Identity      *identity.Handlers
	Catalog       *catalog.Handlers
	Deployment    *deployment.Handlers
	Conversation  *conversation.Handlers
	BootstrapDone func() bool
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)
	r.Use(tracing)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", "X-On-Behalf-Of"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(authn.Middleware(d.Verifier, publicPaths))

	r.Get("/health/liveness", livenessHandler)
	r.Get("/health/readiness", readinessHandler(d.Pool, d.BootstrapDone))

	r.Route("/api/v1", func(r chi.Router) {
		d.Identity.Mount(r)
		d.Catalog.Mount(r)
		d.Deployment.Mount(r)
		d.Conversation.MountREST(r)
	})

	// The WebSocket upgrade lives outside /api/v1 per §6.
	d.Conversation.MountWS(r)

	return r
}

func livenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func readinessHandler(pool *pgxpool.Pool, bootstrapDone func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := dbstore.Ready(ctx, pool); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unreachable"})
			return
		}
		if bootstrapDone != nil && !bootstrapDone() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "bootstrap incomplete"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
