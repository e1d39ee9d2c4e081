package deployment

import (
	"context"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
)

// Engine is the public API for C4, called by REST handlers. It owns
// ownership checks and enqueue validation; the actual pipeline execution
// happens asynchronously in Worker goroutines that lease rows this Engine
// creates.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

type CreateDeploymentRequest struct {
	AgentID        string
	AgentVersionID string
	AgentOwnerID   string
	BuildStrategy  BuildStrategyKind
	DeployStrategy DeployStrategyKind
}

// CreateDeployment enqueues a new deployment in pending status. The handler
// resolves the agent's owner through catalog.Service.GetAgentOwner, which
// performs no ownership check of its own; this method enforces that the
// caller is the agent's owner or holds a blanket permission, mirroring catalog's ownership rule so the two
// components never disagree about who may deploy what.
func (e *Engine) CreateDeployment(ctx context.Context, p *principal.Principal, req CreateDeploymentRequest) (*Deployment, error) {
	if req.AgentOwnerID != p.EffectiveOwnerID() && !p.HasPermission("deployment:create:any") {
		return nil, apperr.New(apperr.Forbidden, "not the agent owner")
	}
	if req.BuildStrategy == "" {
		req.BuildStrategy = BuildHostedBuild
	}
	if req.DeployStrategy == "" {
		req.DeployStrategy = DeployServerless
	}

	d := &Deployment{
		OwnerID:        p.EffectiveOwnerID(),
		AgentID:        req.AgentID,
		AgentVersionID: req.AgentVersionID,
		BuildStrategy:  req.BuildStrategy,
		DeployStrategy: req.DeployStrategy,
	}
	if err := e.store.Create(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) GetDeployment(ctx context.Context, p *principal.Principal, id string) (*Deployment, error) {
	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.checkOwnership(p, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) ListDeployments(ctx context.Context, p *principal.Principal, status Status, page, perPage int) ([]Deployment, error) {
	f := ListFilter{Status: status, Page: page, PerPage: perPage}
	if !p.HasPermission("deployment:read:any") {
		f.OwnerID = p.EffectiveOwnerID()
	}
	return e.store.List(ctx, f)
}

// StopDeployment sets the stop flag and, for a deployment still in pending,
// transitions it straight to stopped without ever having been leased — a
// worker never sees it. For a deploying deployment the pipeline consults the
// flag at its inter-stage checks and build/deploy polls, then tears down and
// moves it to stopped. For a running deployment only the flag is set: Lease
// never selects running rows, so it stays running and its platform-side
// service is not torn down. This call never tears down external resources
// itself.
func (e *Engine) StopDeployment(ctx context.Context, p *principal.Principal, id string) (*Deployment, error) {
	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.checkOwnership(p, d); err != nil {
		return nil, err
	}
	if IsTerminal(d.Status) {
		return d, nil
	}
	if err := e.store.RequestStop(ctx, id); err != nil {
		return nil, err
	}
	if d.Status == StatusPending {
		return e.store.Transition(ctx, id, StatusPending, StatusStopped, "stopped before worker started", nil)
	}
	d.StopRequested = true
	return d, nil
}

// ResolveEndpoint returns the live endpoint URL for an agent's currently
// running deployment. Used by the Conversation Hub to reach the runtime for
// a conversation's bound agent; it is deliberately unauthenticated at this
// layer since it never returns anything the caller couldn't already read
// off the deployment status endpoint.
func (e *Engine) ResolveEndpoint(ctx context.Context, agentID string) (string, error) {
	d, err := e.store.GetRunningByAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if d.EndpointURL == nil {
		return "", apperr.New(apperr.PreconditionFailed, "running deployment has no endpoint")
	}
	return *d.EndpointURL, nil
}

func (e *Engine) checkOwnership(p *principal.Principal, d *Deployment) error {
	if d.OwnerID == p.EffectiveOwnerID() {
		return nil
	}
	if p.HasPermission("deployment:read:any") || p.HasPermission("deployment:create:any") {
		return nil
	}
	return apperr.New(apperr.Forbidden, "not the deployment owner")
}
