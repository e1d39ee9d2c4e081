package catalog

import (
	"context"
	"strings"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
)

// Service implements the Agent Catalog's ownership-scoped operations.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// CreateAgent atomically inserts the agent and its first version.
func (s *Service) CreateAgent(ctx context.Context, p *principal.Principal, name, description string, config []byte, tags []string) (*Agent, *AgentVersion, error) {
	if strings.TrimSpace(name) == "" {
		return nil, nil, apperr.New(apperr.InvalidInput, "name is required")
	}
	if len(config) > MaxConfigBytes {
		return nil, nil, apperr.New(apperr.PayloadTooLarge, "config exceeds maximum size").WithCode("payload_too_large")
	}

	agent := &Agent{OwnerID: p.EffectiveOwnerID(), Name: name, Description: description, Tags: tags}
	version := &AgentVersion{Config: config}
	if err := s.store.CreateAgentWithVersion(ctx, agent, version); err != nil {
		return nil, nil, err
	}
	return agent, version, nil
}

// UpdateAgentConfig inserts a new immutable version, failing forbidden if
// the caller does not own the agent and conflict if the agent is archived.
func (s *Service) UpdateAgentConfig(ctx context.Context, p *principal.Principal, agentID string, config []byte, changelog *string) (*AgentVersion, error) {
	if len(config) > MaxConfigBytes {
		return nil, apperr.New(apperr.PayloadTooLarge, "config exceeds maximum size").WithCode("payload_too_large")
	}
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(p, agent, "agent:write:any"); err != nil {
		return nil, err
	}

	v := &AgentVersion{Config: config, Changelog: changelog}
	return s.store.InsertNextVersion(ctx, agentID, v)
}

func (s *Service) GetAgent(ctx context.Context, p *principal.Principal, id string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(p, agent, "agent:read:any"); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Service) GetLatestVersion(ctx context.Context, p *principal.Principal, agentID string) (*AgentVersion, error) {
	if _, err := s.GetAgent(ctx, p, agentID); err != nil {
		return nil, err
	}
	return s.store.GetLatestVersion(ctx, agentID)
}

// GetVersionForDeployment is read by the Deployment Engine to validate that
// a version belongs to the given agent before enqueueing a deployment. It
// skips the ownership check — the deployment engine performs its own.
func (s *Service) GetVersionForDeployment(ctx context.Context, agentID, versionID string) (*AgentVersion, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.AgentID != agentID {
		return nil, apperr.New(apperr.InvalidInput, "version does not belong to agent")
	}
	return v, nil
}

// UpdateAgent lets an owner change name/description/tags, never status —
// that is ArchiveAgent's job.
func (s *Service) UpdateAgent(ctx context.Context, p *principal.Principal, id string, name, description *string, tags []string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(p, agent, "agent:write:any"); err != nil {
		return nil, err
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, apperr.New(apperr.InvalidInput, "name cannot be empty")
		}
		agent.Name = *name
	}
	if description != nil {
		agent.Description = *description
	}
	if tags != nil {
		agent.Tags = tags
	}
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

// ArchiveAgent sets status to archived; subsequent UpdateAgentConfig calls
// fail conflict. Does not cascade-stop deployments (§9 Open Questions).
func (s *Service) ArchiveAgent(ctx context.Context, p *principal.Principal, id string) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(p, agent, "agent:write:any"); err != nil {
		return nil, err
	}
	agent.Status = StatusArchived
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Service) ListAgents(ctx context.Context, p *principal.Principal, status AgentStatus, page, perPage int) ([]Agent, error) {
	f := ListFilter{Status: status, Page: page, PerPage: perPage}
	if !p.HasPermission("agent:read:any") {
		f.OwnerID = p.EffectiveOwnerID()
	}
	return s.store.ListAgents(ctx, f)
}

// GetAgentOwner and CheckVersionBelongs adapt Service to the deployment
// package's AgentResolver interface, letting the Deployment Engine validate
// a create-deployment request without importing catalog's own types.
func (s *Service) GetAgentOwner(ctx context.Context, agentID string) (string, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.Status == StatusArchived {
		return "", apperr.New(apperr.Conflict, "agent is archived")
	}
	return agent.OwnerID, nil
}

func (s *Service) CheckVersionBelongs(ctx context.Context, agentID, versionID string) error {
	_, err := s.GetVersionForDeployment(ctx, agentID, versionID)
	return err
}

// GetVersionConfig is the deployment.AgentVersionConfigLoader adapter used
// by the worker pool to materialize a build context. It performs no
// ownership check: by the time a deployment is leased, CreateDeployment
// already validated ownership once.
func (s *Service) GetVersionConfig(ctx context.Context, versionID string) ([]byte, error) {
	v, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return []byte(v.Config), nil
}

// checkOwnership enforces "agent.owner_id == principal.id unless the
// principal has anyPermission" — the ownership rule shared by every C3
// read/write, pivoting to OnBehalfOf for machine principals.
func (s *Service) checkOwnership(p *principal.Principal, agent *Agent, anyPermission string) error {
	if agent.OwnerID == p.EffectiveOwnerID() {
		return nil
	}
	if p.HasPermission(anyPermission) {
		return nil
	}
	return apperr.New(apperr.Forbidden, "not the agent owner")
}
