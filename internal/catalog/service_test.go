package catalog

import (
	"context"
	"net/http"
	"testing"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store double, used to test Service's ownership
// and versioning logic without a database.
type fakeStore struct {
	agents   map[string]*Agent
	versions map[string][]*AgentVersion // agentID -> versions in insertion order
	byID     map[string]*AgentVersion
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		agents:   map[string]*Agent{},
		versions: map[string][]*AgentVersion{},
		byID:     map[string]*AgentVersion{},
	}
}

func (f *fakeStore) CreateAgentWithVersion(ctx context.Context, a *Agent, v *AgentVersion) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusDraft
	}
	v.ID = uuid.NewString()
	v.AgentID = a.ID
	v.OwnerID = a.OwnerID
	v.VersionNumber = 1
	f.agents[a.ID] = a
	f.versions[a.ID] = []*AgentVersion{v}
	f.byID[v.ID] = v
	return nil
}

func (f *fakeStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent not found")
	}
	return a, nil
}

func (f *fakeStore) GetAgentByOwnerName(ctx context.Context, ownerID, name string) (*Agent, error) {
	for _, a := range f.agents {
		if a.OwnerID == ownerID && a.Name == name {
			return a, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "agent not found")
}

func (f *fakeStore) UpdateAgent(ctx context.Context, a *Agent) error {
	f.agents[a.ID] = a
	return nil
}

func (f *fakeStore) ListAgents(ctx context.Context, filter ListFilter) ([]Agent, error) {
	var out []Agent
	for _, a := range f.agents {
		if filter.OwnerID != "" && a.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeStore) InsertNextVersion(ctx context.Context, agentID string, v *AgentVersion) (*AgentVersion, error) {
	a, ok := f.agents[agentID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent not found")
	}
	if a.Status == StatusArchived {
		return nil, apperr.New(apperr.Conflict, "agent is archived")
	}
	existing := f.versions[agentID]
	v.ID = uuid.NewString()
	v.AgentID = agentID
	v.OwnerID = a.OwnerID
	v.VersionNumber = existing[len(existing)-1].VersionNumber + 1
	f.versions[agentID] = append(existing, v)
	f.byID[v.ID] = v
	return v, nil
}

func (f *fakeStore) GetLatestVersion(ctx context.Context, agentID string) (*AgentVersion, error) {
	vs := f.versions[agentID]
	if len(vs) == 0 {
		return nil, apperr.New(apperr.NotFound, "agent version not found")
	}
	return vs[len(vs)-1], nil
}

func (f *fakeStore) GetVersion(ctx context.Context, versionID string) (*AgentVersion, error) {
	v, ok := f.byID[versionID]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "agent version not found")
	}
	return v, nil
}

func userPrincipal(id string) *principal.Principal {
	return &principal.Principal{ID: id, Kind: principal.User, Permissions: map[string]struct{}{}}
}

func adminPrincipal(id string) *principal.Principal {
	return &principal.Principal{ID: id, Kind: principal.User, Roles: map[string]struct{}{"admin": {}}, Permissions: map[string]struct{}{}}
}

func TestCreateAgentStartsAtVersionOne(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")

	agent, version, err := svc.CreateAgent(context.Background(), owner, "assistant", "desc", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", agent.OwnerID)
	assert.Equal(t, StatusDraft, agent.Status)
	assert.Equal(t, 1, version.VersionNumber)
}

func TestUpdateAgentConfigIncrementsVersionMonotonically(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")

	agent, _, err := svc.CreateAgent(context.Background(), owner, "assistant", "", []byte(`{}`), nil)
	require.NoError(t, err)

	v2, err := svc.UpdateAgentConfig(context.Background(), owner, agent.ID, []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)

	v3, err := svc.UpdateAgentConfig(context.Background(), owner, agent.ID, []byte(`{"a":2}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.VersionNumber)
}

func TestUpdateAgentConfigRejectsNonOwner(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")
	intruder := userPrincipal("owner-2")

	agent, _, err := svc.CreateAgent(context.Background(), owner, "assistant", "", []byte(`{}`), nil)
	require.NoError(t, err)

	_, err = svc.UpdateAgentConfig(context.Background(), intruder, agent.ID, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestUpdateAgentConfigAllowedForAnyPermission(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")
	admin := adminPrincipal("admin-1")

	agent, _, err := svc.CreateAgent(context.Background(), owner, "assistant", "", []byte(`{}`), nil)
	require.NoError(t, err)

	v2, err := svc.UpdateAgentConfig(context.Background(), admin, agent.ID, []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.VersionNumber)
}

func TestArchiveAgentBlocksFurtherVersions(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")

	agent, _, err := svc.CreateAgent(context.Background(), owner, "assistant", "", []byte(`{}`), nil)
	require.NoError(t, err)

	_, err = svc.ArchiveAgent(context.Background(), owner, agent.ID)
	require.NoError(t, err)

	_, err = svc.UpdateAgentConfig(context.Background(), owner, agent.ID, []byte(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestGetAgentOwnerRejectsArchivedAgent(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")

	agent, _, err := svc.CreateAgent(context.Background(), owner, "assistant", "", []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = svc.ArchiveAgent(context.Background(), owner, agent.ID)
	require.NoError(t, err)

	_, err = svc.GetAgentOwner(context.Background(), agent.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestCreateAgentRejectsOversizedConfigWith413(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")

	oversized := make([]byte, MaxConfigBytes+1)
	_, _, err := svc.CreateAgent(context.Background(), owner, "assistant", "", oversized, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.PayloadTooLarge, apperr.KindOf(err))
	assert.Equal(t, http.StatusRequestEntityTooLarge, apperr.StatusCode(err))
}

func TestUpdateAgentConfigRejectsOversizedConfigWith413(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")

	agent, _, err := svc.CreateAgent(context.Background(), owner, "assistant", "", []byte(`{}`), nil)
	require.NoError(t, err)

	oversized := make([]byte, MaxConfigBytes+1)
	_, err = svc.UpdateAgentConfig(context.Background(), owner, agent.ID, oversized, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.PayloadTooLarge, apperr.KindOf(err))
	assert.Equal(t, http.StatusRequestEntityTooLarge, apperr.StatusCode(err))
}

func TestCheckVersionBelongsRejectsMismatch(t *testing.T) {
	svc := NewService(newFakeStore())
	owner := userPrincipal("owner-1")

	agentA, versionA, err := svc.CreateAgent(context.Background(), owner, "a", "", []byte(`{}`), nil)
	require.NoError(t, err)
	agentB, _, err := svc.CreateAgent(context.Background(), owner, "b", "", []byte(`{}`), nil)
	require.NoError(t, err)

	assert.NoError(t, svc.CheckVersionBelongs(context.Background(), agentA.ID, versionA.ID))
	assert.Error(t, svc.CheckVersionBelongs(context.Background(), agentB.ID, versionA.ID))
}
