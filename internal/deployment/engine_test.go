package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store double covering the subset of behavior
// Engine exercises: no leasing/locking semantics, since those live only in
// the pgx store, which no test in this package exercises.
type fakeStore struct {
	byID map[string]*Deployment
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*Deployment{}}
}

func (f *fakeStore) Create(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	f.byID[d.ID] = d
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (*Deployment, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "deployment not found")
	}
	return d, nil
}

func (f *fakeStore) List(ctx context.Context, filter ListFilter) ([]Deployment, error) {
	var out []Deployment
	for _, d := range f.byID {
		if filter.OwnerID != "" && d.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) GetRunningByAgent(ctx context.Context, agentID string) (*Deployment, error) {
	for _, d := range f.byID {
		if d.AgentID == agentID && d.Status == StatusRunning {
			return d, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "no running deployment")
}

func (f *fakeStore) Lease(ctx context.Context, workerID string, leaseDuration time.Duration, n int) ([]Deployment, error) {
	return nil, nil
}

func (f *fakeStore) RenewLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) error {
	return nil
}

func (f *fakeStore) Transition(ctx context.Context, id string, from, to Status, detail string, mutate func(d *Deployment)) (*Deployment, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "deployment not found")
	}
	if d.Status != from || !CanTransition(from, to) {
		return nil, apperr.New(apperr.Conflict, "illegal transition")
	}
	d.Status = to
	if mutate != nil {
		mutate(d)
	}
	return d, nil
}

func (f *fakeStore) RequestStop(ctx context.Context, id string) error {
	d, ok := f.byID[id]
	if !ok {
		return apperr.New(apperr.NotFound, "deployment not found")
	}
	d.StopRequested = true
	return nil
}

func (f *fakeStore) IsStopRequested(ctx context.Context, id string) (bool, error) {
	d, ok := f.byID[id]
	if !ok {
		return false, apperr.New(apperr.NotFound, "deployment not found")
	}
	return d.StopRequested, nil
}

func (f *fakeStore) SaveMetadata(ctx context.Context, id string, m Metadata) error {
	d, ok := f.byID[id]
	if !ok {
		return apperr.New(apperr.NotFound, "deployment not found")
	}
	d.Metadata = m
	return nil
}

func userPrincipal(id string) *principal.Principal {
	return &principal.Principal{ID: id, Kind: principal.User, Permissions: map[string]struct{}{}}
}

func TestCreateDeploymentRejectsNonOwner(t *testing.T) {
	e := NewEngine(newFakeStore())
	caller := userPrincipal("user-1")

	_, err := e.CreateDeployment(context.Background(), caller, CreateDeploymentRequest{
		AgentID:      "agent-1",
		AgentOwnerID: "user-2",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestCreateDeploymentDefaultsStrategies(t *testing.T) {
	e := NewEngine(newFakeStore())
	caller := userPrincipal("user-1")

	d, err := e.CreateDeployment(context.Background(), caller, CreateDeploymentRequest{
		AgentID:      "agent-1",
		AgentOwnerID: "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, BuildHostedBuild, d.BuildStrategy)
	assert.Equal(t, DeployServerless, d.DeployStrategy)
	assert.Equal(t, StatusPending, d.Status)
}

func TestGetDeploymentScopesToOwner(t *testing.T) {
	e := NewEngine(newFakeStore())
	owner := userPrincipal("user-1")
	stranger := userPrincipal("user-2")

	d, err := e.CreateDeployment(context.Background(), owner, CreateDeploymentRequest{AgentID: "a", AgentOwnerID: "user-1"})
	require.NoError(t, err)

	_, err = e.GetDeployment(context.Background(), stranger, d.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	got, err := e.GetDeployment(context.Background(), owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
}

func TestStopDeploymentPendingGoesDirectlyToStopped(t *testing.T) {
	e := NewEngine(newFakeStore())
	owner := userPrincipal("user-1")

	d, err := e.CreateDeployment(context.Background(), owner, CreateDeploymentRequest{AgentID: "a", AgentOwnerID: "user-1"})
	require.NoError(t, err)

	stopped, err := e.StopDeployment(context.Background(), owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
}

func TestStopDeploymentRunningSetsFlagWithoutTerminalTransition(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)
	owner := userPrincipal("user-1")

	d, err := e.CreateDeployment(context.Background(), owner, CreateDeploymentRequest{AgentID: "a", AgentOwnerID: "user-1"})
	require.NoError(t, err)
	store.byID[d.ID].Status = StatusRunning

	stopped, err := e.StopDeployment(context.Background(), owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, stopped.Status)
	assert.True(t, stopped.StopRequested)
}

func TestStopDeploymentTerminalIsNoop(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)
	owner := userPrincipal("user-1")

	d, err := e.CreateDeployment(context.Background(), owner, CreateDeploymentRequest{AgentID: "a", AgentOwnerID: "user-1"})
	require.NoError(t, err)
	store.byID[d.ID].Status = StatusFailed

	got, err := e.StopDeployment(context.Background(), owner, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.False(t, got.StopRequested)
}

func TestResolveEndpointRequiresRunningDeploymentWithEndpoint(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store)

	_, err := e.ResolveEndpoint(context.Background(), "agent-1")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	url := "https://runtime.example/agent-1"
	store.byID["dep-1"] = &Deployment{ID: "dep-1", AgentID: "agent-1", Status: StatusRunning, EndpointURL: &url}

	got, err := e.ResolveEndpoint(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, url, got)
}
