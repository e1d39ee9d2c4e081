package conversation

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	conversations map[string]*Conversation
	messages      map[string][]*Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conversations: map[string]*Conversation{},
		messages:      map[string][]*Message{},
	}
}

func (f *fakeStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	f.conversations[c.ID] = c
	return nil
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, ok := f.conversations[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "conversation not found")
	}
	return c, nil
}

func (f *fakeStore) ListConversations(ctx context.Context, filter ListFilter) ([]Conversation, error) {
	var out []Conversation
	for _, c := range f.conversations {
		if filter.OwnerID != "" && c.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, conversationID string, page, perPage int) ([]Message, error) {
	var out []Message
	for _, m := range f.messages[conversationID] {
		out = append(out, *m)
	}
	return out, nil
}

type fakeResolver struct {
	endpoint string
	err      error
}

func (f *fakeResolver) ResolveEndpoint(ctx context.Context, agentID string) (string, error) {
	return f.endpoint, f.err
}

func userPrincipal(id string) *principal.Principal {
	return &principal.Principal{ID: id, Kind: principal.User, Permissions: map[string]struct{}{}}
}

func newTestService(store Store, hub *Hub, resolver EndpointResolver) *Service {
	mint := func(clientID string, roles, permissions []string) (string, error) { return "token", nil }
	return NewService(store, hub, resolver, NewRuntimeClient(), mint, true, zerolog.Nop())
}

func TestPostMessageRejectsEmptyContent(t *testing.T) {
	store := newFakeStore()
	hub := NewHub()
	svc := newTestService(store, hub, &fakeResolver{})
	owner := userPrincipal("owner-1")

	c, err := svc.CreateConversation(context.Background(), owner, "agent-1", "")
	require.NoError(t, err)

	_, err = svc.PostMessage(context.Background(), owner, c.ID, "   ")
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestPostMessageRejectsOversizedContentWith413(t *testing.T) {
	store := newFakeStore()
	hub := NewHub()
	svc := newTestService(store, hub, &fakeResolver{})
	owner := userPrincipal("owner-1")

	c, err := svc.CreateConversation(context.Background(), owner, "agent-1", "")
	require.NoError(t, err)

	oversized := string(make([]byte, MaxContentBytes+1))
	_, err = svc.PostMessage(context.Background(), owner, c.ID, oversized)
	require.Error(t, err)
	assert.Equal(t, apperr.PayloadTooLarge, apperr.KindOf(err))
	assert.Equal(t, http.StatusRequestEntityTooLarge, apperr.StatusCode(err))
}

func TestPostMessageRejectsNonOwner(t *testing.T) {
	store := newFakeStore()
	hub := NewHub()
	svc := newTestService(store, hub, &fakeResolver{})
	owner := userPrincipal("owner-1")
	stranger := userPrincipal("owner-2")

	c, err := svc.CreateConversation(context.Background(), owner, "agent-1", "")
	require.NoError(t, err)

	_, err = svc.PostMessage(context.Background(), stranger, c.ID, "hi")
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestPostMessagePersistsAndAcksBeforeReturning(t *testing.T) {
	store := newFakeStore()
	hub := NewHub()
	svc := newTestService(store, hub, &fakeResolver{err: errors.New("no deployment")})
	owner := userPrincipal("owner-1")

	c, err := svc.CreateConversation(context.Background(), owner, "agent-1", "")
	require.NoError(t, err)
	sub := hub.Subscribe(c.ID, "sub-1")

	m, err := svc.PostMessage(context.Background(), owner, c.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, m.Role)
	assert.Len(t, store.messages[c.ID], 1)

	select {
	case f := <-sub.Frames():
		assert.Equal(t, FrameAck, f.Type)
		assert.Equal(t, m.ID, f.MessageID)
	case <-time.After(time.Second):
		t.Fatal("expected an ack frame")
	}
}

func TestRunAgentTurnWarnsWhenAgentNotDeployed(t *testing.T) {
	store := newFakeStore()
	hub := NewHub()
	svc := newTestService(store, hub, &fakeResolver{err: errors.New("no running deployment")})
	owner := userPrincipal("owner-1")

	c, err := svc.CreateConversation(context.Background(), owner, "agent-1", "")
	require.NoError(t, err)
	sub := hub.Subscribe(c.ID, "sub-1")

	_, err = svc.PostMessage(context.Background(), owner, c.ID, "hello")
	require.NoError(t, err)

	// Drain the ack, then expect a warn frame from the detached turn,
	// followed by a terminating complete frame.
	<-sub.Frames()
	select {
	case f := <-sub.Frames():
		assert.Equal(t, FrameWarn, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a warn frame when the agent has no running deployment")
	}
	select {
	case f := <-sub.Frames():
		assert.Equal(t, FrameComplete, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a complete frame after warn")
	}
}

func TestGetConversationScopesToOwner(t *testing.T) {
	store := newFakeStore()
	hub := NewHub()
	svc := newTestService(store, hub, &fakeResolver{})
	owner := userPrincipal("owner-1")
	stranger := userPrincipal("owner-2")

	c, err := svc.CreateConversation(context.Background(), owner, "agent-1", "")
	require.NoError(t, err)

	_, err = svc.GetConversation(context.Background(), stranger, c.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	got, err := svc.GetConversation(context.Background(), owner, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}
