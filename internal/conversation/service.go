package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/rs/zerolog"
)

// EndpointResolver is the narrow slice of deployment.Engine the hub needs:
// a conversation's bound agent resolved to its currently running endpoint.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, agentID string) (string, error)
}

// mintFunc adapts authn.MachineSigner.Mint (which also returns an expiry
// time this package has no use for) down to what a runtime call needs.
type mintFunc func(clientID string, roles, permissions []string) (string, error)

// Service implements C5's persistence and turn-scheduling logic. It never
// touches the WebSocket transport directly — that is the handler's job;
// Service only knows about Store and Hub.
type Service struct {
	store   Store
	hub     *Hub
	agents  EndpointResolver
	runtime *RuntimeClient
	mint    mintFunc
	persist bool
	log     zerolog.Logger
}

func NewService(store Store, hub *Hub, agents EndpointResolver, runtime *RuntimeClient, mint mintFunc, persistAssistantTurns bool, log zerolog.Logger) *Service {
	return &Service{
		store: store, hub: hub, agents: agents, runtime: runtime,
		mint: mint, persist: persistAssistantTurns, log: log,
	}
}

func (s *Service) CreateConversation(ctx context.Context, p *principal.Principal, agentID, title string) (*Conversation, error) {
	c := &Conversation{OwnerID: p.EffectiveOwnerID(), AgentID: agentID, Title: title}
	if err := s.store.CreateConversation(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetConversation(ctx context.Context, p *principal.Principal, id string) (*Conversation, error) {
	c, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkOwnership(p, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListConversations(ctx context.Context, p *principal.Principal, page, perPage int) ([]Conversation, error) {
	return s.store.ListConversations(ctx, ListFilter{OwnerID: p.EffectiveOwnerID(), Page: page, PerPage: perPage})
}

func (s *Service) ListMessages(ctx context.Context, p *principal.Principal, conversationID string, page, perPage int) ([]Message, error) {
	if _, err := s.GetConversation(ctx, p, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, conversationID, page, perPage)
}

// PostMessage implements §4.5's message-append flow: persist, ack, schedule
// the background agent turn. It returns as soon as the user message is
// durable and acked — the turn itself runs detached from the request.
func (s *Service) PostMessage(ctx context.Context, p *principal.Principal, conversationID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.New(apperr.InvalidInput, "content is required")
	}
	if len(content) > MaxContentBytes {
		return nil, apperr.New(apperr.PayloadTooLarge, "content exceeds maximum size").WithCode("payload_too_large")
	}
	c, err := s.GetConversation(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}

	m := &Message{ConversationID: conversationID, Role: RoleUser, Content: content}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		return nil, err
	}
	s.hub.BroadcastAck(conversationID, m.ID, RoleUser)

	go s.runAgentTurn(context.Background(), c, m)

	return m, nil
}

// runAgentTurn is stage 3 of §4.5: resolve the deployed endpoint, mint a
// conversation-scoped machine token, stream chunks to subscribers, and
// persist the assembled reply on completion. It runs detached from the
// originating request's context so a client disconnect never cancels a
// turn already scheduled — only the WS connection's own read loop is
// affected by that disconnect, not the turn. Every exit path broadcasts a
// terminal complete frame, warn or not, so a subscriber never hangs
// waiting to learn a turn is over.
func (s *Service) runAgentTurn(ctx context.Context, c *Conversation, trigger *Message) {
	log := s.log.With().Str("conversation_id", c.ID).Str("message_id", trigger.ID).Logger()
	defer s.hub.BroadcastComplete(c.ID)

	endpoint, err := s.agents.ResolveEndpoint(ctx, c.AgentID)
	if err != nil {
		log.Warn().Err(err).Msg("agent has no running deployment")
		s.hub.BroadcastWarn(c.ID, "agent is not currently deployed")
		return
	}

	token, err := s.mint("conversation-hub", []string{"runtime:invoke"}, []string{"runtime:invoke"})
	if err != nil {
		log.Error().Err(err).Msg("mint runtime token")
		s.hub.BroadcastWarn(c.ID, "internal error starting agent turn")
		return
	}

	var assembled strings.Builder
	err = s.runtime.Stream(ctx, endpoint, token, c.ID, trigger.Content, func(chunk string) {
		assembled.WriteString(chunk)
		s.hub.BroadcastStream(c.ID, chunk)
	})
	if err != nil {
		var loginErr *LoginError
		if errors.As(err, &loginErr) {
			log.Warn().Err(err).Msg("runtime login failed")
			s.hub.BroadcastWarn(c.ID, "runtime_auth_failed")
		} else {
			log.Warn().Err(err).Msg("agent turn failed")
			s.hub.BroadcastWarn(c.ID, "agent turn failed")
		}
		return
	}

	if s.persist && assembled.Len() > 0 {
		reply := &Message{ConversationID: c.ID, Role: RoleAssistant, Content: assembled.String()}
		if err := s.store.AppendMessage(ctx, reply); err != nil {
			log.Error().Err(err).Msg("persist assistant reply")
		}
	}
}

// Subscribe registers a WebSocket connection with the hub after verifying
// the caller may read this conversation.
func (s *Service) Subscribe(ctx context.Context, p *principal.Principal, conversationID, subscriberID string) (*Subscriber, error) {
	if _, err := s.GetConversation(ctx, p, conversationID); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(conversationID, subscriberID), nil
}

func (s *Service) Unsubscribe(conversationID, subscriberID string) {
	s.hub.Unsubscribe(conversationID, subscriberID)
}

func (s *Service) checkOwnership(p *principal.Principal, c *Conversation) error {
	if c.OwnerID == p.EffectiveOwnerID() {
		return nil
	}
	if p.HasPermission("conversation:read:any") {
		return nil
	}
	return apperr.New(apperr.Forbidden, "not the conversation owner")
}
