package conversation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists Conversations and their totally-ordered Message log.
// Grounded on identity.Store and catalog.Store's shared pgx discipline.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, f ListFilter) ([]Conversation, error)

	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID string, page, perPage int) ([]Message, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if len(c.Metadata) == 0 {
		c.Metadata = []byte(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, owner_id, agent_id, title, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.OwnerID, c.AgentID, c.Title, c.Metadata, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "persist conversation")
	}
	return nil
}

func (s *pgStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, agent_id, title, metadata, created_at, updated_at
		 FROM conversations WHERE id=$1`, id,
	).Scan(&c.ID, &c.OwnerID, &c.AgentID, &c.Title, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "conversation not found")
		}
		return nil, apperr.Wrap(apperr.Internal, err, "query conversation")
	}
	return &c, nil
}

func (s *pgStore) ListConversations(ctx context.Context, f ListFilter) ([]Conversation, error) {
	f.normalize()
	offset := (f.Page - 1) * f.PerPage

	query := `SELECT id, owner_id, agent_id, title, metadata, created_at, updated_at FROM conversations WHERE 1=1`
	args := []any{}
	argN := 0
	next := func(v any) string {
		argN++
		args = append(args, v)
		return "$" + strconv.Itoa(argN)
	}
	if f.OwnerID != "" {
		query += " AND owner_id = " + next(f.OwnerID)
	}
	query += " ORDER BY created_at DESC LIMIT " + next(int32(f.PerPage)) + " OFFSET " + next(int32(offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list conversations")
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.AgentID, &c.Title, &c.Metadata, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan conversation")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendMessage inserts one Message row. Ordering within a conversation is
// enforced at read time by ORDER BY (created_at, id), not by any write-side
// locking — appends never conflict with each other since messages are
// immutable once written.
func (s *pgStore) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if len(m.Metadata) == 0 {
		m.Metadata = []byte(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.Metadata, m.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "persist message")
	}
	return nil
}

func (s *pgStore) ListMessages(ctx context.Context, conversationID string, page, perPage int) ([]Message, error) {
	f := ListFilter{Page: page, PerPage: perPage}
	f.normalize()
	offset := (f.Page - 1) * f.PerPage

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, metadata, created_at
		 FROM messages WHERE conversation_id=$1
		 ORDER BY created_at, id
		 LIMIT $2 OFFSET $3`, conversationID, int32(f.PerPage), int32(offset))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "scan message")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
