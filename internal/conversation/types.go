// Package conversation implements the Conversation Hub (C5): message
// persistence, a WebSocket fan-out per conversation, and the background
// "agent turn" that streams a deployed agent's output back to subscribers.
// Grounded structurally on the teacher's pkg/tunnel package for its
// WebSocket connection lifecycle and typed frame protocol, generalized from
// a single relayed request/response exchange to an open-ended per-
// conversation broadcast with many concurrent readers.
package conversation

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Conversation struct {
	ID        string
	OwnerID   string
	AgentID   string
	Title     string
	Metadata  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message rows are totally ordered within a conversation by (created_at,
// id) — the tie-break on id matters because two messages can otherwise
// share a timestamp at typical clock resolution.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Metadata       []byte
	CreatedAt      time.Time
}

const MaxContentBytes = 64 * 1024

type ListFilter struct {
	OwnerID string
	Page    int
	PerPage int
}

func (f *ListFilter) normalize() {
	if f.PerPage <= 0 {
		f.PerPage = 20
	}
	if f.PerPage > 100 {
		f.PerPage = 100
	}
	if f.Page <= 0 {
		f.Page = 1
	}
}
