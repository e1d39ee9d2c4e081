// Package catalog implements the Agent Catalog (C3): an ownership-scoped
// store of Agent definitions and their immutable, monotonically-versioned
// AgentVersions. Grounded structurally on the teacher's store-backed CRUD
// components, though the teacher carries no equivalent domain model itself
// (its "catalog" package is a model-pricing cache, replaced wholesale —
// see DESIGN.md).
package catalog

import (
	"encoding/json"
	"time"
)

type AgentStatus string

const (
	StatusDraft     AgentStatus = "draft"
	StatusPublished AgentStatus = "published"
	StatusArchived  AgentStatus = "archived"
)

type Agent struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Status      AgentStatus `json:"status"`
	Tags        []string    `json:"tags"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type AgentVersion struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	OwnerID       string          `json:"owner_id"`
	VersionNumber int             `json:"version_number"`
	Config        json.RawMessage `json:"config"`
	Changelog     *string         `json:"changelog,omitempty"`
	PublishedAt   *time.Time      `json:"published_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MaxConfigBytes is the configurable cap on a version payload, default 1 MiB.
const MaxConfigBytes = 1 << 20

// ListFilter paginates ListAgents; default page size 20, max 100.
type ListFilter struct {
	OwnerID string
	Status  AgentStatus
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
