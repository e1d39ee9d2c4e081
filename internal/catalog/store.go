package catalog

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists Agents and AgentVersions, grounded on identity.Store's
// pgx-against-Postgres discipline and kept as an interface for the same
// reason: service.go tests can swap in a fake.
type Store interface {
	CreateAgentWithVersion(ctx context.Context, a *Agent, v *AgentVersion) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByOwnerName(ctx context.Context, ownerID, name string) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	ListAgents(ctx context.Context, f ListFilter) ([]Agent, error)

	// InsertNextVersion locks the agent row, computes the next version
	// number from stored rows, and inserts it in one transaction — the
	// mechanism behind the version-monotonicity invariant under concurrency.
	InsertNextVersion(ctx context.Context, agentID string, v *AgentVersion) (*AgentVersion, error)
	GetLatestVersion(ctx context.Context, agentID string) (*AgentVersion, error)
	GetVersion(ctx context.Context, versionID string) (*AgentVersion, error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) CreateAgentWithVersion(ctx context.Context, a *Agent, v *AgentVersion) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Status == "" {
		a.Status = StatusDraft
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "begin agent creation")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (id, owner_id, name, description, status, tags, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.OwnerID, a.Name, a.Description, a.Status, a.Tags, a.CreatedAt, a.UpdatedAt); err != nil {
		return mapConflict(err, "agent")
	}

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.AgentID = a.ID
	v.OwnerID = a.OwnerID
	v.VersionNumber = 1
	v.CreatedAt = now
	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_versions (id, agent_id, owner_id, version_number, config, changelog, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, v.AgentID, v.OwnerID, v.VersionNumber, v.Config, v.Changelog, v.CreatedAt); err != nil {
		return mapConflict(err, "agent version")
	}

	return tx.Commit(ctx)
}

func (s *pgStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, description, status, tags, created_at, updated_at
		 FROM agents WHERE id=$1`, id,
	).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.Status, &a.Tags, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err, "agent")
	}
	return &a, nil
}

func (s *pgStore) GetAgentByOwnerName(ctx context.Context, ownerID, name string) (*Agent, error) {
	var a Agent
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, description, status, tags, created_at, updated_at
		 FROM agents WHERE owner_id=$1 AND name=$2`, ownerID, name,
	).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.Status, &a.Tags, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err, "agent")
	}
	return &a, nil
}

func (s *pgStore) UpdateAgent(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`UPDATE agents SET name=$1, description=$2, status=$3, tags=$4, updated_at=$5 WHERE id=$6`,
		a.Name, a.Description, a.Status, a.Tags, a.UpdatedAt, a.ID)
	return mapConflict(err, "agent")
}

func (s *pgStore) ListAgents(ctx context.Context, f ListFilter) ([]Agent, error) {
	f.normalize()
	offset := (f.Page - 1) * f.PerPage

	query := `SELECT id, owner_id, name, description, status, tags, created_at, updated_at FROM agents WHERE 1=1`
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
	if f.Status != "" {
		query += " AND status = " + next(string(f.Status))
	}
	query += " ORDER BY created_at DESC LIMIT " + next(int32(f.PerPage)) + " OFFSET " + next(int32(offset))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list agents")
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Description, &a.Status, &a.Tags, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertNextVersion implements UpdateAgentConfig's storage contract: lock
// the parent agent row (blocking concurrent writers), read the current max
// version_number from stored rows — never from an in-memory cache — and
// insert version_number+1 in the same transaction.
func (s *pgStore) InsertNextVersion(ctx context.Context, agentID string, v *AgentVersion) (*AgentVersion, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "begin version insert")
	}
	defer tx.Rollback(ctx)

	var status AgentStatus
	var ownerID string
	if err := tx.QueryRow(ctx, `SELECT status, owner_id FROM agents WHERE id=$1 FOR UPDATE`, agentID).
		Scan(&status, &ownerID); err != nil {
		return nil, mapNotFound(err, "agent")
	}
	if status == StatusArchived {
		return nil, apperr.New(apperr.Conflict, "agent is archived")
	}

	var maxVersion int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM agent_versions WHERE agent_id=$1`, agentID,
	).Scan(&maxVersion); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read current version")
	}

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.AgentID = agentID
	v.OwnerID = ownerID
	v.VersionNumber = maxVersion + 1
	v.CreatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_versions (id, agent_id, owner_id, version_number, config, changelog, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		v.ID, v.AgentID, v.OwnerID, v.VersionNumber, v.Config, v.Changelog, v.CreatedAt); err != nil {
		return nil, mapConflict(err, "agent version")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "commit version insert")
	}
	return v, nil
}

func (s *pgStore) GetLatestVersion(ctx context.Context, agentID string) (*AgentVersion, error) {
	var v AgentVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, owner_id, version_number, config, changelog, published_at, created_at
		 FROM agent_versions WHERE agent_id=$1 ORDER BY version_number DESC LIMIT 1`, agentID,
	).Scan(&v.ID, &v.AgentID, &v.OwnerID, &v.VersionNumber, &v.Config, &v.Changelog, &v.PublishedAt, &v.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err, "agent version")
	}
	return &v, nil
}

func (s *pgStore) GetVersion(ctx context.Context, versionID string) (*AgentVersion, error) {
	var v AgentVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, owner_id, version_number, config, changelog, published_at, created_at
		 FROM agent_versions WHERE id=$1`, versionID,
	).Scan(&v.ID, &v.AgentID, &v.OwnerID, &v.VersionNumber, &v.Config, &v.Changelog, &v.PublishedAt, &v.CreatedAt)
	if err != nil {
		return nil, mapNotFound(err, "agent version")
	}
	return &v, nil
}

func mapNotFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.NotFound, what+" not found")
	}
	return apperr.Wrap(apperr.Internal, err, "query "+what)
}

func mapConflict(err error, what string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.New(apperr.Conflict, what+" already exists")
	}
	return apperr.Wrap(apperr.Internal, err, "persist "+what)
}
