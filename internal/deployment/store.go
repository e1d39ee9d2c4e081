package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists Deployments and their append-only transition log.
// Grounded on identity.Store's pgx discipline; the worker lease table is
// the one addition specific to this component's concurrency model.
type Store interface {
	Create(ctx context.Context, d *Deployment) error
	Get(ctx context.Context, id string) (*Deployment, error)
	List(ctx context.Context, f ListFilter) ([]Deployment, error)

	// GetRunningByAgent returns the most recently deployed running
	// Deployment for an agent, consulted by the Conversation Hub when it
	// needs to resolve a conversation's bound agent to a live endpoint.
	GetRunningByAgent(ctx context.Context, agentID string) (*Deployment, error)

	// Lease atomically selects up to n deployments that are pending or
	// deploying and hold no unexpired lease, locks them with SKIP LOCKED so
	// concurrent workers never double-lease, and stamps leasedBy/leasedUntil.
	Lease(ctx context.Context, workerID string, leaseDuration time.Duration, n int) ([]Deployment, error)
	RenewLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) error

	// Transition durably updates status inside a single transaction that
	// also appends a transition log row, per §4.4's "each transition is a
	// durable update ... that also records a transition log entry".
	Transition(ctx context.Context, id string, from, to Status, detail string, mutate func(d *Deployment)) (*Deployment, error)

	RequestStop(ctx context.Context, id string) error
	IsStopRequested(ctx context.Context, id string) (bool, error)
	SaveMetadata(ctx context.Context, id string, m Metadata) error
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) Create(ctx context.Context, d *Deployment) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.Status == "" {
		d.Status = StatusPending
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "marshal deployment metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO deployments (id, owner_id, agent_id, agent_version_id, status, metadata,
		 build_strategy, deploy_strategy, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.OwnerID, d.AgentID, d.AgentVersionID, d.Status, meta,
		d.BuildStrategy, d.DeployStrategy, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "persist deployment")
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*Deployment, error) {
	return scanOne(s.pool.QueryRow(ctx, selectDeploymentSQL+` WHERE id=$1`, id))
}

func (s *pgStore) List(ctx context.Context, f ListFilter) ([]Deployment, error) {
	f.normalize()
	offset := (f.Page - 1) * f.PerPage

	query := selectDeploymentSQL + ` WHERE 1=1`
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
		return nil, apperr.Wrap(apperr.Internal, err, "list deployments")
	}
	defer rows.Close()

	var out []Deployment
	for rows.Next() {
		d, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *pgStore) GetRunningByAgent(ctx context.Context, agentID string) (*Deployment, error) {
	return scanOne(s.pool.QueryRow(ctx,
		selectDeploymentSQL+` WHERE agent_id=$1 AND status='running' ORDER BY deployed_at DESC LIMIT 1`, agentID))
}

// Lease implements the worker-lease coordination mechanism: SELECT ... FOR
// UPDATE SKIP LOCKED over pending and deploying deployments that hold no
// unexpired lease, so a crashed worker's row becomes available to a
// second worker without any other coordination.
func (s *pgStore) Lease(ctx context.Context, workerID string, leaseDuration time.Duration, n int) ([]Deployment, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "begin lease")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id FROM deployments
		 WHERE (status = 'pending' AND (leased_until IS NULL OR leased_until < now()))
		    OR (status = 'deploying' AND (leased_until IS NULL OR leased_until < now()))
		 ORDER BY created_at
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "select leasable deployments")
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	leasedUntil := time.Now().UTC().Add(leaseDuration)
	var out []Deployment
	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`UPDATE deployments SET leased_by=$1, leased_until=$2, updated_at=now() WHERE id=$3`,
			workerID, leasedUntil, id); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "stamp lease")
		}
		d, err := scanOneTx(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "commit lease")
	}
	return out, nil
}

func (s *pgStore) RenewLease(ctx context.Context, id, workerID string, leaseDuration time.Duration) error {
	leasedUntil := time.Now().UTC().Add(leaseDuration)
	_, err := s.pool.Exec(ctx,
		`UPDATE deployments SET leased_until=$1 WHERE id=$2 AND leased_by=$3`,
		leasedUntil, id, workerID)
	return err
}

// Transition performs the invariant-preserving status update: it checks the
// legal-transition table, then re-reads the row with FOR UPDATE inside the
// transaction and requires its status to still be from (guarding against a
// racing second writer), applies mutate (endpoint_url, error_message,
// deployed_at, stopped_at as appropriate), and appends the transition log
// row atomically.
func (s *pgStore) Transition(ctx context.Context, id string, from, to Status, detail string, mutate func(d *Deployment)) (*Deployment, error) {
	if !CanTransition(from, to) {
		return nil, apperr.New(apperr.PreconditionFailed, "illegal deployment transition "+string(from)+"->"+string(to))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "begin transition")
	}
	defer tx.Rollback(ctx)

	d, err := scanOne(tx.QueryRow(ctx, selectDeploymentSQL+` WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if d.Status != from {
		return nil, apperr.New(apperr.PreconditionFailed, "deployment status changed concurrently")
	}
	d.Status = to
	if mutate != nil {
		mutate(d)
	}
	d.UpdatedAt = time.Now().UTC()

	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "marshal deployment metadata")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE deployments SET status=$1, endpoint_url=$2, error_message=$3, metadata=$4,
		 deployed_at=$5, stopped_at=$6, updated_at=$7 WHERE id=$8`,
		d.Status, d.EndpointURL, d.ErrorMessage, meta, d.DeployedAt, d.StoppedAt, d.UpdatedAt, d.ID,
	); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "update deployment")
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO deployment_transitions (id, deployment_id, from_status, to_status, at, detail)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.NewString(), id, from, to, d.UpdatedAt, detail,
	); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "append transition log")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "commit transition")
	}
	return d, nil
}

func (s *pgStore) RequestStop(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE deployments SET stop_requested=true WHERE id=$1`, id)
	return err
}

func (s *pgStore) IsStopRequested(ctx context.Context, id string) (bool, error) {
	var v bool
	err := s.pool.QueryRow(ctx, `SELECT stop_requested FROM deployments WHERE id=$1`, id).Scan(&v)
	return v, err
}

func (s *pgStore) SaveMetadata(ctx context.Context, id string, m Metadata) error {
	meta, err := json.Marshal(m)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "marshal deployment metadata")
	}
	_, err = s.pool.Exec(ctx, `UPDATE deployments SET metadata=$1, updated_at=now() WHERE id=$2`, meta, id)
	return err
}

const selectDeploymentSQL = `SELECT id, owner_id, agent_id, agent_version_id, status, endpoint_url, metadata,
	error_message, build_strategy, deploy_strategy, stop_requested, leased_by, leased_until,
	deployed_at, stopped_at, created_at, updated_at FROM deployments`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOne(row rowScanner) (*Deployment, error) {
	d, err := scanInto(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return d, nil
}

func scanOneTx(ctx context.Context, tx pgx.Tx, id string) (*Deployment, error) {
	row := tx.QueryRow(ctx, selectDeploymentSQL+` WHERE id=$1`, id)
	return scanOne(row)
}

func scanRow(rows pgx.Rows) (*Deployment, error) {
	return scanInto(rows)
}

func scanInto(row rowScanner) (*Deployment, error) {
	var d Deployment
	var metaBytes []byte
	var leasedUntil *time.Time
	if err := row.Scan(&d.ID, &d.OwnerID, &d.AgentID, &d.AgentVersionID, &d.Status, &d.EndpointURL, &metaBytes,
		&d.ErrorMessage, &d.BuildStrategy, &d.DeployStrategy, &d.StopRequested, &d.LeasedBy, &leasedUntil,
		&d.DeployedAt, &d.StoppedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.LeasedUntil = leasedUntil
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &d.Metadata)
	}
	return &d, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.NotFound, "deployment not found")
	}
	return apperr.Wrap(apperr.Internal, err, "query deployment")
}
