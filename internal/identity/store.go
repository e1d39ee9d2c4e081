package identity

import (
	"context"
	"errors"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists every identity entity. A single implementation backs it —
// pgx against Postgres — but it is kept as an interface so service.go and
// its tests can swap in a fake without touching call sites, matching the
// teacher's own Store-interface discipline.
type Store interface {
	CreateProfile(ctx context.Context, p *Profile) error
	// CreateProfileWithRole inserts the profile and assigns roleName in one
	// transaction: if the profile insert fails, registration is reported as
	// failed rather than left half-applied, per the register endpoint contract.
	CreateProfileWithRole(ctx context.Context, p *Profile, roleName string) error
	GetProfileByEmail(ctx context.Context, email string) (*Profile, error)
	GetProfileByID(ctx context.Context, id string) (*Profile, error)
	UpdateProfile(ctx context.Context, p *Profile) error

	EnsureRole(ctx context.Context, role Role) (Role, error)
	EnsurePermission(ctx context.Context, name string) (Permission, error)
	AttachPermission(ctx context.Context, roleID, permissionID string) error
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	DeleteRole(ctx context.Context, id string) error

	AssignUserRole(ctx context.Context, userID, roleID string) error
	RolesAndPermissionsForUser(ctx context.Context, userID string) (roles, perms []string, err error)

	GetClientByName(ctx context.Context, name string) (*MachineClient, error)
	GetClientByID(ctx context.Context, clientID string) (*MachineClient, error)
	CreateClient(ctx context.Context, c *MachineClient) error
	AssignClientRole(ctx context.Context, clientID, roleID string) error
	RevokeClient(ctx context.Context, clientID string) error
	RolesForClient(ctx context.Context, clientID string) ([]string, error)
	RolesAndPermissionsForClient(ctx context.Context, clientID string) (roles, perms []string, err error)
}

type pgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) CreateProfile(ctx context.Context, p *Profile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (id, email, display_name, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.Email, p.DisplayName, p.CreatedAt, p.UpdatedAt)
	return mapConflict(err, "profile")
}

func (s *pgStore) CreateProfileWithRole(ctx context.Context, p *Profile, roleName string) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "begin registration transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO profiles (id, email, display_name, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		p.ID, p.Email, p.DisplayName, p.CreatedAt, p.UpdatedAt); err != nil {
		return mapConflict(err, "profile")
	}

	var roleID string
	if err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE name=$1`, roleName).Scan(&roleID); err != nil {
		return mapNotFound(err, "role "+roleName)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`, p.ID, roleID); err != nil {
		return apperr.Wrap(apperr.Internal, err, "assign default role")
	}

	return tx.Commit(ctx)
}

func (s *pgStore) GetProfileByEmail(ctx context.Context, email string) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, display_name, created_at, updated_at FROM profiles WHERE email=$1`, email,
	).Scan(&p.ID, &p.Email, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err, "profile")
	}
	return &p, nil
}

func (s *pgStore) GetProfileByID(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, display_name, created_at, updated_at FROM profiles WHERE id=$1`, id,
	).Scan(&p.ID, &p.Email, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err, "profile")
	}
	return &p, nil
}

func (s *pgStore) UpdateProfile(ctx context.Context, p *Profile) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`UPDATE profiles SET display_name=$1, updated_at=$2 WHERE id=$3`,
		p.DisplayName, p.UpdatedAt, p.ID)
	return err
}

func (s *pgStore) EnsureRole(ctx context.Context, role Role) (Role, error) {
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	var out Role
	err := s.pool.QueryRow(ctx,
		`INSERT INTO roles (id, name, description) VALUES ($1,$2,$3)
		 ON CONFLICT (name) DO UPDATE SET name = roles.name
		 RETURNING id, name, description`,
		role.ID, role.Name, role.Description,
	).Scan(&out.ID, &out.Name, &out.Description)
	return out, err
}

func (s *pgStore) EnsurePermission(ctx context.Context, name string) (Permission, error) {
	var out Permission
	err := s.pool.QueryRow(ctx,
		`INSERT INTO permissions (id, name) VALUES ($1,$2)
		 ON CONFLICT (name) DO UPDATE SET name = permissions.name
		 RETURNING id, name`,
		uuid.NewString(), name,
	).Scan(&out.ID, &out.Name)
	return out, err
}

func (s *pgStore) AttachPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		roleID, permissionID)
	return err
}

func (s *pgStore) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	var r Role
	err := s.pool.QueryRow(ctx, `SELECT id, name, description FROM roles WHERE name=$1`, name).
		Scan(&r.ID, &r.Name, &r.Description)
	if err != nil {
		return nil, mapNotFound(err, "role")
	}
	return &r, nil
}

func (s *pgStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.Description); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) DeleteRole(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM roles WHERE id=$1`, id)
	return err
}

func (s *pgStore) AssignUserRole(ctx context.Context, userID, roleID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		userID, roleID)
	return err
}

func (s *pgStore) RolesAndPermissionsForUser(ctx context.Context, userID string) ([]string, []string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.name FROM roles r JOIN user_roles ur ON ur.role_id = r.id WHERE ur.user_id=$1`, userID)
	if err != nil {
		return nil, nil, err
	}
	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, nil, err
		}
		roles = append(roles, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	permRows, err := s.pool.Query(ctx,
		`SELECT DISTINCT p.name FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 JOIN user_roles ur ON ur.role_id = rp.role_id
		 WHERE ur.user_id = $1`, userID)
	if err != nil {
		return nil, nil, err
	}
	defer permRows.Close()
	var perms []string
	for permRows.Next() {
		var name string
		if err := permRows.Scan(&name); err != nil {
			return nil, nil, err
		}
		perms = append(perms, name)
	}
	return roles, perms, permRows.Err()
}

func (s *pgStore) GetClientByName(ctx context.Context, name string) (*MachineClient, error) {
	var c MachineClient
	var revoked *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT client_id, name, secret_hash, created_at, revoked_at FROM machine_clients WHERE name=$1`, name,
	).Scan(&c.ClientID, &c.Name, &c.SecretHash, &c.CreatedAt, &revoked)
	if err != nil {
		return nil, mapNotFound(err, "machine client")
	}
	c.RevokedAt = revoked
	roles, err := s.RolesForClient(ctx, c.ClientID)
	if err != nil {
		return nil, err
	}
	c.AssignedRoles = roles
	return &c, nil
}

func (s *pgStore) GetClientByID(ctx context.Context, clientID string) (*MachineClient, error) {
	var c MachineClient
	var revoked *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT client_id, name, secret_hash, created_at, revoked_at FROM machine_clients WHERE client_id=$1`, clientID,
	).Scan(&c.ClientID, &c.Name, &c.SecretHash, &c.CreatedAt, &revoked)
	if err != nil {
		return nil, mapNotFound(err, "machine client")
	}
	c.RevokedAt = revoked
	roles, err := s.RolesForClient(ctx, c.ClientID)
	if err != nil {
		return nil, err
	}
	c.AssignedRoles = roles
	return &c, nil
}

func (s *pgStore) CreateClient(ctx context.Context, c *MachineClient) error {
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO machine_clients (client_id, name, secret_hash, created_at) VALUES ($1,$2,$3,$4)`,
		c.ClientID, c.Name, c.SecretHash, c.CreatedAt)
	return mapConflict(err, "machine client")
}

func (s *pgStore) AssignClientRole(ctx context.Context, clientID, roleID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO client_roles (client_id, role_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		clientID, roleID)
	return err
}

func (s *pgStore) RevokeClient(ctx context.Context, clientID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE machine_clients SET revoked_at = now() WHERE client_id=$1 AND revoked_at IS NULL`, clientID)
	return err
}

func (s *pgStore) RolesForClient(ctx context.Context, clientID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT r.name FROM roles r JOIN client_roles cr ON cr.role_id = r.id WHERE cr.client_id=$1`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// RolesAndPermissionsForClient mirrors RolesAndPermissionsForUser for the
// client_roles side of the schema, so a machine token can carry the same
// permission union a user token resolves at verify time.
func (s *pgStore) RolesAndPermissionsForClient(ctx context.Context, clientID string) ([]string, []string, error) {
	roles, err := s.RolesForClient(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT p.name FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 JOIN client_roles cr ON cr.role_id = rp.role_id
		 WHERE cr.client_id = $1`, clientID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, nil, err
		}
		perms = append(perms, name)
	}
	return roles, perms, rows.Err()
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
