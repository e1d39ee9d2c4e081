package identity

import (
	"context"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/authn"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service implements the Identity Store's three API surfaces: user
// endpoints, admin endpoints, and the machine token endpoint.
type Service struct {
	store    Store
	provider *ProviderClient
	signer   *authn.MachineSigner
}

func NewService(store Store, provider *ProviderClient, signer *authn.MachineSigner) *Service {
	return &Service{store: store, provider: provider, signer: signer}
}

// RolesForUser implements authn.RoleLookup.
func (s *Service) RolesForUser(ctx context.Context, userID string) ([]string, []string, error) {
	return s.store.RolesAndPermissionsForUser(ctx, userID)
}

// Register proxies to the external identity provider, then creates the
// Profile row and assigns the default "user" role in a single transaction.
// If the Profile insert fails the whole registration is reported failed —
// the provider-side account is not rolled back (out of scope) but the
// caller never sees a false success.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*Profile, error) {
	if email == "" || password == "" {
		return nil, apperr.New(apperr.InvalidInput, "email and password are required")
	}
	userID, err := s.provider.Register(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p := &Profile{ID: userID, Email: email, DisplayName: displayName}
	if err := s.store.CreateProfileWithRole(ctx, p, "user"); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (*ProviderTokens, error) {
	return s.provider.Login(ctx, email, password)
}

func (s *Service) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return s.store.GetProfileByID(ctx, id)
}

func (s *Service) UpdateProfile(ctx context.Context, id, displayName string) (*Profile, error) {
	p, err := s.store.GetProfileByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.DisplayName = displayName
	if err := s.store.UpdateProfile(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ── Admin surface ──────────────────────────────────────────────

func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	if name == "" {
		return Role{}, apperr.New(apperr.InvalidInput, "role name is required")
	}
	return s.store.EnsureRole(ctx, Role{Name: name, Description: description})
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *Service) DeleteRole(ctx context.Context, id string) error {
	return s.store.DeleteRole(ctx, id)
}

func (s *Service) CreatePermission(ctx context.Context, name string) (Permission, error) {
	if name == "" {
		return Permission{}, apperr.New(apperr.InvalidInput, "permission name is required")
	}
	return s.store.EnsurePermission(ctx, name)
}

func (s *Service) AttachPermission(ctx context.Context, roleID, permissionID string) error {
	return s.store.AttachPermission(ctx, roleID, permissionID)
}

// CreateMachineClient provisions a new MachineClient, returning the
// plaintext secret once — it is never stored or logged again.
func (s *Service) CreateMachineClient(ctx context.Context, name string, roleNames []string) (clientID, secret string, err error) {
	if name == "" {
		return "", "", apperr.New(apperr.InvalidInput, "client name is required")
	}
	secret = uuid.NewString() + uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", apperr.Wrap(apperr.Internal, err, "hash client secret")
	}

	client := &MachineClient{Name: name, SecretHash: string(hash)}
	if err := s.store.CreateClient(ctx, client); err != nil {
		return "", "", err
	}
	for _, roleName := range roleNames {
		role, err := s.store.GetRoleByName(ctx, roleName)
		if err != nil {
			return "", "", err
		}
		if err := s.store.AssignClientRole(ctx, client.ClientID, role.ID); err != nil {
			return "", "", err
		}
	}
	return client.ClientID, secret, nil
}

func (s *Service) AssignClientRole(ctx context.Context, clientID, roleName string) error {
	role, err := s.store.GetRoleByName(ctx, roleName)
	if err != nil {
		return err
	}
	return s.store.AssignClientRole(ctx, clientID, role.ID)
}

func (s *Service) RevokeClient(ctx context.Context, clientID string) error {
	return s.store.RevokeClient(ctx, clientID)
}

// ── Token endpoint ─────────────────────────────────────────────

// MintMachineToken implements POST /auth/token (client_credentials grant):
// verify client_id+client_secret against the stored hash with a
// constant-time comparison of the computed digests, reject revoked
// clients, and mint a machine token carrying the client's assigned roles
// and their resolved permission union.
func (s *Service) MintMachineToken(ctx context.Context, clientID, clientSecret string) (token string, expiresIn int, err error) {
	client, err := s.store.GetClientByID(ctx, clientID)
	if err != nil {
		return "", 0, apperr.New(apperr.Unauthenticated, "invalid client credentials").WithCode("bad_credentials")
	}
	if client.RevokedAt != nil {
		return "", 0, apperr.New(apperr.Unauthenticated, "client revoked").WithCode("revoked")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return "", 0, apperr.New(apperr.Unauthenticated, "invalid client credentials").WithCode("bad_credentials")
	}

	roles, perms, err := s.store.RolesAndPermissionsForClient(ctx, client.ClientID)
	if err != nil {
		return "", 0, err
	}

	signed, exp, err := s.signer.Mint(client.ClientID, roles, perms)
	if err != nil {
		return "", 0, err
	}
	return signed, int(time.Until(exp).Seconds()), nil
}
