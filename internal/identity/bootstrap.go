package identity

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/rs/zerolog"
)

// Credentials is what Bootstrap persists to the service's own configuration
// store across cold starts, per the bootstrap protocol's step 4.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Bootstrap runs the idempotent cold-start handshake: seed the core
// role/permission catalog, seed the admin profile, and acquire this
// service's own machine-client credentials — reusing them from disk if
// already discovered, creating them if this is truly the first boot, and
// failing fatally if the state is inconsistent (credentials missing but
// the client already exists in the store). Grounded on
// original_source/auth_service/bootstrap.py's bootstrap_admin_and_rbac.
func Bootstrap(ctx context.Context, log zerolog.Logger, store Store, adminEmail, selfClientName, credentialsPath string) (*Credentials, error) {
	if err := seedCoreRoles(ctx, store); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "seed core roles")
	}
	if err := seedCorePermissions(ctx, store); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "seed core permissions")
	}
	if err := seedAdminProfile(ctx, store, adminEmail); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "seed admin profile")
	}
	log.Info().Msg("identity: core RBAC catalog seeded")

	creds, err := acquireSelfCredentials(ctx, store, selfClientName, credentialsPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("client_id", creds.ClientID).Msg("identity: self machine-client credentials ready")
	return creds, nil
}

func seedCoreRoles(ctx context.Context, store Store) error {
	for _, role := range CoreRoles {
		if _, err := store.EnsureRole(ctx, role); err != nil {
			return err
		}
	}
	return nil
}

func seedCorePermissions(ctx context.Context, store Store) error {
	permByName := map[string]Permission{}
	for _, name := range CorePermissions {
		p, err := store.EnsurePermission(ctx, name)
		if err != nil {
			return err
		}
		permByName[name] = p
	}
	for roleName, permNames := range CoreRolePermissions {
		role, err := store.GetRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		for _, permName := range permNames {
			if err := store.AttachPermission(ctx, role.ID, permByName[permName].ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func seedAdminProfile(ctx context.Context, store Store, adminEmail string) error {
	if adminEmail == "" {
		return nil
	}
	if _, err := store.GetProfileByEmail(ctx, adminEmail); err == nil {
		return nil // already bootstrapped, reuse — at-most-once per bootstrap protocol
	} else if !apperr.Is(err, apperr.NotFound) {
		return err
	}

	p := &Profile{Email: adminEmail, DisplayName: "Platform Administrator"}
	return store.CreateProfileWithRole(ctx, p, "admin")
}

// acquireSelfCredentials implements steps 2-4 of the bootstrap protocol: look
// up or create the service's own MachineClient by well-known name, and
// persist/reuse its credentials across restarts.
func acquireSelfCredentials(ctx context.Context, store Store, selfClientName, credentialsPath string) (*Credentials, error) {
	cached, err := loadCredentials(credentialsPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read cached bootstrap credentials")
	}

	_, lookupErr := store.GetClientByName(ctx, selfClientName)
	switch {
	case lookupErr == nil && cached != nil:
		// Client exists and we have cached credentials — trust them.
		return cached, nil
	case lookupErr == nil && cached == nil:
		// The store says this client exists but we have no local record of
		// its secret. The secret is never recoverable (hash-only storage),
		// so this is the explicit inconsistent-state failure the protocol
		// calls for: never silently create a duplicate client.
		return nil, apperr.New(apperr.Internal, "machine client "+selfClientName+
			" already exists but no local credentials were found; manual intervention required").WithCode("bootstrap_inconsistent")
	case apperr.Is(lookupErr, apperr.NotFound):
		// First boot: create the client fresh.
		return createSelfClient(ctx, store, selfClientName, credentialsPath)
	default:
		return nil, lookupErr
	}
}

func createSelfClient(ctx context.Context, store Store, name, credentialsPath string) (*Credentials, error) {
	svc := &Service{store: store}
	clientID, secret, err := svc.CreateMachineClient(ctx, name, []string{"agent_runtime_client"})
	if err != nil {
		return nil, err
	}
	creds := &Credentials{ClientID: clientID, ClientSecret: secret}
	if err := saveCredentials(credentialsPath, creds); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "persist bootstrap credentials")
	}
	return creds, nil
}

func loadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func saveCredentials(path string, c *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
