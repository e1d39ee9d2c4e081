package authn

import (
	"context"
	"strings"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/config"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/golang-jwt/jwt/v5"
)

// RoleLookup fetches a user principal's effective roles and permissions
// from the identity store. Implemented by internal/identity; kept as a
// narrow interface here so authn never imports identity.
type RoleLookup interface {
	RolesForUser(ctx context.Context, userID string) (roles, permissions []string, err error)
}

// Verifier is the single entry point for turning a bearer token into a
// Principal, reusable across HTTP handlers and WebSocket upgrades per the
// token verifier contract.
type Verifier struct {
	cfg     config.AuthConfig
	machine *MachineSigner
	user    *UserVerifier
	cache   *RoleCache
	lookup  RoleLookup
}

func NewVerifier(cfg config.AuthConfig, machine *MachineSigner, user *UserVerifier, lookup RoleLookup) *Verifier {
	return &Verifier{
		cfg:     cfg,
		machine: machine,
		user:    user,
		cache:   NewRoleCache(4096, cfg.RoleCacheTTL),
		lookup:  lookup,
	}
}

// Verify classifies raw by its issuer/audience claim and dispatches to the
// matching token family's verifier. Unrecognized tokens fail invalid_token
// without revealing which specific check tripped.
func (v *Verifier) Verify(ctx context.Context, raw string) (*principal.Principal, error) {
	family, err := classify(raw, v.cfg)
	if err != nil {
		return nil, err
	}

	switch family {
	case principal.Machine:
		return v.machine.Verify(raw)
	case principal.User:
		p, err := v.user.Verify(raw)
		if err != nil {
			return nil, err
		}
		roles, perms, err := v.rolesFor(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		p.Roles = principal.RoleSet(roles)
		p.Permissions = principal.RoleSet(perms)
		return p, nil
	default:
		return nil, apperr.New(apperr.Unauthenticated, "unrecognized token").WithCode("invalid_token")
	}
}

func (v *Verifier) rolesFor(ctx context.Context, userID string) ([]string, []string, error) {
	if roles, perms, ok := v.cache.Get(userID); ok {
		return roles, perms, nil
	}
	roles, perms, err := v.lookup.RolesForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	v.cache.Set(userID, roles, perms)
	return roles, perms, nil
}

// InvalidateUser drops a cached role set, used after an admin changes a
// user's role assignments.
func (v *Verifier) InvalidateUser(userID string) {
	v.cache.Invalidate(userID)
}

// classify inspects iss/aud without verifying the signature, matching the
// token verifier's "check issuer + audience first" classification rule.
func classify(raw string, cfg config.AuthConfig) (principal.Kind, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return "", apperr.New(apperr.Unauthenticated, "malformed token").WithCode("invalid_token")
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", apperr.New(apperr.Unauthenticated, "malformed token").WithCode("invalid_token")
	}
	iss, _ := claims.GetIssuer()
	aud, _ := claims.GetAudience()

	if iss == cfg.M2MIssuer && containsAudience(aud, cfg.M2MAudience) {
		return principal.Machine, nil
	}
	if containsAudience(aud, cfg.UserAudience) && (cfg.UserIssuer == "" || iss == cfg.UserIssuer) {
		return principal.User, nil
	}
	return "", apperr.New(apperr.Unauthenticated, "invalid_token").WithCode("invalid_token")
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if strings.EqualFold(a, want) {
			return true
		}
	}
	return false
}
