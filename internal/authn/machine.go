package authn

import (
	"errors"
	"time"

	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/config"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/golang-jwt/jwt/v5"
)

// MachineSigner mints and verifies symmetric M2M tokens. Grounded on
// dzoelham-trustcore_be's jwt.go: MapClaims-free struct claims signed with
// HS256, verified with an explicit allowed-methods list so an attacker
// cannot downgrade to "none".
type MachineSigner struct {
	cfg config.AuthConfig
}

func NewMachineSigner(cfg config.AuthConfig) *MachineSigner {
	return &MachineSigner{cfg: cfg}
}

// Mint issues a machine token for clientID carrying roles and their
// resolved permission union, per the token endpoint contract in the
// identity store. Permissions are embedded at mint time rather than looked
// up again at verify time — a machine token is trusted for its full
// lifetime once issued, matching how Verify never re-queries C2 for it.
func (s *MachineSigner) Mint(clientID string, roles, permissions []string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.cfg.M2MTokenTTL)
	claims := machineClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			Issuer:    s.cfg.M2MIssuer,
			Audience:  jwt.ClaimStrings{s.cfg.M2MAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Roles:       roles,
		Permissions: permissions,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(s.cfg.M2MSecret))
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.Internal, err, "sign machine token")
	}
	return signed, exp, nil
}

// Verify parses and validates a machine token, returning a Principal.
func (s *MachineSigner) Verify(raw string) (*principal.Principal, error) {
	var claims machineClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.M2MSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.M2MIssuer),
		jwt.WithAudience(s.cfg.M2MAudience),
		jwt.WithLeeway(s.cfg.ClockSkew))
	if err != nil || !tok.Valid {
		return nil, classifyJWTError(err)
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &principal.Principal{
		ID:          claims.Subject,
		Kind:        principal.Machine,
		Roles:       principal.RoleSet(claims.Roles),
		Permissions: principal.RoleSet(claims.Permissions),
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
	}, nil
}

func classifyJWTError(err error) error {
	switch {
	case err == nil:
		return apperr.New(apperr.Unauthenticated, "invalid token").WithCode("invalid_token")
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.New(apperr.Unauthenticated, "token expired").WithCode("expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.New(apperr.Unauthenticated, "bad signature").WithCode("bad_signature")
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return apperr.New(apperr.Unauthenticated, "wrong audience or issuer").WithCode("wrong_audience")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperr.New(apperr.Unauthenticated, "token not yet valid").WithCode("not_yet_valid")
	default:
		return apperr.New(apperr.Unauthenticated, "invalid token").WithCode("invalid_token")
	}
}
