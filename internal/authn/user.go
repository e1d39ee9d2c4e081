package authn

import (
	"context"
	"errors"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/agentflow/control-plane/internal/apperr"
	"github.com/agentflow/control-plane/internal/config"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/golang-jwt/jwt/v5"
)

// UserVerifier validates tokens issued by the external identity provider
// against its published JWKS. Grounded on ekaya-inc-ekaya-engine's
// pkg/auth/jwks.go: one keyfunc.Keyfunc per configured issuer, refreshed in
// the background by the keyfunc client itself.
type UserVerifier struct {
	cfg config.AuthConfig
	kf  keyfunc.Keyfunc
}

// NewUserVerifier builds a verifier that fetches and refreshes the
// provider's JWKS over the network. Returns an error if the JWKS endpoint
// is unreachable at startup, matching the fatal-bootstrap-failure policy.
func NewUserVerifier(ctx context.Context, cfg config.AuthConfig) (*UserVerifier, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.UserJWKSURL})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "fetch identity provider JWKS")
	}
	return &UserVerifier{cfg: cfg, kf: kf}, nil
}

func (v *UserVerifier) Verify(raw string) (*principal.Principal, error) {
	var claims userClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, v.kf.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.cfg.UserAudience),
		jwt.WithLeeway(v.cfg.ClockSkew))
	if err != nil || !tok.Valid {
		return nil, classifyJWTError(err)
	}
	if v.cfg.UserIssuer != "" && claims.Issuer != v.cfg.UserIssuer {
		return nil, apperr.New(apperr.Unauthenticated, "wrong issuer").WithCode("wrong_audience")
	}
	if claims.Subject == "" {
		return nil, errors.New("user token missing subject")
	}

	issuedAt := time.Time{}
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time
	}
	expiresAt := time.Time{}
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	// Roles/permissions are deliberately empty here: the caller (Verifier)
	// fills them in from the role cache, which falls through to the
	// identity store on a miss.
	return &principal.Principal{
		ID:        claims.Subject,
		Kind:      principal.User,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}
