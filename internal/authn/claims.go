package authn

import "github.com/golang-jwt/jwt/v5"

// machineClaims is the claim set embedded in a minted M2M token. Roles are
// embedded at issuance time per the identity store's token endpoint; the
// verifier trusts them for the life of the token rather than re-querying C2.
type machineClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// userClaims is the minimal claim set the verifier reads off a provider-
// issued user token. Unknown claims are ignored; roles for user principals
// are never embedded in the token, they are fetched from C2 on demand.
type userClaims struct {
	jwt.RegisteredClaims
}
