package authn

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVerifier() *Verifier {
	signer := NewMachineSigner(testAuthConfig())
	return NewVerifier(testAuthConfig(), signer, nil, nil)
}

func TestMiddlewareAppliesOnBehalfOfWhenPermitted(t *testing.T) {
	v := newTestVerifier()
	token, _, err := v.machine.Mint("runtime-client", []string{"agent_runtime_client"}, []string{"agent:read:any"})
	require.NoError(t, err)

	var seen string
	handler := Middleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = p.OnBehalfOf
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-On-Behalf-Of", "user-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user-42", seen)
}

func TestMiddlewareIgnoresOnBehalfOfWithoutPermission(t *testing.T) {
	v := newTestVerifier()
	token, _, err := v.machine.Mint("runtime-client", []string{"agent_runtime_client"}, nil)
	require.NoError(t, err)

	var seen string
	handler := Middleware(v, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := FromContext(r.Context())
		seen = p.OnBehalfOf
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-On-Behalf-Of", "user-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, seen)
}
