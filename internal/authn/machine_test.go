package authn

import (
	"testing"
	"time"

	"github.com/agentflow/control-plane/internal/config"
	"github.com/agentflow/control-plane/pkg/principal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		M2MSecret:   "test-secret",
		M2MIssuer:   "agentflow-control-plane",
		M2MAudience: "agentflow-services",
		M2MTokenTTL: 15 * time.Minute,
		ClockSkew:   30 * time.Second,
	}
}

func TestMachineSignerRoundTripsRolesAndPermissions(t *testing.T) {
	signer := NewMachineSigner(testAuthConfig())

	raw, _, err := signer.Mint("client-1", []string{"agent_runtime_client"}, []string{"agent:read:any", "agent:deploy"})
	require.NoError(t, err)

	p, err := signer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, principal.Machine, p.Kind)
	assert.True(t, p.HasRole("agent_runtime_client"))
	assert.True(t, p.HasPermission("agent:read:any"))
	assert.True(t, p.HasPermission("agent:deploy"))
	assert.False(t, p.HasPermission("admin:manage_platform"))
}

func TestMachineSignerWithoutPermissionsGrantsNone(t *testing.T) {
	signer := NewMachineSigner(testAuthConfig())

	raw, _, err := signer.Mint("client-1", []string{"user"}, nil)
	require.NoError(t, err)

	p, err := signer.Verify(raw)
	require.NoError(t, err)
	assert.False(t, p.HasPermission("agent:read"))
}
