package authn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleCacheSetAndGet(t *testing.T) {
	c := NewRoleCache(8, time.Minute)
	c.Set("user-1", []string{"user"}, []string{"agent:read"})

	roles, perms, ok := c.Get("user-1")
	require.True(t, ok)
	assert.Equal(t, []string{"user"}, roles)
	assert.Equal(t, []string{"agent:read"}, perms)
}

func TestRoleCacheMissForUnknownSubject(t *testing.T) {
	c := NewRoleCache(8, time.Minute)
	_, _, ok := c.Get("nobody")
	assert.False(t, ok)
}

func TestRoleCacheExpiresAfterTTL(t *testing.T) {
	c := NewRoleCache(8, time.Millisecond)
	c.Set("user-1", []string{"user"}, nil)
	time.Sleep(5 * time.Millisecond)

	_, _, ok := c.Get("user-1")
	assert.False(t, ok)
}

func TestRoleCacheInvalidate(t *testing.T) {
	c := NewRoleCache(8, time.Minute)
	c.Set("user-1", []string{"user"}, nil)
	c.Invalidate("user-1")

	_, _, ok := c.Get("user-1")
	assert.False(t, ok)
}
