// Package identity implements the Identity Store: profiles, roles,
// permissions, machine clients, and the bootstrap protocol that lets a
// dependent service acquire its own machine-client credentials at cold
// start. Grounded on the teacher's internal/store component stores and on
// original_source/auth_service/bootstrap.py for bootstrap semantics.
package identity

import "time"

type Profile struct {
	ID          string
	Email       string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Role struct {
	ID          string
	Name        string
	Description string
}

type Permission struct {
	ID   string
	Name string
}

type MachineClient struct {
	ClientID    string
	Name        string
	SecretHash  string
	AssignedRoles []string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// CoreRoles and CorePermissions are seeded idempotently by Bootstrap,
// grounded on original_source/auth_service/bootstrap.py's CORE_ROLES /
// CORE_PERMISSIONS constants.
var CoreRoles = []Role{
	{Name: "admin", Description: "full platform access"},
	{Name: "user", Description: "standard authenticated user"},
	{Name: "free_tier_user", Description: "user on the free tier"},
	{Name: "pro_tier_user", Description: "user on the pro tier"},
	{Name: "agent_runtime_client", Description: "machine client representing a deployed agent runtime"},
}

var CorePermissions = []string{
	"system:agents:read",
	"agent:read",
	"agent:read:any",
	"agent:write",
	"agent:write:any",
	"agent:create",
	"agent:deploy",
	"deployment:create",
	"deployment:read:any",
	"conversation:read:any",
	"runtime:invoke",
	"admin:manage_platform",
}

// CoreRolePermissions maps each core role to the permission names it is
// granted, mirroring bootstrap.py's ROLE_PERMISSIONS_MAP. "admin" needs no
// entry: the admin wildcard in pkg/principal already grants everything.
var CoreRolePermissions = map[string][]string{
	"user":                 {"agent:read", "agent:write", "agent:create", "agent:deploy", "deployment:create"},
	"free_tier_user":       {"agent:read", "agent:write", "agent:create"},
	"pro_tier_user":        {"agent:read", "agent:write", "agent:create", "agent:deploy", "deployment:create"},
	"agent_runtime_client": {"agent:read:any", "agent:deploy", "system:agents:read", "runtime:invoke"},
}
