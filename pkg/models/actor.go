// Package models contains shared data models used across the riskbatch codebase.
package models

import "github.com/google/uuid"

// Role is a position in the ordered privilege hierarchy.
type Role string

const (
	RoleUser        Role = "user"
	RoleOrgMember   Role = "org_member"
	RoleOrgAdmin    Role = "org_admin"
	RoleTenantAdmin Role = "tenant_admin"
	RoleSuperAdmin  Role = "super_admin"
)

var roleRank = map[Role]int{
	RoleUser:        1,
	RoleOrgMember:   2,
	RoleOrgAdmin:    3,
	RoleTenantAdmin: 4,
	RoleSuperAdmin:  5,
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r ranks at or above min. Unknown roles rank below everything.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min] && roleRank[r] > 0
}

// Actor is the authenticated caller. It is owned by the identity subsystem;
// this codebase only reads it.
type Actor struct {
	UserID         uuid.UUID  `json:"user_id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	TenantID       *uuid.UUID `json:"tenant_id,omitempty"`
	Role           Role       `json:"role"`
}

// HasOrganization reports whether the actor belongs to an organization.
func (a Actor) HasOrganization() bool {
	return a.OrganizationID != nil && *a.OrganizationID != uuid.Nil
}

// HasTenant reports whether the actor is attached to a tenant.
func (a Actor) HasTenant() bool {
	return a.TenantID != nil && *a.TenantID != uuid.Nil
}
