// Package access computes which records an actor may see and how records an
// actor creates are stamped. Everything here is a pure function of the actor
// attributes passed in; nothing is cached.
package access

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// Kind is the tier of a Scope.
type Kind int

const (
	KindPersonal Kind = iota + 1
	KindOrganization
	KindTenant
	KindGlobal
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindPersonal:
		return "personal"
	case KindOrganization:
		return "organization"
	case KindTenant:
		return "tenant"
	case KindGlobal:
		return "global"
	case KindSystem:
		return "system"
	default:
		return "invalid"
	}
}

// Scope is the read filter for one actor. Only the ID matching Kind is meaningful.
//
// IncludeSystem adds global system records on top of the tier. Owner, when set,
// makes records created by that user visible regardless of tier; it is used for
// jobs, which are always visible to their submitter.
type Scope struct {
	Kind           Kind
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	TenantID       uuid.UUID
	IncludeSystem  bool
	Owner          uuid.UUID
}

// Personal matches records the user created at the personal level.
func Personal(userID uuid.UUID) Scope {
	return Scope{Kind: KindPersonal, UserID: userID, IncludeSystem: true}
}

// Organization matches records owned by the organization.
func Organization(orgID uuid.UUID) Scope {
	return Scope{Kind: KindOrganization, OrganizationID: orgID, IncludeSystem: true}
}

// Tenant matches records whose organization belongs to the tenant.
func Tenant(tenantID uuid.UUID) Scope {
	return Scope{Kind: KindTenant, TenantID: tenantID, IncludeSystem: true}
}

// Global matches everything.
func Global() Scope {
	return Scope{Kind: KindGlobal}
}

// SystemScope matches only system-level records. It is the filter of the
// dedicated system-data listing and is the same for every actor class.
func SystemScope() Scope {
	return Scope{Kind: KindSystem}
}

// VisibleScope is the default read filter for an actor. Rules, in order of precedence:
//
//	super_admin                      -> Global
//	tenant_admin attached to tenant  -> Tenant(tenant) + system
//	member of an organization        -> Organization(org) + system
//	otherwise                        -> Personal(user) + system
func VisibleScope(a models.Actor) Scope {
	switch {
	case a.Role == models.RoleSuperAdmin:
		return Global()
	case a.Role == models.RoleTenantAdmin && a.HasTenant():
		return Tenant(*a.TenantID)
	case a.HasOrganization():
		return Organization(*a.OrganizationID)
	default:
		return Personal(a.UserID)
	}
}

// JobScope is the read filter for jobs: the actor's tier without system
// records, plus every job the actor submitted.
func JobScope(a models.Actor) Scope {
	s := VisibleScope(a)
	s.IncludeSystem = false
	if s.Kind != KindGlobal {
		s.Owner = a.UserID
	}
	return s
}

// WithoutSystem returns a copy of s that never includes system records.
func (s Scope) WithoutSystem() Scope {
	s.IncludeSystem = false
	return s
}

func (s Scope) String() string {
	var base string
	switch s.Kind {
	case KindPersonal:
		base = fmt.Sprintf("personal(user=%s)", s.UserID)
	case KindOrganization:
		base = fmt.Sprintf("organization(%s)", s.OrganizationID)
	case KindTenant:
		base = fmt.Sprintf("tenant(%s)", s.TenantID)
	default:
		base = s.Kind.String()
	}
	if s.IncludeSystem {
		base += "+system"
	}
	if s.Owner != uuid.Nil {
		base += fmt.Sprintf("+owner(%s)", s.Owner)
	}
	return base
}

// Ref carries the ownership attributes of a record, enough to decide visibility
// in memory. TenantID is the tenant of OrganizationID. AccessLevel is empty for
// records without an access level column (jobs).
type Ref struct {
	AccessLevel    models.AccessLevel
	OrganizationID *uuid.UUID
	TenantID       *uuid.UUID
	CreatedBy      uuid.UUID
}

// Matches reports whether r is visible under s. It agrees with Predicate.
func (s Scope) Matches(r Ref) bool {
	if s.Kind == KindGlobal {
		return true
	}
	if s.Kind == KindSystem {
		return r.AccessLevel == models.AccessSystem
	}
	if s.IncludeSystem && r.AccessLevel == models.AccessSystem {
		return true
	}
	if s.Owner != uuid.Nil && r.CreatedBy == s.Owner {
		return true
	}

	switch s.Kind {
	case KindPersonal:
		return r.CreatedBy == s.UserID &&
			(r.AccessLevel == "" || r.AccessLevel == models.AccessPersonal)
	case KindOrganization:
		return r.OrganizationID != nil && *r.OrganizationID == s.OrganizationID
	case KindTenant:
		return r.OrganizationID != nil && r.TenantID != nil && *r.TenantID == s.TenantID
	}
	return false
}
