package access

import (
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

var (
	ErrInvalidAccessLevel   = errors.New("invalid access level")
	ErrForbiddenAccessLevel = errors.New("access level not permitted for actor")
)

// WriteStamp decides the access level and owning organization of a record the
// actor creates. An empty requested level takes the derived default:
// organization members write at organization level, a super admin without an
// organization writes system data, everyone else writes personal data.
//
// Only a super admin may pick a level other than the derived one. System
// records never carry an organization.
func WriteStamp(a models.Actor, requested models.AccessLevel) (models.AccessLevel, *uuid.UUID, error) {
	if requested != "" && !requested.Valid() {
		return "", nil, ErrInvalidAccessLevel
	}

	level, org := derivedStamp(a)
	if requested == "" || requested == level {
		return level, org, nil
	}
	if a.Role != models.RoleSuperAdmin {
		return "", nil, ErrForbiddenAccessLevel
	}

	switch requested {
	case models.AccessSystem, models.AccessPersonal:
		return requested, nil, nil
	case models.AccessOrganization:
		if !a.HasOrganization() {
			return "", nil, ErrForbiddenAccessLevel
		}
		id := *a.OrganizationID
		return requested, &id, nil
	}
	return "", nil, ErrInvalidAccessLevel
}

func derivedStamp(a models.Actor) (models.AccessLevel, *uuid.UUID) {
	switch {
	case a.HasOrganization():
		id := *a.OrganizationID
		return models.AccessOrganization, &id
	case a.Role == models.RoleSuperAdmin:
		return models.AccessSystem, nil
	default:
		return models.AccessPersonal, nil
	}
}

// CanMutate reports whether the actor may delete or otherwise change the record.
// System records are reserved to super admins. Other records must be visible to
// the actor and either created by them or owned by an organization the actor
// administers.
func CanMutate(a models.Actor, r Ref) bool {
	if r.AccessLevel == models.AccessSystem {
		return a.Role == models.RoleSuperAdmin
	}
	if a.Role == models.RoleSuperAdmin {
		return true
	}
	if !VisibleScope(a).Matches(r) {
		return false
	}
	if r.CreatedBy == a.UserID {
		return true
	}
	return r.OrganizationID != nil && a.Role.AtLeast(models.RoleOrgAdmin)
}

// CanCancel reports whether the actor may cancel a job. The submitter always
// may; otherwise the same rule as CanMutate applies within the job scope.
func CanCancel(a models.Actor, r Ref) bool {
	if r.CreatedBy == a.UserID || a.Role == models.RoleSuperAdmin {
		return true
	}
	if !JobScope(a).Matches(r) {
		return false
	}
	return r.OrganizationID != nil && a.Role.AtLeast(models.RoleOrgAdmin)
}
