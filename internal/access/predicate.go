package access

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// Columns names the columns a Scope predicate is rendered against.
// AccessLevel is empty for tables without an access level (jobs).
type Columns struct {
	AccessLevel  string
	Organization string
	Owner        string
}

var (
	PredictionColumns = Columns{AccessLevel: "p.access_level", Organization: "p.organization_id", Owner: "p.created_by"}
	CompanyColumns    = Columns{AccessLevel: "c.access_level", Organization: "c.organization_id", Owner: "c.created_by"}
	JobColumns        = Columns{Organization: "organization_id", Owner: "user_id"}
)

// Predicate renders s as a parenthesised SQL boolean expression with
// positional placeholders starting at $argIdx. The caller advances its own
// index by len(args).
func (s Scope) Predicate(cols Columns, argIdx int) (string, []any) {
	switch s.Kind {
	case KindGlobal:
		return "TRUE", nil
	case KindSystem:
		if cols.AccessLevel == "" {
			return "FALSE", nil
		}
		return fmt.Sprintf("(%s = '%s')", cols.AccessLevel, models.AccessSystem), nil
	}

	var (
		terms []string
		args  []any
	)

	switch s.Kind {
	case KindPersonal:
		t := fmt.Sprintf("%s = $%d", cols.Owner, argIdx)
		if cols.AccessLevel != "" {
			t = fmt.Sprintf("(%s AND %s = '%s')", t, cols.AccessLevel, models.AccessPersonal)
		}
		terms = append(terms, t)
		args = append(args, s.UserID)
		argIdx++
	case KindOrganization:
		terms = append(terms, fmt.Sprintf("%s = $%d", cols.Organization, argIdx))
		args = append(args, s.OrganizationID)
		argIdx++
	case KindTenant:
		terms = append(terms, fmt.Sprintf(
			"%s IN (SELECT id FROM organizations WHERE tenant_id = $%d)", cols.Organization, argIdx))
		args = append(args, s.TenantID)
		argIdx++
	default:
		return "FALSE", nil
	}

	if s.IncludeSystem && cols.AccessLevel != "" {
		terms = append(terms, fmt.Sprintf("%s = '%s'", cols.AccessLevel, models.AccessSystem))
	}
	if s.Owner != uuid.Nil {
		terms = append(terms, fmt.Sprintf("%s = $%d", cols.Owner, argIdx))
		args = append(args, s.Owner)
	}

	return "(" + strings.Join(terms, " OR ") + ")", args
}
