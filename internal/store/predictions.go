package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// --- Companies ---

const companyColumns = `id, symbol, name, sector, market_cap, access_level, organization_id, created_by, created_at, updated_at`

func scanCompany(row pgx.Row) (*models.Company, error) {
	var (
		c     models.Company
		level string
	)
	if err := row.Scan(&c.ID, &c.Symbol, &c.Name, &c.Sector, &c.MarketCap, &level,
		&c.OrganizationID, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.AccessLevel = models.AccessLevel(level)
	return &c, nil
}

// findCompany looks up a company by its natural key: the symbol within the
// owning organization, the creator's personal data, or the system data set.
func (s *PostgresStore) findCompany(ctx context.Context, c *models.Company) (*models.Company, error) {
	var (
		where string
		args  []any
	)
	switch c.AccessLevel {
	case models.AccessOrganization:
		where, args = "access_level = 'organization' AND organization_id = $1 AND symbol = $2", []any{c.OrganizationID, c.Symbol}
	case models.AccessPersonal:
		where, args = "access_level = 'personal' AND created_by = $1 AND symbol = $2", []any{c.CreatedBy, c.Symbol}
	case models.AccessSystem:
		where, args = "access_level = 'system' AND symbol = $1", []any{c.Symbol}
	default:
		return nil, fmt.Errorf("resolve company: unknown access level %q", c.AccessLevel)
	}

	found, err := scanCompany(s.pool.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find company: %w", err)
	}
	return found, nil
}

// ResolveCompany returns the company with c's natural key, creating it from c
// when absent. Concurrent resolvers of the same key get the same row.
func (s *PostgresStore) ResolveCompany(ctx context.Context, c *models.Company) (*models.Company, error) {
	found, err := s.findCompany(ctx, c)
	if err == nil {
		return found, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	created, err := scanCompany(s.pool.QueryRow(ctx,
		`INSERT INTO companies (id, symbol, name, sector, market_cap, access_level, organization_id, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING
		 RETURNING `+companyColumns,
		c.ID, c.Symbol, c.Name, c.Sector, c.MarketCap, string(c.AccessLevel), c.OrganizationID,
		c.CreatedBy, c.CreatedAt, c.UpdatedAt))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("create company: %w", err)
	}
	return s.findCompany(ctx, c)
}

// --- Predictions ---

func (s *PostgresStore) PredictionExists(ctx context.Context, key models.PredictionKey) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM predictions
		   WHERE company_id = $1 AND reporting_year = $2
		     AND reporting_quarter IS NOT DISTINCT FROM $3
		     AND organization_id IS NOT DISTINCT FROM $4)`,
		key.CompanyID, key.ReportingYear, key.ReportingQuarter, key.OrganizationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check prediction exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreatePrediction(ctx context.Context, p *models.Prediction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO predictions (id, company_id, kind, reporting_year, reporting_quarter, features,
		   default_probability, risk_level, confidence, model_version, access_level, organization_id,
		   created_by, job_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.CompanyID, p.Kind, p.ReportingYear, p.ReportingQuarter, p.Features,
		p.DefaultProbability, p.RiskLevel, p.Confidence, p.ModelVersion, string(p.AccessLevel),
		p.OrganizationID, p.CreatedBy, p.JobID, p.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create prediction: %w", err)
	}
	return nil
}

const predictionSelect = `SELECT p.id, p.company_id, c.symbol, p.kind, p.reporting_year, p.reporting_quarter,
	p.features, p.default_probability, p.risk_level, p.confidence, p.model_version, p.access_level,
	p.organization_id, o.tenant_id, p.created_by, p.job_id, p.created_at
	FROM predictions p
	JOIN companies c ON c.id = p.company_id
	LEFT JOIN organizations o ON o.id = p.organization_id`

func scanPrediction(row pgx.Row) (*models.Prediction, error) {
	var (
		p     models.Prediction
		level string
	)
	if err := row.Scan(&p.ID, &p.CompanyID, &p.CompanySymbol, &p.Kind, &p.ReportingYear, &p.ReportingQuarter,
		&p.Features, &p.DefaultProbability, &p.RiskLevel, &p.Confidence, &p.ModelVersion, &level,
		&p.OrganizationID, &p.TenantID, &p.CreatedBy, &p.JobID, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.AccessLevel = models.AccessLevel(level)
	return &p, nil
}

func (s *PostgresStore) ListPredictions(ctx context.Context, filter PredictionFilter) ([]*models.Prediction, int, error) {
	clause, args := filter.Scope.Predicate(access.PredictionColumns, 1)
	conditions := []string{clause}
	argIdx := len(args) + 1

	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("p.kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Symbol != "" {
		conditions = append(conditions, fmt.Sprintf("c.symbol = $%d", argIdx))
		args = append(args, strings.ToUpper(filter.Symbol))
		argIdx++
	}
	if filter.JobID != nil {
		conditions = append(conditions, fmt.Sprintf("p.job_id = $%d", argIdx))
		args = append(args, *filter.JobID)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := `SELECT COUNT(*) FROM predictions p JOIN companies c ON c.id = p.company_id WHERE ` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count predictions: %w", err)
	}

	_, limit, offset := Paginate(filter.Page, filter.Limit)
	dataQuery := fmt.Sprintf(`%s WHERE %s ORDER BY p.created_at DESC, p.id LIMIT $%d OFFSET $%d`,
		predictionSelect, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list predictions: %w", err)
	}
	defer rows.Close()

	var out []*models.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) GetPrediction(ctx context.Context, id uuid.UUID, scope access.Scope) (*models.Prediction, error) {
	clause, args := scope.Predicate(access.PredictionColumns, 2)
	p, err := scanPrediction(s.pool.QueryRow(ctx,
		predictionSelect+` WHERE p.id = $1 AND `+clause,
		append([]any{id}, args...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) DeletePrediction(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM predictions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete prediction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
