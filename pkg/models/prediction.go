package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessLevel is the visibility tier stamped on every scored record.
type AccessLevel string

const (
	AccessPersonal     AccessLevel = "personal"
	AccessOrganization AccessLevel = "organization"
	AccessSystem       AccessLevel = "system"
)

// Valid reports whether l is a known access level.
func (l AccessLevel) Valid() bool {
	switch l {
	case AccessPersonal, AccessOrganization, AccessSystem:
		return true
	}
	return false
}

const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// RiskLevel buckets a default probability into the risk classification.
func RiskLevel(probability float64) string {
	switch {
	case probability < 0.25:
		return RiskLow
	case probability < 0.50:
		return RiskMedium
	case probability < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Company is the target business entity a prediction is made for.
// Symbol is unique within the owning organization, creator (personal) or system scope.
type Company struct {
	ID             uuid.UUID   `db:"id"              json:"id"`
	Symbol         string      `db:"symbol"          json:"symbol"`
	Name           string      `db:"name"            json:"name"`
	Sector         *string     `db:"sector"          json:"sector,omitempty"`
	MarketCap      *float64    `db:"market_cap"      json:"market_cap,omitempty"`
	AccessLevel    AccessLevel `db:"access_level"    json:"access_level"`
	OrganizationID *uuid.UUID  `db:"organization_id" json:"organization_id,omitempty"`
	CreatedBy      uuid.UUID   `db:"created_by"      json:"created_by"`
	CreatedAt      time.Time   `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at"      json:"updated_at"`
}

// Prediction is the scored record produced for one input row.
type Prediction struct {
	ID                 uuid.UUID          `db:"id"                  json:"id"`
	CompanyID          uuid.UUID          `db:"company_id"          json:"company_id"`
	CompanySymbol      string             `db:"-"                   json:"company_symbol,omitempty"`
	Kind               string             `db:"kind"                json:"kind"`
	ReportingYear      int                `db:"reporting_year"      json:"reporting_year"`
	ReportingQuarter   *int               `db:"reporting_quarter"   json:"reporting_quarter,omitempty"`
	Features           map[string]float64 `db:"features"            json:"features"`
	DefaultProbability float64            `db:"default_probability" json:"default_probability"`
	RiskLevel          string             `db:"risk_level"          json:"risk_level"`
	Confidence         float64            `db:"confidence"          json:"confidence"`
	ModelVersion       string             `db:"model_version"       json:"model_version"`
	AccessLevel        AccessLevel        `db:"access_level"        json:"access_level"`
	OrganizationID     *uuid.UUID         `db:"organization_id"     json:"organization_id,omitempty"`
	TenantID           *uuid.UUID         `db:"-"                   json:"-"`
	CreatedBy          uuid.UUID          `db:"created_by"          json:"created_by"`
	JobID              *uuid.UUID         `db:"job_id"              json:"job_id,omitempty"`
	CreatedAt          time.Time          `db:"created_at"          json:"created_at"`
}

// PredictionKey is the uniqueness key of a prediction.
type PredictionKey struct {
	CompanyID        uuid.UUID
	ReportingYear    int
	ReportingQuarter *int
	OrganizationID   *uuid.UUID
}
