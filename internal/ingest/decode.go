package ingest

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// Key identifies the company and reporting period of a row, plus the company
// attributes used when the company has to be created.
type Key struct {
	Symbol    string   `csv:"company_symbol"    validate:"required,max=20"`
	Name      string   `csv:"company_name"      validate:"max=255"`
	Sector    *string  `csv:"sector"            validate:"omitempty,max=100"`
	MarketCap *float64 `csv:"market_cap"        validate:"omitempty,gte=0"`
	Year      int      `csv:"reporting_year"    validate:"gte=1990,lte=2100"`
	Quarter   *int     `csv:"reporting_quarter" validate:"omitempty,gte=1,lte=4"`
}

// AnnualFeatures are the financial ratios scored for an annual prediction.
type AnnualFeatures struct {
	LongTermDebtToTotalCapital float64 `csv:"long_term_debt_to_total_capital" validate:"gte=0,lte=1"`
	TotalDebtToEBITDA          float64 `csv:"total_debt_to_ebitda"            validate:"gte=-100,lte=100"`
	NetIncomeMargin            float64 `csv:"net_income_margin"               validate:"gte=-10,lte=10"`
	EBITToInterestExpense      float64 `csv:"ebit_to_interest_expense"        validate:"gte=-1000,lte=1000"`
	ReturnOnAssets             float64 `csv:"return_on_assets"                validate:"gte=-1,lte=1"`
}

// QuarterlyFeatures are the financial ratios scored for a quarterly prediction.
type QuarterlyFeatures struct {
	TotalDebtToEBITDA          float64 `csv:"total_debt_to_ebitda"            validate:"gte=-100,lte=100"`
	SGAMargin                  float64 `csv:"sga_margin"                      validate:"gte=0,lte=5"`
	LongTermDebtToTotalCapital float64 `csv:"long_term_debt_to_total_capital" validate:"gte=0,lte=1"`
	ReturnOnCapital            float64 `csv:"return_on_capital"               validate:"gte=-5,lte=5"`
}

// Decoder turns normalized rows into typed records. It is safe for concurrent use.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder returns a Decoder whose validation errors are reported by column name.
func NewDecoder() *Decoder {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("csv"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Decoder{validate: v}
}

// DecodeKey parses and validates the identifying columns of a row.
func (d *Decoder) DecodeKey(kind string, row models.InputRow) (Key, *models.RowError) {
	var key Key
	symbol := strings.ToUpper(strings.TrimSpace(row.Values["company_symbol"]))
	rowErr := func(field, msg string) *models.RowError {
		return &models.RowError{Row: row.Index, Symbol: symbol, Field: field, Code: models.RowErrValidation, Message: msg}
	}

	if symbol == "" {
		return key, rowErr("company_symbol", "is required")
	}
	key.Symbol = symbol
	key.Name = row.Values["company_name"]
	if key.Name == "" {
		key.Name = symbol
	}
	if s := row.Values["sector"]; s != "" {
		key.Sector = &s
	}
	if s := row.Values["market_cap"]; s != "" {
		v, err := parseNumber(s)
		if err != nil {
			return key, rowErr("market_cap", err.Error())
		}
		key.MarketCap = &v
	}

	year, err := parseInt(row.Values["reporting_year"])
	if err != nil {
		return key, rowErr("reporting_year", err.Error())
	}
	key.Year = year

	if kind == models.JobKindQuarterly {
		q, err := parseQuarter(row.Values["reporting_quarter"])
		if err != nil {
			return key, rowErr("reporting_quarter", err.Error())
		}
		key.Quarter = &q
	}

	if err := d.validate.Struct(key); err != nil {
		field, msg := describe(err)
		return key, rowErr(field, msg)
	}
	return key, nil
}

// DecodeFeatures parses the feature columns of a row and checks their ranges.
// The returned map is keyed by column name.
func (d *Decoder) DecodeFeatures(kind string, row models.InputRow) (map[string]float64, *models.RowError) {
	var target any
	switch kind {
	case models.JobKindAnnual:
		target = &AnnualFeatures{}
	case models.JobKindQuarterly:
		target = &QuarterlyFeatures{}
	default:
		return nil, &models.RowError{Row: row.Index, Code: models.RowErrValidation, Message: ErrUnknownKind.Error()}
	}

	symbol := strings.ToUpper(strings.TrimSpace(row.Values["company_symbol"]))
	rowErr := func(field, msg string) *models.RowError {
		return &models.RowError{Row: row.Index, Symbol: symbol, Field: field, Code: models.RowErrValidation, Message: msg}
	}

	features := make(map[string]float64)
	rv := reflect.ValueOf(target).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		col := rt.Field(i).Tag.Get("csv")
		v, err := parseNumber(row.Values[col])
		if err != nil {
			return nil, rowErr(col, err.Error())
		}
		rv.Field(i).SetFloat(v)
		features[col] = v
	}

	if err := d.validate.Struct(target); err != nil {
		field, msg := describe(err)
		return nil, rowErr(field, msg)
	}
	return features, nil
}

// describe renders the first validation failure as (column, reason).
func describe(err error) (string, string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "", err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field(), "is required"
	case "gte":
		return fe.Field(), "must be >= " + fe.Param()
	case "lte":
		return fe.Field(), "must be <= " + fe.Param()
	case "max":
		return fe.Field(), "must be at most " + fe.Param() + " characters"
	default:
		return fe.Field(), fmt.Sprintf("failed %s rule", fe.Tag())
	}
}

var (
	errRequired  = errors.New("is required")
	errNotNumber = errors.New("must be a number")
	errNotInt    = errors.New("must be a whole number")
	errQuarter   = errors.New("must be 1-4 or Q1-Q4")
)

// groupedNumber matches values written with comma thousands separators ("1,234.5").
var groupedNumber = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)

func parseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errRequired
	}
	if strings.Contains(s, ",") {
		if !groupedNumber.MatchString(s) {
			return 0, errNotNumber
		}
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotNumber
	}
	return v, nil
}

// parseInt accepts integral floats ("2023.0") since spreadsheets often format years that way.
func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errRequired
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, errNotInt
	}
	return int(f), nil
}

func parseQuarter(s string) (int, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, errRequired
	}
	s = strings.TrimPrefix(s, "Q")
	n, err := parseInt(s)
	if err != nil {
		return 0, errQuarter
	}
	return n, nil
}

// OptionalColumns are read when present but never required.
func OptionalColumns() []string {
	return optionalColumns
}
