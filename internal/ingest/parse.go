// Package ingest turns uploaded CSV and XLSX files into normalized rows and
// decodes individual rows into typed, range-checked records.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"

	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// HardMaxRows is the ceiling on data rows in one upload regardless of configuration.
const HardMaxRows = 10000

var (
	ErrUnrecognizedFormat = errors.New("unrecognized file format")
	ErrMissingColumns     = errors.New("missing required columns")
	ErrEmptyFile          = errors.New("file contains no data rows")
	ErrTooManyRows        = errors.New("too many rows")
	ErrUnknownKind        = errors.New("unknown job kind")
)

// MissingColumnsError lists the required columns absent from the header.
type MissingColumnsError struct {
	Columns []string
}

func (e *MissingColumnsError) Error() string {
	return ErrMissingColumns.Error() + ": " + strings.Join(e.Columns, ", ")
}

func (e *MissingColumnsError) Unwrap() error { return ErrMissingColumns }

// TooManyRowsError reports the row ceiling that was exceeded.
type TooManyRowsError struct {
	Max int
}

func (e *TooManyRowsError) Error() string {
	return fmt.Sprintf("%s: file exceeds %d data rows", ErrTooManyRows, e.Max)
}

func (e *TooManyRowsError) Unwrap() error { return ErrTooManyRows }

var zipMagic = []byte("PK\x03\x04")

var (
	annualColumns = []string{
		"company_symbol", "reporting_year", "long_term_debt_to_total_capital",
		"total_debt_to_ebitda", "net_income_margin", "ebit_to_interest_expense", "return_on_assets",
	}
	quarterlyColumns = []string{
		"company_symbol", "reporting_year", "reporting_quarter",
		"total_debt_to_ebitda", "sga_margin", "long_term_debt_to_total_capital", "return_on_capital",
	}
	optionalColumns = []string{"company_name", "sector", "market_cap"}
)

// RequiredColumns returns the columns a file of the given kind must carry.
func RequiredColumns(kind string) ([]string, error) {
	switch kind {
	case models.JobKindAnnual:
		return annualColumns, nil
	case models.JobKindQuarterly:
		return quarterlyColumns, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Parse validates an upload at the file level and returns its data rows in
// file order. Row indexes are 1-based over non-blank data rows. Values are
// trimmed and keyed by normalized header name. Per-row type and range errors
// are left to Decode.
//
// maxRows <= 0, or above HardMaxRows, means HardMaxRows.
func Parse(data []byte, filename, kind string, maxRows int) ([]models.InputRow, error) {
	required, err := RequiredColumns(kind)
	if err != nil {
		return nil, err
	}
	if maxRows <= 0 || maxRows > HardMaxRows {
		maxRows = HardMaxRows
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyFile
	}

	records, err := readRecords(data, filename)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyFile
	}

	header := normalizeHeader(records[0])
	if missing := missingColumns(header, required); len(missing) > 0 {
		return nil, &MissingColumnsError{Columns: missing}
	}

	rows := make([]models.InputRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		if len(rows) == maxRows {
			return nil, &TooManyRowsError{Max: maxRows}
		}
		values := make(map[string]string, len(header))
		for i, col := range header {
			if col == "" || i >= len(rec) {
				continue
			}
			if _, dup := values[col]; dup {
				continue
			}
			values[col] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, models.InputRow{Index: len(rows) + 1, Values: values})
	}

	if len(rows) == 0 {
		return nil, ErrEmptyFile
	}
	return rows, nil
}

func readRecords(data []byte, filename string) ([][]string, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch {
	case bytes.HasPrefix(data, zipMagic):
		if ext != "" && ext != ".xlsx" {
			return nil, fmt.Errorf("%w: %s is an archive", ErrUnrecognizedFormat, filename)
		}
		return readXLSX(data)
	case ext == ".csv" || (ext == "" && looksLikeText(data)):
		return readCSV(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnrecognizedFormat, filename)
	}
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !looksLikeText(data) {
		return nil, fmt.Errorf("%w: not a text file", ErrUnrecognizedFormat)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}
	return records, nil
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognizedFormat, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: reading sheet %q: %v", ErrUnrecognizedFormat, sheets[0], err)
	}
	return rows, nil
}

func looksLikeText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

// NormalizeColumn trims a header cell, lower-cases it and replaces inner spaces with underscores.
func NormalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), "_")
}

func normalizeHeader(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = NormalizeColumn(strings.TrimPrefix(c, "\ufeff"))
	}
	return out
}

func missingColumns(header, required []string) []string {
	present := make(map[string]bool, len(header))
	for _, h := range header {
		present[h] = true
	}
	var missing []string
	for _, col := range required {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing
}

func isBlank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
