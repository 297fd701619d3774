package ingest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

const annualHeader = "company_symbol,reporting_year,long_term_debt_to_total_capital,total_debt_to_ebitda,net_income_margin,ebit_to_interest_expense,return_on_assets"

func annualCSV(rows ...string) []byte {
	return []byte(annualHeader + "\n" + strings.Join(rows, "\n") + "\n")
}

func TestParse_CSV(t *testing.T) {
	data := annualCSV(
		"aapl,2023,0.3,1.5,0.2,12,0.1",
		"",
		"MSFT,2023,0.2,1.1,0.3,20,0.15",
	)

	rows, err := Parse(data, "upload.csv", models.JobKindAnnual, 0)

	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Index)
	assert.Equal(t, "aapl", rows[0].Values["company_symbol"])
	assert.Equal(t, 2, rows[1].Index)
	assert.Equal(t, "0.15", rows[1].Values["return_on_assets"])
}

func TestParse_NormalizesHeader(t *testing.T) {
	data := []byte("\xef\xbb\xbf Company Symbol ,Reporting Year,Long Term Debt To Total Capital,TOTAL_DEBT_TO_EBITDA,net income margin,ebit to interest expense,Return On Assets\n" +
		"AAPL,2023,0.3,1.5,0.2,12,0.1\n")

	rows, err := Parse(data, "upload.csv", models.JobKindAnnual, 0)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "AAPL", rows[0].Values["company_symbol"])
	assert.Equal(t, "0.1", rows[0].Values["return_on_assets"])
}

func TestParse_MissingColumns(t *testing.T) {
	data := []byte("company_symbol,reporting_year,total_debt_to_ebitda\nAAPL,2023,1\n")

	_, err := Parse(data, "upload.csv", models.JobKindQuarterly, 0)

	require.ErrorIs(t, err, ErrMissingColumns)
	var mc *MissingColumnsError
	require.ErrorAs(t, err, &mc)
	assert.Equal(t, []string{"reporting_quarter", "sga_margin", "long_term_debt_to_total_capital", "return_on_capital"}, mc.Columns)
}

func TestParse_EmptyFile(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"no bytes", nil},
		{"whitespace", []byte("  \n\n")},
		{"header only", annualCSV()},
		{"header and blank lines", []byte(annualHeader + "\n,,,,,,\n\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, "upload.csv", models.JobKindAnnual, 0)
			assert.ErrorIs(t, err, ErrEmptyFile)
		})
	}
}

func TestParse_TooManyRows(t *testing.T) {
	var rows []string
	for i := 0; i < 6; i++ {
		rows = append(rows, fmt.Sprintf("C%d,2023,0.3,1.5,0.2,12,0.1", i))
	}

	_, err := Parse(annualCSV(rows...), "upload.csv", models.JobKindAnnual, 5)
	assert.ErrorIs(t, err, ErrTooManyRows)

	got, err := Parse(annualCSV(rows[:5]...), "upload.csv", models.JobKindAnnual, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func TestParse_HardCeiling(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(annualHeader + "\n")
	for i := 0; i <= HardMaxRows; i++ {
		fmt.Fprintf(&sb, "C%d,2023,0.3,1.5,0.2,12,0.1\n", i)
	}

	_, err := Parse([]byte(sb.String()), "upload.csv", models.JobKindAnnual, 50000)

	var tm *TooManyRowsError
	require.ErrorAs(t, err, &tm)
	assert.Equal(t, HardMaxRows, tm.Max)
}

func TestParse_UnrecognizedFormat(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		filename string
	}{
		{"pdf extension", []byte("%PDF-1.7"), "report.pdf"},
		{"binary csv", []byte{0x00, 0x01, 0x02, 0xff}, "upload.csv"},
		{"zip with wrong extension", []byte("PK\x03\x04garbage"), "archive.zip"},
		{"corrupt xlsx", []byte("PK\x03\x04garbage"), "upload.xlsx"},
		{"malformed quotes", []byte(annualHeader + "\n\"AAPL,2023\n"), "upload.csv"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, tt.filename, models.JobKindAnnual, 0)
			assert.ErrorIs(t, err, ErrUnrecognizedFormat)
		})
	}
}

func TestParse_UnknownKind(t *testing.T) {
	_, err := Parse(annualCSV("AAPL,2023,0.3,1.5,0.2,12,0.1"), "upload.csv", "monthly_predictions", 0)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParse_XLSX(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	header := []any{"Company Symbol", "Reporting Year", "Reporting Quarter", "Total Debt To EBITDA", "SGA Margin", "Long Term Debt To Total Capital", "Return On Capital", "Sector"}
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &header))
	row := []any{"TSLA", 2024, "Q2", 2.5, 0.4, 0.25, 0.12, "Automotive"}
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &row))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	rows, err := Parse(buf.Bytes(), "upload.xlsx", models.JobKindQuarterly, 0)

	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "TSLA", rows[0].Values["company_symbol"])
	assert.Equal(t, "2024", rows[0].Values["reporting_year"])
	assert.Equal(t, "Q2", rows[0].Values["reporting_quarter"])
	assert.Equal(t, "Automotive", rows[0].Values["sector"])
}

func TestNormalizeColumn(t *testing.T) {
	assert.Equal(t, "company_symbol", NormalizeColumn("  Company   Symbol "))
	assert.Equal(t, "sga_margin", NormalizeColumn("SGA_Margin"))
	assert.Equal(t, "", NormalizeColumn("   "))
}
