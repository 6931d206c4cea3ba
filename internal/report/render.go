package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"
)

// renderHeader carries the report identity onto the rendered artifact
type renderHeader struct {
	ReportID     string
	ReportName   string
	ReportType   string
	Jurisdiction string
	GeneratedAt  time.Time
	GeneratedBy  string
}

// render produces the report content in the requested format
func render(format string, header renderHeader, result *AggregateResult) ([]byte, error) {
	switch format {
	case FormatJSON:
		return renderJSON(header, result)
	case FormatCSV:
		return renderCSV(header, result)
	case FormatPDF:
		return renderPDF(header, result)
	case FormatExcel:
		return renderExcel(header, result)
	default:
		return nil, fmt.Errorf("unsupported report format: %s", format)
	}
}

func renderJSON(header renderHeader, result *AggregateResult) ([]byte, error) {
	payload := map[string]interface{}{
		"report_id":    header.ReportID,
		"report_name":  header.ReportName,
		"report_type":  header.ReportType,
		"jurisdiction": header.Jurisdiction,
		"period_start": result.PeriodStart.Format(DateLayout),
		"period_end":   result.PeriodEnd.Format(DateLayout),
		"generated_at": header.GeneratedAt,
		"generated_by": header.GeneratedBy,
		"applicable_rules": result.ApplicableRules,
		"rule_changes":     result.RuleChanges,
		"summary":          result.Summary,
	}

	content, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON report: %w", err)
	}

	return content, nil
}

func renderCSV(header renderHeader, result *AggregateResult) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write([]string{"section", "id", "name", "detail", "timestamp"}); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rule := range result.ApplicableRules {
		record := []string{"rule", rule.RuleID, rule.Name, rule.Framework, rule.EffectiveDate.Format(DateLayout)}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	for _, change := range result.RuleChanges {
		record := []string{"change", change.EventID, change.RuleID, change.ChangeType, change.OccurredAt.Format(time.RFC3339)}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV content: %w", err)
	}

	return buf.Bytes(), nil
}

func renderPDF(header renderHeader, result *AggregateResult) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(40, 10, header.ReportName)
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	pdf.Cell(40, 6, fmt.Sprintf("Report ID: %s", header.ReportID))
	pdf.Ln(6)
	pdf.Cell(40, 6, fmt.Sprintf("Jurisdiction: %s", header.Jurisdiction))
	pdf.Ln(6)
	pdf.Cell(40, 6, fmt.Sprintf("Period: %s to %s",
		result.PeriodStart.Format(DateLayout), result.PeriodEnd.Format(DateLayout)))
	pdf.Ln(10)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(40, 8, "Applicable Rules")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 10)
	for _, rule := range result.ApplicableRules {
		pdf.Cell(40, 6, fmt.Sprintf("%s - %s (%s)", rule.RuleID, rule.Name, rule.Framework))
		pdf.Ln(6)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(40, 8, "Rule Changes In Period")
	pdf.Ln(8)
	pdf.SetFont("Arial", "", 10)
	if len(result.RuleChanges) == 0 {
		pdf.Cell(40, 6, "No rule changes recorded")
		pdf.Ln(6)
	}
	for _, change := range result.RuleChanges {
		pdf.Cell(40, 6, fmt.Sprintf("%s %s at %s",
			change.RuleID, change.ChangeType, change.OccurredAt.Format(time.RFC3339)))
		pdf.Ln(6)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}

func renderExcel(header renderHeader, result *AggregateResult) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Report"
	f.SetSheetName("Sheet1", sheetName)

	f.SetCellValue(sheetName, "A1", "Report ID")
	f.SetCellValue(sheetName, "B1", header.ReportID)
	f.SetCellValue(sheetName, "A2", "Report Name")
	f.SetCellValue(sheetName, "B2", header.ReportName)
	f.SetCellValue(sheetName, "A3", "Jurisdiction")
	f.SetCellValue(sheetName, "B3", header.Jurisdiction)
	f.SetCellValue(sheetName, "A4", "Period")
	f.SetCellValue(sheetName, "B4", fmt.Sprintf("%s to %s",
		result.PeriodStart.Format(DateLayout), result.PeriodEnd.Format(DateLayout)))

	headers := []string{"Rule ID", "Name", "Framework", "Effective Date"}
	for i, h := range headers {
		cell := fmt.Sprintf("%c6", 'A'+i)
		f.SetCellValue(sheetName, cell, h)
	}

	for i, rule := range result.ApplicableRules {
		row := i + 7
		f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), rule.RuleID)
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), rule.Name)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), rule.Framework)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), rule.EffectiveDate.Format(DateLayout))
	}

	changesSheet := "Rule Changes"
	if _, err := f.NewSheet(changesSheet); err != nil {
		return nil, fmt.Errorf("failed to create changes sheet: %w", err)
	}

	changeHeaders := []string{"Event ID", "Rule ID", "Change Type", "Occurred At"}
	for i, h := range changeHeaders {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(changesSheet, cell, h)
	}

	for i, change := range result.RuleChanges {
		row := i + 2
		f.SetCellValue(changesSheet, fmt.Sprintf("A%d", row), change.EventID)
		f.SetCellValue(changesSheet, fmt.Sprintf("B%d", row), change.RuleID)
		f.SetCellValue(changesSheet, fmt.Sprintf("C%d", row), change.ChangeType)
		f.SetCellValue(changesSheet, fmt.Sprintf("D%d", row), change.OccurredAt.Format(time.RFC3339))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate Excel file: %w", err)
	}

	return buf.Bytes(), nil
}
