package extraction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ExportReport is the audit document written by ExportResults.
type ExportReport struct {
	JobID          string             `json:"job_id"`
	State          State              `json:"state"`
	Reason         string             `json:"reason,omitempty"`
	TotalItems     int                `json:"total_items"`
	ProcessedCount int                `json:"processed_count"`
	SucceededCount int                `json:"succeeded_count"`
	FailedCount    int                `json:"failed_count"`
	ElapsedMs      int64              `json:"elapsed_ms"`
	Config         JobConfig          `json:"config"`
	RateLimit      RateLimitState     `json:"rate_limit"`
	Outcomes       []ProcessedOutcome `json:"outcomes"`
	Errors         []ErrorRecord      `json:"errors"`
}

// ExportResults writes outcomes, errors and timing of the current or last
// job to path. A .xlsx suffix produces a workbook, anything else JSON.
func (c *Controller) ExportResults(path string) error {
	if path == "" {
		return fmt.Errorf("export path is required")
	}
	snap := c.GetState()
	if snap.ID == "" {
		return ErrNoActiveJob
	}
	report := ExportReport{
		JobID:          snap.ID,
		State:          snap.State,
		Reason:         snap.Reason,
		TotalItems:     snap.TotalItems,
		ProcessedCount: snap.ProcessedCount,
		SucceededCount: snap.SucceededCount,
		FailedCount:    snap.FailedCount,
		ElapsedMs:      snap.ElapsedMs,
		Config:         snap.Config,
		RateLimit:      snap.RateLimit,
		Outcomes:       snap.Outcomes,
		Errors:         snap.Errors,
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	var err error
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		err = writeWorkbook(path, report)
	} else {
		err = writeJSON(path, report)
	}
	if err != nil {
		return err
	}
	c.log.WithJob(snap.ID).LogInfof("exported %d outcomes and %d errors to %s", len(report.Outcomes), len(report.Errors), path)
	return nil
}

func writeJSON(path string, report ExportReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

const (
	sheetOutcomes = "Outcomes"
	sheetErrors   = "Errors"
	sheetSummary  = "Summary"
)

func writeWorkbook(path string, report ExportReport) error {
	f := excelize.NewFile()
	defer f.Close()

	for _, name := range []string{sheetSummary, sheetOutcomes, sheetErrors} {
		if idx, _ := f.GetSheetIndex(name); idx == -1 {
			if _, err := f.NewSheet(name); err != nil {
				return fmt.Errorf("create sheet %s: %w", name, err)
			}
		}
	}
	_ = f.DeleteSheet("Sheet1")
	if idx, _ := f.GetSheetIndex(sheetSummary); idx >= 0 {
		f.SetActiveSheet(idx)
	}

	summary := [][]any{
		{"Job", report.JobID},
		{"State", string(report.State)},
		{"Reason", report.Reason},
		{"Total items", report.TotalItems},
		{"Processed", report.ProcessedCount},
		{"Succeeded", report.SucceededCount},
		{"Failed", report.FailedCount},
		{"Elapsed (ms)", report.ElapsedMs},
		{"Requests this window", report.RateLimit.RequestCount},
	}
	for i, row := range summary {
		if err := setRow(f, sheetSummary, i+1, row); err != nil {
			return err
		}
	}

	if err := setRow(f, sheetOutcomes, 1, []any{"Item ID", "URL", "Title", "Success", "New", "Attempts", "Error", "Timestamp"}); err != nil {
		return err
	}
	for i, o := range report.Outcomes {
		row := []any{o.Item.ID, o.Item.URL, o.Item.Title, o.Success, o.IsNew, o.Attempts, o.Error, o.Timestamp.Format("2006-01-02 15:04:05")}
		if err := setRow(f, sheetOutcomes, i+2, row); err != nil {
			return err
		}
	}

	if err := setRow(f, sheetErrors, 1, []any{"Code", "Message", "Context", "Recoverable", "Timestamp"}); err != nil {
		return err
	}
	for i, e := range report.Errors {
		row := []any{string(e.Code), e.Message, e.Context, e.Recoverable, e.Timestamp.Format("2006-01-02 15:04:05")}
		if err := setRow(f, sheetErrors, i+2, row); err != nil {
			return err
		}
	}

	_ = f.SetColWidth(sheetSummary, "A", "A", 22)
	_ = f.SetColWidth(sheetSummary, "B", "B", 36)
	_ = f.SetColWidth(sheetOutcomes, "A", "A", 18)
	_ = f.SetColWidth(sheetOutcomes, "B", "C", 48)
	_ = f.SetColWidth(sheetOutcomes, "G", "G", 60)
	_ = f.SetColWidth(sheetErrors, "B", "B", 60)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}
