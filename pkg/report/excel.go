package report

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ExcelGenerator renders a session's calibration history as a workbook
// with one sheet per hopper plus a summary sheet.
type ExcelGenerator struct{}

// NewExcelGenerator creates an ExcelGenerator.
func NewExcelGenerator() *ExcelGenerator {
	return &ExcelGenerator{}
}

// Generate renders the workbook and returns its raw bytes.
func (g *ExcelGenerator) Generate(data *SessionData) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	f.DeleteSheet("Sheet1")

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})

	g.writeSummarySheet(f, data, headerStyle)

	for _, hopper := range data.hoppers() {
		g.writeHopperSheet(f, data, hopper, headerStyle)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to render calibration workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *ExcelGenerator) writeSummarySheet(f *excelize.File, data *SessionData, headerStyle int) {
	const sheet = "Summary"
	f.NewSheet(sheet)

	row := 1
	f.SetCellValue(sheet, cellAddr("A", row), "Calibration Session Report")
	f.MergeCell(sheet, cellAddr("A", row), cellAddr("D", row))
	row += 2

	f.SetCellValue(sheet, cellAddr("A", row), "Session ID")
	f.SetCellValue(sheet, cellAddr("B", row), data.SessionID)
	row++

	f.SetCellValue(sheet, cellAddr("A", row), "Material")
	f.SetCellValue(sheet, cellAddr("B", row), data.MaterialID)
	row++

	f.SetCellValue(sheet, cellAddr("A", row), "Target Weight")
	f.SetCellValue(sheet, cellAddr("B", row), data.TargetWeight)
	row++

	f.SetCellValue(sheet, cellAddr("A", row), "Started At")
	f.SetCellValue(sheet, cellAddr("B", row), data.StartedAt.Format("2006-01-02 15:04:05"))
	row++

	f.SetCellValue(sheet, cellAddr("A", row), "Completed At")
	f.SetCellValue(sheet, cellAddr("B", row), data.CompletedAt.Format("2006-01-02 15:04:05"))
	row += 2

	if data.Snapshot != nil {
		f.SetCellValue(sheet, cellAddr("A", row), "Buckets")
		f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("B", row), headerStyle)
		row++

		f.SetCellValue(sheet, cellAddr("A", row), "Successes")
		f.SetCellValue(sheet, cellAddr("B", row), data.Snapshot.Successes)
		row++

		f.SetCellValue(sheet, cellAddr("A", row), "Failures")
		f.SetCellValue(sheet, cellAddr("B", row), data.Snapshot.Failures)
		row++

		f.SetCellValue(sheet, cellAddr("A", row), "Total")
		f.SetCellValue(sheet, cellAddr("B", row), data.Snapshot.Total)
		row++

		f.SetCellValue(sheet, cellAddr("A", row), "All Completed")
		f.SetCellValue(sheet, cellAddr("B", row), data.Snapshot.AllCompleted)
		row += 2
	}

	f.SetCellValue(sheet, cellAddr("A", row), "Final Accepted Parameters")
	f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("G", row), headerStyle)
	row++

	headers := []string{"Hopper", "Coarse Advance", "Fall Value", "Coarse Speed", "Fine Speed", "Coarse Time (ms)", "Fine Time (ms)"}
	for i, h := range headers {
		f.SetCellValue(sheet, cellAddr(string(rune('A'+i)), row), h)
	}
	f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("G", row), headerStyle)
	row++

	for _, fp := range data.Final {
		f.SetCellValue(sheet, cellAddr("A", row), fp.Hopper)
		f.SetCellValue(sheet, cellAddr("B", row), fp.CoarseAdvance)
		f.SetCellValue(sheet, cellAddr("C", row), fp.FallValue)
		f.SetCellValue(sheet, cellAddr("D", row), fp.CoarseSpeed)
		f.SetCellValue(sheet, cellAddr("E", row), fp.FineSpeed)
		f.SetCellValue(sheet, cellAddr("F", row), fp.CoarseTimeMs)
		f.SetCellValue(sheet, cellAddr("G", row), fp.FineTimeMs)
		row++
	}

	f.SetColWidth(sheet, "A", "G", 16)
}

func (g *ExcelGenerator) writeHopperSheet(f *excelize.File, data *SessionData, hopper int, headerStyle int) {
	sheet := fmt.Sprintf("Hopper %d", hopper)
	f.NewSheet(sheet)

	row := 1
	if fp, ok := data.finalFor(hopper); ok {
		f.SetCellValue(sheet, cellAddr("A", row), "Final Parameters")
		f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("B", row), headerStyle)
		row++

		f.SetCellValue(sheet, cellAddr("A", row), "Coarse Advance")
		f.SetCellValue(sheet, cellAddr("B", row), fp.CoarseAdvance)
		row++
		f.SetCellValue(sheet, cellAddr("A", row), "Fall Value")
		f.SetCellValue(sheet, cellAddr("B", row), fp.FallValue)
		row++
		f.SetCellValue(sheet, cellAddr("A", row), "Coarse Speed")
		f.SetCellValue(sheet, cellAddr("B", row), fp.CoarseSpeed)
		row++
		f.SetCellValue(sheet, cellAddr("A", row), "Fine Speed")
		f.SetCellValue(sheet, cellAddr("B", row), fp.FineSpeed)
		row += 2
	}

	f.SetCellValue(sheet, cellAddr("A", row), "Attempts")
	f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("G", row), headerStyle)
	row++

	headers := []string{"Stage", "Attempt", "Coarse Time (ms)", "Total Cycle (ms)", "Error (g)", "Sampled Weight", "Outcome"}
	for i, h := range headers {
		f.SetCellValue(sheet, cellAddr(string(rune('A'+i)), row), h)
	}
	f.SetCellStyle(sheet, cellAddr("A", row), cellAddr("G", row), headerStyle)
	row++

	for _, a := range data.attemptsFor(hopper) {
		f.SetCellValue(sheet, cellAddr("A", row), a.Stage)
		f.SetCellValue(sheet, cellAddr("B", row), a.AttemptNumber)
		f.SetCellValue(sheet, cellAddr("C", row), a.CoarseTimeMs)
		f.SetCellValue(sheet, cellAddr("D", row), a.TotalCycleMs)
		f.SetCellValue(sheet, cellAddr("E", row), a.ErrorGrams)
		f.SetCellValue(sheet, cellAddr("F", row), a.SampledWeight)
		f.SetCellValue(sheet, cellAddr("G", row), a.Outcome)
		row++
	}

	f.SetColWidth(sheet, "A", "G", 16)
}

func cellAddr(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
