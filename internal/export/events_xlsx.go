// Package export renders admin reports as spreadsheets.
package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/tbourn/autofix-backend/internal/domain"
)

// EventsSheet is the name of the single worksheet in an events export.
const EventsSheet = "Diagnostic Events"

// EventsHeader is the header row of an events export.
var EventsHeader = []string{
	"Event ID",
	"Timestamp (UTC)",
	"Vehicle ID",
	"Dongle ID",
	"Incident ID",
	"Codes",
	"Received (UTC)",
}

var eventColumnWidths = []float64{38, 22, 38, 20, 38, 30, 22}

// EventsXLSX renders events as an .xlsx workbook with one row per event.
func EventsXLSX(events []domain.DiagnosticEvent) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(EventsSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	header := make([]any, len(EventsHeader))
	for i, h := range EventsHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(EventsSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(EventsHeader), 1)
	if err := f.SetCellStyle(EventsSheet, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, w := range eventColumnWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		if err := f.SetColWidth(EventsSheet, col, col, w); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}
	if err := f.SetPanes(EventsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	for i, e := range events {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{
			e.ID,
			formatTime(e.Timestamp),
			e.VehicleID,
			e.DongleID,
			e.IncidentID,
			strings.Join(e.Codes, ", "),
			formatTime(e.CreatedAt),
		}
		if err := f.SetSheetRow(EventsSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
