package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
)

// BuildCommandHistoryXLSX renders a command history export.
func BuildCommandHistoryXLSX(chargePointID string, from, to time.Time, list []commands.Command) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	commandsSheet := "commands"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(commandsSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Command History")
	_ = f.SetCellValue(summarySheet, "A3", "Charge Point")
	_ = f.SetCellValue(summarySheet, "B3", chargePointID)
	_ = f.SetCellValue(summarySheet, "A4", "From")
	_ = f.SetCellValue(summarySheet, "B4", from.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A5", "To")
	_ = f.SetCellValue(summarySheet, "B5", to.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A6", "Commands")
	_ = f.SetCellValue(summarySheet, "B6", len(list))

	_ = f.SetCellValue(commandsSheet, "A1", "Command ID")
	_ = f.SetCellValue(commandsSheet, "B1", "Type")
	_ = f.SetCellValue(commandsSheet, "C1", "Connector")
	_ = f.SetCellValue(commandsSheet, "D1", "Status")
	_ = f.SetCellValue(commandsSheet, "E1", "Requested By")
	_ = f.SetCellValue(commandsSheet, "F1", "Requested At")
	_ = f.SetCellValue(commandsSheet, "G1", "Sent At")
	_ = f.SetCellValue(commandsSheet, "H1", "Completed At")
	_ = f.SetCellValue(commandsSheet, "I1", "Error")
	for i, cmd := range list {
		row := i + 2
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("A%d", row), cmd.CommandID)
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("B%d", row), cmd.CommandType)
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("C%d", row), cmd.ConnectorID)
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("D%d", row), string(cmd.Status))
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("E%d", row), cmd.RequestedBy)
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("F%d", row), cmd.RequestedAt.Format(time.RFC3339))
		if !cmd.SentAt.IsZero() {
			_ = f.SetCellValue(commandsSheet, fmt.Sprintf("G%d", row), cmd.SentAt.Format(time.RFC3339))
		}
		if !cmd.CompletedAt.IsZero() {
			_ = f.SetCellValue(commandsSheet, fmt.Sprintf("H%d", row), cmd.CompletedAt.Format(time.RFC3339))
		}
		_ = f.SetCellValue(commandsSheet, fmt.Sprintf("I%d", row), cmd.Error)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
