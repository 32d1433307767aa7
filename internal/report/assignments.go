// Package report renders traceability exports.
package report

import (
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/xuri/excelize/v2"

	"steriltrace.org/internal/steril"
)

const (
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	assignmentsSheet = "Assignments"
	dateFmt          = "2006-01-02"
	timeFmt          = "15:04:05"
)

var assignmentHeaders = []any{
	"Date", "Time", "Tray code", "Lot", "Patient", "Appointment", "Assigned by", "Sequence",
}

// FileName is the download name of an export produced at now.
func FileName(now time.Time) string {
	return fmt.Sprintf("traceability_%s.xlsx", now.Format(dateFmt))
}

// WriteAssignments renders assignments, in the order yielded, as an XLSX
// workbook. Times are shown in loc. The first error from assignments aborts
// the export before anything is written to w.
func WriteAssignments(w io.Writer, assignments iter.Seq2[steril.Assignment, error], loc *time.Location) (int, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", assignmentsSheet); err != nil {
		return 0, err
	}
	if err := f.SetSheetRow(assignmentsSheet, "A1", &assignmentHeaders); err != nil {
		return 0, err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return 0, err
	}
	if err := f.SetCellStyle(assignmentsSheet, "A1", "H1", style); err != nil {
		return 0, err
	}

	n := 0
	for a, err := range assignments {
		if err != nil {
			return n, err
		}
		cell, err := excelize.CoordinatesToCellName(1, n+2)
		if err != nil {
			return n, err
		}
		at := a.AssignedAt.In(loc)
		row := []any{
			at.Format(dateFmt), at.Format(timeFmt), a.TrayCode, a.LotID,
			a.PatientID, a.AppointmentID, a.AssignedBy, a.Sequence,
		}
		if err := f.SetSheetRow(assignmentsSheet, cell, &row); err != nil {
			return n, err
		}
		n++
	}
	_ = f.SetColWidth(assignmentsSheet, "C", "D", 28)
	_ = f.SetColWidth(assignmentsSheet, "E", "G", 20)

	if err := f.Write(w); err != nil {
		return n, err
	}
	return n, nil
}
