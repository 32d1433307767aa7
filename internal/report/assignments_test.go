package report

import (
	"bytes"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"steriltrace.org/internal/steril"
)

func seq(items []steril.Assignment, tail error) iter.Seq2[steril.Assignment, error] {
	return func(yield func(steril.Assignment, error) bool) {
		for _, a := range items {
			if !yield(a, nil) {
				return
			}
		}
		if tail != nil {
			yield(steril.Assignment{}, tail)
		}
	}
}

func TestWriteAssignments(t *testing.T) {
	loc := time.FixedZone("clinic", -6*3600)
	at := time.Date(2026, 5, 4, 3, 15, 0, 0, time.UTC)
	items := []steril.Assignment{
		{TrayCode: "BDJ-2", LotID: "lot-1", PatientID: "pat-2", AssignedBy: "asst", AssignedAt: at, Sequence: 2},
		{TrayCode: "BDJ-1", LotID: "lot-1", PatientID: "pat-1", AppointmentID: "appt-1", AssignedBy: "asst", AssignedAt: at.Add(-time.Hour), Sequence: 1},
	}

	var buf bytes.Buffer
	n, err := WriteAssignments(&buf, seq(items, nil), loc)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(assignmentsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Tray code", rows[0][2])
	// 03:15 UTC is the previous evening at the clinic.
	assert.Equal(t, []string{"2026-05-03", "21:15:00", "BDJ-2", "lot-1", "pat-2", "", "asst", "2"}, rows[1])
	assert.Equal(t, "appt-1", rows[2][5])
}

func TestWriteAssignmentsStopsOnError(t *testing.T) {
	boom := errors.New("storage down")
	var buf bytes.Buffer
	n, err := WriteAssignments(&buf, seq([]steril.Assignment{{TrayCode: "BDJ-1"}}, boom), nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
	assert.Zero(t, buf.Len())
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "traceability_2026-05-04.xlsx", FileName(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)))
}
