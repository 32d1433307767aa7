package pg

import (
	"context"
	"database/sql"
	"errors"

	"steriltrace.org/internal/steril"
)

// Directory reads the clinic's patients and appointments tables.
type Directory struct {
	db *sql.DB
}

var _ steril.Directory = (*Directory)(nil)

func NewDirectory(db *sql.DB) *Directory { return &Directory{db: db} }

func (d *Directory) PatientActive(ctx context.Context, patientID string) (bool, error) {
	var active bool
	err := d.db.QueryRowContext(ctx, `select active from patients where id = $1`, patientID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err, "patient "+patientID)
	}
	return active, nil
}

func (d *Directory) AppointmentExists(ctx context.Context, appointmentID, patientID string) (bool, error) {
	var found int
	err := d.db.QueryRowContext(ctx, `
		select 1 from appointments where id = $1 and patient_id = $2
	`, appointmentID, patientID).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err, "appointment "+appointmentID)
	}
	return true, nil
}
