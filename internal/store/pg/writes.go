package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"steriltrace.org/internal/steril"
)

// versioned checks that an optimistic update touched its row.
func versioned(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s changed since it was read", steril.ErrConflict, kind, id)
	}
	return nil
}

func (t *tx) InsertAutoclave(ctx context.Context, a *steril.Autoclave) error {
	_, err := t.sqlTx.ExecContext(t.write(ctx), `
		insert into autoclaves (id, name, brand, model, serial, location, site_id, installed_at,
		                        next_maintenance, state, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11,$12)
	`, a.ID, a.Name, a.Brand, a.Model, a.Serial, a.Location, a.SiteID, a.InstalledAt,
		a.NextMaintenance, a.State, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert autoclave")
	}
	a.Version = 1
	return nil
}

func (t *tx) UpdateAutoclave(ctx context.Context, a *steril.Autoclave) error {
	res, err := t.sqlTx.ExecContext(t.write(ctx), `
		update autoclaves
		set name = $3, location = $4, next_maintenance = $5, state = $6, updated_at = $7, version = version + 1
		where id = $1 and version = $2
	`, a.ID, a.Version, a.Name, a.Location, a.NextMaintenance, a.State, a.UpdatedAt)
	if err != nil {
		return mapErr(err, "update autoclave")
	}
	if err := versioned(res, "autoclave", a.ID); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (t *tx) InsertMaintenance(ctx context.Context, m steril.MaintenanceRecord) error {
	attachments := []byte("[]")
	if len(m.Attachments) > 0 {
		raw, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = raw
	}
	_, err := t.sqlTx.ExecContext(t.write(ctx), `
		insert into maintenance_records (id, autoclave_id, performed_at, kind, technician,
		                                 cost_currency, cost_amount, attachments, notes, recorded_by, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, m.ID, m.AutoclaveID, m.PerformedAt, m.Kind, m.Technician, m.Cost.Currency, m.Cost.Amount,
		attachments, m.Notes, m.RecordedBy, m.CreatedAt)
	return mapErr(err, "insert maintenance")
}

func cycleArgs(c *steril.CycleParams) (sql.NullFloat64, sql.NullFloat64, sql.NullInt64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}, sql.NullInt64{}
	}
	return sql.NullFloat64{Float64: c.TemperatureC, Valid: true},
		sql.NullFloat64{Float64: c.PressureKPa, Valid: true},
		sql.NullInt64{Int64: int64(c.DurationMin), Valid: true}
}

func (t *tx) InsertLot(ctx context.Context, l *steril.Lot) error {
	temp, press, dur := cycleArgs(l.Cycle)
	_, err := t.sqlTx.ExecContext(t.write(ctx), `
		insert into lots (id, code, autoclave_id, operator_id, site_id, started_at, ended_at,
		                  cycle_temperature_c, cycle_pressure_kpa, cycle_duration_min,
		                  state, failure_reason, notes, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14,$15)
	`, l.ID, l.Code, l.AutoclaveID, l.OperatorID, l.SiteID, l.StartedAt, nullTime(l.EndedAt),
		temp, press, dur, l.State, l.FailureReason, l.Notes, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert lot")
	}
	if err := t.insertPackages(ctx, l.ID, 0, l.Packages); err != nil {
		return err
	}
	l.Version = 1
	return nil
}

// UpdateLot writes the lot row only; packages live in their own table.
func (t *tx) UpdateLot(ctx context.Context, l *steril.Lot) error {
	temp, press, dur := cycleArgs(l.Cycle)
	res, err := t.sqlTx.ExecContext(t.write(ctx), `
		update lots
		set ended_at = $3, cycle_temperature_c = $4, cycle_pressure_kpa = $5, cycle_duration_min = $6,
		    state = $7, failure_reason = $8, notes = $9, updated_at = $10, version = version + 1
		where id = $1 and version = $2
	`, l.ID, l.Version, nullTime(l.EndedAt), temp, press, dur, l.State, l.FailureReason, l.Notes, l.UpdatedAt)
	if err != nil {
		return mapErr(err, "update lot")
	}
	if err := versioned(res, "lot", l.ID); err != nil {
		return err
	}
	l.Version++
	return nil
}

func (t *tx) InsertPackages(ctx context.Context, lotID string, pkgs []steril.Package) error {
	var last int
	if err := t.sqlTx.QueryRowContext(t.ctx(ctx), `
		select coalesce(max(position), 0) from packages where lot_id = $1
	`, lotID).Scan(&last); err != nil {
		return mapErr(err, "packages")
	}
	return t.insertPackages(ctx, lotID, last, pkgs)
}

func (t *tx) insertPackages(ctx context.Context, lotID string, after int, pkgs []steril.Package) error {
	for i, p := range pkgs {
		if _, err := t.sqlTx.ExecContext(t.write(ctx), `
			insert into packages (lot_id, code, position, content, shelf_life_days, used, patient_id)
			values ($1,$2,$3,$4,$5,$6,$7)
		`, lotID, p.Code, after+i+1, p.Content, p.ShelfLifeDays, p.Used, nullIfEmpty(p.PatientID)); err != nil {
			return mapErr(err, "insert package "+p.Code)
		}
	}
	return nil
}

func (t *tx) MarkPackageUsed(ctx context.Context, lotID, code, patientID string) error {
	res, err := t.sqlTx.ExecContext(t.write(ctx), `
		update packages set used = true, patient_id = $3 where lot_id = $1 and code = $2
	`, lotID, code, patientID)
	if err != nil {
		return mapErr(err, "mark package used")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: package %s/%s", steril.ErrNotFound, lotID, code)
	}
	return nil
}

func (t *tx) InsertControl(ctx context.Context, c *steril.Control) error {
	_, err := t.sqlTx.ExecContext(t.write(ctx), `
		insert into controls (id, kind, lot_id, autoclave_id, indicator_lot, indicator_expiry, result,
		                      registered_at, registered_by, resolved_at, resolved_by, notes, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1)
	`, c.ID, c.Kind, nullIfEmpty(c.LotID), c.AutoclaveID, c.IndicatorLot, c.IndicatorExpiry, c.Result,
		c.RegisteredAt, c.RegisteredBy, nullTime(c.ResolvedAt), c.ResolvedBy, c.Notes)
	if err != nil {
		return mapErr(err, "insert control")
	}
	c.Version = 1
	return nil
}

func (t *tx) UpdateControl(ctx context.Context, c *steril.Control) error {
	res, err := t.sqlTx.ExecContext(t.write(ctx), `
		update controls
		set result = $3, resolved_at = $4, resolved_by = $5, notes = $6, version = version + 1
		where id = $1 and version = $2
	`, c.ID, c.Version, c.Result, nullTime(c.ResolvedAt), c.ResolvedBy, c.Notes)
	if err != nil {
		return mapErr(err, "update control")
	}
	if err := versioned(res, "control", c.ID); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (t *tx) InsertTray(ctx context.Context, tr *steril.Tray) error {
	_, err := t.sqlTx.ExecContext(t.write(ctx), `
		insert into trays (id, code, lot_id, package_code, content, sterilized_at, expires_at, state, note, version, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10)
	`, tr.ID, tr.Code, tr.LotID, tr.PackageCode, tr.Content, tr.SterilizedAt, tr.ExpiresAt, tr.State, tr.Note, tr.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert tray")
	}
	tr.Version = 1
	return nil
}

func (t *tx) UpdateTray(ctx context.Context, tr *steril.Tray) error {
	res, err := t.sqlTx.ExecContext(t.write(ctx), `
		update trays set state = $3, note = $4, updated_at = $5, version = version + 1
		where id = $1 and version = $2
	`, tr.ID, tr.Version, tr.State, tr.Note, tr.UpdatedAt)
	if err != nil {
		return mapErr(err, "update tray")
	}
	if err := versioned(res, "tray", tr.ID); err != nil {
		return err
	}
	tr.Version++
	return nil
}

// InsertAssignment stores a and reads back its sequence number.
func (t *tx) InsertAssignment(ctx context.Context, a *steril.Assignment) error {
	err := t.sqlTx.QueryRowContext(t.write(ctx), `
		insert into assignments (id, tray_id, tray_code, lot_id, patient_id, appointment_id, assigned_by, assigned_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning sequence
	`, a.ID, a.TrayID, a.TrayCode, a.LotID, a.PatientID, nullIfEmpty(a.AppointmentID), a.AssignedBy, a.AssignedAt).Scan(&a.Sequence)
	return mapErr(err, "insert assignment")
}
