package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"steriltrace.org/internal/steril"
)

// reader implements steril.Reader over a pool or a transaction. Inside a
// transaction single-row lookups take row locks.
type reader struct {
	q      queryer
	lock   bool
	ctxFor func(context.Context) context.Context
}

func (r reader) c(ctx context.Context) context.Context {
	if r.ctxFor != nil {
		return r.ctxFor(ctx)
	}
	return ctx
}

func (r reader) forUpdate(query string) string {
	if r.lock {
		return query + " for update"
	}
	return query
}

type scanner interface {
	Scan(dest ...any) error
}

const autoclaveColumns = `id, name, brand, model, serial, location, site_id, installed_at, next_maintenance, state, version, created_at, updated_at`

func scanAutoclave(row scanner) (steril.Autoclave, error) {
	var a steril.Autoclave
	err := row.Scan(&a.ID, &a.Name, &a.Brand, &a.Model, &a.Serial, &a.Location, &a.SiteID,
		&a.InstalledAt, &a.NextMaintenance, &a.State, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (r reader) GetAutoclave(ctx context.Context, id string) (steril.Autoclave, error) {
	row := r.q.QueryRowContext(r.c(ctx), r.forUpdate(`select `+autoclaveColumns+` from autoclaves where id = $1`), id)
	a, err := scanAutoclave(row)
	if err != nil {
		return steril.Autoclave{}, mapErr(err, "autoclave "+id)
	}
	return a, nil
}

func (r reader) GetAutoclaveBySerial(ctx context.Context, serial string) (steril.Autoclave, error) {
	row := r.q.QueryRowContext(r.c(ctx), `select `+autoclaveColumns+` from autoclaves where serial = $1`, serial)
	a, err := scanAutoclave(row)
	if err != nil {
		return steril.Autoclave{}, mapErr(err, "autoclave serial "+serial)
	}
	return a, nil
}

func (r reader) ListAutoclaves(ctx context.Context) ([]steril.Autoclave, error) {
	rows, err := r.q.QueryContext(r.c(ctx), `select `+autoclaveColumns+` from autoclaves order by created_at asc, id asc`)
	if err != nil {
		return nil, mapErr(err, "list autoclaves")
	}
	defer rows.Close()
	var out []steril.Autoclave
	for rows.Next() {
		a, err := scanAutoclave(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err(), "list autoclaves")
}

func (r reader) ListMaintenance(ctx context.Context, autoclaveID string) ([]steril.MaintenanceRecord, error) {
	rows, err := r.q.QueryContext(r.c(ctx), `
		select id, autoclave_id, performed_at, kind, technician, cost_currency, cost_amount,
		       attachments, notes, recorded_by, created_at
		from maintenance_records
		where autoclave_id = $1
		order by performed_at desc
	`, autoclaveID)
	if err != nil {
		return nil, mapErr(err, "list maintenance")
	}
	defer rows.Close()
	var out []steril.MaintenanceRecord
	for rows.Next() {
		var (
			m   steril.MaintenanceRecord
			raw []byte
		)
		if err := rows.Scan(&m.ID, &m.AutoclaveID, &m.PerformedAt, &m.Kind, &m.Technician,
			&m.Cost.Currency, &m.Cost.Amount, &raw, &m.Notes, &m.RecordedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err(), "list maintenance")
}

const lotColumns = `id, code, autoclave_id, operator_id, site_id, started_at, ended_at,
	cycle_temperature_c, cycle_pressure_kpa, cycle_duration_min,
	state, failure_reason, notes, version, created_at, updated_at`

func scanLot(row scanner) (steril.Lot, error) {
	var (
		l     steril.Lot
		ended sql.NullTime
		temp  sql.NullFloat64
		press sql.NullFloat64
		dur   sql.NullInt64
	)
	err := row.Scan(&l.ID, &l.Code, &l.AutoclaveID, &l.OperatorID, &l.SiteID, &l.StartedAt, &ended,
		&temp, &press, &dur, &l.State, &l.FailureReason, &l.Notes, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return steril.Lot{}, err
	}
	l.EndedAt = timePtr(ended)
	if temp.Valid || press.Valid || dur.Valid {
		l.Cycle = &steril.CycleParams{TemperatureC: temp.Float64, PressureKPa: press.Float64, DurationMin: int(dur.Int64)}
	}
	return l, nil
}

func (r reader) GetLot(ctx context.Context, id string) (steril.Lot, error) {
	row := r.q.QueryRowContext(r.c(ctx), r.forUpdate(`select `+lotColumns+` from lots where id = $1`), id)
	l, err := scanLot(row)
	if err != nil {
		return steril.Lot{}, mapErr(err, "lot "+id)
	}
	pkgs, err := r.packages(ctx, []string{l.ID})
	if err != nil {
		return steril.Lot{}, err
	}
	l.Packages = pkgs[l.ID]
	return l, nil
}

func (r reader) ListLots(ctx context.Context, f steril.LotFilter) ([]steril.Lot, error) {
	qb := psql.Select(lotColumns).From("lots").OrderBy("started_at desc", "id desc")
	if f.State != "" {
		qb = qb.Where(sq.Eq{"state": f.State})
	}
	if f.AutoclaveID != "" {
		qb = qb.Where(sq.Eq{"autoclave_id": f.AutoclaveID})
	}
	if f.SiteID != "" {
		qb = qb.Where(sq.Eq{"site_id": f.SiteID})
	}
	if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(r.c(ctx), query, args...)
	if err != nil {
		return nil, mapErr(err, "list lots")
	}
	defer rows.Close()

	var (
		out []steril.Lot
		ids []string
	)
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
		ids = append(ids, l.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "list lots")
	}
	if len(ids) == 0 {
		return out, nil
	}
	pkgs, err := r.packages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Packages = pkgs[out[i].ID]
	}
	return out, nil
}

func (r reader) packages(ctx context.Context, lotIDs []string) (map[string][]steril.Package, error) {
	query, args, err := psql.
		Select("lot_id", "code", "content", "shelf_life_days", "used", "patient_id").
		From("packages").
		Where(sq.Eq{"lot_id": lotIDs}).
		OrderBy("lot_id", "position").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(r.c(ctx), query, args...)
	if err != nil {
		return nil, mapErr(err, "packages")
	}
	defer rows.Close()
	out := make(map[string][]steril.Package, len(lotIDs))
	for rows.Next() {
		var (
			p       steril.Package
			patient sql.NullString
		)
		if err := rows.Scan(&p.LotID, &p.Code, &p.Content, &p.ShelfLifeDays, &p.Used, &patient); err != nil {
			return nil, err
		}
		p.PatientID = patient.String
		out[p.LotID] = append(out[p.LotID], p)
	}
	return out, mapErr(rows.Err(), "packages")
}

const controlColumns = `id, kind, lot_id, autoclave_id, indicator_lot, indicator_expiry, result,
	registered_at, registered_by, resolved_at, resolved_by, notes, version`

func scanControl(row scanner) (steril.Control, error) {
	var (
		c        steril.Control
		lotID    sql.NullString
		resolved sql.NullTime
	)
	err := row.Scan(&c.ID, &c.Kind, &lotID, &c.AutoclaveID, &c.IndicatorLot, &c.IndicatorExpiry, &c.Result,
		&c.RegisteredAt, &c.RegisteredBy, &resolved, &c.ResolvedBy, &c.Notes, &c.Version)
	if err != nil {
		return steril.Control{}, err
	}
	c.LotID = lotID.String
	c.ResolvedAt = timePtr(resolved)
	return c, nil
}

func (r reader) GetControl(ctx context.Context, id string) (steril.Control, error) {
	row := r.q.QueryRowContext(r.c(ctx), r.forUpdate(`select `+controlColumns+` from controls where id = $1`), id)
	c, err := scanControl(row)
	if err != nil {
		return steril.Control{}, mapErr(err, "control "+id)
	}
	return c, nil
}

func (r reader) ListControls(ctx context.Context, f steril.ControlFilter) ([]steril.Control, error) {
	qb := psql.Select(controlColumns).From("controls").OrderBy("registered_at asc", "id asc")
	if f.LotID != "" {
		qb = qb.Where(sq.Eq{"lot_id": f.LotID})
	}
	if f.AutoclaveID != "" {
		qb = qb.Where(sq.Eq{"autoclave_id": f.AutoclaveID})
	}
	if f.PendingOnly {
		qb = qb.Where(sq.Eq{"result": steril.ResultPending})
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(r.c(ctx), query, args...)
	if err != nil {
		return nil, mapErr(err, "list controls")
	}
	defer rows.Close()
	var out []steril.Control
	for rows.Next() {
		c, err := scanControl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err(), "list controls")
}

const trayColumns = `id, code, lot_id, package_code, content, sterilized_at, expires_at, state, note, version, updated_at`

func scanTray(row scanner) (steril.Tray, error) {
	var t steril.Tray
	err := row.Scan(&t.ID, &t.Code, &t.LotID, &t.PackageCode, &t.Content, &t.SterilizedAt, &t.ExpiresAt,
		&t.State, &t.Note, &t.Version, &t.UpdatedAt)
	return t, err
}

func (r reader) GetTray(ctx context.Context, id string) (steril.Tray, error) {
	row := r.q.QueryRowContext(r.c(ctx), r.forUpdate(`select `+trayColumns+` from trays where id = $1`), id)
	t, err := scanTray(row)
	if err != nil {
		return steril.Tray{}, mapErr(err, "tray "+id)
	}
	return t, nil
}

func (r reader) GetTrayByCode(ctx context.Context, code string) (steril.Tray, error) {
	row := r.q.QueryRowContext(r.c(ctx), r.forUpdate(`select `+trayColumns+` from trays where code = $1`), code)
	t, err := scanTray(row)
	if err != nil {
		return steril.Tray{}, mapErr(err, "tray code "+code)
	}
	return t, nil
}

func (r reader) ListTraysByLot(ctx context.Context, lotID string) ([]steril.Tray, error) {
	rows, err := r.q.QueryContext(r.c(ctx), `select `+trayColumns+` from trays where lot_id = $1 order by package_code`, lotID)
	if err != nil {
		return nil, mapErr(err, "list trays")
	}
	defer rows.Close()
	var out []steril.Tray
	for rows.Next() {
		t, err := scanTray(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, mapErr(rows.Err(), "list trays")
}

const assignmentColumns = `id, tray_id, tray_code, lot_id, patient_id, appointment_id, assigned_by, assigned_at, sequence`

func scanAssignment(row scanner) (steril.Assignment, error) {
	var (
		a    steril.Assignment
		appt sql.NullString
	)
	err := row.Scan(&a.ID, &a.TrayID, &a.TrayCode, &a.LotID, &a.PatientID, &appt, &a.AssignedBy, &a.AssignedAt, &a.Sequence)
	a.AppointmentID = appt.String
	return a, err
}

func (r reader) FindAssignmentByTray(ctx context.Context, trayID string) (steril.Assignment, error) {
	row := r.q.QueryRowContext(r.c(ctx), `select `+assignmentColumns+` from assignments where tray_id = $1`, trayID)
	a, err := scanAssignment(row)
	if err != nil {
		return steril.Assignment{}, mapErr(err, "assignment for tray "+trayID)
	}
	return a, nil
}

// ListAssignments pages the (assigned_at desc, sequence desc) order by keyset.
func (r reader) ListAssignments(ctx context.Context, after steril.AssignmentCursor, limit int) ([]steril.Assignment, error) {
	qb := psql.Select(assignmentColumns).From("assignments").OrderBy("assigned_at desc", "sequence desc")
	if !after.IsZero() {
		qb = qb.Where(sq.Expr("(assigned_at, sequence) < (?, ?)", after.AssignedAt, after.Sequence))
	}
	if limit > 0 {
		qb = qb.Limit(uint64(limit))
	}
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q.QueryContext(r.c(ctx), query, args...)
	if err != nil {
		return nil, mapErr(err, "list assignments")
	}
	defer rows.Close()
	var out []steril.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err(), "list assignments")
}
