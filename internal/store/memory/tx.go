package memory

import (
	"context"
	"fmt"

	"steriltrace.org/internal/steril"
)

// txn applies writes directly to the locked state and journals how to revert them.
type txn struct {
	st   *state
	undo []func()
}

var _ steril.Tx = (*txn)(nil)

func (t *txn) GetAutoclave(_ context.Context, id string) (steril.Autoclave, error) {
	return t.st.getAutoclave(id)
}

func (t *txn) GetAutoclaveBySerial(_ context.Context, serial string) (steril.Autoclave, error) {
	return t.st.getAutoclaveBySerial(serial)
}

func (t *txn) ListAutoclaves(context.Context) ([]steril.Autoclave, error) {
	return t.st.listAutoclaves(), nil
}

func (t *txn) ListMaintenance(_ context.Context, autoclaveID string) ([]steril.MaintenanceRecord, error) {
	return t.st.listMaintenance(autoclaveID), nil
}

func (t *txn) GetLot(_ context.Context, id string) (steril.Lot, error) { return t.st.getLot(id) }

func (t *txn) ListLots(_ context.Context, f steril.LotFilter) ([]steril.Lot, error) {
	return t.st.listLots(f), nil
}

func (t *txn) GetControl(_ context.Context, id string) (steril.Control, error) {
	return t.st.getControl(id)
}

func (t *txn) ListControls(_ context.Context, f steril.ControlFilter) ([]steril.Control, error) {
	return t.st.listControls(f), nil
}

func (t *txn) GetTray(_ context.Context, id string) (steril.Tray, error) { return t.st.getTray(id) }

func (t *txn) GetTrayByCode(_ context.Context, code string) (steril.Tray, error) {
	return t.st.getTrayByCode(code)
}

func (t *txn) ListTraysByLot(_ context.Context, lotID string) ([]steril.Tray, error) {
	return t.st.listTraysByLot(lotID), nil
}

func (t *txn) FindAssignmentByTray(_ context.Context, trayID string) (steril.Assignment, error) {
	return t.st.findAssignmentByTray(trayID)
}

func (t *txn) ListAssignments(_ context.Context, after steril.AssignmentCursor, limit int) ([]steril.Assignment, error) {
	return t.st.listAssignments(after, limit), nil
}

func conflict(kind, id string, want, have int64) error {
	return fmt.Errorf("%w: %s %s at version %d, caller read %d", steril.ErrConflict, kind, id, have, want)
}

func (t *txn) InsertAutoclave(_ context.Context, a *steril.Autoclave) error {
	if _, dup := t.st.serials[a.Serial]; dup {
		return fmt.Errorf("%w: %s", steril.ErrDuplicateSerial, a.Serial)
	}
	if _, dup := t.st.autoclaves[a.ID]; dup {
		return fmt.Errorf("%w: autoclave %s exists", steril.ErrConflict, a.ID)
	}
	a.Version = 1
	t.st.autoclaves[a.ID] = *a
	t.st.serials[a.Serial] = a.ID
	id, serial := a.ID, a.Serial
	t.undo = append(t.undo, func() {
		delete(t.st.autoclaves, id)
		delete(t.st.serials, serial)
	})
	return nil
}

func (t *txn) UpdateAutoclave(_ context.Context, a *steril.Autoclave) error {
	prev, ok := t.st.autoclaves[a.ID]
	if !ok {
		return notFound("autoclave", a.ID)
	}
	if prev.Version != a.Version {
		return conflict("autoclave", a.ID, a.Version, prev.Version)
	}
	a.Serial = prev.Serial
	a.Version++
	t.st.autoclaves[a.ID] = *a
	t.undo = append(t.undo, func() { t.st.autoclaves[prev.ID] = prev })
	return nil
}

func (t *txn) InsertMaintenance(_ context.Context, m steril.MaintenanceRecord) error {
	if _, ok := t.st.autoclaves[m.AutoclaveID]; !ok {
		return notFound("autoclave", m.AutoclaveID)
	}
	prev := t.st.maintenance[m.AutoclaveID]
	t.st.maintenance[m.AutoclaveID] = append(prev[:len(prev):len(prev)], m)
	t.undo = append(t.undo, func() { t.st.maintenance[m.AutoclaveID] = prev })
	return nil
}

func (t *txn) InsertLot(_ context.Context, l *steril.Lot) error {
	if _, dup := t.st.lots[l.ID]; dup {
		return fmt.Errorf("%w: lot %s exists", steril.ErrConflict, l.ID)
	}
	if _, dup := t.st.lotCodes[l.Code]; dup {
		return fmt.Errorf("%w: lot code %s exists", steril.ErrConflict, l.Code)
	}
	l.Version = 1
	t.st.lots[l.ID] = l.Clone()
	t.st.lotCodes[l.Code] = l.ID
	id, code := l.ID, l.Code
	t.undo = append(t.undo, func() {
		delete(t.st.lots, id)
		delete(t.st.lotCodes, code)
	})
	return nil
}

// UpdateLot keeps the stored packages; only lot fields are written.
func (t *txn) UpdateLot(_ context.Context, l *steril.Lot) error {
	prev, ok := t.st.lots[l.ID]
	if !ok {
		return notFound("lot", l.ID)
	}
	if prev.Version != l.Version {
		return conflict("lot", l.ID, l.Version, prev.Version)
	}
	l.Version++
	next := l.Clone()
	next.Code = prev.Code
	next.AutoclaveID = prev.AutoclaveID
	next.Packages = prev.Packages
	t.st.lots[l.ID] = next
	t.undo = append(t.undo, func() { t.st.lots[prev.ID] = prev })
	return nil
}

func (t *txn) InsertPackages(_ context.Context, lotID string, pkgs []steril.Package) error {
	prev, ok := t.st.lots[lotID]
	if !ok {
		return notFound("lot", lotID)
	}
	next := prev.Clone()
	for _, p := range pkgs {
		if _, dup := next.Package(p.Code); dup {
			return fmt.Errorf("%w: package %s exists in lot %s", steril.ErrConflict, p.Code, lotID)
		}
		p.LotID = lotID
		next.Packages = append(next.Packages, p)
	}
	t.st.lots[lotID] = next
	t.undo = append(t.undo, func() { t.st.lots[lotID] = prev })
	return nil
}

func (t *txn) MarkPackageUsed(_ context.Context, lotID, code, patientID string) error {
	prev, ok := t.st.lots[lotID]
	if !ok {
		return notFound("lot", lotID)
	}
	next := prev.Clone()
	for i := range next.Packages {
		if next.Packages[i].Code != code {
			continue
		}
		next.Packages[i].Used = true
		next.Packages[i].PatientID = patientID
		t.st.lots[lotID] = next
		t.undo = append(t.undo, func() { t.st.lots[lotID] = prev })
		return nil
	}
	return notFound("package", lotID+"/"+code)
}

func (t *txn) InsertControl(_ context.Context, c *steril.Control) error {
	if _, dup := t.st.controls[c.ID]; dup {
		return fmt.Errorf("%w: control %s exists", steril.ErrConflict, c.ID)
	}
	c.Version = 1
	t.st.controls[c.ID] = *c
	id := c.ID
	t.undo = append(t.undo, func() { delete(t.st.controls, id) })
	return nil
}

func (t *txn) UpdateControl(_ context.Context, c *steril.Control) error {
	prev, ok := t.st.controls[c.ID]
	if !ok {
		return notFound("control", c.ID)
	}
	if prev.Version != c.Version {
		return conflict("control", c.ID, c.Version, prev.Version)
	}
	c.Version++
	t.st.controls[c.ID] = *c
	t.undo = append(t.undo, func() { t.st.controls[prev.ID] = prev })
	return nil
}

func (t *txn) InsertTray(_ context.Context, tr *steril.Tray) error {
	if _, dup := t.st.trays[tr.ID]; dup {
		return fmt.Errorf("%w: tray %s exists", steril.ErrConflict, tr.ID)
	}
	if _, dup := t.st.trayCodes[tr.Code]; dup {
		return fmt.Errorf("%w: tray code %s exists", steril.ErrConflict, tr.Code)
	}
	tr.Version = 1
	t.st.trays[tr.ID] = *tr
	t.st.trayCodes[tr.Code] = tr.ID
	id, code := tr.ID, tr.Code
	t.undo = append(t.undo, func() {
		delete(t.st.trays, id)
		delete(t.st.trayCodes, code)
	})
	return nil
}

func (t *txn) UpdateTray(_ context.Context, tr *steril.Tray) error {
	prev, ok := t.st.trays[tr.ID]
	if !ok {
		return notFound("tray", tr.ID)
	}
	if prev.Version != tr.Version {
		return conflict("tray", tr.ID, tr.Version, prev.Version)
	}
	tr.Code = prev.Code
	tr.Version++
	t.st.trays[tr.ID] = *tr
	t.undo = append(t.undo, func() { t.st.trays[prev.ID] = prev })
	return nil
}

// InsertAssignment stamps the next sequence number on a.
func (t *txn) InsertAssignment(_ context.Context, a *steril.Assignment) error {
	if _, dup := t.st.byTray[a.TrayID]; dup {
		return fmt.Errorf("%w: tray %s", steril.ErrAlreadyAssigned, a.TrayCode)
	}
	prevSeq := t.st.seq
	t.st.seq++
	a.Sequence = t.st.seq
	t.st.assignments = append(t.st.assignments, *a)
	t.st.byTray[a.TrayID] = len(t.st.assignments) - 1
	trayID := a.TrayID
	t.undo = append(t.undo, func() {
		t.st.assignments = t.st.assignments[:len(t.st.assignments)-1]
		delete(t.st.byTray, trayID)
		t.st.seq = prevSeq
	})
	return nil
}
