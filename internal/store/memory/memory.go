// Package memory is an in-process steril.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"steriltrace.org/internal/steril"
)

// Store keeps every entity in maps guarded by one RWMutex. Atomic holds the write
// lock for the whole unit of work and rolls back through an undo journal when
// the unit fails, so readers never observe a partial write.
type Store struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	autoclaves  map[string]steril.Autoclave
	serials     map[string]string
	maintenance map[string][]steril.MaintenanceRecord
	lots        map[string]steril.Lot
	lotCodes    map[string]string
	controls    map[string]steril.Control
	trays       map[string]steril.Tray
	trayCodes   map[string]string
	assignments []steril.Assignment
	byTray      map[string]int
	seq         uint64
}

func New() *Store {
	return &Store{st: &state{
		autoclaves:  make(map[string]steril.Autoclave),
		serials:     make(map[string]string),
		maintenance: make(map[string][]steril.MaintenanceRecord),
		lots:        make(map[string]steril.Lot),
		lotCodes:    make(map[string]string),
		controls:    make(map[string]steril.Control),
		trays:       make(map[string]steril.Tray),
		trayCodes:   make(map[string]string),
		byTray:      make(map[string]int),
	}}
}

var _ steril.Store = (*Store)(nil)

// Atomic runs fn under the write lock. Writes are applied in place and undone in
// reverse order if fn fails.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx steril.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{st: s.st}
	if err := fn(ctx, tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (s *Store) GetAutoclave(ctx context.Context, id string) (steril.Autoclave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getAutoclave(id)
}

func (s *Store) GetAutoclaveBySerial(ctx context.Context, serial string) (steril.Autoclave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getAutoclaveBySerial(serial)
}

func (s *Store) ListAutoclaves(ctx context.Context) ([]steril.Autoclave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listAutoclaves(), nil
}

func (s *Store) ListMaintenance(ctx context.Context, autoclaveID string) ([]steril.MaintenanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listMaintenance(autoclaveID), nil
}

func (s *Store) GetLot(ctx context.Context, id string) (steril.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getLot(id)
}

func (s *Store) ListLots(ctx context.Context, f steril.LotFilter) ([]steril.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listLots(f), nil
}

func (s *Store) GetControl(ctx context.Context, id string) (steril.Control, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getControl(id)
}

func (s *Store) ListControls(ctx context.Context, f steril.ControlFilter) ([]steril.Control, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listControls(f), nil
}

func (s *Store) GetTray(ctx context.Context, id string) (steril.Tray, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getTray(id)
}

func (s *Store) GetTrayByCode(ctx context.Context, code string) (steril.Tray, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.getTrayByCode(code)
}

func (s *Store) ListTraysByLot(ctx context.Context, lotID string) ([]steril.Tray, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listTraysByLot(lotID), nil
}

func (s *Store) FindAssignmentByTray(ctx context.Context, trayID string) (steril.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.findAssignmentByTray(trayID)
}

func (s *Store) ListAssignments(ctx context.Context, after steril.AssignmentCursor, limit int) ([]steril.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.listAssignments(after, limit), nil
}

// state readers, called with the lock held.

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", steril.ErrNotFound, kind, id)
}

func (st *state) getAutoclave(id string) (steril.Autoclave, error) {
	a, ok := st.autoclaves[id]
	if !ok {
		return steril.Autoclave{}, notFound("autoclave", id)
	}
	return a, nil
}

func (st *state) getAutoclaveBySerial(serial string) (steril.Autoclave, error) {
	id, ok := st.serials[serial]
	if !ok {
		return steril.Autoclave{}, notFound("autoclave serial", serial)
	}
	return st.autoclaves[id], nil
}

func (st *state) listAutoclaves() []steril.Autoclave {
	out := make([]steril.Autoclave, 0, len(st.autoclaves))
	for _, a := range st.autoclaves {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (st *state) listMaintenance(autoclaveID string) []steril.MaintenanceRecord {
	recs := st.maintenance[autoclaveID]
	out := make([]steril.MaintenanceRecord, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].PerformedAt.After(out[j].PerformedAt) })
	return out
}

func (st *state) getLot(id string) (steril.Lot, error) {
	l, ok := st.lots[id]
	if !ok {
		return steril.Lot{}, notFound("lot", id)
	}
	return l.Clone(), nil
}

func (st *state) listLots(f steril.LotFilter) []steril.Lot {
	var out []steril.Lot
	for _, l := range st.lots {
		if f.State != "" && l.State != f.State {
			continue
		}
		if f.AutoclaveID != "" && l.AutoclaveID != f.AutoclaveID {
			continue
		}
		if f.SiteID != "" && l.SiteID != f.SiteID {
			continue
		}
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (st *state) getControl(id string) (steril.Control, error) {
	c, ok := st.controls[id]
	if !ok {
		return steril.Control{}, notFound("control", id)
	}
	return c, nil
}

func (st *state) listControls(f steril.ControlFilter) []steril.Control {
	var out []steril.Control
	for _, c := range st.controls {
		if f.LotID != "" && c.LotID != f.LotID {
			continue
		}
		if f.AutoclaveID != "" && c.AutoclaveID != f.AutoclaveID {
			continue
		}
		if f.PendingOnly && c.Result != steril.ResultPending {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (st *state) getTray(id string) (steril.Tray, error) {
	t, ok := st.trays[id]
	if !ok {
		return steril.Tray{}, notFound("tray", id)
	}
	return t, nil
}

func (st *state) getTrayByCode(code string) (steril.Tray, error) {
	id, ok := st.trayCodes[code]
	if !ok {
		return steril.Tray{}, notFound("tray code", code)
	}
	return st.trays[id], nil
}

func (st *state) listTraysByLot(lotID string) []steril.Tray {
	var out []steril.Tray
	for _, t := range st.trays {
		if t.LotID == lotID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageCode < out[j].PackageCode })
	return out
}

func (st *state) findAssignmentByTray(trayID string) (steril.Assignment, error) {
	i, ok := st.byTray[trayID]
	if !ok {
		return steril.Assignment{}, notFound("assignment for tray", trayID)
	}
	return st.assignments[i], nil
}

// listAssignments walks the (assigned_at desc, sequence desc) order past the cursor.
func (st *state) listAssignments(after steril.AssignmentCursor, limit int) []steril.Assignment {
	all := make([]steril.Assignment, len(st.assignments))
	copy(all, st.assignments)
	sort.Slice(all, func(i, j int) bool {
		return newer(all[i].AssignedAt, all[i].Sequence, all[j].AssignedAt, all[j].Sequence)
	})

	var out []steril.Assignment
	for _, a := range all {
		if !after.IsZero() && !newer(after.AssignedAt, after.Sequence, a.AssignedAt, a.Sequence) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func newer(aAt time.Time, aSeq uint64, bAt time.Time, bSeq uint64) bool {
	if !aAt.Equal(bAt) {
		return aAt.After(bAt)
	}
	return aSeq > bSeq
}
