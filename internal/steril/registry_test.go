package steril_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"steriltrace.org/internal/steril"
)

func TestRegisterAutoclaveNormalisesSerial(t *testing.T) {
	e := newEnv(t)
	a := e.autoclave(t, " tt-2540 01 ")
	require.Equal(t, "TT-254001", a.Serial)
	require.Equal(t, steril.AutoclaveActive, a.State)
	require.EqualValues(t, 1, a.Version)

	_, err := e.svc.RegisterAutoclave(context.Background(), steril.AutoclaveSpec{
		Name:            "Second",
		Serial:          "TT-254001",
		NextMaintenance: e.clock.Now().AddDate(0, 1, 0),
	})
	require.ErrorIs(t, err, steril.ErrDuplicateSerial)
}

func TestRegisterAutoclaveValidatesInput(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.RegisterAutoclave(context.Background(), steril.AutoclaveSpec{Name: "x", Serial: "1"})
	require.ErrorIs(t, err, steril.ErrInvalidInput)
	_, err = e.svc.RegisterAutoclave(context.Background(), steril.AutoclaveSpec{Serial: "1", NextMaintenance: time.Now()})
	require.ErrorIs(t, err, steril.ErrInvalidInput)
}

func TestUpdateAutoclave(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.autoclave(t, "SN-1")

	repair := steril.AutoclaveUnderRepair
	loc := "Sterilization room B"
	got, err := e.svc.UpdateAutoclave(ctx, a.ID, steril.AutoclavePatch{State: &repair, Location: &loc, ExpectedVersion: a.Version})
	require.NoError(t, err)
	require.Equal(t, repair, got.State)
	require.Equal(t, loc, got.Location)
	require.Equal(t, a.Version+1, got.Version)

	_, err = e.svc.UpdateAutoclave(ctx, a.ID, steril.AutoclavePatch{State: &repair, ExpectedVersion: a.Version})
	require.ErrorIs(t, err, steril.ErrConflict)

	_, err = e.svc.UpdateAutoclave(ctx, "missing", steril.AutoclavePatch{Location: &loc})
	require.ErrorIs(t, err, steril.ErrNotFound)

	bad := steril.AutoclaveState("broken")
	_, err = e.svc.UpdateAutoclave(ctx, a.ID, steril.AutoclavePatch{State: &bad})
	require.ErrorIs(t, err, steril.ErrInvalidInput)
}

func TestRecordMaintenance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	a := e.autoclave(t, "SN-1")
	next := e.clock.Now().AddDate(0, 6, 0)

	rec, updated, err := e.svc.RecordMaintenance(ctx, a.ID, steril.MaintenanceInput{
		Kind:            steril.MaintenancePreventive,
		Technician:      "J. Ruiz",
		Cost:            steril.Money{Currency: "mxn", Amount: 150000},
		NextMaintenance: &next,
		UserID:          "admin",
	})
	require.NoError(t, err)
	require.Equal(t, "MXN", rec.Cost.Currency)
	require.True(t, updated.NextMaintenance.Equal(next))

	_, after, err := e.svc.RecordMaintenance(ctx, a.ID, steril.MaintenanceInput{
		Kind:       steril.MaintenanceCorrective,
		Technician: "J. Ruiz",
		Notes:      "door gasket replaced",
	})
	require.NoError(t, err)
	require.True(t, after.NextMaintenance.Equal(next), "corrective maintenance must not move the schedule")

	_, _, err = e.svc.RecordMaintenance(ctx, a.ID, steril.MaintenanceInput{Kind: steril.MaintenancePreventive, Technician: "x"})
	require.ErrorIs(t, err, steril.ErrInvalidInput)
	_, _, err = e.svc.RecordMaintenance(ctx, a.ID, steril.MaintenanceInput{Kind: steril.MaintenanceCorrective, Technician: "x", NextMaintenance: &next})
	require.ErrorIs(t, err, steril.ErrInvalidInput)
	_, _, err = e.svc.RecordMaintenance(ctx, "missing", steril.MaintenanceInput{Kind: steril.MaintenanceCorrective, Technician: "x"})
	require.ErrorIs(t, err, steril.ErrNotFound)

	history, err := e.svc.ListMaintenance(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestDueForMaintenance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := e.clock.Now()

	reg := func(serial string, next time.Time) steril.Autoclave {
		a, err := e.svc.RegisterAutoclave(ctx, steril.AutoclaveSpec{Name: serial, Serial: serial, NextMaintenance: next})
		require.NoError(t, err)
		return a
	}
	overdue := reg("OVERDUE", now.AddDate(0, 0, -3))
	soon := reg("SOON", now.AddDate(0, 0, 5))
	edge := reg("EDGE", now.AddDate(0, 0, 7))
	reg("LATER", now.AddDate(0, 0, 8))
	off := reg("OFF", now.AddDate(0, 0, -10))
	inactive := steril.AutoclaveInactive
	_, err := e.svc.UpdateAutoclave(ctx, off.ID, steril.AutoclavePatch{State: &inactive})
	require.NoError(t, err)

	seq := e.svc.DueForMaintenance(ctx, now, 7)
	collect := func() []steril.MaintenanceDue {
		var out []steril.MaintenanceDue
		for d, err := range seq {
			require.NoError(t, err)
			out = append(out, d)
		}
		return out
	}

	got := collect()
	require.Len(t, got, 3)
	require.Equal(t, overdue.ID, got[0].Autoclave.ID)
	require.Equal(t, -3, got[0].DaysRemaining)
	require.True(t, got[0].Overdue())
	require.Equal(t, soon.ID, got[1].Autoclave.ID)
	require.False(t, got[1].Overdue())
	require.Equal(t, edge.ID, got[2].Autoclave.ID)
	require.Equal(t, 7, got[2].DaysRemaining)

	require.Equal(t, got, collect(), "sequence must be restartable")

	var first []string
	for d := range seq {
		first = append(first, d.Autoclave.ID)
		break
	}
	require.Equal(t, []string{overdue.ID}, first)
}

func TestSweepMaintenanceEmitsEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := e.clock.Now()
	_, err := e.svc.RegisterAutoclave(ctx, steril.AutoclaveSpec{Name: "a", Serial: "A", NextMaintenance: now.AddDate(0, 0, -1)})
	require.NoError(t, err)
	_, err = e.svc.RegisterAutoclave(ctx, steril.AutoclaveSpec{Name: "b", Serial: "B", NextMaintenance: now.AddDate(0, 0, 2)})
	require.NoError(t, err)

	n, err := e.svc.SweepMaintenance(ctx, now, 7)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	e.notes.mu.Lock()
	defer e.notes.mu.Unlock()
	require.Len(t, e.notes.events, 2)
	require.Equal(t, steril.EventMaintenanceDue, e.notes.events[0].Kind)
	require.Equal(t, steril.SeverityWarning, e.notes.events[0].Severity)
	require.Equal(t, -1, *e.notes.events[0].DaysRemaining)
	require.Equal(t, steril.SeverityInfo, e.notes.events[1].Severity)
}

func TestDaysRemainingUsesClinicCalendar(t *testing.T) {
	loc := time.FixedZone("CST", -6*3600)
	e := newEnv(t, steril.WithLocation(loc))
	ctx := context.Background()
	// 23:30 local on May 3 is already May 4 in UTC.
	now := time.Date(2026, 5, 4, 5, 30, 0, 0, time.UTC)
	_, err := e.svc.RegisterAutoclave(ctx, steril.AutoclaveSpec{
		Name:            "a",
		Serial:          "A",
		NextMaintenance: time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	for d, err := range e.svc.DueForMaintenance(ctx, now, 0) {
		require.NoError(t, err)
		t.Fatalf("unexpected due autoclave %s with %d days", d.Autoclave.Serial, d.DaysRemaining)
	}
	for d, err := range e.svc.DueForMaintenance(ctx, now, 1) {
		require.NoError(t, err)
		require.Equal(t, 1, d.DaysRemaining)
	}
}
