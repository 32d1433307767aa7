package steril_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"steriltrace.org/internal/ids"
	"steriltrace.org/internal/steril"
	"steriltrace.org/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []steril.Event
}

func (r *recorder) Notify(_ context.Context, evt steril.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) kinds() []steril.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]steril.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) last(kind steril.EventKind) (steril.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return steril.Event{}, false
}

type directory struct {
	patients     map[string]bool
	appointments map[string]string
}

func (d directory) PatientActive(_ context.Context, id string) (bool, error) {
	return d.patients[id], nil
}

func (d directory) AppointmentExists(_ context.Context, apptID, patientID string) (bool, error) {
	return d.appointments[apptID] == patientID, nil
}

type env struct {
	svc   *steril.Service
	store *memory.Store
	clock *clock
	notes *recorder
}

func newEnv(t *testing.T, opts ...steril.Option) *env {
	t.Helper()
	e := &env{
		store: memory.New(),
		clock: &clock{now: time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)},
		notes: &recorder{},
	}
	dir := directory{
		patients:     map[string]bool{"pat-1": true, "pat-2": true, "pat-gone": false},
		appointments: map[string]string{"appt-1": "pat-1"},
	}
	base := []steril.Option{
		steril.WithClock(e.clock.Now),
		steril.WithNotifier(e.notes),
		steril.WithDirectory(dir),
		steril.WithShelfLifeDays(30),
	}
	e.svc = steril.NewService(e.store, append(base, opts...)...)
	return e
}

func (e *env) autoclave(t *testing.T, serial string) steril.Autoclave {
	t.Helper()
	a, err := e.svc.RegisterAutoclave(context.Background(), steril.AutoclaveSpec{
		Name:            "Chamber " + serial,
		Brand:           "Tuttnauer",
		Model:           "2540EKA",
		Serial:          serial,
		NextMaintenance: e.clock.Now().AddDate(0, 2, 0),
	})
	require.NoError(t, err)
	return a
}

func (e *env) openLot(t *testing.T, autoclaveID string, contents ...string) steril.Lot {
	t.Helper()
	pkgs := make([]steril.PackageInput, 0, len(contents))
	for _, c := range contents {
		pkgs = append(pkgs, steril.PackageInput{Content: c})
	}
	lot, err := e.svc.OpenLot(context.Background(), steril.OpenLotInput{
		AutoclaveID: autoclaveID,
		OperatorID:  "op-1",
		SiteID:      "site-1",
		Packages:    pkgs,
	})
	require.NoError(t, err)
	return lot
}

func (e *env) control(t *testing.T, kind steril.ControlKind, lot steril.Lot, result steril.ControlResult) steril.ControlOutcome {
	t.Helper()
	out, err := e.svc.RegisterControl(context.Background(), steril.ControlInput{
		Kind:            kind,
		LotID:           lot.ID,
		AutoclaveID:     lot.AutoclaveID,
		IndicatorLot:    "IND-77",
		IndicatorExpiry: e.clock.Now().AddDate(1, 0, 0),
		Result:          result,
		UserID:          "op-1",
	})
	require.NoError(t, err)
	return out
}

// validatedTray opens a one-package lot, validates it with a negative chemical
// control and returns its tray.
func (e *env) validatedTray(t *testing.T) steril.Tray {
	t.Helper()
	ctx := context.Background()
	a := e.autoclave(t, "SN-"+ids.New())
	lot := e.openLot(t, a.ID, "basic exam kit")
	e.control(t, steril.ControlChemical, lot, steril.ResultNegative)
	_, err := e.svc.ValidateLot(ctx, lot.ID, "sup-1")
	require.NoError(t, err)
	trays, err := e.svc.LotTrays(ctx, lot.ID)
	require.NoError(t, err)
	require.Len(t, trays, 1)
	return trays[0]
}

type blockingStore struct {
	*memory.Store
}

func (b blockingStore) Atomic(ctx context.Context, fn func(context.Context, steril.Tx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestOperationTimeoutIsUnavailable(t *testing.T) {
	svc := steril.NewService(blockingStore{memory.New()}, steril.WithOpTimeout(20*time.Millisecond))
	_, err := svc.RegisterAutoclave(context.Background(), steril.AutoclaveSpec{
		Name:            "A",
		Serial:          "SN-1",
		NextMaintenance: time.Now().Add(time.Hour),
	})
	require.ErrorIs(t, err, steril.ErrUnavailable)
	require.Equal(t, "unavailable", steril.KindOf(err))
}

func TestKindOf(t *testing.T) {
	cases := map[error]string{
		steril.ErrNotFound:                        "not_found",
		steril.ErrDuplicateSerial:                 "duplicate_serial",
		steril.ErrEmptyLot:                        "empty_lot",
		steril.ErrEquipmentNotActive:              "equipment_not_active",
		steril.ErrExpiredIndicator:                "expired_indicator",
		steril.ErrChemicalRequiresImmediateResult: "chemical_requires_immediate_result",
		steril.ErrAlreadyResolved:                 "already_resolved",
		steril.ErrLotNotReady:                     "lot_not_ready",
		steril.ErrAlreadyAssigned:                 "already_assigned",
		steril.ErrUnavailable:                     "unavailable",
		steril.ErrInvalidInput:                    "invalid_input",
		steril.ErrConflict:                        "conflict",
		steril.ErrLotClosed:                       "lot_closed",
		steril.ErrLotFailed:                       "lot_failed",
		&steril.NotAvailableError{Reason: steril.ReasonExpired}: "not_available",
		context.Canceled: "internal",
	}
	for err, want := range cases {
		if got := steril.KindOf(err); got != want {
			t.Fatalf("KindOf(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestParseControlResult(t *testing.T) {
	cases := map[string]steril.ControlResult{
		"negativo":   steril.ResultNegative,
		" Correcto ": steril.ResultNegative,
		"positivo":   steril.ResultPositive,
		"incorrecto": steril.ResultFailed,
		"pendiente":  steril.ResultPending,
		"failed":     steril.ResultFailed,
	}
	for raw, want := range cases {
		got, ok := steril.ParseControlResult(raw)
		if !ok || got != want {
			t.Fatalf("ParseControlResult(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := steril.ParseControlResult("maybe"); ok {
		t.Fatalf("expected unknown result to be rejected")
	}
}
