package steril

import (
	"context"
	"time"
)

// LotFilter narrows ListLots. Zero values mean "any".
type LotFilter struct {
	State       LotState
	AutoclaveID string
	SiteID      string
	Limit       int
}

// ControlFilter narrows ListControls.
type ControlFilter struct {
	LotID       string
	AutoclaveID string
	PendingOnly bool
}

// AssignmentCursor is a keyset position in the (assigned_at desc, sequence desc)
// ordering. The zero cursor starts at the newest assignment.
type AssignmentCursor struct {
	AssignedAt time.Time
	Sequence   uint64
}

// IsZero reports whether the cursor points at the beginning of the listing.
func (c AssignmentCursor) IsZero() bool { return c.AssignedAt.IsZero() && c.Sequence == 0 }

// Reader is the read side of the persistence collaborator.
// Lookups of unknown identifiers return ErrNotFound.
type Reader interface {
	GetAutoclave(ctx context.Context, id string) (Autoclave, error)
	GetAutoclaveBySerial(ctx context.Context, serial string) (Autoclave, error)
	ListAutoclaves(ctx context.Context) ([]Autoclave, error)
	ListMaintenance(ctx context.Context, autoclaveID string) ([]MaintenanceRecord, error)

	GetLot(ctx context.Context, id string) (Lot, error)
	ListLots(ctx context.Context, f LotFilter) ([]Lot, error)

	GetControl(ctx context.Context, id string) (Control, error)
	ListControls(ctx context.Context, f ControlFilter) ([]Control, error)

	GetTray(ctx context.Context, id string) (Tray, error)
	GetTrayByCode(ctx context.Context, code string) (Tray, error)
	ListTraysByLot(ctx context.Context, lotID string) ([]Tray, error)

	FindAssignmentByTray(ctx context.Context, trayID string) (Assignment, error)
	ListAssignments(ctx context.Context, after AssignmentCursor, limit int) ([]Assignment, error)
}

// Writer is the write side. Update methods carry the version the caller read;
// a stale version fails with ErrConflict. On success the entity's Version is bumped.
type Writer interface {
	InsertAutoclave(ctx context.Context, a *Autoclave) error
	UpdateAutoclave(ctx context.Context, a *Autoclave) error
	InsertMaintenance(ctx context.Context, m MaintenanceRecord) error

	// InsertLot stores the lot together with its packages. UpdateLot writes the
	// lot's own fields only; packages are appended with InsertPackages.
	InsertLot(ctx context.Context, l *Lot) error
	UpdateLot(ctx context.Context, l *Lot) error
	InsertPackages(ctx context.Context, lotID string, pkgs []Package) error
	// MarkPackageUsed flags a package as consumed by a patient without bumping
	// the lot version. Callers hold the lot row from GetLot inside the same Tx,
	// which serializes the assignment against a recall cascade on that lot.
	MarkPackageUsed(ctx context.Context, lotID, code, patientID string) error

	InsertControl(ctx context.Context, c *Control) error
	UpdateControl(ctx context.Context, c *Control) error

	InsertTray(ctx context.Context, t *Tray) error
	UpdateTray(ctx context.Context, t *Tray) error

	InsertAssignment(ctx context.Context, a *Assignment) error
}

// Tx is a unit of work. Reads inside a Tx observe the same snapshot the writes apply to.
type Tx interface {
	Reader
	Writer
}

// Store is the persistence collaborator. Atomic runs fn as one all-or-nothing unit;
// if fn returns an error nothing it wrote is persisted.
type Store interface {
	Reader
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Directory resolves patients and appointments owned by the clinic system.
type Directory interface {
	PatientActive(ctx context.Context, patientID string) (bool, error)
	AppointmentExists(ctx context.Context, appointmentID, patientID string) (bool, error)
}
