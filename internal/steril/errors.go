package steril

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound                        = errors.New("not found")
	ErrDuplicateSerial                 = errors.New("duplicate autoclave serial")
	ErrEmptyLot                        = errors.New("lot requires at least one package with content")
	ErrEquipmentNotActive              = errors.New("autoclave is not active")
	ErrExpiredIndicator                = errors.New("indicator is expired")
	ErrChemicalRequiresImmediateResult = errors.New("chemical control requires an immediate result")
	ErrAlreadyResolved                 = errors.New("control already resolved")
	ErrLotNotReady                     = errors.New("lot has unresolved quality controls")
	ErrNotAvailable                    = errors.New("tray not available")
	ErrAlreadyAssigned                 = errors.New("tray already assigned")
	ErrUnavailable                     = errors.New("storage unavailable")

	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("concurrent modification")
	ErrLotClosed    = errors.New("lot is closed")
	ErrLotFailed    = errors.New("lot failed quality control")
)

// UnavailableReason says why a tray failed the availability predicate.
type UnavailableReason string

const (
	ReasonExpired    UnavailableReason = "expired"
	ReasonWrongState UnavailableReason = "wrong_state"
	ReasonLotInvalid UnavailableReason = "lot_invalid"
)

// NotAvailableError is returned when a tray exists but cannot be used.
// It matches ErrNotAvailable with errors.Is.
type NotAvailableError struct {
	TrayID    string            `json:"tray_id"`
	Code      string            `json:"code"`
	Reason    UnavailableReason `json:"reason"`
	State     TrayState         `json:"state"`
	LotState  LotState          `json:"lot_state"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func (e *NotAvailableError) Error() string {
	switch e.Reason {
	case ReasonExpired:
		return fmt.Sprintf("tray %s not available: expired at %s", e.Code, e.ExpiresAt.UTC().Format(time.RFC3339))
	case ReasonLotInvalid:
		return fmt.Sprintf("tray %s not available: lot is %s", e.Code, e.LotState)
	default:
		return fmt.Sprintf("tray %s not available: state %s", e.Code, e.State)
	}
}

func (e *NotAvailableError) Is(target error) bool { return target == ErrNotAvailable }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// KindOf maps an error to the stable kind name exposed to callers.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateSerial):
		return "duplicate_serial"
	case errors.Is(err, ErrEmptyLot):
		return "empty_lot"
	case errors.Is(err, ErrEquipmentNotActive):
		return "equipment_not_active"
	case errors.Is(err, ErrExpiredIndicator):
		return "expired_indicator"
	case errors.Is(err, ErrChemicalRequiresImmediateResult):
		return "chemical_requires_immediate_result"
	case errors.Is(err, ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, ErrLotNotReady):
		return "lot_not_ready"
	case errors.Is(err, ErrNotAvailable):
		return "not_available"
	case errors.Is(err, ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrLotClosed):
		return "lot_closed"
	case errors.Is(err, ErrLotFailed):
		return "lot_failed"
	}
	return "internal"
}

// unavailableIfTimeout turns deadline and cancellation failures of the storage
// round-trip into ErrUnavailable, keeping domain errors untouched.
func unavailableIfTimeout(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
