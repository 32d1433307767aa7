package steril

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventLotFailed            EventKind = "lot_failed"
	EventControlPositiveAlert EventKind = "control_positive_alert"
	EventMaintenanceDue       EventKind = "maintenance_due"
)

// Severity orders events by urgency. A positive control is the only critical event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a comparable urgency; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityWarning:
		return 1
	}
	return 0
}

// Event is a notification emitted after a committed state change.
type Event struct {
	ID            string    `json:"id"`
	Kind          EventKind `json:"kind"`
	Severity      Severity  `json:"severity"`
	OccurredAt    time.Time `json:"occurred_at"`
	LotID         string    `json:"lot_id,omitempty"`
	LotCode       string    `json:"lot_code,omitempty"`
	ControlID     string    `json:"control_id,omitempty"`
	AutoclaveID   string    `json:"autoclave_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	DaysRemaining *int      `json:"days_remaining,omitempty"`
}

// Notifier dispatches events. Implementations must not block the caller for long
// and must not report delivery failures back; delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, evt Event)

func (f NotifierFunc) Notify(ctx context.Context, evt Event) { f(ctx, evt) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

func lotFailedEvent(lot Lot, now time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        EventLotFailed,
		Severity:    SeverityHigh,
		OccurredAt:  now,
		LotID:       lot.ID,
		LotCode:     lot.Code,
		AutoclaveID: lot.AutoclaveID,
		Reason:      lot.FailureReason,
	}
}

func controlAlertEvent(c Control, lotCode string, now time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        EventControlPositiveAlert,
		Severity:    SeverityCritical,
		OccurredAt:  now,
		LotID:       c.LotID,
		LotCode:     lotCode,
		ControlID:   c.ID,
		AutoclaveID: c.AutoclaveID,
		Reason:      string(c.Kind) + " indicator " + c.IndicatorLot + " read " + string(c.Result),
	}
}

func maintenanceDueEvent(d MaintenanceDue, now time.Time) Event {
	days := d.DaysRemaining
	sev := SeverityInfo
	if d.Overdue() {
		sev = SeverityWarning
	}
	return Event{
		ID:            uuid.NewString(),
		Kind:          EventMaintenanceDue,
		Severity:      sev,
		OccurredAt:    now,
		AutoclaveID:   d.Autoclave.ID,
		DaysRemaining: &days,
	}
}
