package steril

import (
	"strings"
	"time"
)

// AutoclaveState is the operational state of a sterilizer.
type AutoclaveState string

const (
	AutoclaveActive      AutoclaveState = "active"
	AutoclaveInactive    AutoclaveState = "inactive"
	AutoclaveUnderRepair AutoclaveState = "under_repair"
)

func (s AutoclaveState) Valid() bool {
	switch s {
	case AutoclaveActive, AutoclaveInactive, AutoclaveUnderRepair:
		return true
	}
	return false
}

// MaintenanceKind distinguishes scheduled from breakdown maintenance.
type MaintenanceKind string

const (
	MaintenancePreventive MaintenanceKind = "preventive"
	MaintenanceCorrective MaintenanceKind = "corrective"
)

func (k MaintenanceKind) Valid() bool {
	return k == MaintenancePreventive || k == MaintenanceCorrective
}

// LotState is the state of a sterilization run.
type LotState string

const (
	LotInProcess LotState = "in_process"
	LotValidated LotState = "validated"
	LotFailed    LotState = "failed"
)

// Terminal reports whether no regular transition leaves the state.
func (s LotState) Terminal() bool { return s == LotValidated || s == LotFailed }

// ControlKind is the indicator family of a quality control.
type ControlKind string

const (
	ControlBiological ControlKind = "biological"
	ControlChemical   ControlKind = "chemical"
)

func (k ControlKind) Valid() bool { return k == ControlBiological || k == ControlChemical }

// ControlResult is the reading of an indicator.
type ControlResult string

const (
	ResultPending  ControlResult = "pending"
	ResultNegative ControlResult = "negative"
	ResultPositive ControlResult = "positive"
	ResultFailed   ControlResult = "failed"
)

func (r ControlResult) Valid() bool {
	switch r {
	case ResultPending, ResultNegative, ResultPositive, ResultFailed:
		return true
	}
	return false
}

// Unsafe reports whether the result invalidates the sterilization run.
func (r ControlResult) Unsafe() bool { return r == ResultPositive || r == ResultFailed }

// ParseControlResult accepts canonical values and the vocabulary used on the
// clinic floor ("correcto" for a chemical strip that turned, "negativo" for an
// incubated ampoule without growth, and so on).
func ParseControlResult(raw string) (ControlResult, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "pendiente":
		return ResultPending, true
	case "negative", "negativo", "correcto", "correct", "pass":
		return ResultNegative, true
	case "positive", "positivo":
		return ResultPositive, true
	case "failed", "fallido", "incorrecto", "incorrect", "fail":
		return ResultFailed, true
	}
	return "", false
}

// TrayState is the stored state of a sterile tray.
type TrayState string

const (
	TrayAvailable    TrayState = "available"
	TrayInUse        TrayState = "in_use"
	TrayContaminated TrayState = "contaminated"
	TrayInProcess    TrayState = "in_process"
)

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// Autoclave is a registered sterilizer. Autoclaves are deactivated, never deleted.
type Autoclave struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Brand           string         `json:"brand"`
	Model           string         `json:"model"`
	Serial          string         `json:"serial"`
	Location        string         `json:"location,omitempty"`
	SiteID          string         `json:"site_id,omitempty"`
	InstalledAt     time.Time      `json:"installed_at"`
	NextMaintenance time.Time      `json:"next_maintenance"`
	State           AutoclaveState `json:"state"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MaintenanceRecord is an immutable entry in an autoclave's service history.
type MaintenanceRecord struct {
	ID          string          `json:"id"`
	AutoclaveID string          `json:"autoclave_id"`
	PerformedAt time.Time       `json:"performed_at"`
	Kind        MaintenanceKind `json:"kind"`
	Technician  string          `json:"technician"`
	Cost        Money           `json:"cost"`
	Attachments []string        `json:"attachments,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	RecordedBy  string          `json:"recorded_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// MaintenanceDue describes an autoclave inside the maintenance warning window.
type MaintenanceDue struct {
	Autoclave     Autoclave `json:"autoclave"`
	DaysRemaining int       `json:"days_remaining"`
}

// Overdue reports whether the maintenance date has already passed.
func (d MaintenanceDue) Overdue() bool { return d.DaysRemaining < 0 }

// CycleParams are the physical parameters of an autoclave cycle.
type CycleParams struct {
	TemperatureC float64 `json:"temperature_c"`
	PressureKPa  float64 `json:"pressure_kpa"`
	DurationMin  int     `json:"duration_min"`
}

// Package is one bundle of instruments sterilized in a lot.
type Package struct {
	LotID         string `json:"lot_id"`
	Code          string `json:"code"`
	Content       string `json:"content"`
	ShelfLifeDays int    `json:"shelf_life_days,omitempty"`
	Used          bool   `json:"used"`
	PatientID     string `json:"patient_id,omitempty"`
}

// Lot is one sterilization run. It owns its packages and controls.
type Lot struct {
	ID            string       `json:"id"`
	Code          string       `json:"code"`
	AutoclaveID   string       `json:"autoclave_id"`
	OperatorID    string       `json:"operator_id"`
	SiteID        string       `json:"site_id"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
	Cycle         *CycleParams `json:"cycle,omitempty"`
	State         LotState     `json:"state"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Notes         string       `json:"notes,omitempty"`
	Packages      []Package    `json:"packages"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Package returns the package with the given code.
func (l Lot) Package(code string) (Package, bool) {
	for _, p := range l.Packages {
		if p.Code == code {
			return p, true
		}
	}
	return Package{}, false
}

// Clone returns a deep copy, so stores can hand out values without sharing slices.
func (l Lot) Clone() Lot {
	out := l
	out.Packages = append([]Package(nil), l.Packages...)
	if l.EndedAt != nil {
		t := *l.EndedAt
		out.EndedAt = &t
	}
	if l.Cycle != nil {
		c := *l.Cycle
		out.Cycle = &c
	}
	return out
}

// Control is a chemical or biological indicator test.
type Control struct {
	ID              string        `json:"id"`
	Kind            ControlKind   `json:"kind"`
	LotID           string        `json:"lot_id,omitempty"`
	AutoclaveID     string        `json:"autoclave_id"`
	IndicatorLot    string        `json:"indicator_lot"`
	IndicatorExpiry time.Time     `json:"indicator_expiry"`
	Result          ControlResult `json:"result"`
	RegisteredAt    time.Time     `json:"registered_at"`
	RegisteredBy    string        `json:"registered_by"`
	ResolvedAt      *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy      string        `json:"resolved_by,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	Version         int64         `json:"version"`
}

// Tray is the QR-coded, independently addressable unit derived from a validated package.
type Tray struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	LotID        string    `json:"lot_id"`
	PackageCode  string    `json:"package_code"`
	Content      string    `json:"content"`
	SterilizedAt time.Time `json:"sterilized_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	State        TrayState `json:"state"`
	Note         string    `json:"note,omitempty"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Assignment binds one tray to one patient. Immutable.
type Assignment struct {
	ID            string    `json:"id"`
	TrayID        string    `json:"tray_id"`
	TrayCode      string    `json:"tray_code"`
	LotID         string    `json:"lot_id"`
	PatientID     string    `json:"patient_id"`
	AppointmentID string    `json:"appointment_id,omitempty"`
	AssignedBy    string    `json:"assigned_by"`
	AssignedAt    time.Time `json:"assigned_at"`
	Sequence      uint64    `json:"sequence"`
}
