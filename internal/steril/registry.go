package steril

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"steriltrace.org/internal/ids"
)

// AutoclaveSpec is the input of RegisterAutoclave.
type AutoclaveSpec struct {
	Name            string
	Brand           string
	Model           string
	Serial          string
	Location        string
	SiteID          string
	InstalledAt     time.Time
	NextMaintenance time.Time
	UserID          string
}

// AutoclavePatch lists the mutable fields of an autoclave. Nil fields are left as is.
// A non-zero ExpectedVersion makes the update fail with ErrConflict if the
// autoclave changed since the caller read it.
type AutoclavePatch struct {
	Name            *string
	Location        *string
	NextMaintenance *time.Time
	State           *AutoclaveState
	ExpectedVersion int64
	UserID          string
}

// MaintenanceInput is the input of RecordMaintenance. NextMaintenance is required
// for preventive maintenance and is stored as given.
type MaintenanceInput struct {
	PerformedAt     time.Time
	Kind            MaintenanceKind
	Technician      string
	Cost            Money
	Attachments     []string
	Notes           string
	NextMaintenance *time.Time
	UserID          string
}

// NormalizeSerial canonicalises a serial number for uniqueness checks.
func NormalizeSerial(serial string) string {
	return strings.ToUpper(strings.Join(strings.Fields(serial), ""))
}

func (s *Service) RegisterAutoclave(ctx context.Context, spec AutoclaveSpec) (a Autoclave, err error) {
	ctx, end := s.begin(ctx, "register_autoclave")
	defer end(&err)

	serial := NormalizeSerial(spec.Serial)
	switch {
	case strings.TrimSpace(spec.Name) == "":
		return Autoclave{}, invalid("name is required")
	case serial == "":
		return Autoclave{}, invalid("serial is required")
	case spec.NextMaintenance.IsZero():
		return Autoclave{}, invalid("next_maintenance is required")
	}

	now := s.now()
	a = Autoclave{
		ID:              ids.New(),
		Name:            strings.TrimSpace(spec.Name),
		Brand:           strings.TrimSpace(spec.Brand),
		Model:           strings.TrimSpace(spec.Model),
		Serial:          serial,
		Location:        strings.TrimSpace(spec.Location),
		SiteID:          strings.TrimSpace(spec.SiteID),
		InstalledAt:     spec.InstalledAt,
		NextMaintenance: spec.NextMaintenance,
		State:           AutoclaveActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if a.InstalledAt.IsZero() {
		a.InstalledAt = now
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.GetAutoclaveBySerial(ctx, serial)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s already registered as %s", ErrDuplicateSerial, serial, existing.ID)
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return tx.InsertAutoclave(ctx, &a)
	})
	if err != nil {
		return Autoclave{}, err
	}
	s.log.Info("autoclave registered",
		zap.String("autoclave_id", a.ID),
		zap.String("serial", a.Serial),
		zap.String("user_id", spec.UserID))
	return a, nil
}

func (s *Service) UpdateAutoclave(ctx context.Context, id string, patch AutoclavePatch) (a Autoclave, err error) {
	ctx, end := s.begin(ctx, "update_autoclave")
	defer end(&err)

	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return Autoclave{}, invalid("name must not be empty")
	}
	if patch.State != nil && !patch.State.Valid() {
		return Autoclave{}, invalid("unknown autoclave state %q", *patch.State)
	}
	if patch.NextMaintenance != nil && patch.NextMaintenance.IsZero() {
		return Autoclave{}, invalid("next_maintenance must not be empty")
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetAutoclave(ctx, id)
		if err != nil {
			return err
		}
		if patch.ExpectedVersion != 0 && patch.ExpectedVersion != cur.Version {
			return fmt.Errorf("%w: autoclave %s is at version %d", ErrConflict, id, cur.Version)
		}
		if patch.Name != nil {
			cur.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.Location != nil {
			cur.Location = strings.TrimSpace(*patch.Location)
		}
		if patch.NextMaintenance != nil {
			cur.NextMaintenance = *patch.NextMaintenance
		}
		if patch.State != nil {
			cur.State = *patch.State
		}
		cur.UpdatedAt = s.now()
		if err := tx.UpdateAutoclave(ctx, &cur); err != nil {
			return err
		}
		a = cur
		return nil
	})
	if err != nil {
		return Autoclave{}, err
	}
	return a, nil
}

func (s *Service) RecordMaintenance(ctx context.Context, autoclaveID string, in MaintenanceInput) (rec MaintenanceRecord, a Autoclave, err error) {
	ctx, end := s.begin(ctx, "record_maintenance")
	defer end(&err)

	switch {
	case !in.Kind.Valid():
		return MaintenanceRecord{}, Autoclave{}, invalid("unknown maintenance kind %q", in.Kind)
	case strings.TrimSpace(in.Technician) == "":
		return MaintenanceRecord{}, Autoclave{}, invalid("technician is required")
	case in.Cost.Amount < 0:
		return MaintenanceRecord{}, Autoclave{}, invalid("cost must be >= 0")
	case in.Cost.Amount > 0 && strings.TrimSpace(in.Cost.Currency) == "":
		return MaintenanceRecord{}, Autoclave{}, invalid("cost currency is required")
	case in.Kind == MaintenancePreventive && (in.NextMaintenance == nil || in.NextMaintenance.IsZero()):
		return MaintenanceRecord{}, Autoclave{}, invalid("preventive maintenance requires next_maintenance")
	case in.Kind == MaintenanceCorrective && in.NextMaintenance != nil:
		return MaintenanceRecord{}, Autoclave{}, invalid("next_maintenance only applies to preventive maintenance")
	}

	now := s.now()
	rec = MaintenanceRecord{
		ID:          ids.New(),
		AutoclaveID: autoclaveID,
		PerformedAt: in.PerformedAt,
		Kind:        in.Kind,
		Technician:  strings.TrimSpace(in.Technician),
		Cost:        Money{Currency: strings.ToUpper(strings.TrimSpace(in.Cost.Currency)), Amount: in.Cost.Amount},
		Attachments: append([]string(nil), in.Attachments...),
		Notes:       in.Notes,
		RecordedBy:  in.UserID,
		CreatedAt:   now,
	}
	if rec.PerformedAt.IsZero() {
		rec.PerformedAt = now
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetAutoclave(ctx, autoclaveID)
		if err != nil {
			return err
		}
		if err := tx.InsertMaintenance(ctx, rec); err != nil {
			return err
		}
		if in.Kind == MaintenancePreventive {
			cur.NextMaintenance = *in.NextMaintenance
			cur.UpdatedAt = now
			if err := tx.UpdateAutoclave(ctx, &cur); err != nil {
				return err
			}
		}
		a = cur
		return nil
	})
	if err != nil {
		return MaintenanceRecord{}, Autoclave{}, err
	}
	return rec, a, nil
}

func (s *Service) GetAutoclave(ctx context.Context, id string) (a Autoclave, err error) {
	ctx, end := s.begin(ctx, "get_autoclave")
	defer end(&err)
	return s.store.GetAutoclave(ctx, id)
}

func (s *Service) ListAutoclaves(ctx context.Context) (list []Autoclave, err error) {
	ctx, end := s.begin(ctx, "list_autoclaves")
	defer end(&err)
	return s.store.ListAutoclaves(ctx)
}

func (s *Service) ListMaintenance(ctx context.Context, autoclaveID string) (list []MaintenanceRecord, err error) {
	ctx, end := s.begin(ctx, "list_maintenance")
	defer end(&err)
	if _, err := s.store.GetAutoclave(ctx, autoclaveID); err != nil {
		return nil, err
	}
	return s.store.ListMaintenance(ctx, autoclaveID)
}

// DueForMaintenance yields autoclaves whose next maintenance falls within
// warningWindowDays of now, overdue ones included, soonest first. The sequence
// reads the store when iterated and can be iterated again for fresh results.
// Inactive autoclaves are skipped.
func (s *Service) DueForMaintenance(ctx context.Context, now time.Time, warningWindowDays int) iter.Seq2[MaintenanceDue, error] {
	return func(yield func(MaintenanceDue, error) bool) {
		var err error
		ctx, end := s.begin(ctx, "due_for_maintenance")
		defer end(&err)

		var list []Autoclave
		list, err = s.store.ListAutoclaves(ctx)
		if err != nil {
			yield(MaintenanceDue{}, unavailableIfTimeout(err))
			return
		}
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].NextMaintenance.Before(list[j].NextMaintenance)
		})
		for _, a := range list {
			if a.State == AutoclaveInactive {
				continue
			}
			days := s.daysBetween(now, a.NextMaintenance)
			if days > warningWindowDays {
				continue
			}
			if !yield(MaintenanceDue{Autoclave: a, DaysRemaining: days}, nil) {
				return
			}
		}
	}
}

// SweepMaintenance emits a MaintenanceDue event per autoclave inside the window.
func (s *Service) SweepMaintenance(ctx context.Context, now time.Time, warningWindowDays int) (int, error) {
	var events []Event
	for due, err := range s.DueForMaintenance(ctx, now, warningWindowDays) {
		if err != nil {
			return 0, err
		}
		events = append(events, maintenanceDueEvent(due, now))
	}
	s.emit(ctx, events...)
	return len(events), nil
}
