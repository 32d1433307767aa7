package steril

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"steriltrace.org/internal/ids"
	"steriltrace.org/internal/obs"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
	recentPageSize     = 100
)

// CheckAvailability evaluates the tray availability predicate at now. It returns
// nil or a *NotAvailableError. A tray expiring exactly at now is still available.
func CheckAvailability(t Tray, lotState LotState, now time.Time) error {
	na := &NotAvailableError{
		TrayID:    t.ID,
		Code:      t.Code,
		State:     t.State,
		LotState:  lotState,
		ExpiresAt: t.ExpiresAt,
	}
	switch {
	case t.State != TrayAvailable:
		na.Reason = ReasonWrongState
	case lotState != LotValidated:
		na.Reason = ReasonLotInvalid
	case now.After(t.ExpiresAt):
		na.Reason = ReasonExpired
	default:
		return nil
	}
	return na
}

// LookupByCode resolves a scanned tray code and evaluates availability at now.
// An unavailable tray is returned together with its *NotAvailableError so the
// caller can show what was scanned.
func (s *Service) LookupByCode(ctx context.Context, code string, now time.Time) (t Tray, err error) {
	ctx, end := s.begin(ctx, "lookup_tray")
	defer end(&err)
	defer func() { obs.TrayLookup(lookupOutcome(err)) }()

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Tray{}, invalid("code is required")
	}
	if now.IsZero() {
		now = s.now()
	}
	t, err = s.store.GetTrayByCode(ctx, code)
	if err != nil {
		return Tray{}, err
	}
	lot, err := s.store.GetLot(ctx, t.LotID)
	if err != nil {
		return Tray{}, err
	}
	return t, CheckAvailability(t, lot.State, now)
}

func lookupOutcome(err error) string {
	var na *NotAvailableError
	switch {
	case err == nil:
		return "available"
	case errors.As(err, &na):
		return string(na.Reason)
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}

// AssignInput binds a tray to a patient. Now defaults to the service clock.
type AssignInput struct {
	TrayID        string
	PatientID     string
	AppointmentID string
	UserID        string
	Now           time.Time
}

// Assign binds an available tray to a patient. The assignment insert and the
// tray flip to in_use commit together or not at all. A second call for the same
// tray fails with ErrAlreadyAssigned.
func (s *Service) Assign(ctx context.Context, in AssignInput) (a Assignment, err error) {
	ctx, end := s.begin(ctx, "assign_tray")
	defer end(&err)

	switch {
	case strings.TrimSpace(in.TrayID) == "":
		return Assignment{}, invalid("tray_id is required")
	case strings.TrimSpace(in.PatientID) == "":
		return Assignment{}, invalid("patient_id is required")
	case strings.TrimSpace(in.UserID) == "":
		return Assignment{}, invalid("user_id is required")
	}
	now := in.Now
	if now.IsZero() {
		now = s.now()
	}
	if err := s.resolvePatient(ctx, in.PatientID, in.AppointmentID); err != nil {
		return Assignment{}, err
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		t, err := tx.GetTray(ctx, in.TrayID)
		if err != nil {
			return err
		}
		if t.State == TrayInUse {
			prev, err := tx.FindAssignmentByTray(ctx, t.ID)
			switch {
			case err == nil:
				return fmt.Errorf("%w: %s went to patient %s at %s",
					ErrAlreadyAssigned, t.Code, prev.PatientID, prev.AssignedAt.UTC().Format(time.RFC3339))
			case !errors.Is(err, ErrNotFound):
				return err
			}
		}
		// Holds the lot row until commit so a recall cannot interleave.
		lot, err := tx.GetLot(ctx, t.LotID)
		if err != nil {
			return err
		}
		if err := CheckAvailability(t, lot.State, now); err != nil {
			return err
		}

		a = Assignment{
			ID:            ids.New(),
			TrayID:        t.ID,
			TrayCode:      t.Code,
			LotID:         t.LotID,
			PatientID:     in.PatientID,
			AppointmentID: in.AppointmentID,
			AssignedBy:    in.UserID,
			AssignedAt:    now,
		}
		if err := tx.InsertAssignment(ctx, &a); err != nil {
			return err
		}
		t.State = TrayInUse
		t.UpdatedAt = now
		if err := tx.UpdateTray(ctx, &t); err != nil {
			return err
		}
		return tx.MarkPackageUsed(ctx, t.LotID, t.PackageCode, in.PatientID)
	})
	if err != nil {
		return Assignment{}, err
	}
	obs.TrayAssigned()
	s.log.Info("tray assigned",
		zap.String("tray_id", a.TrayID),
		zap.String("tray_code", a.TrayCode),
		zap.String("lot_id", a.LotID),
		zap.String("patient_id", a.PatientID),
		zap.String("user_id", a.AssignedBy))
	return a, nil
}

func (s *Service) resolvePatient(ctx context.Context, patientID, appointmentID string) error {
	if s.dir == nil {
		return nil
	}
	ok, err := s.dir.PatientActive(ctx, patientID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
	}
	if appointmentID == "" {
		return nil
	}
	ok, err = s.dir.AppointmentExists(ctx, appointmentID, patientID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: appointment %s for patient %s", ErrNotFound, appointmentID, patientID)
	}
	return nil
}

// RecentAssignments yields at most limit assignments, newest first. Pages are
// read from the store as the caller advances; stopping early stops reading.
func (s *Service) RecentAssignments(ctx context.Context, limit int) iter.Seq2[Assignment, error] {
	switch {
	case limit <= 0:
		limit = defaultRecentLimit
	case limit > maxRecentLimit:
		limit = maxRecentLimit
	}
	return func(yield func(Assignment, error) bool) {
		var cursor AssignmentCursor
		remaining := limit
		for remaining > 0 {
			size := min(remaining, recentPageSize)
			page, err := s.assignmentPage(ctx, cursor, size)
			if err != nil {
				yield(Assignment{}, err)
				return
			}
			for _, a := range page {
				if !yield(a, nil) {
					return
				}
			}
			if len(page) < size {
				return
			}
			remaining -= len(page)
			last := page[len(page)-1]
			cursor = AssignmentCursor{AssignedAt: last.AssignedAt, Sequence: last.Sequence}
		}
	}
}

func (s *Service) assignmentPage(ctx context.Context, after AssignmentCursor, size int) (page []Assignment, err error) {
	ctx, end := s.begin(ctx, "recent_assignments")
	defer end(&err)
	return s.store.ListAssignments(ctx, after, size)
}

// MarkContaminated takes a tray out of circulation. It is allowed from available
// and in_process; marking a contaminated tray again is a no-op.
func (s *Service) MarkContaminated(ctx context.Context, trayID, userID, note string) (t Tray, err error) {
	ctx, end := s.begin(ctx, "mark_contaminated")
	defer end(&err)

	var changed bool
	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetTray(ctx, trayID)
		if err != nil {
			return err
		}
		switch cur.State {
		case TrayContaminated:
			t = cur
			return nil
		case TrayInUse:
			lot, err := tx.GetLot(ctx, cur.LotID)
			if err != nil {
				return err
			}
			return &NotAvailableError{
				TrayID:    cur.ID,
				Code:      cur.Code,
				Reason:    ReasonWrongState,
				State:     cur.State,
				LotState:  lot.State,
				ExpiresAt: cur.ExpiresAt,
			}
		}
		cur.State = TrayContaminated
		cur.Note = strings.TrimSpace(note)
		cur.UpdatedAt = s.now()
		if err := tx.UpdateTray(ctx, &cur); err != nil {
			return err
		}
		t = cur
		changed = true
		return nil
	})
	if err != nil {
		return Tray{}, err
	}
	if changed {
		s.log.Warn("tray contaminated",
			zap.String("tray_id", t.ID),
			zap.String("tray_code", t.Code),
			zap.String("user_id", userID))
	}
	return t, nil
}

func (s *Service) GetTray(ctx context.Context, id string) (t Tray, err error) {
	ctx, end := s.begin(ctx, "get_tray")
	defer end(&err)
	return s.store.GetTray(ctx, id)
}
