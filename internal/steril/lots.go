package steril

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"steriltrace.org/internal/ids"
	"steriltrace.org/internal/obs"
)

const (
	defaultLotLimit = 100
	maxLotLimit     = 1000
)

// PackageInput describes one package placed in the chamber. An empty Code is
// assigned sequentially (P01, P02, ...). ShelfLifeDays of zero uses the service default.
type PackageInput struct {
	Code          string
	Content       string
	ShelfLifeDays int
}

// OpenLotInput is the input of OpenLot.
type OpenLotInput struct {
	AutoclaveID string
	OperatorID  string
	SiteID      string
	StartedAt   time.Time
	Packages    []PackageInput
	Notes       string
}

func (s *Service) OpenLot(ctx context.Context, in OpenLotInput) (lot Lot, err error) {
	ctx, end := s.begin(ctx, "open_lot")
	defer end(&err)

	if strings.TrimSpace(in.AutoclaveID) == "" {
		return Lot{}, invalid("autoclave_id is required")
	}
	if strings.TrimSpace(in.OperatorID) == "" {
		return Lot{}, invalid("operator_id is required")
	}
	now := s.now()
	lot = Lot{
		ID:          ids.New(),
		Code:        ids.LotCode(now.In(s.loc)),
		AutoclaveID: in.AutoclaveID,
		OperatorID:  in.OperatorID,
		SiteID:      strings.TrimSpace(in.SiteID),
		StartedAt:   in.StartedAt,
		State:       LotInProcess,
		Notes:       in.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if lot.StartedAt.IsZero() {
		lot.StartedAt = now
	}
	pkgs, err := s.buildPackages(lot.ID, nil, in.Packages)
	if err != nil {
		return Lot{}, err
	}
	lot.Packages = pkgs

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAutoclave(ctx, in.AutoclaveID)
		if err != nil {
			return err
		}
		if a.State != AutoclaveActive {
			return fmt.Errorf("%w: %s is %s", ErrEquipmentNotActive, a.ID, a.State)
		}
		if lot.SiteID == "" {
			lot.SiteID = a.SiteID
		}
		return tx.InsertLot(ctx, &lot)
	})
	if err != nil {
		return Lot{}, err
	}
	obs.LotTransition(string(LotInProcess))
	s.log.Info("lot opened",
		zap.String("lot_id", lot.ID),
		zap.String("lot_code", lot.Code),
		zap.String("autoclave_id", lot.AutoclaveID),
		zap.Int("packages", len(lot.Packages)))
	return lot, nil
}

// buildPackages validates new packages against the ones already in the lot.
func (s *Service) buildPackages(lotID string, existing []Package, in []PackageInput) ([]Package, error) {
	var withContent int
	for _, p := range in {
		if strings.TrimSpace(p.Content) != "" {
			withContent++
		}
	}
	if withContent == 0 {
		return nil, ErrEmptyLot
	}
	if withContent != len(in) {
		return nil, invalid("every package needs a content description")
	}

	taken := make(map[string]struct{}, len(existing)+len(in))
	for _, p := range existing {
		taken[p.Code] = struct{}{}
	}
	next := len(existing) + 1
	out := make([]Package, 0, len(in))
	for _, p := range in {
		if p.ShelfLifeDays < 0 {
			return nil, invalid("shelf_life_days must be >= 0")
		}
		code := strings.ToUpper(strings.TrimSpace(p.Code))
		if code == "" {
			for {
				code = fmt.Sprintf("P%02d", next)
				next++
				if _, dup := taken[code]; !dup {
					break
				}
			}
		}
		if _, dup := taken[code]; dup {
			return nil, invalid("package code %s repeated in lot", code)
		}
		taken[code] = struct{}{}
		days := p.ShelfLifeDays
		if days == 0 {
			days = s.shelfLifeDays
		}
		out = append(out, Package{
			LotID:         lotID,
			Code:          code,
			Content:       strings.TrimSpace(p.Content),
			ShelfLifeDays: days,
		})
	}
	return out, nil
}

// AddPackages appends packages to a lot still in process.
func (s *Service) AddPackages(ctx context.Context, lotID string, in []PackageInput, userID string) (lot Lot, err error) {
	ctx, end := s.begin(ctx, "add_packages")
	defer end(&err)

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		if cur.State != LotInProcess {
			return fmt.Errorf("%w: %s is %s", ErrLotClosed, cur.Code, cur.State)
		}
		pkgs, err := s.buildPackages(cur.ID, cur.Packages, in)
		if err != nil {
			return err
		}
		if err := tx.InsertPackages(ctx, cur.ID, pkgs); err != nil {
			return err
		}
		cur.UpdatedAt = s.now()
		if err := tx.UpdateLot(ctx, &cur); err != nil {
			return err
		}
		cur.Packages = append(cur.Packages, pkgs...)
		lot = cur
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.log.Info("packages added", zap.String("lot_id", lot.ID), zap.Int("added", len(in)), zap.String("user_id", userID))
	return lot, nil
}

// RecordCycle stores the physical cycle parameters read from the autoclave.
// A non-zero endedAt closes the run's time window.
func (s *Service) RecordCycle(ctx context.Context, lotID string, p CycleParams, endedAt time.Time, userID string) (lot Lot, err error) {
	ctx, end := s.begin(ctx, "record_cycle")
	defer end(&err)

	switch {
	case p.TemperatureC <= 0:
		return Lot{}, invalid("temperature_c must be > 0")
	case p.PressureKPa <= 0:
		return Lot{}, invalid("pressure_kpa must be > 0")
	case p.DurationMin <= 0:
		return Lot{}, invalid("duration_min must be > 0")
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		if cur.State != LotInProcess {
			return fmt.Errorf("%w: %s is %s", ErrLotClosed, cur.Code, cur.State)
		}
		if !endedAt.IsZero() {
			if endedAt.Before(cur.StartedAt) {
				return invalid("ended_at precedes started_at")
			}
			t := endedAt
			cur.EndedAt = &t
		}
		cycle := p
		cur.Cycle = &cycle
		cur.UpdatedAt = s.now()
		if err := tx.UpdateLot(ctx, &cur); err != nil {
			return err
		}
		lot = cur
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.log.Info("cycle recorded", zap.String("lot_id", lot.ID), zap.String("user_id", userID))
	return lot, nil
}

// ValidateLot closes a run whose controls all read negative and releases one
// tray per package. A lot with any positive or failed control is failed instead
// and ErrLotFailed is returned.
func (s *Service) ValidateLot(ctx context.Context, lotID, userID string) (lot Lot, err error) {
	ctx, end := s.begin(ctx, "validate_lot")
	defer end(&err)

	var failed bool
	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		if cur.State.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrLotClosed, cur.Code, cur.State)
		}
		controls, err := tx.ListControls(ctx, ControlFilter{LotID: cur.ID})
		if err != nil {
			return err
		}
		if len(controls) == 0 {
			return fmt.Errorf("%w: %s has no quality controls", ErrLotNotReady, cur.Code)
		}
		var pending int
		for _, c := range controls {
			if c.Result.Unsafe() {
				now := s.now()
				if _, err := s.failLot(ctx, tx, &cur, fmt.Sprintf("%s control %s read %s", c.Kind, c.ID, c.Result), now); err != nil {
					return err
				}
				failed = true
				lot = cur
				return nil
			}
			if c.Result == ResultPending {
				pending++
			}
		}
		if pending > 0 {
			return fmt.Errorf("%w: %s has %d pending controls", ErrLotNotReady, cur.Code, pending)
		}

		now := s.now()
		cur.State = LotValidated
		if cur.EndedAt == nil {
			t := now
			cur.EndedAt = &t
		}
		cur.UpdatedAt = now
		if err := tx.UpdateLot(ctx, &cur); err != nil {
			return err
		}
		for _, p := range cur.Packages {
			tray := Tray{
				ID:           ids.New(),
				Code:         ids.TrayCode(now),
				LotID:        cur.ID,
				PackageCode:  p.Code,
				Content:      p.Content,
				SterilizedAt: now,
				ExpiresAt:    now.Add(time.Duration(p.ShelfLifeDays) * 24 * time.Hour),
				State:        TrayAvailable,
				UpdatedAt:    now,
			}
			if err := tx.InsertTray(ctx, &tray); err != nil {
				return err
			}
		}
		lot = cur
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	if failed {
		obs.LotTransition(string(LotFailed))
		s.emit(ctx, lotFailedEvent(lot, lot.UpdatedAt))
		s.log.Warn("lot failed on validation",
			zap.String("lot_id", lot.ID),
			zap.String("reason", lot.FailureReason),
			zap.String("user_id", userID))
		return lot, fmt.Errorf("%w: %s", ErrLotFailed, lot.FailureReason)
	}
	obs.LotTransition(string(LotValidated))
	s.log.Info("lot validated",
		zap.String("lot_id", lot.ID),
		zap.String("lot_code", lot.Code),
		zap.Int("trays", len(lot.Packages)),
		zap.String("user_id", userID))
	return lot, nil
}

// failLot moves the lot to failed from any state. It reports false when the
// lot had already failed.
func (s *Service) failLot(ctx context.Context, tx Tx, lot *Lot, reason string, now time.Time) (bool, error) {
	if lot.State == LotFailed {
		return false, nil
	}
	lot.State = LotFailed
	lot.FailureReason = reason
	if lot.EndedAt == nil {
		t := now
		lot.EndedAt = &t
	}
	lot.UpdatedAt = now
	if err := tx.UpdateLot(ctx, lot); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) GetLot(ctx context.Context, id string) (lot Lot, err error) {
	ctx, end := s.begin(ctx, "get_lot")
	defer end(&err)
	return s.store.GetLot(ctx, id)
}

func (s *Service) ListLots(ctx context.Context, f LotFilter) (list []Lot, err error) {
	ctx, end := s.begin(ctx, "list_lots")
	defer end(&err)
	if f.State != "" && f.State != LotInProcess && !f.State.Terminal() {
		return nil, invalid("unknown lot state %q", f.State)
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultLotLimit
	case f.Limit > maxLotLimit:
		f.Limit = maxLotLimit
	}
	return s.store.ListLots(ctx, f)
}

// LotControls lists every control attached to the lot, oldest first.
func (s *Service) LotControls(ctx context.Context, lotID string) (list []Control, err error) {
	ctx, end := s.begin(ctx, "lot_controls")
	defer end(&err)
	return s.store.ListControls(ctx, ControlFilter{LotID: lotID})
}

// LotTrays lists the trays released by a validated lot.
func (s *Service) LotTrays(ctx context.Context, lotID string) (list []Tray, err error) {
	ctx, end := s.begin(ctx, "lot_trays")
	defer end(&err)
	return s.store.ListTraysByLot(ctx, lotID)
}
