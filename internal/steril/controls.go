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

// ControlInput is the input of RegisterControl. LotID is optional: controls run
// on an empty chamber belong to the autoclave only.
type ControlInput struct {
	Kind            ControlKind
	LotID           string
	AutoclaveID     string
	IndicatorLot    string
	IndicatorExpiry time.Time
	Result          ControlResult
	Notes           string
	UserID          string
}

// ControlOutcome reports a control write and its cascade. Alert is set whenever
// the control read positive or failed; Lot is the parent lot after the write.
type ControlOutcome struct {
	Control   Control
	Lot       *Lot
	Alert     *Event
	LotFailed bool
}

func (s *Service) RegisterControl(ctx context.Context, in ControlInput) (out ControlOutcome, err error) {
	ctx, end := s.begin(ctx, "register_control")
	defer end(&err)

	switch {
	case !in.Kind.Valid():
		return ControlOutcome{}, invalid("unknown control kind %q", in.Kind)
	case !in.Result.Valid():
		return ControlOutcome{}, invalid("unknown control result %q", in.Result)
	case strings.TrimSpace(in.AutoclaveID) == "":
		return ControlOutcome{}, invalid("autoclave_id is required")
	case strings.TrimSpace(in.IndicatorLot) == "":
		return ControlOutcome{}, invalid("indicator_lot is required")
	case in.IndicatorExpiry.IsZero():
		return ControlOutcome{}, invalid("indicator_expiry is required")
	case in.Kind == ControlChemical && in.Result == ResultPending:
		return ControlOutcome{}, ErrChemicalRequiresImmediateResult
	}

	now := s.now()
	if dateOf(in.IndicatorExpiry).Before(s.civilDate(now)) {
		return ControlOutcome{}, fmt.Errorf("%w: indicator %s expired on %s",
			ErrExpiredIndicator, in.IndicatorLot, in.IndicatorExpiry.Format(time.DateOnly))
	}

	c := Control{
		ID:              ids.New(),
		Kind:            in.Kind,
		LotID:           strings.TrimSpace(in.LotID),
		AutoclaveID:     in.AutoclaveID,
		IndicatorLot:    strings.TrimSpace(in.IndicatorLot),
		IndicatorExpiry: dateOf(in.IndicatorExpiry),
		Result:          in.Result,
		RegisteredAt:    now,
		RegisteredBy:    in.UserID,
		Notes:           in.Notes,
	}
	if c.Result != ResultPending {
		t := now
		c.ResolvedAt = &t
		c.ResolvedBy = in.UserID
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.GetAutoclave(ctx, c.AutoclaveID); err != nil {
			return err
		}
		var lot *Lot
		if c.LotID != "" {
			l, err := tx.GetLot(ctx, c.LotID)
			if err != nil {
				return err
			}
			if l.AutoclaveID != c.AutoclaveID {
				return invalid("lot %s was processed in autoclave %s", l.Code, l.AutoclaveID)
			}
			lot = &l
		}
		if err := tx.InsertControl(ctx, &c); err != nil {
			return err
		}
		o, err := s.cascade(ctx, tx, c, lot, now)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return ControlOutcome{}, err
	}
	s.log.Info("control registered",
		zap.String("control_id", c.ID),
		zap.String("kind", string(c.Kind)),
		zap.String("result", string(c.Result)),
		zap.String("lot_id", c.LotID),
		zap.String("user_id", in.UserID))
	s.afterControl(ctx, out)
	return out, nil
}

// ResolveControl records the incubation result of a pending control. A zero
// resolvedAt means now.
func (s *Service) ResolveControl(ctx context.Context, controlID string, result ControlResult, userID string, resolvedAt time.Time) (out ControlOutcome, err error) {
	ctx, end := s.begin(ctx, "resolve_control")
	defer end(&err)

	if !result.Valid() || result == ResultPending {
		return ControlOutcome{}, invalid("result must be negative, positive or failed")
	}
	now := s.now()
	if resolvedAt.IsZero() {
		resolvedAt = now
	}
	if resolvedAt.After(now) {
		return ControlOutcome{}, invalid("resolved_at is in the future")
	}

	err = s.store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.GetControl(ctx, controlID)
		if err != nil {
			return err
		}
		if c.Result != ResultPending {
			return fmt.Errorf("%w: control %s read %s", ErrAlreadyResolved, c.ID, c.Result)
		}
		if resolvedAt.Before(c.RegisteredAt) {
			return invalid("resolved_at precedes registration")
		}
		var lot *Lot
		if c.LotID != "" {
			l, err := tx.GetLot(ctx, c.LotID)
			if err != nil {
				return err
			}
			lot = &l
		}
		c.Result = result
		t := resolvedAt
		c.ResolvedAt = &t
		c.ResolvedBy = userID
		if err := tx.UpdateControl(ctx, &c); err != nil {
			return err
		}
		out, err = s.cascade(ctx, tx, c, lot, now)
		return err
	})
	if err != nil {
		return ControlOutcome{}, err
	}
	s.log.Info("control resolved",
		zap.String("control_id", out.Control.ID),
		zap.String("result", string(result)),
		zap.String("user_id", userID))
	s.afterControl(ctx, out)
	return out, nil
}

// cascade fails the parent lot when the control is unsafe. It runs inside the
// same unit of work as the control write.
func (s *Service) cascade(ctx context.Context, tx Tx, c Control, lot *Lot, now time.Time) (ControlOutcome, error) {
	out := ControlOutcome{Control: c, Lot: lot}
	if !c.Result.Unsafe() {
		return out, nil
	}
	var lotCode string
	if lot != nil {
		lotCode = lot.Code
		reason := fmt.Sprintf("%s control %s read %s", c.Kind, c.ID, c.Result)
		changed, err := s.failLot(ctx, tx, lot, reason, now)
		if err != nil {
			return ControlOutcome{}, err
		}
		out.LotFailed = changed
	}
	alert := controlAlertEvent(c, lotCode, now)
	out.Alert = &alert
	return out, nil
}

func (s *Service) afterControl(ctx context.Context, out ControlOutcome) {
	if out.Alert == nil {
		return
	}
	obs.ControlAlert()
	events := []Event{*out.Alert}
	if out.LotFailed && out.Lot != nil {
		obs.LotTransition(string(LotFailed))
		events = append(events, lotFailedEvent(*out.Lot, out.Alert.OccurredAt))
	}
	s.log.Error("positive control",
		zap.String("severity", string(SeverityCritical)),
		zap.String("control_id", out.Control.ID),
		zap.String("lot_id", out.Control.LotID),
		zap.Bool("lot_failed", out.LotFailed))
	s.emit(ctx, events...)
}

func (s *Service) GetControl(ctx context.Context, id string) (c Control, err error) {
	ctx, end := s.begin(ctx, "get_control")
	defer end(&err)
	return s.store.GetControl(ctx, id)
}

// ListPendingControls lists controls still waiting on incubation, oldest first.
func (s *Service) ListPendingControls(ctx context.Context, autoclaveID string) (list []Control, err error) {
	ctx, end := s.begin(ctx, "list_pending_controls")
	defer end(&err)
	return s.store.ListControls(ctx, ControlFilter{AutoclaveID: autoclaveID, PendingOnly: true})
}

// dateOf keeps the calendar date of t as written, dropping time and zone.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
