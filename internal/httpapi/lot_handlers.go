package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"steriltrace.org/internal/auth"
	"steriltrace.org/internal/steril"
)

type packageDTO struct {
	Code          string `json:"code" validate:"max=32"`
	Content       string `json:"content" validate:"max=500"`
	ShelfLifeDays int    `json:"shelf_life_days" validate:"gte=0,lte=3650"`
}

type openLotRequest struct {
	AutoclaveID string       `json:"autoclave_id" validate:"required,max=64"`
	OperatorID  string       `json:"operator_id" validate:"max=64"`
	SiteID      string       `json:"site_id" validate:"max=64"`
	StartedAt   *time.Time   `json:"started_at"`
	Packages    []packageDTO `json:"packages" validate:"max=200,dive"`
	Notes       string       `json:"notes" validate:"max=2000"`
}

type addPackagesRequest struct {
	Packages []packageDTO `json:"packages" validate:"required,min=1,max=200,dive"`
}

type cycleRequest struct {
	TemperatureC float64    `json:"temperature_c" validate:"gt=0,lte=200"`
	PressureKPa  float64    `json:"pressure_kpa" validate:"gt=0,lte=1000"`
	DurationMin  int        `json:"duration_min" validate:"gt=0,lte=600"`
	EndedAt      *time.Time `json:"ended_at"`
}

type lotDetail struct {
	Lot      steril.Lot       `json:"lot"`
	Controls []steril.Control `json:"controls"`
	Trays    []steril.Tray    `json:"trays"`
}

func toPackageInputs(in []packageDTO) []steril.PackageInput {
	out := make([]steril.PackageInput, len(in))
	for i, p := range in {
		out[i] = steril.PackageInput{Code: p.Code, Content: p.Content, ShelfLifeDays: p.ShelfLifeDays}
	}
	return out
}

func (a *API) listLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt("limit", q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.svc.ListLots(r.Context(), steril.LotFilter{
		State:       steril.LotState(strings.TrimSpace(q.Get("state"))),
		AutoclaveID: strings.TrimSpace(q.Get("autoclave_id")),
		SiteID:      strings.TrimSpace(q.Get("site_id")),
		Limit:       limit,
	})
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (a *API) openLot(w http.ResponseWriter, r *http.Request) {
	var req openLotRequest
	if !a.bind(w, r, &req) {
		return
	}
	in := steril.OpenLotInput{
		AutoclaveID: req.AutoclaveID,
		OperatorID:  req.OperatorID,
		SiteID:      req.SiteID,
		Packages:    toPackageInputs(req.Packages),
		Notes:       req.Notes,
	}
	if in.OperatorID == "" {
		in.OperatorID = a.userID(r)
	}
	if in.SiteID == "" {
		in.SiteID = auth.SiteIDFromContext(r.Context())
	}
	if req.StartedAt != nil {
		in.StartedAt = *req.StartedAt
	}
	lot, err := a.svc.OpenLot(r.Context(), in)
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "lot.opened", map[string]any{
		"lot_id":       lot.ID,
		"lot_code":     lot.Code,
		"autoclave_id": lot.AutoclaveID,
		"packages":     len(lot.Packages),
	})
	w.Header().Set("Location", "/v1/lots/"+lot.ID)
	writeJSON(w, http.StatusCreated, lot)
}

func (a *API) getLot(w http.ResponseWriter, r *http.Request) {
	lot, err := a.svc.GetLot(r.Context(), r.PathValue("id"))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	detail, err := a.lotDetail(r.Context(), lot)
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) lotDetail(ctx context.Context, lot steril.Lot) (lotDetail, error) {
	controls, err := a.svc.LotControls(ctx, lot.ID)
	if err != nil {
		return lotDetail{}, err
	}
	trays, err := a.svc.LotTrays(ctx, lot.ID)
	if err != nil {
		return lotDetail{}, err
	}
	if controls == nil {
		controls = []steril.Control{}
	}
	if trays == nil {
		trays = []steril.Tray{}
	}
	return lotDetail{Lot: lot, Controls: controls, Trays: trays}, nil
}

func (a *API) addPackages(w http.ResponseWriter, r *http.Request) {
	var req addPackagesRequest
	if !a.bind(w, r, &req) {
		return
	}
	lot, err := a.svc.AddPackages(r.Context(), r.PathValue("id"), toPackageInputs(req.Packages), a.userID(r))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "lot.packages.added", map[string]any{
		"lot_id": lot.ID,
		"added":  len(req.Packages),
		"total":  len(lot.Packages),
	})
	writeJSON(w, http.StatusOK, lot)
}

func (a *API) recordCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if !a.bind(w, r, &req) {
		return
	}
	var ended time.Time
	if req.EndedAt != nil {
		ended = *req.EndedAt
	}
	lot, err := a.svc.RecordCycle(r.Context(), r.PathValue("id"), steril.CycleParams{
		TemperatureC: req.TemperatureC,
		PressureKPa:  req.PressureKPa,
		DurationMin:  req.DurationMin,
	}, ended, a.userID(r))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "lot.cycle.recorded", map[string]any{
		"lot_id":        lot.ID,
		"temperature_c": req.TemperatureC,
		"pressure_kpa":  req.PressureKPa,
		"duration_min":  req.DurationMin,
	})
	writeJSON(w, http.StatusOK, lot)
}

func (a *API) validateLot(w http.ResponseWriter, r *http.Request) {
	lot, err := a.svc.ValidateLot(r.Context(), r.PathValue("id"), a.userID(r))
	if errors.Is(err, steril.ErrLotFailed) {
		a.audit(r.Context(), "lot.failed", map[string]any{
			"lot_id": lot.ID,
			"reason": lot.FailureReason,
		})
		writeSterilError(w, r, err, map[string]any{"lot": lot})
		return
	}
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	detail, err := a.lotDetail(r.Context(), lot)
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "lot.validated", map[string]any{
		"lot_id": lot.ID,
		"trays":  len(detail.Trays),
	})
	writeJSON(w, http.StatusOK, detail)
}
