package httpapi

import (
	"net/http"
	"time"

	"steriltrace.org/internal/steril"
)

type registerAutoclaveRequest struct {
	Name            string    `json:"name" validate:"required,max=120"`
	Brand           string    `json:"brand" validate:"max=120"`
	Model           string    `json:"model" validate:"max=120"`
	Serial          string    `json:"serial" validate:"required,max=64"`
	Location        string    `json:"location" validate:"max=120"`
	SiteID          string    `json:"site_id" validate:"max=64"`
	InstalledAt     time.Time `json:"installed_at" validate:"required"`
	NextMaintenance time.Time `json:"next_maintenance" validate:"required"`
}

type updateAutoclaveRequest struct {
	Name            *string    `json:"name" validate:"omitempty,min=1,max=120"`
	Location        *string    `json:"location" validate:"omitempty,max=120"`
	NextMaintenance *time.Time `json:"next_maintenance"`
	State           *string    `json:"state" validate:"omitempty,oneof=active inactive under_repair"`
	ExpectedVersion int64      `json:"expected_version" validate:"gte=0"`
}

type moneyDTO struct {
	Currency string `json:"currency" validate:"omitempty,len=3,alpha"`
	Amount   int64  `json:"amount" validate:"gte=0"`
}

type maintenanceRequest struct {
	PerformedAt     time.Time  `json:"performed_at" validate:"required"`
	Kind            string     `json:"kind" validate:"required,oneof=preventive corrective"`
	Technician      string     `json:"technician" validate:"required,max=120"`
	Cost            *moneyDTO  `json:"cost"`
	Attachments     []string   `json:"attachments" validate:"max=20,dive,required,max=512"`
	Notes           string     `json:"notes" validate:"max=2000"`
	NextMaintenance *time.Time `json:"next_maintenance"`
}

type maintenanceResponse struct {
	Record    steril.MaintenanceRecord `json:"record"`
	Autoclave steril.Autoclave         `json:"autoclave"`
}

type dueResponse struct {
	Overdue    []steril.MaintenanceDue `json:"overdue"`
	Upcoming   []steril.MaintenanceDue `json:"upcoming"`
	WindowDays int                     `json:"window_days"`
	AsOf       time.Time               `json:"as_of"`
}

func (a *API) listAutoclaves(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListAutoclaves(r.Context())
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (a *API) registerAutoclave(w http.ResponseWriter, r *http.Request) {
	var req registerAutoclaveRequest
	if !a.bind(w, r, &req) {
		return
	}
	ac, err := a.svc.RegisterAutoclave(r.Context(), steril.AutoclaveSpec{
		Name:            req.Name,
		Brand:           req.Brand,
		Model:           req.Model,
		Serial:          req.Serial,
		Location:        req.Location,
		SiteID:          req.SiteID,
		InstalledAt:     req.InstalledAt,
		NextMaintenance: req.NextMaintenance,
		UserID:          a.userID(r),
	})
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "autoclave.registered", map[string]any{
		"autoclave_id": ac.ID,
		"serial":       ac.Serial,
	})
	w.Header().Set("Location", "/v1/autoclaves/"+ac.ID)
	writeJSON(w, http.StatusCreated, ac)
}

func (a *API) getAutoclave(w http.ResponseWriter, r *http.Request) {
	ac, err := a.svc.GetAutoclave(r.Context(), r.PathValue("id"))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ac)
}

func (a *API) updateAutoclave(w http.ResponseWriter, r *http.Request) {
	var req updateAutoclaveRequest
	if !a.bind(w, r, &req) {
		return
	}
	patch := steril.AutoclavePatch{
		Name:            req.Name,
		Location:        req.Location,
		NextMaintenance: req.NextMaintenance,
		ExpectedVersion: req.ExpectedVersion,
		UserID:          a.userID(r),
	}
	if req.State != nil {
		st := steril.AutoclaveState(*req.State)
		patch.State = &st
	}
	ac, err := a.svc.UpdateAutoclave(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "autoclave.updated", map[string]any{
		"autoclave_id": ac.ID,
		"state":        ac.State,
		"version":      ac.Version,
	})
	writeJSON(w, http.StatusOK, ac)
}

func (a *API) listMaintenance(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListMaintenance(r.Context(), r.PathValue("id"))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (a *API) recordMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if !a.bind(w, r, &req) {
		return
	}
	in := steril.MaintenanceInput{
		PerformedAt:     req.PerformedAt,
		Kind:            steril.MaintenanceKind(req.Kind),
		Technician:      req.Technician,
		Attachments:     req.Attachments,
		Notes:           req.Notes,
		NextMaintenance: req.NextMaintenance,
		UserID:          a.userID(r),
	}
	if req.Cost != nil {
		in.Cost = steril.Money{Currency: req.Cost.Currency, Amount: req.Cost.Amount}
	}
	rec, ac, err := a.svc.RecordMaintenance(r.Context(), r.PathValue("id"), in)
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "autoclave.maintenance.recorded", map[string]any{
		"autoclave_id":     ac.ID,
		"maintenance_id":   rec.ID,
		"kind":             rec.Kind,
		"next_maintenance": ac.NextMaintenance.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusCreated, maintenanceResponse{Record: rec, Autoclave: ac})
}

func (a *API) maintenanceDue(w http.ResponseWriter, r *http.Request) {
	window, err := parsePositiveInt("window_days", r.URL.Query().Get("window_days"), a.dueWindow, 0, 365)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	now := a.svc.Now()
	resp := dueResponse{
		Overdue:    []steril.MaintenanceDue{},
		Upcoming:   []steril.MaintenanceDue{},
		WindowDays: window,
		AsOf:       now,
	}
	for due, err := range a.svc.DueForMaintenance(r.Context(), now, window) {
		if err != nil {
			handleSterilError(w, r, err)
			return
		}
		if due.Overdue() {
			resp.Overdue = append(resp.Overdue, due)
		} else {
			resp.Upcoming = append(resp.Upcoming, due)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
