package httpapi

import (
	"net/http"
	"strings"
	"time"

	"steriltrace.org/internal/steril"
)

const civilDateLayout = "2006-01-02"

type controlRequest struct {
	Kind            string `json:"kind" validate:"required,oneof=biological chemical"`
	LotID           string `json:"lot_id" validate:"max=64"`
	AutoclaveID     string `json:"autoclave_id" validate:"required,max=64"`
	IndicatorLot    string `json:"indicator_lot" validate:"required,max=64"`
	IndicatorExpiry string `json:"indicator_expiry" validate:"required,datetime=2006-01-02"`
	Result          string `json:"result" validate:"required,control_result"`
	Notes           string `json:"notes" validate:"max=2000"`
}

type resolveRequest struct {
	Result     string     `json:"result" validate:"required,control_result"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

// controlResponse carries the control, its parent lot after any cascade, and
// the critical alert when the indicator read positive or failed.
type controlResponse struct {
	Control   steril.Control `json:"control"`
	Lot       *steril.Lot    `json:"lot,omitempty"`
	Alert     *steril.Event  `json:"alert,omitempty"`
	LotFailed bool           `json:"lot_failed"`
}

func toControlResponse(out steril.ControlOutcome) controlResponse {
	return controlResponse{Control: out.Control, Lot: out.Lot, Alert: out.Alert, LotFailed: out.LotFailed}
}

func (a *API) registerControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if !a.bind(w, r, &req) {
		return
	}
	result, _ := steril.ParseControlResult(req.Result)
	expiry, err := time.Parse(civilDateLayout, req.IndicatorExpiry)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "indicator_expiry must be YYYY-MM-DD")
		return
	}
	out, err := a.svc.RegisterControl(r.Context(), steril.ControlInput{
		Kind:            steril.ControlKind(req.Kind),
		LotID:           req.LotID,
		AutoclaveID:     req.AutoclaveID,
		IndicatorLot:    req.IndicatorLot,
		IndicatorExpiry: expiry,
		Result:          result,
		Notes:           req.Notes,
		UserID:          a.userID(r),
	})
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.auditControl(r, "control.registered", out)
	w.Header().Set("Location", "/v1/controls/"+out.Control.ID)
	writeJSON(w, http.StatusCreated, toControlResponse(out))
}

func (a *API) resolveControl(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !a.bind(w, r, &req) {
		return
	}
	result, _ := steril.ParseControlResult(req.Result)
	var at time.Time
	if req.ResolvedAt != nil {
		at = *req.ResolvedAt
	}
	out, err := a.svc.ResolveControl(r.Context(), r.PathValue("id"), result, a.userID(r), at)
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.auditControl(r, "control.resolved", out)
	writeJSON(w, http.StatusOK, toControlResponse(out))
}

func (a *API) auditControl(r *http.Request, event string, out steril.ControlOutcome) {
	fields := map[string]any{
		"control_id": out.Control.ID,
		"kind":       out.Control.Kind,
		"result":     out.Control.Result,
	}
	if out.Control.LotID != "" {
		fields["lot_id"] = out.Control.LotID
	}
	if out.Alert != nil {
		fields["alert_severity"] = out.Alert.Severity
		fields["lot_failed"] = out.LotFailed
	}
	a.audit(r.Context(), event, fields)
}

func (a *API) getControl(w http.ResponseWriter, r *http.Request) {
	c, err := a.svc.GetControl(r.Context(), r.PathValue("id"))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) pendingControls(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.ListPendingControls(r.Context(), strings.TrimSpace(r.URL.Query().Get("autoclave_id")))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items(list))
}
