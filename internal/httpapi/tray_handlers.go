package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"steriltrace.org/internal/report"
	"steriltrace.org/internal/steril"
)

type assignRequest struct {
	PatientID     string `json:"patient_id" validate:"required,max=64"`
	AppointmentID string `json:"appointment_id" validate:"max=64"`
}

type contaminateRequest struct {
	Note string `json:"note" validate:"max=500"`
}

func (a *API) lookupTray(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, r, http.StatusBadRequest, "code query parameter is required")
		return
	}
	tray, err := a.svc.LookupByCode(r.Context(), code, a.svc.Now())
	var na *steril.NotAvailableError
	if errors.As(err, &na) {
		writeSterilError(w, r, err, map[string]any{"tray": tray})
		return
	}
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tray": tray, "available": true})
}

func (a *API) getTray(w http.ResponseWriter, r *http.Request) {
	tray, err := a.svc.GetTray(r.Context(), r.PathValue("id"))
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tray)
}

func (a *API) assignTray(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !a.bind(w, r, &req) {
		return
	}
	asg, err := a.svc.Assign(r.Context(), steril.AssignInput{
		TrayID:        r.PathValue("id"),
		PatientID:     req.PatientID,
		AppointmentID: req.AppointmentID,
		UserID:        a.userID(r),
	})
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "tray.assigned", map[string]any{
		"assignment_id": asg.ID,
		"tray_id":       asg.TrayID,
		"tray_code":     asg.TrayCode,
		"lot_id":        asg.LotID,
		"patient_id":    asg.PatientID,
	})
	writeJSON(w, http.StatusCreated, asg)
}

func (a *API) contaminateTray(w http.ResponseWriter, r *http.Request) {
	var req contaminateRequest
	if !a.bind(w, r, &req) {
		return
	}
	tray, err := a.svc.MarkContaminated(r.Context(), r.PathValue("id"), a.userID(r), req.Note)
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "tray.contaminated", map[string]any{
		"tray_id":   tray.ID,
		"tray_code": tray.Code,
	})
	writeJSON(w, http.StatusOK, tray)
}

func (a *API) recentAssignments(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt("limit", r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list := []steril.Assignment{}
	for asg, err := range a.svc.RecentAssignments(r.Context(), limit) {
		if err != nil {
			handleSterilError(w, r, err)
			return
		}
		list = append(list, asg)
	}
	writeJSON(w, http.StatusOK, items(list))
}

func (a *API) exportAssignments(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt("limit", r.URL.Query().Get("limit"), 1000, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var buf bytes.Buffer
	n, err := report.WriteAssignments(&buf, a.svc.RecentAssignments(r.Context(), limit), a.svc.Location())
	if err != nil {
		handleSterilError(w, r, err)
		return
	}
	a.audit(r.Context(), "assignments.exported", map[string]any{"rows": n})

	w.Header().Set("Content-Type", report.ContentTypeXLSX)
	w.Header().Set("Content-Disposition", "attachment; filename="+report.FileName(a.svc.Now().In(a.svc.Location())))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
