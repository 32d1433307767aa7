package httpapi

import (
	"errors"
	"net/http"

	"steriltrace.org/internal/obs"
	"steriltrace.org/internal/steril"

	"go.uber.org/zap"
)

func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "empty_lot", "expired_indicator", "chemical_requires_immediate_result":
		return http.StatusUnprocessableEntity
	case "duplicate_serial", "equipment_not_active", "already_resolved", "lot_not_ready",
		"not_available", "already_assigned", "conflict", "lot_closed", "lot_failed":
		return http.StatusConflict
	case "unavailable":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// handleSterilError maps engine errors to status codes. The body always carries
// the stable kind; availability failures add the reason and the tray snapshot.
func handleSterilError(w http.ResponseWriter, r *http.Request, err error) {
	writeSterilError(w, r, err, nil)
}

func writeSterilError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	kind := steril.KindOf(err)
	code := statusForKind(kind)
	payload := map[string]any{"error": err.Error(), "kind": kind}
	if code == http.StatusInternalServerError {
		obs.Logger().Error("unhandled engine error",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		payload["error"] = "internal error"
	}
	var na *steril.NotAvailableError
	if errors.As(err, &na) {
		payload["reason"] = na.Reason
		payload["details"] = na
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	for k, v := range extra {
		payload[k] = v
	}
	writeErrorBody(w, r, code, payload)
}
