package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"steriltrace.org/internal/audit"
	"steriltrace.org/internal/auth"
	"steriltrace.org/internal/obs"
	"steriltrace.org/internal/steril"
	"steriltrace.org/internal/stream"
)

const serviceName = "steril-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config wires the HTTP layer. Issuer nil disables authentication, which is
// only meant for local development; mutations are then attributed to the
// X-User-ID header.
type Config struct {
	Version               string
	Ready                 readinessChecker
	Service               *steril.Service
	Stream                *stream.Stream
	Issuer                *auth.Issuer
	IssueTokens           bool
	TokenTTL              time.Duration
	RateBurst             int
	RatePerSec            float64
	MaintenanceWindowDays int
}

// API is the HTTP surface over the sterilization engine.
type API struct {
	mux        *http.ServeMux
	ready      readinessChecker
	version    string
	svc        *steril.Service
	stream     *stream.Stream
	issuer     *auth.Issuer
	tokenTTL   time.Duration
	rateBurst  int
	ratePerSec float64
	dueWindow  int
	validate   *validator.Validate
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		ready:      cfg.Ready,
		version:    cfg.Version,
		svc:        cfg.Service,
		stream:     cfg.Stream,
		issuer:     cfg.Issuer,
		tokenTTL:   cfg.TokenTTL,
		rateBurst:  cfg.RateBurst,
		ratePerSec: cfg.RatePerSec,
		dueWindow:  cfg.MaintenanceWindowDays,
		validate:   newValidator(),
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = 12 * time.Hour
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 100
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 50
	}
	if a.dueWindow <= 0 {
		a.dueWindow = 7
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())
	if cfg.IssueTokens && a.issuer != nil {
		a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)
	}

	a.routes()
	return a
}

func (a *API) routes() {
	equipment := a.requireRole(auth.RoleAdmin, auth.RoleSupervisor)

	a.mux.HandleFunc("GET /v1/autoclaves", a.listAutoclaves)
	a.mux.Handle("POST /v1/autoclaves", equipment(http.HandlerFunc(a.registerAutoclave)))
	a.mux.HandleFunc("GET /v1/autoclaves/{id}", a.getAutoclave)
	a.mux.Handle("PATCH /v1/autoclaves/{id}", equipment(http.HandlerFunc(a.updateAutoclave)))
	a.mux.HandleFunc("GET /v1/autoclaves/{id}/maintenance", a.listMaintenance)
	a.mux.Handle("POST /v1/autoclaves/{id}/maintenance", equipment(http.HandlerFunc(a.recordMaintenance)))
	a.mux.HandleFunc("GET /v1/maintenance/due", a.maintenanceDue)

	a.mux.HandleFunc("GET /v1/lots", a.listLots)
	a.mux.HandleFunc("POST /v1/lots", a.openLot)
	a.mux.HandleFunc("GET /v1/lots/{id}", a.getLot)
	a.mux.HandleFunc("POST /v1/lots/{id}/packages", a.addPackages)
	a.mux.HandleFunc("POST /v1/lots/{id}/cycle", a.recordCycle)
	a.mux.HandleFunc("POST /v1/lots/{id}/validate", a.validateLot)

	a.mux.HandleFunc("POST /v1/controls", a.registerControl)
	a.mux.HandleFunc("GET /v1/controls/pending", a.pendingControls)
	a.mux.HandleFunc("GET /v1/controls/{id}", a.getControl)
	a.mux.HandleFunc("POST /v1/controls/{id}/resolve", a.resolveControl)

	a.mux.HandleFunc("GET /v1/trays/lookup", a.lookupTray)
	a.mux.HandleFunc("GET /v1/trays/{id}", a.getTray)
	a.mux.HandleFunc("POST /v1/trays/{id}/assign", a.assignTray)
	a.mux.HandleFunc("POST /v1/trays/{id}/contaminate", a.contaminateTray)

	a.mux.HandleFunc("GET /v1/assignments/recent", a.recentAssignments)
	a.mux.HandleFunc("GET /v1/assignments/export", a.exportAssignments)

	a.mux.HandleFunc("GET /v1/events/stream", a.Stream)
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// userID attributes a request to its authenticated user.
func (a *API) userID(r *http.Request) string {
	if id, ok := auth.UserIDFromContext(r.Context()); ok {
		return id
	}
	if a.issuer == nil {
		if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
			return id
		}
		return "anonymous"
	}
	return ""
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().Warn("audit log failed")
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bind decodes and validates a request body, writing a 400 on failure.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeErrorBody(w, r, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"kind":   "invalid_input",
			"fields": validationDetails(err),
		})
		return false
	}
	return true
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New(name + " must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New(name + " must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// items wraps a list so an empty result encodes as [] rather than null.
func items[T any](list []T) map[string]any {
	if list == nil {
		list = []T{}
	}
	return map[string]any{"items": list}
}
