package httpapi

import (
	"net/http"
	"strings"
	"time"

	"steriltrace.org/internal/auth"
)

type tokenRequest struct {
	User   string   `json:"user" validate:"required,max=64"`
	Roles  []string `json:"roles" validate:"required,min=1,dive,required"`
	SiteID string   `json:"site_id" validate:"max=64"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues development tokens. Production deployments obtain
// tokens from the clinic's identity provider with the same shared secret.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !a.bind(w, r, &req) {
		return
	}

	user := strings.TrimSpace(req.User)
	roles := auth.KnownRoles(req.Roles)
	if len(roles) == 0 {
		writeError(w, r, http.StatusBadRequest, "no known roles requested")
		return
	}

	token, expiresAt, err := a.issuer.GenerateToken(user, req.SiteID, roles, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.audit(r.Context(), "auth.token.issued", map[string]any{
		"user":       user,
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
