package httpapi

import (
	"net/http"
	"time"

	"clubkit.org/internal/audit"
	"clubkit.org/internal/auth"
)

type tokenRequest struct {
	User   string   `json:"user" validate:"required,max=128"`
	Tenant string   `json:"tenant" validate:"required,max=128"`
	Roles  []string `json:"roles" validate:"required,min=1,dive,oneof=viewer clerk admin"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleAuthToken issues development tokens. It is only routed when dev tokens are enabled.
func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	token, err := auth.GenerateToken(req.User, req.Tenant, req.Roles, a.opts.TokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(a.opts.TokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       req.User,
		"tenant":     req.Tenant,
		"roles":      req.Roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}
