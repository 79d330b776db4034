package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"time"

	"attendly.org/internal/audit"
	"attendly.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        auth.User `json:"user"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.Registration
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.IsAdmin {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok || p.RequireAdmin() != nil {
			writeError(w, r, http.StatusForbidden, "admin privileges required to create administrators")
			return
		}
	}

	u, err := a.auth.Register(r.Context(), req)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserRegistered, map[string]any{
		"registered_user_id": u.ID,
		"username":           u.Username,
		"is_admin":           u.IsAdmin,
	})
	writeJSON(w, http.StatusCreated, u)
}

// handleLogin accepts a JSON body or an OAuth2 password-grant style form.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
	} else if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sess, u, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
				"username":  req.Username,
				"remote_ip": clientIP(r),
			})
			unauthorized(w, r, "invalid username or password")
			return
		}
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken: sess.AccessToken,
		TokenType:   sess.TokenType,
		ExpiresAt:   sess.ExpiresAt,
		User:        u,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	u, err := a.auth.Me(r.Context(), p)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
