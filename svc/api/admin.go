package api

import (
	"net/http"
	"time"

	"cryptex/pkg/domain"
	"cryptex/svc/auth"
	"cryptex/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type LoginReq struct {
	Password string `json:"password"`
}

type LoginResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Hdl) setSession(w http.ResponseWriter, value string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if value == "" {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    value,
		Path:     "/api",
		Expires:  expires,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Hdl) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	token, exp, err := h.svc.Admin.Login(r.Context(), req.Password)
	if err != nil {
		hlog.FromRequest(r).Warn().
			Str("client_ip", util.RedactIP(r.RemoteAddr)).
			Msg("admin login failed")
		writeErr(w, r, err)
		return
	}
	h.setSession(w, token, exp)
	writeJSON(w, http.StatusOK, LoginResp{Token: token, ExpiresAt: exp})
}

func (h *Hdl) Logout(w http.ResponseWriter, r *http.Request) {
	h.setSession(w, "", time.Unix(0, 0))
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *Hdl) CheckSession(w http.ResponseWriter, r *http.Request) {
	ok := h.svc.Admin.CheckSession(sessionToken(r)) == nil
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": ok})
}

type SettingsBody struct {
	Mode             string `json:"mode"`
	MaxMessageLength int    `json:"max_message_length"`
	MaxFileCount     int    `json:"max_file_count"`
	MaxFileSize      string `json:"max_file_size"`
	MaxExpiration    string `json:"max_expiration"`
}

func settingsBody(s domain.Settings) SettingsBody {
	return SettingsBody{
		Mode:             s.Mode,
		MaxMessageLength: s.MaxMessageLength,
		MaxFileCount:     s.MaxFileCount,
		MaxFileSize:      util.FormatSize(s.MaxFileSize),
		MaxExpiration:    util.FormatRetention(s.MaxExpiration),
	}
}

func (h *Hdl) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Admin.Settings(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsBody(s))
}

func (h *Hdl) PutSettings(w http.ResponseWriter, r *http.Request) {
	var body SettingsBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeErr(w, r, err)
		return
	}
	size, err := util.ParseSize(body.MaxFileSize)
	if err != nil {
		writeErr(w, r, domain.Validation("invalid max_file_size %q", body.MaxFileSize))
		return
	}
	exp, err := util.ParseRetention(body.MaxExpiration)
	if err != nil {
		writeErr(w, r, domain.Validation("invalid max_expiration %q", body.MaxExpiration))
		return
	}
	s, err := h.svc.Admin.UpdateSettings(r.Context(), domain.Settings{
		Mode:             body.Mode,
		MaxMessageLength: body.MaxMessageLength,
		MaxFileCount:     body.MaxFileCount,
		MaxFileSize:      size,
		MaxExpiration:    exp,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsBody(s))
}

type APIKeyReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *Hdl) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req APIKeyReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	k, err := h.svc.Admin.CreateAPIKey(r.Context(), req.Name, req.Description)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (h *Hdl) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.svc.Admin.ListAPIKeys(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if keys == nil {
		keys = []*domain.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *Hdl) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Admin.RevokeAPIKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Hdl) RevokeAllAPIKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Admin.RevokeAllAPIKeys(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

type InviteReq struct {
	Label     string `json:"label"`
	ExpiresIn string `json:"expires_in"`
}

func (h *Hdl) CreateInvite(w http.ResponseWriter, r *http.Request) {
	var req InviteReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	var ttl time.Duration
	if req.ExpiresIn != "" {
		d, err := util.ParseRetention(req.ExpiresIn)
		if err != nil {
			writeErr(w, r, domain.Validation("invalid expires_in %q", req.ExpiresIn))
			return
		}
		ttl = d
	}
	link, err := h.svc.Invites.Create(r.Context(), req.Label, ttl)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (h *Hdl) ListInvites(w http.ResponseWriter, r *http.Request) {
	links, err := h.svc.Invites.List(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if links == nil {
		links = []*domain.InviteLink{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (h *Hdl) UpdateInvite(w http.ResponseWriter, r *http.Request) {
	var req InviteReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := h.svc.Invites.UpdateLabel(r.Context(), chi.URLParam(r, "token"), req.Label); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Hdl) DeleteInvite(w http.ResponseWriter, r *http.Request) {
	deleteData := formBool(r.URL.Query().Get("delete_data"))
	if err := h.svc.Invites.Delete(r.Context(), chi.URLParam(r, "token"), deleteData); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Hdl) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Admin.Stats(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Hdl) AdminDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Admin.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Hdl) AdminDeleteAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Admin.DeleteAll(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}
