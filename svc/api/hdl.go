package api

import (
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cryptex/cfg"
	"cryptex/pkg/domain"
	"cryptex/svc/svc"
	"cryptex/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const (
	defaultRetention = "1d"
	formMemory       = 8 << 20
)

type Hdl struct {
	svc     *svc.Services
	cfg     *cfg.Cfg
	version string
}

type StatusResp struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Mode    string    `json:"mode"`
	Limits  LimitResp `json:"limits"`
}

type LimitResp struct {
	MaxMessageLength int    `json:"max_message_length"`
	MaxFileCount     int    `json:"max_file_count"`
	MaxFileSize      int64  `json:"max_file_size"`
	MaxExpiration    string `json:"max_expiration"`
	MaxPartSize      int64  `json:"max_part_size"`
}

func (h *Hdl) Status(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Settings.Get(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResp{
		Status:  "ok",
		Version: h.version,
		Mode:    s.Mode,
		Limits: LimitResp{
			MaxMessageLength: s.MaxMessageLength,
			MaxFileCount:     s.MaxFileCount,
			MaxFileSize:      s.MaxFileSize,
			MaxExpiration:    util.FormatRetention(s.MaxExpiration),
			MaxPartSize:      h.cfg.MaxPartSize,
		},
	})
}

type CreateReq struct {
	Text            string `json:"text"`
	Password        string `json:"password"`
	Retention       string `json:"retention"`
	Autodestroy     bool   `json:"autodestroy"`
	HasPendingFiles bool   `json:"has_pending_files"`
	Invite          string `json:"invite"`
}

type CreateResp struct {
	ID          string    `json:"id"`
	Expiration  string    `json:"expiration,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	HasPassword bool      `json:"has_password"`
	Autodestroy bool      `json:"autodestroy"`
	Files       int       `json:"files"`
	TotalSize   int64     `json:"total_size"`
}

// Create accepts JSON or a multipart form whose "file" parts are stored
// with the cryptex.
func (h *Hdl) Create(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	var (
		req   CreateReq
		files []domain.FileInput
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		s, err := h.svc.Settings.Get(r.Context())
		if err != nil {
			writeErr(w, r, err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.MaxFileSize*int64(s.MaxFileCount)+formMemory)
		if err := r.ParseMultipartForm(formMemory); err != nil {
			writeErr(w, r, domain.Validation("invalid form data"))
			return
		}
		defer r.MultipartForm.RemoveAll()
		req = CreateReq{
			Text:            r.FormValue("text"),
			Password:        r.FormValue("password"),
			Retention:       r.FormValue("retention"),
			Autodestroy:     formBool(r.FormValue("autodestroy")),
			HasPendingFiles: formBool(r.FormValue("has_pending_files")),
			Invite:          r.FormValue("invite"),
		}
		var opened []multipart.File
		defer func() {
			for _, f := range opened {
				f.Close()
			}
		}()
		for _, fh := range r.MultipartForm.File["file"] {
			f, err := fh.Open()
			if err != nil {
				writeErr(w, r, domain.Validation("unreadable file part"))
				return
			}
			opened = append(opened, f)
			files = append(files, domain.FileInput{Filename: fh.Filename, Body: f})
		}
	case "application/json", "":
		if err := decodeJSON(w, r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
	default:
		writeErr(w, r, domain.Validation("expected application/json or multipart/form-data"))
		return
	}

	if req.Invite == "" {
		if err := h.authorizeCreate(r); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	if req.Retention == "" {
		req.Retention = defaultRetention
	}
	retention, err := util.ParseRetention(req.Retention)
	if err != nil {
		writeErr(w, r, domain.Validation("invalid retention %q", req.Retention))
		return
	}
	res, err := h.svc.Cryptexes.Create(r.Context(), domain.CreateParams{
		Text:         req.Text,
		Password:     req.Password,
		Retention:    retention,
		Autodestroy:  req.Autodestroy,
		PendingFiles: req.HasPendingFiles,
		Files:        files,
		InviteToken:  req.Invite,
	})
	if err != nil {
		log.Warn().Err(err).Msg("create failed")
		writeErr(w, r, err)
		return
	}
	if req.Invite != "" {
		writeJSON(w, http.StatusCreated, map[string]string{"id": res.ID})
		return
	}
	writeJSON(w, http.StatusCreated, CreateResp{
		ID:          res.ID,
		Expiration:  util.FormatRetention(retention),
		ExpiresAt:   res.ExpiresAt,
		HasPassword: res.HasPassword,
		Autodestroy: res.Autodestroy,
		Files:       res.FileCount,
		TotalSize:   res.TotalSize,
	})
}

// authorizeCreate enforces private mode: an admin session or a valid API
// key is required unless the request carries an invite.
func (h *Hdl) authorizeCreate(r *http.Request) error {
	s, err := h.svc.Settings.Get(r.Context())
	if err != nil {
		return err
	}
	if s.Mode != domain.ModePrivate {
		return nil
	}
	if h.svc.Admin.CheckSession(sessionToken(r)) == nil {
		return nil
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		if _, err := h.svc.Admin.VerifyAPIKey(r.Context(), key); err == nil {
			return nil
		}
	}
	return domain.ErrForbidden.With("this instance is private; an invite link or API key is required")
}

func formBool(v string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(v))
	return b || strings.EqualFold(v, "on")
}

func (h *Hdl) UploadStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var size int64
	if v := q.Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeErr(w, r, domain.Validation("invalid size"))
			return
		}
		size = n
	}
	sess, err := h.svc.Uploads.Start(r.Context(), q.Get("cryptex_id"), q.Get("filename"), size)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"upload_id": sess.ID, "filename": sess.Filename})
}

func (h *Hdl) UploadPart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	idx, err := strconv.Atoi(q.Get("part"))
	if err != nil {
		writeErr(w, r, domain.Validation("invalid part index"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxPartSize+1)
	n, err := h.svc.Uploads.Part(r.Context(), q.Get("upload_id"), idx, r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			err = domain.Validation("part exceeds %d bytes", h.cfg.MaxPartSize)
		}
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"part": int64(idx), "size": n})
}

func (h *Hdl) UploadComplete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	info, err := h.svc.Uploads.Complete(r.Context(), q.Get("upload_id"), formBool(q.Get("finalize")))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Hdl) UploadAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Uploads.Abort(r.Context(), r.URL.Query().Get("upload_id")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

type SecretReq struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type OpenResp struct {
	Text        string            `json:"text"`
	Files       []domain.FileInfo `json:"files"`
	Views       int               `json:"views"`
	Expiration  int64             `json:"expiration"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Autodestroy bool              `json:"autodestroy"`
}

func (h *Hdl) Open(w http.ResponseWriter, r *http.Request) {
	var req SecretReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := h.svc.Cryptexes.Open(r.Context(), strings.TrimSpace(req.ID), req.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPassword) || errors.Is(err, domain.ErrPasswordRequired) {
			hlog.FromRequest(r).Warn().
				Str("id", req.ID).
				Str("client_ip", util.RedactIP(r.RemoteAddr)).
				Msg("failed password attempt")
		}
		writeErr(w, r, err)
		return
	}
	left := time.Until(res.ExpiresAt)
	if left < 0 {
		left = 0
	}
	writeJSON(w, http.StatusOK, OpenResp{
		Text:        res.Text,
		Files:       res.Files,
		Views:       res.Views,
		Expiration:  int64(left / time.Second),
		ExpiresAt:   res.ExpiresAt,
		Autodestroy: res.Autodestroy,
	})
}

type DownloadReq struct {
	CryptexID string `json:"cryptex_id"`
	Filename  string `json:"filename"`
	Password  string `json:"password"`
}

func (h *Hdl) IssueDownload(w http.ResponseWriter, r *http.Request) {
	var req DownloadReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	tok, err := h.svc.Downloads.Issue(r.Context(), strings.TrimSpace(req.CryptexID), req.Filename, req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (h *Hdl) ResolveDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := h.svc.Downloads.Resolve(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	defer dl.Body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}))
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("download interrupted")
	}
}

func (h *Hdl) Destroy(w http.ResponseWriter, r *http.Request) {
	var req SecretReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	id, err := h.svc.Cryptexes.Destroy(r.Context(), strings.TrimSpace(req.ID), req.Password)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (h *Hdl) CheckInvite(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Invites.Check(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
