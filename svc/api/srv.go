package api

import (
	"context"
	"net/http"
	"time"

	"cryptex/cfg"
	"cryptex/svc/lim"
	"cryptex/svc/svc"
	"cryptex/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// Deps are what the HTTP layer needs besides the services. Redis may be
// nil.
type Deps struct {
	Cfg      *cfg.Cfg
	Services *svc.Services
	Limiter  *lim.Limiter
	DB       Pinger
	Redis    Pinger
	Blobs    Pinger
	Version  string
}

type Server struct {
	router     *chi.Mux
	deps       Deps
	httpServer *http.Server
}

func NewServer(d Deps) *Server {
	c := d.Cfg
	s := &Server{deps: d}
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, c, d.Services.Admin)
	hdl := &Hdl{svc: d.Services, cfg: c, version: d.Version}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuth)
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/debug", middleware.Profiler())
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.Instrument)

		// transfers
		r.Group(func(r chi.Router) {
			r.Use(mw.Timeout(c.TransferTimeout))
			r.With(mw.RateLimit("create")).Post("/create", hdl.Create)
			r.Route("/create/file", func(r chi.Router) {
				r.Use(mw.RateLimit("upload"))
				r.Post("/start", hdl.UploadStart)
				r.Post("/part", hdl.UploadPart)
				r.Post("/complete", hdl.UploadComplete)
				r.Post("/abort", hdl.UploadAbort)
			})
			r.With(mw.RateLimit("download")).Get("/download/{token}", hdl.ResolveDownload)
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.Timeout(c.ContextTimeout))
			r.Use(mw.JSONContentType)
			r.Get("/", hdl.Status)
			r.With(mw.RateLimit("open")).Post("/open", hdl.Open)
			r.With(mw.RateLimit("download")).Post("/download", hdl.IssueDownload)
			r.With(mw.RateLimit("destroy")).Post("/destroy", hdl.Destroy)
			r.With(mw.RateLimit("open")).Get("/links/check/{token}", hdl.CheckInvite)

			r.Route("/auth", func(r chi.Router) {
				r.With(mw.RateLimit("login")).Post("/login", hdl.Login)
				r.Post("/logout", hdl.Logout)
				r.Get("/check", hdl.CheckSession)
			})

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireAdmin)
				r.Get("/admin/settings", hdl.GetSettings)
				r.Put("/admin/settings", hdl.PutSettings)
				r.Get("/admin/api-keys", hdl.ListAPIKeys)
				r.Post("/admin/api-keys", hdl.CreateAPIKey)
				r.Delete("/admin/api-keys", hdl.RevokeAllAPIKeys)
				r.Delete("/admin/api-keys/{id}", hdl.RevokeAPIKey)

				r.Get("/links", hdl.ListInvites)
				r.Post("/links", hdl.CreateInvite)
				r.Patch("/links/{token}", hdl.UpdateInvite)
				r.Delete("/links/{token}", hdl.DeleteInvite)

				r.Get("/monitor/stats", hdl.Stats)
				r.Delete("/monitor/cryptex", hdl.AdminDeleteAll)
				r.Delete("/monitor/cryptex/{id}", hdl.AdminDelete)
			})
		})
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       c.TransferTimeout,
		WriteTimeout:      c.TransferTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.deps.Cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.deps.Cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
