package api

import (
	"context"
	"net/http"
	"time"

	"cryptex/svc/util"
)

// Pinger is anything /ready should probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
	Storage  string `json:"storage"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func probe(ctx context.Context, name string, p Pinger) string {
	if p == nil {
		return "unavailable"
	}
	pctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := p.Ping(pctx); err != nil {
		util.Error().Err(err).Str("check", name).Msg("health check failed")
		return "down"
	}
	return "up"
}

// Ready fails when the database or blob storage is down. Redis is
// optional; losing it degrades rate limiting to the local table.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := ReadyResponse{
		Database: probe(ctx, "database", s.deps.DB),
		Cache:    probe(ctx, "cache", s.deps.Redis),
		Storage:  probe(ctx, "storage", s.deps.Blobs),
	}
	resp.Ready = resp.Database == "up" && resp.Storage == "up"
	resp.Degraded = !resp.Ready || resp.Cache == "down"
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
