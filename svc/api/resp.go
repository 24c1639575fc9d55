package api

import (
	"encoding/json"
	"io"
	"net/http"

	"cryptex/pkg/domain"
	"cryptex/svc/util"

	"github.com/rs/zerolog/hlog"
)

const maxJSONBody = 64 * 1024

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr renders err as the standard error body. Internal details stay
// in the log.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	requestID := util.GetRequestID(r.Context())
	status := domain.Status(err)
	if status >= 500 {
		hlog.FromRequest(r).Error().
			Err(err).
			Str("request_id", requestID).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	resp := domain.ToResp(err)
	resp.RequestID = requestID
	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body. An empty body decodes to the zero
// value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return domain.Validation("invalid request body")
	}
	return nil
}
