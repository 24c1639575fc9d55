package domain

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrValidation       = NewErr("VALIDATION_ERROR", "invalid request", http.StatusBadRequest)
	ErrNotFound         = NewErr("NOT_FOUND", "this cryptex does not exist or has expired", http.StatusNotFound)
	ErrPasswordRequired = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrInvalidPassword  = NewErr("INVALID_PASSWORD", "incorrect password or the cryptex does not exist", http.StatusForbidden)
	ErrUnauthorized     = NewErr("UNAUTHORIZED", "authentication required", http.StatusUnauthorized)
	ErrForbidden        = NewErr("FORBIDDEN", "forbidden", http.StatusForbidden)
	ErrConflict         = NewErr("CONFLICT", "conflict", http.StatusConflict)
	ErrExpired          = NewErr("EXPIRED", "expired", http.StatusGone)
	ErrRateLimited      = NewErr("RATE_LIMITED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUnavailable      = NewErr("UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)
	ErrInternal         = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

// Is matches on Code so a formatted variant still satisfies errors.Is
// against its sentinel.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	return ok && t.Code == e.Code
}

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

// With returns a copy of e carrying a specific message.
func (e *Err) With(format string, args ...interface{}) *Err {
	return &Err{Code: e.Code, Msg: fmt.Sprintf(format, args...), Status: e.Status}
}

func Validation(format string, args ...interface{}) *Err {
	return ErrValidation.With(format, args...)
}

func Conflict(format string, args ...interface{}) *Err {
	return ErrConflict.With(format, args...)
}

type ErrResp struct {
	Error     ErrDetail `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func AsErr(err error) (*Err, bool) {
	if err == nil {
		return nil, false
	}
	if e, ok := err.(*Err); ok {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func ToResp(err error) ErrResp {
	if e, ok := AsErr(err); ok && e.Status < http.StatusInternalServerError {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: ErrInternal.Code, Msg: ErrInternal.Msg}}
}

func Status(err error) int {
	if e, ok := AsErr(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
