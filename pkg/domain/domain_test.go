package domain

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
)

func TestErrIsMatchesByCode(t *testing.T) {
	err := Validation("text cannot exceed %d characters", 1000)
	if !errors.Is(err, ErrValidation) {
		t.Fatal("formatted validation error should match ErrValidation")
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("validation error must not match ErrNotFound")
	}
	wrapped := errors.Wrap(err, "create")
	if Status(wrapped) != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", Status(wrapped))
	}
	if ToResp(wrapped).Error.Msg != "text cannot exceed 1000 characters" {
		t.Errorf("unexpected message: %s", ToResp(wrapped).Error.Msg)
	}
}

func TestToRespHidesInternalDetail(t *testing.T) {
	resp := ToResp(errors.New("disk exploded at /var/lib/cryptex"))
	if resp.Error.Code != "INTERNAL_ERROR" || resp.Error.Msg != "internal error" {
		t.Errorf("internal detail leaked: %+v", resp.Error)
	}
	if Status(errors.New("x")) != http.StatusInternalServerError {
		t.Error("plain errors should map to 500")
	}
}

func TestMissingPart(t *testing.T) {
	tests := []struct {
		parts map[int]int64
		want  int
	}{
		{map[int]int64{}, -1},
		{map[int]int64{0: 1, 1: 1, 2: 1}, -1},
		{map[int]int64{2: 1, 0: 1}, 1},
		{map[int]int64{1: 1}, 0},
	}
	for _, tt := range tests {
		u := &UploadSession{Parts: tt.parts}
		if got := u.MissingPart(); got != tt.want {
			t.Errorf("MissingPart(%v) = %d, want %d", tt.parts, got, tt.want)
		}
	}
	u := &UploadSession{Parts: map[int]int64{0: 10, 1: 5}}
	if u.ReceivedSize() != 15 {
		t.Errorf("ReceivedSize = %d", u.ReceivedSize())
	}
}
