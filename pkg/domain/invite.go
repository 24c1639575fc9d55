package domain

import "time"

type InviteLink struct {
	Token              string     `json:"token"`
	Label              string     `json:"label"`
	CreatedAt          time.Time  `json:"created_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	MaxUses            int        `json:"max_uses"`
	Uses               int        `json:"uses"`
	PasswordCT         []byte     `json:"-"`
	Password           string     `json:"password,omitempty"`
	CryptexID          string     `json:"cryptex_id,omitempty"`
	CryptexHasPassword bool       `json:"cryptex_has_password"`
	Active             bool       `json:"is_active"`
}

func (l *InviteLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

type InviteCheck struct {
	Valid       bool   `json:"valid"`
	Reason      string `json:"reason,omitempty"`
	Label       string `json:"label,omitempty"`
	HasPassword bool   `json:"has_password"`
	Password    string `json:"password,omitempty"`
}
