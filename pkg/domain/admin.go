package domain

import "time"

const (
	ModePublic  = "public"
	ModePrivate = "private"
)

type Settings struct {
	Mode             string        `json:"mode"`
	MaxMessageLength int           `json:"max_message_length"`
	MaxFileCount     int           `json:"max_file_count"`
	MaxFileSize      int64         `json:"max_file_size"`
	MaxExpiration    time.Duration `json:"max_expiration"`
}

type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Digest      string     `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used"`
}

type CreatedAPIKey struct {
	APIKey
	Key string `json:"key"`
}

type StatsItem struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int64     `json:"expires_in"`
	Encrypted   bool      `json:"encrypted"`
	Autodestroy bool      `json:"autodestroy"`
	Consumed    bool      `json:"consumed"`
	Views       int       `json:"views"`
	FileCount   int       `json:"file_count"`
}

type Stats struct {
	Total     int         `json:"total"`
	TextOnly  int         `json:"text_only"`
	FilesOnly int         `json:"files_only"`
	Both      int         `json:"both"`
	TotalSize int64       `json:"total_size"`
	Uploads   int         `json:"active_uploads"`
	Items     []StatsItem `json:"items"`
}
