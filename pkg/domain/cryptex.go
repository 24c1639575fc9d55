package domain

import (
	"io"
	"time"
)

// Cryptex is the stored, encrypted ephemeral object.
type Cryptex struct {
	ID string

	TextCT     []byte
	TextTag    []byte
	KeySalt    []byte
	WrappedKey []byte

	Verifier     []byte
	VerifierSalt []byte

	BoxPublic    []byte
	BoxPrivateCT []byte

	Autodestroy  bool
	Consumed     bool
	PendingFiles bool

	CreatedAt time.Time
	ExpiresAt time.Time
	Views     int
	TotalSize int64
	FileCount int

	InviteToken string
	Files       []FileRecord
}

func (c *Cryptex) HasPassword() bool { return len(c.Verifier) > 0 }

func (c *Cryptex) HasText() bool { return len(c.TextCT) > 0 }

func (c *Cryptex) Live(now time.Time) bool {
	return now.Before(c.ExpiresAt)
}

type FileRecord struct {
	CryptexID  string    `json:"-"`
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	StorageKey string    `json:"-"`
	SealedKey  []byte    `json:"-"`
	Downloaded bool      `json:"-"`
	CreatedAt  time.Time `json:"-"`
}

type FileInput struct {
	Filename string
	Body     io.Reader
}

type CreateParams struct {
	Text         string
	Password     string
	Retention    time.Duration
	Autodestroy  bool
	PendingFiles bool
	Files        []FileInput
	InviteToken  string
}

type CreateResult struct {
	ID          string    `json:"id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Autodestroy bool      `json:"autodestroy"`
	FileCount   int       `json:"files"`
	TotalSize   int64     `json:"total_size"`
	HasPassword bool      `json:"has_password"`
}

type FileInfo struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type OpenResult struct {
	Text        string     `json:"text"`
	Files       []FileInfo `json:"files"`
	Views       int        `json:"views"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Autodestroy bool       `json:"autodestroy"`
}

func FileInfos(files []FileRecord) []FileInfo {
	out := make([]FileInfo, 0, len(files))
	for _, f := range files {
		out = append(out, FileInfo{Filename: f.Filename, Size: f.Size})
	}
	return out
}
