package domain

import "time"

type UploadSession struct {
	ID           string
	CryptexID    string
	Filename     string
	DeclaredSize int64
	CreatedAt    time.Time
	LastActive   time.Time
	Finalized    bool
	Parts        map[int]int64
}

func (u *UploadSession) ReceivedSize() int64 {
	var n int64
	for _, s := range u.Parts {
		n += s
	}
	return n
}

// MissingPart reports the first absent index in 0..max(received), or -1.
func (u *UploadSession) MissingPart() int {
	max := -1
	for i := range u.Parts {
		if i > max {
			max = i
		}
	}
	for i := 0; i <= max; i++ {
		if _, ok := u.Parts[i]; !ok {
			return i
		}
	}
	return -1
}

type DownloadToken struct {
	Hash           string
	CryptexID      string
	Filename       string
	WrappedFileKey []byte
	ExpiresAt      time.Time
	Consumed       bool
	Uses           int
	SingleUse      bool
	Autodestroy    bool
}

type IssuedToken struct {
	Token     string `json:"token"`
	URL       string `json:"url"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	ExpiresIn int    `json:"expires_in"`
}
