package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
)

const verifierDomain = "cryptex-verifier-v1"

// Verifier derives a cheap keyed digest of a password that is stored next
// to an object. It uses its own salt and never shares material with the
// content key derivation, so a stolen verifier does not shortcut the KDF
// without the server pepper.
type Verifier struct {
	pepper []byte
}

func NewVerifier(pepper []byte) (*Verifier, error) {
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	return &Verifier{pepper: append([]byte(nil), pepper...)}, nil
}

// New returns a fresh salt and the verifier for password under it.
func (v *Verifier) New(password string) (salt, digest []byte, err error) {
	salt = make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, errors.Wrap(err, "rand fail")
	}
	return salt, v.digest(salt, password), nil
}

func (v *Verifier) Check(password string, salt, digest []byte) bool {
	want := v.digest(salt, password)
	defer wipe(want)
	return hmac.Equal(want, digest)
}

func (v *Verifier) digest(salt []byte, password string) []byte {
	mac := hmac.New(sha256.New, v.pepper)
	mac.Write([]byte(verifierDomain))
	mac.Write([]byte{byte(len(salt))})
	mac.Write(salt)
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// Keyed returns an HMAC of value under the pepper, used for API key digests.
func (v *Verifier) Keyed(purpose, value string) []byte {
	mac := hmac.New(sha256.New, v.pepper)
	mac.Write([]byte(purpose))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return mac.Sum(nil)
}
