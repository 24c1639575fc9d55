package util

import (
	"crypto/rand"
	"math/big"
	"regexp"

	"github.com/pkg/errors"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz"

var (
	idGroups  = []int{3, 4, 3}
	idPattern = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)

	ErrIDExhausted = errors.New("id collision retries exhausted")
)

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

func NewID() (string, error) {
	n := 0
	for _, g := range idGroups {
		n += g
	}
	buf := make([]byte, 0, n+len(idGroups)-1)
	max := big.NewInt(int64(len(idAlphabet)))
	for gi, g := range idGroups {
		if gi > 0 {
			buf = append(buf, '-')
		}
		for i := 0; i < g; i++ {
			v, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", errors.Wrap(err, "rand fail")
			}
			buf = append(buf, idAlphabet[v.Int64()])
		}
	}
	return string(buf), nil
}

// GenID draws ids until exists reports a free one.
func GenID(retries int, exists func(string) (bool, error)) (string, error) {
	if retries <= 0 {
		retries = 1
	}
	for retry := 0; retry < retries; retry++ {
		id, err := NewID()
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrIDExhausted
}
