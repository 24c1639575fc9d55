package auth

import (
	"encoding/hex"
	"strings"

	"cryptex/svc/util"
)

const apiKeyPrefix = "cx_"

// NewAPIKey returns a raw key and the digest under which it is stored.
func (v *Verifier) NewAPIKey() (raw, digest string, err error) {
	tok, err := util.NewToken(32)
	if err != nil {
		return "", "", err
	}
	raw = apiKeyPrefix + tok
	return raw, v.APIKeyDigest(raw), nil
}

func (v *Verifier) APIKeyDigest(raw string) string {
	return hex.EncodeToString(v.Keyed("api-key", strings.TrimSpace(raw)))
}

func LooksLikeAPIKey(raw string) bool {
	return strings.HasPrefix(raw, apiKeyPrefix) && len(raw) > len(apiKeyPrefix)+20
}
