package crypt

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/box"
)

// Recipient keys let files be attached to an object without its password:
// the public half is stored in clear, the private half sealed under the
// object's content key.

func (k *Key) NewRecipient(aad []byte) (pub, sealedPriv []byte, err error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errors.Wrap(err, "generate box key")
	}
	defer Wipe(sk[:])
	sealedPriv, err = k.SealCombined(sk[:], aad)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), pk[:]...), sealedPriv, nil
}

// SealTo encrypts a file key to a recipient public key.
func SealTo(pub, fileKey []byte) ([]byte, error) {
	if len(pub) != 32 {
		return nil, errors.New("invalid recipient key")
	}
	var pk [32]byte
	copy(pk[:], pub)
	out, err := box.SealAnonymous(nil, fileKey, &pk, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "seal file key")
	}
	return out, nil
}

// OpenFrom recovers a file key sealed with SealTo.
func (k *Key) OpenFrom(pub, sealedPriv, sealed, aad []byte) ([]byte, error) {
	if len(pub) != 32 {
		return nil, ErrAuthFailed
	}
	sk, err := k.OpenCombined(sealedPriv, aad)
	if err != nil {
		return nil, err
	}
	defer Wipe(sk)
	if len(sk) != 32 {
		return nil, ErrAuthFailed
	}
	var pk, skArr [32]byte
	copy(pk[:], pub)
	copy(skArr[:], sk)
	defer Wipe(skArr[:])
	out, ok := box.OpenAnonymous(nil, sealed, &pk, &skArr)
	if !ok {
		return nil, ErrAuthFailed
	}
	return out, nil
}

func NewFileKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, errors.Wrap(err, "rand fail")
	}
	return k, nil
}
