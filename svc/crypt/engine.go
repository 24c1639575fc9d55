package crypt

import (
	"context"
	"crypto/rand"

	"cryptex/pkg/kms"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize  = chacha20poly1305.KeySize
	SaltSize = 16
	TagSize  = chacha20poly1305.Overhead
)

var ErrAuthFailed = errors.New("authentication failed")

// KDFParams are the argon2id costs used to derive content keys from
// passwords.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

type Wrapper interface {
	Wrap(ctx context.Context, plaintext []byte, ec kms.EncryptionContext) ([]byte, error)
	Unwrap(ctx context.Context, ciphertext []byte, ec kms.EncryptionContext) ([]byte, error)
}

type Engine struct {
	kdf     KDFParams
	wrapper Wrapper
}

func NewEngine(kdf KDFParams, wrapper Wrapper) *Engine {
	if wrapper == nil {
		panic("crypt: nil key wrapper")
	}
	if kdf.Time == 0 {
		kdf.Time = 3
	}
	if kdf.Memory == 0 {
		kdf.Memory = 64 * 1024
	}
	if kdf.Threads == 0 {
		kdf.Threads = 2
	}
	return &Engine{kdf: kdf, wrapper: wrapper}
}

// Key is a content key. Salt is set for password keys, Wrapped for keys
// held by the application key.
type Key struct {
	k       []byte
	Salt    []byte
	Wrapped []byte
}

func keyContext(bind string) kms.EncryptionContext {
	return kms.EncryptionContext{"purpose": "cryptex-key", "id": bind}
}

func (e *Engine) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, e.kdf.Time, e.kdf.Memory, e.kdf.Threads, KeySize)
}

// NewKey creates the key for a new object bound to id.
func (e *Engine) NewKey(ctx context.Context, password, id string) (*Key, error) {
	if password != "" {
		salt := make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, errors.Wrap(err, "rand fail")
		}
		return &Key{k: e.derive(password, salt), Salt: salt}, nil
	}
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, errors.Wrap(err, "rand fail")
	}
	wrapped, err := e.wrapper.Wrap(ctx, k, keyContext(id))
	if err != nil {
		Wipe(k)
		return nil, errors.Wrap(err, "wrap content key")
	}
	return &Key{k: k, Wrapped: wrapped}, nil
}

// OpenKey recreates a key from stored material. Wrapped keys ignore the
// password.
func (e *Engine) OpenKey(ctx context.Context, password, id string, salt, wrapped []byte) (*Key, error) {
	if len(wrapped) > 0 {
		k, err := e.wrapper.Unwrap(ctx, wrapped, keyContext(id))
		if err != nil {
			return nil, errors.Wrap(err, "unwrap content key")
		}
		return &Key{k: k, Wrapped: wrapped}, nil
	}
	if password == "" || len(salt) == 0 {
		return nil, ErrAuthFailed
	}
	return &Key{k: e.derive(password, salt), Salt: salt}, nil
}

// Seal encrypts plain with XChaCha20-Poly1305 and returns nonce||body and
// the detached tag.
func (k *Key) Seal(plain, aad []byte) (ct, tag []byte, err error) {
	aead, err := chacha20poly1305.NewX(k.k)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+TagSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "rand fail")
	}
	out := aead.Seal(nonce, nonce, plain, aad)
	split := len(out) - TagSize
	return out[:split:split], append([]byte(nil), out[split:]...), nil
}

func (k *Key) Open(ct, tag, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.k)
	if err != nil {
		return nil, err
	}
	ns := aead.NonceSize()
	if len(ct) < ns || len(tag) != TagSize {
		return nil, ErrAuthFailed
	}
	body := make([]byte, 0, len(ct)-ns+TagSize)
	body = append(body, ct[ns:]...)
	body = append(body, tag...)
	plain, err := aead.Open(nil, ct[:ns], body, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// SealCombined is Seal with the tag appended.
func (k *Key) SealCombined(plain, aad []byte) ([]byte, error) {
	ct, tag, err := k.Seal(plain, aad)
	if err != nil {
		return nil, err
	}
	return append(ct, tag...), nil
}

func (k *Key) OpenCombined(data, aad []byte) ([]byte, error) {
	if len(data) < TagSize {
		return nil, ErrAuthFailed
	}
	split := len(data) - TagSize
	return k.Open(data[:split], data[split:], aad)
}

func (k *Key) Wipe() {
	if k != nil {
		Wipe(k.k)
	}
}

// Sealed is the stored form of one encrypted value.
type Sealed struct {
	Ciphertext []byte
	Salt       []byte
	Tag        []byte
	WrappedKey []byte
}

// Encrypt seals plaintext under a fresh key for id.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte, password, id string) (*Sealed, error) {
	k, err := e.NewKey(ctx, password, id)
	if err != nil {
		return nil, err
	}
	defer k.Wipe()
	ct, tag, err := k.Seal(plaintext, []byte(id))
	if err != nil {
		return nil, err
	}
	return &Sealed{Ciphertext: ct, Salt: k.Salt, Tag: tag, WrappedKey: k.Wrapped}, nil
}

func (e *Engine) Decrypt(ctx context.Context, s *Sealed, password, id string) ([]byte, error) {
	k, err := e.OpenKey(ctx, password, id, s.Salt, s.WrappedKey)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return nil, err
		}
		return nil, ErrAuthFailed
	}
	defer k.Wipe()
	return k.Open(s.Ciphertext, s.Tag, []byte(id))
}

func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
