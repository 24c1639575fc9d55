package kms

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

// EncryptionContext is bound to every wrapped value as associated data.
type EncryptionContext map[string]string

type Provider interface {
	Name() string
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Options struct {
	VaultAddr       string
	VaultToken      string
	VaultTokenFile  string
	VaultMount      string
	VaultKeyID      string
	VaultSecretPath string

	AWSRegion   string
	AWSKeyID    string
	AWSEndpoint string

	// LocalKey is a base64 encoded 32 byte key for the in-process provider.
	LocalKey string

	RequirePrimary bool
	FailClosed     bool
	Timeout        time.Duration
}

// Adapter wraps application keys through Vault transit, AWS KMS or a
// local key, in that order of preference.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
	timeout        time.Duration
}

func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	var primary, fallback Provider
	if opts.VaultAddr != "" {
		vp, err := newVaultProvider(ctx, opts)
		if err != nil {
			if opts.RequirePrimary {
				return nil, fmt.Errorf("vault provider: %w", err)
			}
		} else {
			primary = vp
		}
	}
	if primary == nil && opts.AWSRegion != "" {
		ap, err := newAWSProvider(ctx, opts)
		if err != nil {
			if opts.RequirePrimary {
				return nil, fmt.Errorf("aws kms provider: %w", err)
			}
		} else {
			primary = ap
		}
	}
	if !opts.RequirePrimary && opts.LocalKey != "" {
		lp, err := newLocalProvider(opts.LocalKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local provider: %w", err)
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		if opts.RequirePrimary {
			return nil, errors.New("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, errors.New("no KMS providers available (checked Vault, AWS KMS, local key)")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     opts.FailClosed,
		requirePrimary: opts.RequirePrimary,
		timeout:        timeout,
	}, nil
}

// NewLocalAdapter builds an adapter backed only by an in-process key.
func NewLocalAdapter(key string) (*Adapter, error) {
	return NewAdapter(context.Background(), Options{LocalKey: key})
}

func (a *Adapter) Provider() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) do(ctx context.Context, op string, fn func(context.Context, Provider) ([]byte, error)) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if a.primary != nil {
		out, err := fn(ctx, a.primary)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary kms %s failed (KMS_REQUIRE_PRIMARY=true): %w", op, err)
		}
		if a.failClosed || a.fallback == nil {
			return nil, fmt.Errorf("kms %s failed (fail-closed): %w", op, err)
		}
	}
	if a.fallback != nil {
		return fn(ctx, a.fallback)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) Wrap(ctx context.Context, plaintext []byte, ec EncryptionContext) ([]byte, error) {
	aad := serializeEncryptionContext(ec)
	return a.do(ctx, "encrypt", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Encrypt(ctx, plaintext, aad)
	})
}

func (a *Adapter) Unwrap(ctx context.Context, ciphertext []byte, ec EncryptionContext) ([]byte, error) {
	aad := serializeEncryptionContext(ec)
	out, err := a.do(ctx, "decrypt", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.Decrypt(ctx, ciphertext, aad)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return out, nil
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary || a.failClosed || a.fallback == nil {
			return "", fmt.Errorf("get secret %s failed: %w", key, err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

func serializeEncryptionContext(ec EncryptionContext) []byte {
	if len(ec) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ec[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}
