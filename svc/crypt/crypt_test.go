package crypt

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"cryptex/pkg/kms"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKMSKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	adapter, err := kms.NewLocalAdapter(testKMSKey)
	require.NoError(t, err)
	return NewEngine(KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}, adapter)
}

func TestEncryptDecryptWithPassword(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	s, err := e.Encrypt(ctx, []byte("attack at dawn"), "pw", "abc-defg-hij")
	require.NoError(t, err)
	assert.Len(t, s.Salt, SaltSize)
	assert.Len(t, s.Tag, TagSize)
	assert.Empty(t, s.WrappedKey)
	assert.NotContains(t, string(s.Ciphertext), "attack")

	plain, err := e.Decrypt(ctx, s, "pw", "abc-defg-hij")
	require.NoError(t, err)
	assert.Equal(t, "attack at dawn", string(plain))

	_, err = e.Decrypt(ctx, s, "wrong", "abc-defg-hij")
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = e.Decrypt(ctx, s, "", "abc-defg-hij")
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = e.Decrypt(ctx, s, "pw", "zzz-zzzz-zzz")
	assert.ErrorIs(t, err, ErrAuthFailed, "ciphertext must be bound to its id")
}

func TestEncryptDecryptWithoutPassword(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	s, err := e.Encrypt(ctx, []byte("hello"), "", "abc-defg-hij")
	require.NoError(t, err)
	assert.Empty(t, s.Salt)
	assert.NotEmpty(t, s.WrappedKey)

	plain, err := e.Decrypt(ctx, s, "", "abc-defg-hij")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	_, err = e.Decrypt(ctx, s, "", "zzz-zzzz-zzz")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestDecryptDetectsTamper(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	s, err := e.Encrypt(ctx, []byte("integrity"), "pw", "abc-defg-hij")
	require.NoError(t, err)

	flipped := *s
	flipped.Ciphertext = append([]byte(nil), s.Ciphertext...)
	flipped.Ciphertext[len(flipped.Ciphertext)-1] ^= 1
	_, err = e.Decrypt(ctx, &flipped, "pw", "abc-defg-hij")
	assert.ErrorIs(t, err, ErrAuthFailed)

	badTag := *s
	badTag.Tag = append([]byte(nil), s.Tag...)
	badTag.Tag[0] ^= 1
	_, err = e.Decrypt(ctx, &badTag, "pw", "abc-defg-hij")
	assert.ErrorIs(t, err, ErrAuthFailed)

	short := *s
	short.Tag = s.Tag[:4]
	_, err = e.Decrypt(ctx, &short, "pw", "abc-defg-hij")
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestRecipientFileKey(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	k, err := e.NewKey(ctx, "pw", "abc-defg-hij")
	require.NoError(t, err)
	aad := []byte("abc-defg-hij:box")
	pub, priv, err := k.NewRecipient(aad)
	require.NoError(t, err)

	fileKey, err := NewFileKey()
	require.NoError(t, err)
	sealed, err := SealTo(pub, fileKey)
	require.NoError(t, err)

	reopened, err := e.OpenKey(ctx, "pw", "abc-defg-hij", k.Salt, nil)
	require.NoError(t, err)
	got, err := reopened.OpenFrom(pub, priv, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, fileKey, got)

	wrong, _ := e.OpenKey(ctx, "nope", "abc-defg-hij", k.Salt, nil)
	_, err = wrong.OpenFrom(pub, priv, sealed, aad)
	assert.ErrorIs(t, err, ErrAuthFailed)

	sealed[len(sealed)-1] ^= 1
	_, err = reopened.OpenFrom(pub, priv, sealed, aad)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func encryptStream(t *testing.T, key, plain []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, key)
	require.NoError(t, err)
	// odd write sizes exercise segment boundaries
	for off := 0; off < len(plain); {
		n := 7777
		if off+n > len(plain) {
			n = len(plain) - off
		}
		_, err := w.Write(plain[off : off+n])
		require.NoError(t, err)
		off += n
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func decryptStream(key, blob []byte) ([]byte, error) {
	r, err := NewReader(bytes.NewReader(blob), key)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func TestStreamRoundTrip(t *testing.T) {
	key, _ := NewFileKey()
	for _, size := range []int{0, 1, SegmentSize - 1, SegmentSize, SegmentSize + 1, 3*SegmentSize + 123} {
		plain := make([]byte, size)
		rand.Read(plain)
		blob := encryptStream(t, key, plain)
		assert.Equal(t, EncryptedSize(int64(size)), int64(len(blob)), "size %d", size)
		got, err := decryptStream(key, blob)
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(plain, got), "size %d mismatch", size)
	}
}

func TestStreamDetectsTruncationAndTamper(t *testing.T) {
	key, _ := NewFileKey()
	plain := make([]byte, 2*SegmentSize+10)
	rand.Read(plain)
	blob := encryptStream(t, key, plain)

	// drop the final segment, leaving a valid-looking boundary
	cut := headerSize + 2*(SegmentSize+TagSize)
	_, err := decryptStream(key, blob[:cut])
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = decryptStream(key, blob[:headerSize])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = decryptStream(key, blob[:headerSize-1])
	assert.ErrorIs(t, err, ErrTruncated)

	tampered := append([]byte(nil), blob...)
	tampered[headerSize+100] ^= 1
	_, err = decryptStream(key, tampered)
	assert.ErrorIs(t, err, ErrAuthFailed)

	other, _ := NewFileKey()
	_, err = decryptStream(other, blob)
	assert.ErrorIs(t, err, ErrAuthFailed)

	appended := append(append([]byte(nil), blob...), blob[headerSize:headerSize+SegmentSize+TagSize]...)
	_, err = decryptStream(key, appended)
	assert.Error(t, err)
}
