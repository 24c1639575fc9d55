package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"cryptex/pkg/domain"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	now := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)
	k := NewKey(now)
	assert.True(t, strings.HasPrefix(k, "blobs/2025/03/07/"), k)
	assert.NotEqual(t, k, NewKey(now))
}

func TestFSRoundTrip(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	key := NewKey(time.Now())
	data := []byte("ciphertext bytes")

	require.NoError(t, s.Put(ctx, key, bytes.NewReader(data), int64(len(data))))
	rc, err := s.Open(ctx, key)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, data, got)

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key), "deleting twice is fine")
	_, err = s.Open(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, s.Ping(ctx))
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	for _, key := range []string{"", "../x", "/etc/passwd"} {
		err := s.Put(context.Background(), key, bytes.NewReader(nil), 0)
		assert.ErrorIs(t, err, domain.ErrValidation, key)
	}
}

func TestFSShortWrite(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	err = s.Put(context.Background(), "a/b", bytes.NewReader([]byte("abc")), 10)
	assert.Error(t, err)
	_, err = s.Open(context.Background(), "a/b")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStagingOutOfOrderConcat(t *testing.T) {
	st, err := NewStaging(t.TempDir())
	require.NoError(t, err)
	id := uuid.NewString()
	parts := [][]byte{[]byte("zero-"), []byte("one-"), []byte("two")}

	for _, i := range []int{2, 0, 1} {
		n, err := st.WritePart(id, i, bytes.NewReader(parts[i]), 100)
		require.NoError(t, err)
		assert.Equal(t, int64(len(parts[i])), n)
	}
	// retransmission replaces the old bytes
	_, err = st.WritePart(id, 1, bytes.NewReader([]byte("ONE-")), 100)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := st.Concat(id, 3, &buf)
	require.NoError(t, err)
	assert.Equal(t, "zero-ONE-two", buf.String())
	assert.Equal(t, int64(12), n)

	ids, err := st.Uploads()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)

	require.NoError(t, st.Remove(id))
	ids, _ = st.Uploads()
	assert.Empty(t, ids)
}

func TestStagingLimits(t *testing.T) {
	st, err := NewStaging(t.TempDir())
	require.NoError(t, err)
	id := uuid.NewString()

	_, err = st.WritePart(id, 0, bytes.NewReader(make([]byte, 11)), 10)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = st.Concat(id, 1, io.Discard)
	assert.Error(t, err, "oversized part must not be kept")

	_, err = st.WritePart("../../etc", 0, bytes.NewReader(nil), 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStagingConcurrentParts(t *testing.T) {
	st, err := NewStaging(t.TempDir())
	require.NoError(t, err)
	id := uuid.NewString()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.WritePart(id, i, bytes.NewReader([]byte{byte('a' + i)}), 1)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	var buf bytes.Buffer
	_, err = st.Concat(id, 16, &buf)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnop", buf.String())

	f, err := st.TempFile()
	require.NoError(t, err)
	f.Close()
	os.Remove(f.Name())
}

func TestS3IsMissing(t *testing.T) {
	assert.True(t, isMissing(errors.Wrap(&smithy.GenericAPIError{Code: "NoSuchKey"}, "get")))
	assert.True(t, isMissing(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.False(t, isMissing(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isMissing(errors.New("connection reset")))
}
