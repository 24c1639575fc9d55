package db

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cryptex/pkg/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "cryptex.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleCryptex(id string, now time.Time) *domain.Cryptex {
	return &domain.Cryptex{
		ID:           id,
		TextCT:       []byte("ct"),
		TextTag:      []byte("tag"),
		KeySalt:      []byte("salt"),
		BoxPublic:    []byte("pub"),
		BoxPrivateCT: []byte("priv"),
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func TestCryptexInsertGetDelete(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()

	c := sampleCryptex("abc-defg-hij", now)
	c.Files = []domain.FileRecord{{Filename: "a.txt", Size: 3, StorageKey: "k1", SealedKey: []byte("sk"), CreatedAt: now}}
	c.TotalSize = 3
	require.NoError(t, s.InsertCryptex(ctx, c))

	exists, err := s.CryptexExists(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := s.GetCryptex(ctx, c.ID, now)
	require.NoError(t, err)
	assert.Equal(t, []byte("ct"), got.TextCT)
	assert.Equal(t, 1, got.FileCount)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "k1", got.Files[0].StorageKey)

	err = s.InsertCryptex(ctx, sampleCryptex(c.ID, now))
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.GetCryptex(ctx, c.ID, now.Add(2*time.Hour))
	assert.ErrorIs(t, err, domain.ErrNotFound, "expired rows are invisible")

	removed, err := s.DeleteCryptex(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, removed.Found)
	assert.Equal(t, []string{"k1"}, removed.StorageKeys)

	removed, err = s.DeleteCryptex(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, removed.Found, "second delete is a no-op")
}

func TestClaimCryptexSingleWinner(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.InsertCryptex(ctx, sampleCryptex("abc-defg-hij", now)))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimCryptex(ctx, "abc-defg-hij", now)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetCryptex(ctx, "abc-defg-hij", now)
	require.NoError(t, err)
	assert.True(t, got.Consumed)
	assert.Equal(t, 1, got.Views)
}

func TestIncrViewsAndGrace(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.InsertCryptex(ctx, sampleCryptex("abc-defg-hij", now)))

	v, err := s.IncrViews(ctx, "abc-defg-hij", now)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, _ = s.IncrViews(ctx, "abc-defg-hij", now)
	assert.Equal(t, 2, v)

	_, err = s.IncrViews(ctx, "zzz-zzzz-zzz", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, s.StartGrace(ctx, "abc-defg-hij", now.Add(time.Minute)))
	got, err := s.GetCryptex(ctx, "abc-defg-hij", now)
	require.NoError(t, err)
	assert.Nil(t, got.TextCT)
	assert.WithinDuration(t, now.Add(time.Minute), got.ExpiresAt, time.Millisecond)
}

func TestUploadSessionFlow(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	c := sampleCryptex("abc-defg-hij", now)
	c.PendingFiles = true
	require.NoError(t, s.InsertCryptex(ctx, c))

	u := &domain.UploadSession{ID: "u1", CryptexID: c.ID, Filename: "big.bin", CreatedAt: now, LastActive: now}
	require.NoError(t, s.CreateUpload(ctx, u, 3, now))

	dup := &domain.UploadSession{ID: "u2", CryptexID: c.ID, Filename: "big.bin", CreatedAt: now, LastActive: now}
	assert.ErrorIs(t, s.CreateUpload(ctx, dup, 3, now), domain.ErrConflict)

	require.NoError(t, s.PutPart(ctx, "u1", 1, 10, now))
	require.NoError(t, s.PutPart(ctx, "u1", 0, 20, now))
	require.NoError(t, s.PutPart(ctx, "u1", 1, 15, now), "re-sent part replaces the old one")

	got, err := s.GetUpload(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, map[int]int64{0: 20, 1: 15}, got.Parts)

	ok, err := s.SetFinalized(ctx, "u1", true, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.SetFinalized(ctx, "u1", true, now)
	assert.False(t, ok, "finalize is one-shot")

	assert.ErrorIs(t, s.PutPart(ctx, "u1", 2, 1, now), domain.ErrConflict)

	f := &domain.FileRecord{CryptexID: c.ID, Filename: "big.bin", Size: 35, StorageKey: "blob", SealedKey: []byte("k"), CreatedAt: now}
	require.NoError(t, s.AttachFile(ctx, "u1", f, true, 3, now))

	_, err = s.GetUpload(ctx, "u1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	cx, err := s.GetCryptex(ctx, c.ID, now)
	require.NoError(t, err)
	assert.False(t, cx.PendingFiles)
	assert.Equal(t, int64(35), cx.TotalSize)
	assert.Equal(t, 1, cx.FileCount)

	late := &domain.UploadSession{ID: "u3", CryptexID: c.ID, Filename: "late.bin", CreatedAt: now, LastActive: now}
	assert.ErrorIs(t, s.CreateUpload(ctx, late, 3, now), domain.ErrConflict, "finalized cryptex rejects new uploads")
}

func TestUploadFileLimit(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	c := sampleCryptex("abc-defg-hij", now)
	c.PendingFiles = true
	require.NoError(t, s.InsertCryptex(ctx, c))

	require.NoError(t, s.CreateUpload(ctx, &domain.UploadSession{ID: "a", CryptexID: c.ID, Filename: "a", CreatedAt: now, LastActive: now}, 2, now))
	require.NoError(t, s.CreateUpload(ctx, &domain.UploadSession{ID: "b", CryptexID: c.ID, Filename: "b", CreatedAt: now, LastActive: now}, 2, now))
	err := s.CreateUpload(ctx, &domain.UploadSession{ID: "c", CryptexID: c.ID, Filename: "c", CreatedAt: now, LastActive: now}, 2, now)
	assert.ErrorIs(t, err, domain.ErrValidation)

	stale, err := s.StaleUploads(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, stale)

	removed, err := s.DeleteCryptex(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, removed.UploadIDs)
	n, _ := s.CountUploads(ctx)
	assert.Zero(t, n)
}

func TestClaimTokenSingleUse(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	tok := &domain.DownloadToken{Hash: "h1", CryptexID: "abc-defg-hij", Filename: "a", WrappedFileKey: []byte("k"),
		ExpiresAt: now.Add(time.Minute), SingleUse: true}
	require.NoError(t, s.InsertToken(ctx, tok))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ClaimToken(ctx, "h1", now); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrNotFound)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	n, err := s.DeleteDeadTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClaimTokenExpiryAndMultiUse(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.InsertToken(ctx, &domain.DownloadToken{Hash: "multi", CryptexID: "x", Filename: "a",
		WrappedFileKey: []byte("k"), ExpiresAt: now.Add(time.Minute)}))

	for i := 1; i <= 3; i++ {
		got, err := s.ClaimToken(ctx, "multi", now)
		require.NoError(t, err)
		assert.Equal(t, i, got.Uses)
	}
	_, err := s.ClaimToken(ctx, "multi", now.Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrExpired)

	_, err = s.ClaimToken(ctx, "missing", now)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInviteLifecycle(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	exp := now.Add(time.Hour)
	require.NoError(t, s.InsertInvite(ctx, &domain.InviteLink{Token: "t1", Label: "x", CreatedAt: now, ExpiresAt: &exp, MaxUses: 1, PasswordCT: []byte("p")}))
	require.NoError(t, s.InsertInvite(ctx, &domain.InviteLink{Token: "t2", CreatedAt: now, MaxUses: 1}))

	ok, err := s.ConsumeInvite(ctx, "t1", "abc-defg-hij", true, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = s.ConsumeInvite(ctx, "t1", "zzz-zzzz-zzz", false, now)
	assert.False(t, ok, "invite is single use")

	ok, _ = s.ConsumeInvite(ctx, "t2", "abc-defg-hij", false, now.Add(24*time.Hour))
	assert.True(t, ok, "links without expiry never expire")

	l, err := s.GetInvite(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "abc-defg-hij", l.CryptexID)
	assert.True(t, l.CryptexHasPassword)

	require.NoError(t, s.UpdateInviteLabel(ctx, "t1", "renamed"))
	assert.ErrorIs(t, s.UpdateInviteLabel(ctx, "nope", "x"), domain.ErrNotFound)

	list, err := s.ListInvites(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	bound, err := s.DeleteInvite(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "abc-defg-hij", bound)

	n, err := s.DeleteExpiredInvites(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAPIKeysAndSettings(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.InsertAPIKey(ctx, &domain.APIKey{ID: "k1", Name: "ci", Digest: "d1", CreatedAt: now}))

	k, err := s.GetAPIKeyByDigest(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, k.LastUsed)
	require.NoError(t, s.TouchAPIKey(ctx, "k1", now))
	k, _ = s.GetAPIKeyByDigest(ctx, "d1")
	assert.NotNil(t, k.LastUsed)

	digest, err := s.DeleteAPIKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "d1", digest)
	_, err = s.DeleteAPIKey(ctx, "k1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, ok, err := s.GetSetting(ctx, "mode")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.PutSetting(ctx, "mode", "private"))
	require.NoError(t, s.PutSetting(ctx, "mode", "public"))
	v, ok, _ := s.GetSetting(ctx, "mode")
	assert.True(t, ok)
	assert.Equal(t, "public", v)
}

func TestCheckpoint(t *testing.T) {
	s := newTestDB(t)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Checkpoint(context.Background()))
}
