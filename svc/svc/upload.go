package svc

import (
	"context"
	"io"

	"cryptex/metrics"
	"cryptex/pkg/domain"
	"cryptex/svc/util"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Uploads struct {
	*base
	cryptexes *Cryptexes
}

func uploadLock(id string) string { return "upload:" + id }

// Start opens an upload session for a pending cryptex.
func (u *Uploads) Start(ctx context.Context, cryptexID, filename string, declared int64) (*domain.UploadSession, error) {
	if err := validID(cryptexID); err != nil {
		return nil, err
	}
	name, err := cleanFilename(filename)
	if err != nil {
		return nil, err
	}
	s, err := u.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if declared < 0 || declared > s.MaxFileSize {
		return nil, domain.Validation("file size must be between 0 and %d bytes", s.MaxFileSize)
	}
	now := u.now()
	sess := &domain.UploadSession{
		ID:           uuid.NewString(),
		CryptexID:    cryptexID,
		Filename:     name,
		DeclaredSize: declared,
		CreatedAt:    now,
		LastActive:   now,
	}
	if err := u.DB.CreateUpload(ctx, sess, s.MaxFileCount, now); err != nil {
		return nil, err
	}
	u.log.Debug().Str("upload_id", sess.ID).Str("id", util.RedactID(cryptexID)).Msg("upload started")
	return sess, nil
}

// live loads a session that has seen activity within the session TTL.
func (u *Uploads) live(ctx context.Context, id string) (*domain.UploadSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound.With("upload session not found")
	}
	sess, err := u.DB.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.now().Sub(sess.LastActive) > u.Cfg.UploadSessionTTL {
		return nil, domain.ErrNotFound.With("upload session expired")
	}
	return sess, nil
}

// Part stages one chunk. Re-sending an index replaces the earlier bytes.
func (u *Uploads) Part(ctx context.Context, id string, idx int, body io.Reader) (int64, error) {
	if idx < 0 || idx >= u.Cfg.MaxUploadParts {
		return 0, domain.Validation("part index must be between 0 and %d", u.Cfg.MaxUploadParts-1)
	}
	unlock := u.locks.RLock(uploadLock(id))
	defer unlock()

	sess, err := u.live(ctx, id)
	if err != nil {
		return 0, err
	}
	if sess.Finalized {
		return 0, domain.Conflict("upload already finalized")
	}
	s, err := u.settings.Get(ctx)
	if err != nil {
		return 0, err
	}
	remaining := s.MaxFileSize - (sess.ReceivedSize() - sess.Parts[idx])
	if remaining <= 0 {
		return 0, domain.Validation("file exceeds the maximum size of %d bytes", s.MaxFileSize)
	}
	limit := u.Cfg.MaxPartSize
	if remaining < limit {
		limit = remaining
	}
	n, err := u.Staging.WritePart(id, idx, body, limit)
	if err != nil {
		return 0, err
	}
	if err := u.DB.PutPart(ctx, id, idx, n, u.now()); err != nil {
		return 0, err
	}
	metrics.UploadParts.Inc()
	return n, nil
}

// Complete reassembles the staged parts in index order, encrypts them into
// a blob and attaches the file. A failed store resets the session so the
// client can retry.
func (u *Uploads) Complete(ctx context.Context, id string, finalize bool) (*domain.FileInfo, error) {
	unlock := u.locks.Lock(uploadLock(id))
	defer unlock()

	sess, err := u.live(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Finalized {
		return nil, domain.Conflict("upload already finalized")
	}
	if len(sess.Parts) == 0 {
		return nil, domain.Validation("no parts received")
	}
	if gap := sess.MissingPart(); gap >= 0 {
		return nil, domain.Validation("missing part %d", gap)
	}
	size := sess.ReceivedSize()
	if sess.DeclaredSize > 0 && size != sess.DeclaredSize {
		return nil, domain.Validation("size mismatch: declared %d, received %d", sess.DeclaredSize, size)
	}
	s, err := u.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if size > s.MaxFileSize {
		return nil, domain.Validation("file exceeds the maximum size of %d bytes", s.MaxFileSize)
	}
	ok, err := u.DB.SetFinalized(ctx, id, true, u.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Conflict("upload already finalized")
	}

	rec, err := u.store(ctx, sess, s.MaxFileSize, s.MaxFileCount, finalize)
	if err != nil {
		if _, rerr := u.DB.SetFinalized(context.WithoutCancel(ctx), id, false, u.now()); rerr != nil {
			u.log.Error().Err(rerr).Str("upload_id", id).Msg("failed to reset upload")
		}
		return nil, err
	}
	if err := u.Staging.Remove(id); err != nil {
		u.log.Warn().Err(err).Str("upload_id", id).Msg("failed to remove staged parts")
	}
	metrics.FilesStored.Inc()
	metrics.BytesStored.Add(float64(rec.Size))
	u.log.Info().Str("upload_id", id).Str("id", util.RedactID(sess.CryptexID)).Int64("size", rec.Size).Bool("finalize", finalize).Msg("upload completed")
	return &domain.FileInfo{Filename: rec.Filename, Size: rec.Size}, nil
}

func (u *Uploads) store(ctx context.Context, sess *domain.UploadSession, max int64, maxFiles int, finalize bool) (*domain.FileRecord, error) {
	cx, err := u.DB.GetCryptex(ctx, sess.CryptexID, u.now())
	if err != nil {
		return nil, err
	}
	if cx.Consumed {
		return nil, domain.ErrNotFound
	}
	count := len(sess.Parts)
	rec, err := u.sealFile(ctx, cx.ID, cx.BoxPublic, sess.Filename, max, func(w io.Writer) (int64, error) {
		return u.Staging.Concat(sess.ID, count, w)
	})
	if err != nil {
		return nil, err
	}
	if err := u.DB.AttachFile(ctx, sess.ID, rec, finalize, maxFiles, u.now()); err != nil {
		u.releaseBlobs(ctx, []string{rec.StorageKey})
		return nil, errors.Wrap(err, "attach")
	}
	return rec, nil
}

// Abort drops a session and its staged bytes. Unknown ids are not an error.
func (u *Uploads) Abort(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	unlock := u.locks.Lock(uploadLock(id))
	defer unlock()
	return u.discard(ctx, id)
}

func (u *Uploads) discard(ctx context.Context, id string) error {
	if _, err := u.DB.DeleteUpload(ctx, id); err != nil {
		return err
	}
	return u.Staging.Remove(id)
}
