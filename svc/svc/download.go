package svc

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"cryptex/metrics"
	"cryptex/pkg/domain"
	"cryptex/pkg/kms"
	"cryptex/svc/crypt"
	"cryptex/svc/util"

	"github.com/pkg/errors"
)

const (
	tokenBytes     = 48
	maxTokenLength = 128
)

type Downloads struct {
	*base
	cryptexes *Cryptexes
}

// Download is a resolved file. Body must be closed; closing the last file
// of an opened autodestroy cryptex destroys it.
type Download struct {
	Filename string
	Size     int64
	Body     io.ReadCloser
}

func tokenContext(hash string) kms.EncryptionContext {
	return kms.EncryptionContext{"purpose": "download-token", "token": hash}
}

func findFile(files []domain.FileRecord, name string) *domain.FileRecord {
	for i := range files {
		if files[i].Filename == name {
			return &files[i]
		}
	}
	return nil
}

// Issue hands out a short-lived token for one file. The file key is
// re-wrapped under the application key bound to the token digest.
func (d *Downloads) Issue(ctx context.Context, cryptexID, filename, password string) (_ *domain.IssuedToken, err error) {
	defer d.pad(time.Now(), &err)
	if err := validID(cryptexID); err != nil {
		return nil, err
	}
	cx, err := d.DB.GetCryptex(ctx, cryptexID, d.now())
	if err != nil {
		return nil, err
	}
	if cx.PendingFiles {
		return nil, domain.ErrNotFound
	}
	if cx.Autodestroy && !cx.Consumed {
		return nil, domain.Validation("Cryptex must be opened before downloading files")
	}
	file := findFile(cx.Files, filename)
	if file == nil {
		return nil, domain.ErrNotFound.With("file not found")
	}
	if cx.Autodestroy && file.Downloaded {
		return nil, domain.ErrExpired.With("File has already been downloaded")
	}
	key, err := d.unlock(ctx, cx, password)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()
	fileKey, err := key.OpenFrom(cx.BoxPublic, cx.BoxPrivateCT, file.SealedKey, []byte(cx.ID))
	if err != nil {
		return nil, errors.Wrap(err, "unseal file key")
	}
	defer crypt.Wipe(fileKey)

	token, err := util.NewToken(tokenBytes)
	if err != nil {
		return nil, err
	}
	hash := util.HashToken(token)
	wrapped, err := d.Keys.Wrap(ctx, fileKey, tokenContext(hash))
	if err != nil {
		return nil, errors.Wrap(err, "wrap file key")
	}
	ttl := d.Cfg.DownloadTokenTTL
	if err := d.DB.InsertToken(ctx, &domain.DownloadToken{
		Hash:           hash,
		CryptexID:      cx.ID,
		Filename:       file.Filename,
		WrappedFileKey: wrapped,
		ExpiresAt:      d.now().Add(ttl),
		SingleUse:      cx.Autodestroy || !d.Cfg.DownloadTokenMultiUse,
		Autodestroy:    cx.Autodestroy,
	}); err != nil {
		return nil, err
	}
	metrics.DownloadTokens.WithLabelValues("issued").Inc()
	return &domain.IssuedToken{
		Token:     token,
		URL:       strings.TrimRight(d.Cfg.PublicURL, "/") + "/api/download/" + token,
		Filename:  file.Filename,
		Size:      file.Size,
		ExpiresIn: int(ttl.Seconds()),
	}, nil
}

// Resolve redeems a token and returns the decrypting stream.
func (d *Downloads) Resolve(ctx context.Context, token string) (*Download, error) {
	if token == "" || len(token) > maxTokenLength {
		return nil, domain.ErrNotFound.With("download link not found")
	}
	hash := util.HashToken(token)
	if d.Claims != nil && !d.Cfg.DownloadTokenMultiUse {
		ok, err := d.Claims.Claim(ctx, "dl:"+hash, d.Cfg.DownloadTokenTTL)
		if err != nil {
			d.log.Warn().Err(err).Msg("token claim unavailable; relying on the store")
		} else if !ok {
			metrics.DownloadTokens.WithLabelValues("rejected").Inc()
			return nil, domain.ErrNotFound.With("download link already used")
		}
	}
	t, err := d.DB.ClaimToken(ctx, hash, d.now())
	if err != nil {
		metrics.DownloadTokens.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if t.Autodestroy {
		ok, err := d.DB.MarkFileDownloaded(ctx, t.CryptexID, t.Filename)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrExpired.With("File has already been downloaded")
		}
	}
	cx, err := d.DB.GetCryptex(ctx, t.CryptexID, d.now())
	if err != nil {
		return nil, err
	}
	file := findFile(cx.Files, t.Filename)
	if file == nil {
		return nil, domain.ErrNotFound.With("file not found")
	}

	fileKey, err := d.Keys.Unwrap(ctx, t.WrappedFileKey, tokenContext(hash))
	if err != nil {
		return nil, errors.Wrap(err, "unwrap file key")
	}
	defer crypt.Wipe(fileKey)
	rc, err := d.Blobs.Open(ctx, file.StorageKey)
	if err != nil {
		return nil, err
	}
	plain, err := crypt.NewReader(rc, fileKey)
	if err != nil {
		rc.Close()
		return nil, errors.Wrap(err, "open file stream")
	}
	metrics.DownloadTokens.WithLabelValues("redeemed").Inc()
	metrics.EncryptionOps.WithLabelValues("file_decrypt").Inc()

	body := &downloadBody{Reader: plain, src: rc}
	if t.Autodestroy {
		id := t.CryptexID
		body.onClose = func() { d.afterAutodestroyDownload(context.WithoutCancel(ctx), id) }
	}
	return &Download{Filename: file.Filename, Size: file.Size, Body: body}, nil
}

func (d *Downloads) afterAutodestroyDownload(ctx context.Context, id string) {
	n, err := d.DB.PendingDownloads(ctx, id)
	if err != nil {
		d.log.Error().Err(err).Str("id", util.RedactID(id)).Msg("failed to count pending downloads")
		return
	}
	if n > 0 {
		return
	}
	if _, err := d.destroy(ctx, id, "autodestroy"); err != nil {
		d.log.Error().Err(err).Str("id", util.RedactID(id)).Msg("autodestroy delete failed; left for the reaper")
	}
}

type downloadBody struct {
	io.Reader
	src     io.Closer
	once    sync.Once
	onClose func()
}

func (b *downloadBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.src.Close()
		if b.onClose != nil {
			b.onClose()
		}
	})
	return err
}
