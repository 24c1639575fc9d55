package svc

import (
	"context"
	"io"
	"os"

	"cryptex/metrics"
	"cryptex/pkg/domain"
	"cryptex/svc/blob"
	"cryptex/svc/crypt"

	"github.com/pkg/errors"
)

// sealFile encrypts the bytes produced by fill under a fresh file key,
// stores the result as a blob and returns the record with the file key
// sealed to the cryptex's box key. Nothing is left behind on error.
func (b *base) sealFile(ctx context.Context, cryptexID string, pub []byte, name string, max int64, fill func(io.Writer) (int64, error)) (*domain.FileRecord, error) {
	tmp, err := b.Staging.TempFile()
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	fileKey, err := crypt.NewFileKey()
	if err != nil {
		return nil, err
	}
	defer crypt.Wipe(fileKey)

	w, err := crypt.NewWriter(tmp, fileKey)
	if err != nil {
		return nil, errors.Wrap(err, "init file stream")
	}
	n, err := fill(w)
	if err != nil {
		return nil, errors.Wrapf(err, "encrypt %s", name)
	}
	if n > max {
		return nil, domain.Validation("file %q exceeds the maximum size of %d bytes", name, max)
	}
	if n == 0 {
		return nil, domain.Validation("file %q is empty", name)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "finish file stream")
	}
	sealed, err := crypt.SealTo(pub, fileKey)
	if err != nil {
		return nil, errors.Wrap(err, "seal file key")
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "rewind")
	}

	now := b.now()
	key := blob.NewKey(now)
	bctx, cancel := b.blobCtx(ctx)
	defer cancel()
	if err := b.Blobs.Put(bctx, key, tmp, crypt.EncryptedSize(n)); err != nil {
		return nil, errors.Wrap(err, "store blob")
	}
	metrics.EncryptionOps.WithLabelValues("file_encrypt").Inc()
	return &domain.FileRecord{
		CryptexID:  cryptexID,
		Filename:   name,
		Size:       n,
		StorageKey: key,
		SealedKey:  sealed,
		CreatedAt:  now,
	}, nil
}
