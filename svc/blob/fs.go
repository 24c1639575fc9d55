package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cryptex/pkg/domain"

	"github.com/pkg/errors"
)

type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errors.Wrap(err, "create blob dir")
	}
	return &FS{root: root}, nil
}

func (f *FS) Name() string { return "fs" }

func (f *FS) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", domain.Validation("invalid storage key")
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FS) Put(ctx context.Context, key string, r io.ReadSeeker, size int64) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return errors.Wrap(err, "create blob parent")
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return errors.Wrap(err, "create temp blob")
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err == nil && size >= 0 && n != size {
		err = errors.Errorf("short blob write: %d of %d bytes", n, size)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "write blob")
	}
	return errors.Wrap(os.Rename(tmp.Name(), p), "commit blob")
}

func (f *FS) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, domain.ErrNotFound.With("file not found")
	}
	return file, errors.Wrap(err, "open blob")
}

func (f *FS) Delete(_ context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "delete blob")
	}
	return nil
}

func (f *FS) Ping(context.Context) error {
	_, err := os.Stat(f.root)
	return err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
