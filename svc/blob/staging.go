package blob

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"cryptex/pkg/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Staging keeps received upload parts on local disk until completion:
// <dir>/<upload_id>/<index>.part. Temp files for assembly live in <dir>/.tmp.
type Staging struct {
	dir string
}

func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o700); err != nil {
		return nil, errors.Wrap(err, "create staging dir")
	}
	return &Staging{dir: dir}, nil
}

func (s *Staging) uploadDir(uploadID string) (string, error) {
	if _, err := uuid.Parse(uploadID); err != nil {
		return "", domain.ErrNotFound.With("upload session not found")
	}
	return filepath.Join(s.dir, uploadID), nil
}

func (s *Staging) partPath(uploadID string, idx int) (string, error) {
	d, err := s.uploadDir(uploadID)
	if err != nil {
		return "", err
	}
	return filepath.Join(d, strconv.Itoa(idx)+".part"), nil
}

// WritePart stores r as part idx, replacing any earlier copy. Bodies longer
// than max are rejected and nothing is kept.
func (s *Staging) WritePart(uploadID string, idx int, r io.Reader, max int64) (int64, error) {
	p, err := s.partPath(uploadID, idx)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return 0, errors.Wrap(err, "create upload dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".part-*")
	if err != nil {
		return 0, errors.Wrap(err, "create part temp")
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, io.LimitReader(r, max+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, errors.Wrap(err, "write part")
	}
	if n > max {
		return 0, domain.Validation("part exceeds %d bytes", max)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return 0, errors.Wrap(err, "commit part")
	}
	return n, nil
}

// Concat copies parts 0..count-1 to w in index order.
func (s *Staging) Concat(uploadID string, count int, w io.Writer) (int64, error) {
	var total int64
	for i := 0; i < count; i++ {
		p, err := s.partPath(uploadID, i)
		if err != nil {
			return total, err
		}
		f, err := os.Open(p)
		if err != nil {
			return total, errors.Wrapf(err, "open part %d", i)
		}
		n, err := io.Copy(w, f)
		f.Close()
		total += n
		if err != nil {
			return total, errors.Wrapf(err, "copy part %d", i)
		}
	}
	return total, nil
}

// Remove drops every staged part of an upload. Missing uploads are fine.
func (s *Staging) Remove(uploadID string) error {
	d, err := s.uploadDir(uploadID)
	if err != nil {
		return nil
	}
	return errors.Wrap(os.RemoveAll(d), "remove staging")
}

// Uploads lists upload ids that have a staging directory.
func (s *Staging) Uploads() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "read staging dir")
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err == nil {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// TempFile returns a scratch file the caller must close and remove.
func (s *Staging) TempFile() (*os.File, error) {
	f, err := os.CreateTemp(filepath.Join(s.dir, ".tmp"), "assemble-*")
	return f, errors.Wrap(err, "create assembly temp")
}
